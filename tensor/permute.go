package tensor

import "fmt"

// Permute reorders the axes of a column-major 4D host array. Axis i of the
// result is axis perm[i] of the input, as in MATLAB's permute. Callers use it
// to swap width and height before handing images to the bridge.
func Permute(data []float32, dims [4]int, perm [4]int) ([]float32, [4]int, error) {
	var seen [4]bool
	for _, p := range perm {
		if p < 0 || p > 3 || seen[p] {
			return nil, dims, fmt.Errorf("invalid permutation %v", perm)
		}
		seen[p] = true
	}

	total := dims[0] * dims[1] * dims[2] * dims[3]
	if len(data) != total {
		return nil, dims, fmt.Errorf("array has %d elements, dims %v imply %d: %w", len(data), dims, total, ErrShapeMismatch)
	}

	var out [4]int
	for i, p := range perm {
		out[i] = dims[p]
	}

	// Column-major strides of the source
	stride := [4]int{1, dims[0], dims[0] * dims[1], dims[0] * dims[1] * dims[2]}

	result := make([]float32, total)
	var idx [4]int
	for dst := 0; dst < total; dst++ {
		src := 0
		for i := range idx {
			src += idx[i] * stride[perm[i]]
		}
		result[dst] = data[src]

		// Advance the destination index, first axis fastest
		for i := 0; i < 4; i++ {
			idx[i]++
			if idx[i] < out[i] {
				break
			}
			idx[i] = 0
		}
	}
	return result, out, nil
}

// ReverseChannels flips channel order in place, turning RGB into BGR and back
func ReverseChannels(data []float32, s Shape) error {
	if len(data) != s.Count() {
		return fmt.Errorf("array has %d elements, shape %v implies %d: %w", len(data), s, s.Count(), ErrShapeMismatch)
	}
	plane := s.Width * s.Height
	for n := 0; n < s.Num; n++ {
		base := n * s.Spatial()
		for lo, hi := 0, s.Channels-1; lo < hi; lo, hi = lo+1, hi-1 {
			a := data[base+lo*plane : base+(lo+1)*plane]
			b := data[base+hi*plane : base+(hi+1)*plane]
			for i := range a {
				a[i], b[i] = b[i], a[i]
			}
		}
	}
	return nil
}
