// Package tensor holds the engine-side blob type and the layout adapter that
// moves float32 data between engine blobs and host arrays.
//
// Engine blobs are stored row-major as (num, channels, height, width). Host
// arrays are column-major with dims [width, height, channels, num]. Both
// describe the same flat order with width fastest, so moving data between
// them is a contiguous copy once the element counts agree. Channel order
// (RGB vs BGR), mean subtraction and any width/height swap are the caller's
// responsibility; see Permute.
package tensor

import (
	"errors"
	"fmt"
)

var ErrShapeMismatch = errors.New("shape mismatch")

// Shape is a 4D tensor shape in host axis order
type Shape struct {
	Width    int
	Height   int
	Channels int
	Num      int
}

// NewShape builds a shape from engine axis order (num, channels, height, width)
func NewShape(num, channels, height, width int) Shape {
	return Shape{Width: width, Height: height, Channels: channels, Num: num}
}

// FromDims converts host dims to a Shape. Hosts drop trailing singleton
// dimensions, so fewer than four dims are padded with 1.
func FromDims(dims []int) (Shape, error) {
	if len(dims) > 4 {
		for _, d := range dims[4:] {
			if d != 1 {
				return Shape{}, fmt.Errorf("%d-dimensional array %v cannot be a 4D tensor: %w", len(dims), dims, ErrShapeMismatch)
			}
		}
	}

	full := [4]int{1, 1, 1, 1}
	copy(full[:], dims)
	for _, d := range full {
		if d < 0 {
			return Shape{}, fmt.Errorf("negative dimension in %v: %w", dims, ErrShapeMismatch)
		}
	}
	return Shape{Width: full[0], Height: full[1], Channels: full[2], Num: full[3]}, nil
}

// Dims returns the host dims [width, height, channels, num]
func (s Shape) Dims() []int {
	return []int{s.Width, s.Height, s.Channels, s.Num}
}

// Count returns the total number of elements
func (s Shape) Count() int {
	return s.Width * s.Height * s.Channels * s.Num
}

// Spatial returns the number of elements in one item of the batch
func (s Shape) Spatial() int {
	return s.Width * s.Height * s.Channels
}

// Offset returns the flat index of (n, c, h, w)
func (s Shape) Offset(n, c, h, w int) int {
	return ((n*s.Channels+c)*s.Height+h)*s.Width + w
}

func (s Shape) String() string {
	return fmt.Sprintf("[%d %d %d %d]", s.Width, s.Height, s.Channels, s.Num)
}
