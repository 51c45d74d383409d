package layers

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/tsawler/go-netbridge/checkpoints"
	"github.com/tsawler/go-netbridge/engine"
	"github.com/tsawler/go-netbridge/tensor"
)

var ErrClosed = errors.New("network is closed")

// Network is the reference engine: a CPU implementation of engine.Net whose
// blobs sync with a simulated accelerator when one is attached.
type Network struct {
	spec  *NetSpec
	blobs *orderedmap.OrderedMap[string, *tensor.Blob]

	inputs  []*tensor.Blob
	outputs []*tensor.Blob

	layers  []layer
	bottoms [][]*tensor.Blob
	tops    [][]*tensor.Blob

	closed bool
}

// Open loads a JSON network definition
func Open(definition string, ctx engine.Context) (engine.Net, error) {
	spec, err := LoadNetSpec(definition)
	if err != nil {
		return nil, err
	}
	return NewNetwork(spec, ctx)
}

// NewNetwork allocates every blob and parameter of spec
func NewNetwork(spec *NetSpec, ctx engine.Context) (*Network, error) {
	if !spec.Compiled {
		if err := spec.compile(); err != nil {
			return nil, err
		}
	}
	shapes, err := spec.blobShapes()
	if err != nil {
		return nil, err
	}

	seed := spec.Seed
	if seed == 0 {
		seed = 1
	}
	rng := rand.New(rand.NewSource(seed))

	n := &Network{
		spec:  spec,
		blobs: orderedmap.New[string, *tensor.Blob](),
	}
	for _, in := range spec.Inputs {
		b := tensor.NewBlob(shapes[in.Name], ctx.Accelerator)
		n.blobs.Set(in.Name, b)
		n.inputs = append(n.inputs, b)
	}

	consumed := make(map[string]bool)
	for i := range spec.Layers {
		ls := &spec.Layers[i]

		var bottoms []*tensor.Blob
		for _, name := range ls.Bottom {
			b, _ := n.blobs.Get(name)
			bottoms = append(bottoms, b)
			consumed[name] = true
		}

		var tops []*tensor.Blob
		for _, name := range ls.tops() {
			b := tensor.NewBlob(shapes[name], ctx.Accelerator)
			n.blobs.Set(name, b)
			tops = append(tops, b)
		}

		l, err := newLayer(ls, bottoms[0].Shape(), ctx, rng)
		if err != nil {
			n.Close()
			return nil, fmt.Errorf("failed to create layer %q: %w", ls.Name, err)
		}
		n.layers = append(n.layers, l)
		n.bottoms = append(n.bottoms, bottoms)
		n.tops = append(n.tops, tops)
	}

	for pair := n.blobs.Oldest(); pair != nil; pair = pair.Next() {
		if !consumed[pair.Key] && !n.isInput(pair.Value) {
			n.outputs = append(n.outputs, pair.Value)
		}
	}

	slog.Debug("network created", "name", spec.Name, "layers", len(n.layers), "blobs", n.blobs.Len(), "parameters", spec.TotalParameters)
	return n, nil
}

func (n *Network) isInput(b *tensor.Blob) bool {
	for _, in := range n.inputs {
		if in == b {
			return true
		}
	}
	return false
}

func (n *Network) Name() string { return n.spec.Name }

func (n *Network) InputBlobs() []*tensor.Blob { return n.inputs }

func (n *Network) OutputBlobs() []*tensor.Blob { return n.outputs }

func (n *Network) Blobs() []*tensor.Blob {
	out := make([]*tensor.Blob, 0, n.blobs.Len())
	for pair := n.blobs.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

func (n *Network) BlobNames() []string {
	out := make([]string, 0, n.blobs.Len())
	for pair := n.blobs.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Key)
	}
	return out
}

// Blob returns a blob by name
func (n *Network) Blob(name string) (*tensor.Blob, bool) {
	return n.blobs.Get(name)
}

func (n *Network) Layers() []engine.Layer {
	out := make([]engine.Layer, len(n.layers))
	for i, l := range n.layers {
		out[i] = l
	}
	return out
}

// BatchSize is the num of the first layer's first top
func (n *Network) BatchSize() int {
	return n.tops[0][0].Shape().Num
}

// Spec returns the compiled definition the network was built from
func (n *Network) Spec() *NetSpec {
	return n.spec
}

func (n *Network) ForwardPrefilled(ctx engine.Context) ([]*tensor.Blob, error) {
	if n.closed {
		return nil, ErrClosed
	}
	for i, l := range n.layers {
		if err := l.forward(ctx, n.bottoms[i], n.tops[i]); err != nil {
			return nil, fmt.Errorf("forward through layer %q: %w", l.Name(), err)
		}
	}
	return n.outputs, nil
}

func (n *Network) Backward(ctx engine.Context) error {
	if n.closed {
		return ErrClosed
	}
	return n.backwardFrom(len(n.layers)-1, n.outputs)
}

// backwardFrom zeroes every diff except those of keep, then runs layers
// last..0 in reverse.
func (n *Network) backwardFrom(last int, keep []*tensor.Blob) error {
	for pair := n.blobs.Oldest(); pair != nil; pair = pair.Next() {
		if containsBlob(keep, pair.Value) {
			continue
		}
		if err := zeroDiff(pair.Value); err != nil {
			return err
		}
	}
	for _, l := range n.layers {
		for _, p := range l.Params() {
			if err := zeroDiff(p); err != nil {
				return err
			}
		}
	}

	for i := last; i >= 0; i-- {
		if err := n.layers[i].backward(n.bottoms[i], n.tops[i]); err != nil {
			return fmt.Errorf("backward through layer %q: %w", n.layers[i].Name(), err)
		}
	}
	return nil
}

func (n *Network) layerIndex(name string) (int, error) {
	for i, l := range n.layers {
		if l.Name() == name {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: %q", engine.ErrLayerNotFound, name)
}

// CalcGradientsPrefilled runs forward once, then for each chunk of
// BatchSize selected channels seeds item i of the layer's top diff with a
// one at every spatial position of channel chunk[i] and backpropagates.
// Each batch holds the resulting diff of input 0; items past the chunk
// length carry no gradient. The batches own scratch buffers and must be
// released by the caller.
func (n *Network) CalcGradientsPrefilled(ctx engine.Context, layerName string, channels []int) (*engine.Batches, error) {
	if n.closed {
		return nil, ErrClosed
	}
	idx, err := n.layerIndex(layerName)
	if err != nil {
		return nil, err
	}

	top := n.tops[idx][0]
	shape := top.Shape()
	for _, c := range channels {
		if c < 0 || c >= shape.Channels {
			return nil, fmt.Errorf("%w: channel %d of layer %q with %d channels", engine.ErrChannelOutOfRange, c, layerName, shape.Channels)
		}
	}

	if _, err := n.ForwardPrefilled(ctx); err != nil {
		return nil, err
	}

	width := min(n.BatchSize(), shape.Num)
	input := n.inputs[0]
	results := engine.NewBatches()
	done := false
	defer func() {
		if !done {
			results.Release()
		}
	}()

	for start := 0; start < len(channels); start += width {
		chunk := channels[start:min(start+width, len(channels))]

		// Zero first so the seed written below survives
		if err := zeroDiff(top); err != nil {
			return nil, err
		}
		seed, err := top.MutableCPU(tensor.Diff)
		if err != nil {
			return nil, err
		}
		plane := shape.Height * shape.Width
		for i, c := range chunk {
			off := shape.Offset(i, c, 0, 0)
			for p := 0; p < plane; p++ {
				seed[off+p] = 1
			}
		}

		if err := n.backwardFrom(idx, []*tensor.Blob{top}); err != nil {
			return nil, err
		}

		blob, release, err := scratchCopy(ctx, input)
		if err != nil {
			return nil, err
		}
		results.Add(blob, release)
	}

	done = true
	return results, nil
}

// scratchCopy snapshots both fields of src into scratch buffers
func scratchCopy(ctx engine.Context, src *tensor.Blob) (*tensor.Blob, func(), error) {
	count := src.Count()
	get := func() ([]float32, error) {
		if ctx.Scratch == nil {
			return make([]float32, count), nil
		}
		return ctx.Scratch.GetBuffer(count)
	}
	put := func(buf []float32) {
		if ctx.Scratch != nil {
			ctx.Scratch.ReturnBuffer(buf)
		}
	}

	data, err := get()
	if err != nil {
		return nil, nil, err
	}
	diff, err := get()
	if err != nil {
		put(data)
		return nil, nil, err
	}
	release := func() {
		put(data)
		put(diff)
	}

	srcData, err := src.CPU(tensor.Data)
	if err != nil {
		release()
		return nil, nil, err
	}
	srcDiff, err := src.CPU(tensor.Diff)
	if err != nil {
		release()
		return nil, nil, err
	}
	copy(data, srcData)
	copy(diff, srcDiff)

	blob, err := tensor.WrapBlob(src.Shape(), data, diff, ctx.Accelerator)
	if err != nil {
		release()
		return nil, nil, err
	}
	return blob, release, nil
}

// GetFeaturesPrefilled runs forward and returns the named layer's tops
func (n *Network) GetFeaturesPrefilled(ctx engine.Context, layerName string) ([]*tensor.Blob, error) {
	if n.closed {
		return nil, ErrClosed
	}
	idx, err := n.layerIndex(layerName)
	if err != nil {
		return nil, err
	}
	if _, err := n.ForwardPrefilled(ctx); err != nil {
		return nil, err
	}
	return append([]*tensor.Blob(nil), n.tops[idx]...), nil
}

// CopyTrainedLayersFrom loads weights by layer name. Source layers with no
// counterpart in the network are skipped; every layer sharing a name gets
// the same weights.
func (n *Network) CopyTrainedLayersFrom(path string) error {
	if n.closed {
		return ErrClosed
	}
	source, err := checkpoints.LoadLayerWeights(path)
	if err != nil {
		return err
	}

	for _, src := range source {
		matched := false
		for _, l := range n.layers {
			if l.Name() != src.Name {
				continue
			}
			matched = true
			if err := copyLayerWeights(l, src); err != nil {
				return err
			}
		}
		if !matched {
			slog.Debug("ignoring source layer", "name", src.Name)
		}
	}
	return nil
}

func copyLayerWeights(l layer, src checkpoints.LayerWeights) error {
	params := l.Params()
	if len(params) != len(src.Blobs) {
		return fmt.Errorf("layer %q: weights file has %d blobs, network expects %d: %w",
			l.Name(), len(src.Blobs), len(params), tensor.ErrShapeMismatch)
	}
	for i, p := range params {
		b := src.Blobs[i]
		if b.Shape != p.Shape() {
			return fmt.Errorf("layer %q blob %d: weights file has shape %v, network expects %v: %w",
				l.Name(), i, b.Shape, p.Shape(), tensor.ErrShapeMismatch)
		}
		if len(b.Data) != p.Count() {
			return fmt.Errorf("layer %q blob %d has no data: %w", l.Name(), i, tensor.ErrShapeMismatch)
		}
		dst, err := p.MutableCPU(tensor.Data)
		if err != nil {
			return err
		}
		copy(dst, b.Data)
	}
	return nil
}

// Close releases every blob and parameter
func (n *Network) Close() {
	if n.closed {
		return
	}
	n.closed = true
	for pair := n.blobs.Oldest(); pair != nil; pair = pair.Next() {
		pair.Value.Release()
	}
	for _, l := range n.layers {
		for _, p := range l.Params() {
			p.Release()
		}
	}
}

func zeroDiff(b *tensor.Blob) error {
	d, err := b.MutableCPU(tensor.Diff)
	if err != nil {
		return err
	}
	clear(d)
	return nil
}

func containsBlob(blobs []*tensor.Blob, b *tensor.Blob) bool {
	for _, x := range blobs {
		if x == b {
			return true
		}
	}
	return false
}
