package bridge

import (
	"errors"
	"io/fs"

	"github.com/tsawler/go-netbridge/engine"
	"github.com/tsawler/go-netbridge/tensor"
)

const fakeEngine = "fake"

// newFake builds the net returned by the next init on the fake engine
var newFake func() *fakeNet

func init() {
	engine.Register(fakeEngine, func(definition string, ctx engine.Context) (engine.Net, error) {
		if newFake == nil || definition == "missing" {
			return nil, &fs.PathError{Op: "open", Path: definition, Err: fs.ErrNotExist}
		}
		return newFake(), nil
	})
}

type fakeLayer struct {
	name   string
	typ    string
	params []*tensor.Blob
}

func (l *fakeLayer) Name() string           { return l.name }
func (l *fakeLayer) Type() string           { return l.typ }
func (l *fakeLayer) Params() []*tensor.Blob { return l.params }

type fakeNet struct {
	inputs  []*tensor.Blob
	outputs []*tensor.Blob
	blobs   []*tensor.Blob
	names   []string
	layers  []engine.Layer
	batch   int

	gradients func(channels []int) (*engine.Batches, error)
	onForward func()

	gradCalls int
	gotChans  []int
	closed    bool
}

func (n *fakeNet) Name() string                { return "fake" }
func (n *fakeNet) InputBlobs() []*tensor.Blob  { return n.inputs }
func (n *fakeNet) OutputBlobs() []*tensor.Blob { return n.outputs }
func (n *fakeNet) Blobs() []*tensor.Blob       { return n.blobs }
func (n *fakeNet) BlobNames() []string         { return n.names }
func (n *fakeNet) Layers() []engine.Layer      { return n.layers }
func (n *fakeNet) BatchSize() int              { return n.batch }
func (n *fakeNet) Close()                      { n.closed = true }

func (n *fakeNet) ForwardPrefilled(engine.Context) ([]*tensor.Blob, error) {
	if n.onForward != nil {
		n.onForward()
	}
	return n.outputs, nil
}

func (n *fakeNet) Backward(engine.Context) error { return nil }

func (n *fakeNet) CalcGradientsPrefilled(_ engine.Context, layer string, channels []int) (*engine.Batches, error) {
	n.gradCalls++
	n.gotChans = append([]int(nil), channels...)
	if layer != "fc" {
		return nil, engine.ErrLayerNotFound
	}
	if n.gradients == nil {
		return nil, errors.New("no gradients configured")
	}
	return n.gradients(channels)
}

func (n *fakeNet) GetFeaturesPrefilled(engine.Context, string) ([]*tensor.Blob, error) {
	return n.outputs, nil
}

func (n *fakeNet) CopyTrainedLayersFrom(path string) error {
	if path == "missing" {
		return &fs.PathError{Op: "open", Path: path, Err: fs.ErrNotExist}
	}
	return nil
}

// filledBlob returns a host-only blob whose data is vals
func filledBlob(shape tensor.Shape, f tensor.Field, vals ...float32) *tensor.Blob {
	b := tensor.NewBlob(shape, nil)
	dst, err := b.MutableCPU(f)
	if err != nil {
		panic(err)
	}
	copy(dst, vals)
	return b
}

// channelBatches mimics an engine: each batch holds width items of the
// given spatial shape, item i filled with the value of its channel id.
// released counts Release calls per batch.
func channelBatches(item tensor.Shape, width int, channels []int, released *int) *engine.Batches {
	batches := engine.NewBatches()
	for start := 0; start < len(channels); start += width {
		chunk := channels[start:min(start+width, len(channels))]
		shape := tensor.NewShape(width, item.Channels, item.Height, item.Width)
		vals := make([]float32, shape.Count())
		for i, c := range chunk {
			for j := 0; j < item.Spatial(); j++ {
				vals[i*item.Spatial()+j] = float32(c)
			}
		}
		batches.Add(filledBlob(shape, tensor.Diff, vals...), func() { *released++ })
	}
	return batches
}
