package bridge

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tsawler/go-netbridge/checkpoints"
	"github.com/tsawler/go-netbridge/engine"
	"github.com/tsawler/go-netbridge/host"
	"github.com/tsawler/go-netbridge/layers"
	"github.com/tsawler/go-netbridge/logutil"
	"github.com/tsawler/go-netbridge/tensor"
)

// writeNet saves a network definition and its weights under a temp dir
func writeNet(t *testing.T, mb *layers.ModelBuilder, weights *checkpoints.NetParameter) (string, string) {
	t.Helper()
	dir := t.TempDir()

	spec, err := mb.Compile()
	require.NoError(t, err)
	def := filepath.Join(dir, "net.json")
	require.NoError(t, spec.Save(def))

	if weights == nil {
		weights = &checkpoints.NetParameter{Name: spec.Name}
	}
	model := filepath.Join(dir, "net.caffemodel")
	require.NoError(t, checkpoints.WriteNetParameterFile(model, weights))
	return def, model
}

func single(dims []int, vals ...float32) *host.Single {
	a := host.NewSingle(dims...)
	copy(a.Data, vals)
	return a
}

func ramp(n int, scale float32) []float32 {
	vals := make([]float32, n)
	for i := range vals {
		vals[i] = float32(i) * scale
	}
	return vals
}

func TestForwardTwoInputs(t *testing.T) {
	def, model := writeNet(t, layers.NewModelBuilder("pair").
		AddInput("a", 1, 3, 4, 4).
		AddInput("b", 1, 3, 4, 4).
		AddEltwiseSum([]string{"a", "b"}, "sum"), nil)

	s := NewSession()
	t.Cleanup(s.Close)
	_, err := s.Call("init", 0, host.String(def), host.String(model))
	require.NoError(t, err)

	dims := []int{4, 4, 3, 1}
	a := single(dims, ramp(48, 1)...)
	b := single(dims, ramp(48, 0.5)...)

	out, err := s.Call("forward", 1, host.Cell{a, b})
	require.NoError(t, err)
	require.Len(t, out, 1)
	cell := out[0].(host.Cell)
	require.Len(t, cell, 1)

	sum := cell[0].(*host.Single)
	assert.Equal(t, dims, sum.Size)
	assert.Equal(t, ramp(48, 1.5), sum.Data)

	_, err = s.Call("forward", 1, host.Cell{a})
	requireKind(t, err, KindUsage, ErrShapeMismatch)

	// forward only checks element counts
	flat := single([]int{48, 1}, ramp(48, 1)...)
	_, err = s.Call("forward", 1, host.Cell{flat, b})
	require.NoError(t, err)

	_, err = s.Call("forward", 1, host.Cell{single([]int{47}), b})
	requireKind(t, err, KindUsage, ErrShapeMismatch)

	double := &host.Double{Size: dims, Data: make([]float64, 48)}
	_, err = s.Call("forward", 1, host.Cell{a, double})
	requireKind(t, err, KindUsage, ErrSinglePrecision)

	_, err = s.Call("forward", 1, a)
	requireKind(t, err, KindUsage, nil)
}

// fcNet is data [1,1,3,2] -> inner product with 4 outputs
func fcNet(t *testing.T) (string, string, []float32, []float32) {
	t.Helper()
	w := ramp(12, 0.25)
	bias := []float32{1, -1, 2, -2}
	def, model := writeNet(t, layers.NewModelBuilder("fc").
		AddInput("data", 2, 3, 1, 1).
		AddInnerProduct(4, "fc"),
		&checkpoints.NetParameter{Name: "fc", Layers: []checkpoints.LayerWeights{{
			Name: "fc",
			Type: "InnerProduct",
			Blobs: []*checkpoints.BlobProto{
				{Shape: tensor.NewShape(1, 1, 4, 3), Data: w},
				{Shape: tensor.NewShape(1, 1, 1, 4), Data: bias},
			},
		}}})
	return def, model, w, bias
}

func TestReferenceEngineCommands(t *testing.T) {
	def, model, w, bias := fcNet(t)
	input := host.Cell{single([]int{1, 1, 3, 2}, 1, 2, 3, -1, 0, 1)}

	for _, mode := range []string{"set_mode_cpu", "set_mode_gpu"} {
		t.Run(mode, func(t *testing.T) {
			s := NewSession()
			t.Cleanup(s.Close)
			_, err := s.Call(mode, 0)
			require.NoError(t, err)
			_, err = s.Call("init", 0, host.String(def), host.String(model))
			require.NoError(t, err)

			// gradient of output channel c wrt the input is row c of W
			out, err := s.Call("get_gradients", 1, input, host.String("fc"), host.Row(2, 0, 1))
			require.NoError(t, err)
			grads := out[0].(*host.Single)
			assert.Equal(t, []int{1, 1, 3, 3}, grads.Size)
			want := append(append(append([]float32{}, w[6:9]...), w[0:3]...), w[3:6]...)
			assert.InDeltaSlice(t, want, grads.Data, 1e-6)
			assert.Equal(t, 0, s.Scratch().Outstanding())

			out, err = s.Call("get_features", 1, input, host.String("fc"))
			require.NoError(t, err)
			feats := out[0].(host.Cell)[0].(*host.Single)
			assert.Equal(t, []int{1, 1, 4, 2}, feats.Size)
			x := [][]float32{{1, 2, 3}, {-1, 0, 1}}
			var wantFeats []float32
			for _, xi := range x {
				for c := 0; c < 4; c++ {
					v := bias[c]
					for j := 0; j < 3; j++ {
						v += w[c*3+j] * xi[j]
					}
					wantFeats = append(wantFeats, v)
				}
			}
			assert.InDeltaSlice(t, wantFeats, feats.Data, 1e-5)

			out, err = s.Call("get_weights", 1)
			require.NoError(t, err)
			weights := out[0].(*host.Struct)
			require.Len(t, weights.Elems, 1)
			assert.Equal(t, host.String("fc"), weights.Get(0, "layer_names"))
			params := weights.Get(0, "weights").(host.Cell)
			require.Len(t, params, 2)
			assert.Equal(t, []int{3, 4, 1, 1}, params[0].(*host.Single).Size)
			assert.Equal(t, w, params[0].(*host.Single).Data)
			assert.Equal(t, bias, params[1].(*host.Single).Data)

			out, err = s.Call("get_blobs", 1)
			require.NoError(t, err)
			blobs := out[0].(*host.Struct)
			require.Len(t, blobs.Elems, 2)
			assert.Equal(t, []string{"diff", "data", "blob_names"}, blobs.Fields)
			assert.Equal(t, host.String("data"), blobs.Get(0, "blob_names"))
			assert.Equal(t, host.String("fc"), blobs.Get(1, "blob_names"))
			assert.InDeltaSlice(t, wantFeats, blobs.Get(1, "data").(*host.Single).Data, 1e-5)
		})
	}
}

func TestBackwardReturnsInputDiffs(t *testing.T) {
	def, model, w, _ := fcNet(t)
	s := NewSession()
	t.Cleanup(s.Close)
	_, err := s.Call("init", 0, host.String(def), host.String(model))
	require.NoError(t, err)

	_, err = s.Call("forward", 1, host.Cell{single([]int{1, 1, 3, 2}, 1, 2, 3, -1, 0, 1)})
	require.NoError(t, err)

	// dL/dy = e_1 for item 0 and e_3 for item 1
	top := single([]int{1, 1, 4, 2}, 0, 1, 0, 0, 0, 0, 0, 1)
	out, err := s.Call("backward", 1, host.Cell{top})
	require.NoError(t, err)
	diff := out[0].(host.Cell)[0].(*host.Single)
	assert.Equal(t, []int{1, 1, 3, 2}, diff.Size)
	want := append(append([]float32{}, w[3:6]...), w[9:12]...)
	assert.InDeltaSlice(t, want, diff.Data, 1e-6)

	_, err = s.Call("backward", 1, host.Cell{single([]int{1, 1, 3, 2})})
	requireKind(t, err, KindUsage, ErrShapeMismatch)
}

func TestWeightsSnapshotGrouping(t *testing.T) {
	p := func(vals ...float32) *tensor.Blob {
		return filledBlob(tensor.NewShape(1, 1, 1, len(vals)), tensor.Data, vals...)
	}
	s := fakeSession(t, func() *fakeNet {
		n := basicFake()
		n.layers = []engine.Layer{
			&fakeLayer{name: "conv1", typ: "Convolution", params: []*tensor.Blob{p(1, 2), p(3)}},
			&fakeLayer{name: "relu1", typ: "ReLU"},
			&fakeLayer{name: "ip", typ: "InnerProduct", params: []*tensor.Blob{p(4)}},
			&fakeLayer{name: "ip", typ: "InnerProduct", params: []*tensor.Blob{p(5, 6)}},
			&fakeLayer{name: "drop", typ: "Dropout"},
		}
		return n
	})
	_, err := s.Call("init", 0, host.String("net"), host.String("weights"))
	require.NoError(t, err)

	out, err := s.Call("get_weights", 1)
	require.NoError(t, err)
	snap := out[0].(*host.Struct)

	type layerEntry struct {
		Name    string
		Weights [][]float32
	}
	var got []layerEntry
	for i := range snap.Elems {
		e := layerEntry{Name: string(snap.Get(i, "layer_names").(host.String))}
		for _, v := range snap.Get(i, "weights").(host.Cell) {
			e.Weights = append(e.Weights, v.(*host.Single).Data)
		}
		got = append(got, e)
	}
	want := []layerEntry{
		{Name: "conv1", Weights: [][]float32{{1, 2}, {3}}},
		{Name: "ip", Weights: [][]float32{{4}, {5, 6}}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("weights snapshot mismatch (-want +got):\n%s", diff)
	}

	out, err = s.Call("get_blobs", 1)
	require.NoError(t, err)
	blobs := out[0].(*host.Struct)
	assert.Len(t, blobs.Elems, 2, "every blob is listed, with or without params")
}

func TestReadMean(t *testing.T) {
	var logs bytes.Buffer
	s := NewSession(WithLogger(logutil.NewLogger(&logs, logutil.LevelTrace)))

	path := filepath.Join(t.TempDir(), "mean.binaryproto")
	mean := &checkpoints.BlobProto{Shape: tensor.NewShape(1, 3, 2, 2), Data: ramp(12, 2)}
	require.NoError(t, checkpoints.WriteBlobProtoFile(path, mean))

	out, err := s.Call("read_mean", 1, host.String(path))
	require.NoError(t, err)
	got := out[0].(*host.Single)
	assert.Equal(t, []int{2, 2, 3, 1}, got.Size)
	assert.Equal(t, mean.Data, got.Data)
	assert.Contains(t, logs.String(), "channels are also BGR")

	_, err = s.Call("read_mean", 1, host.String(filepath.Join(t.TempDir(), "nope")))
	requireKind(t, err, KindIO, nil)

	_, err = s.Call("read_mean", 1, host.Scalar(1))
	requireKind(t, err, KindUsage, nil)

	// legacy header with num = -1
	var legacy []byte
	for i, v := range []int64{-1, 1, 1, 1} {
		legacy = protowire.AppendTag(legacy, protowire.Number(i+1), protowire.VarintType)
		legacy = protowire.AppendVarint(legacy, uint64(v))
	}
	negative := filepath.Join(t.TempDir(), "negative.binaryproto")
	require.NoError(t, os.WriteFile(negative, legacy, 0644))
	_, err = s.Call("read_mean", 1, host.String(negative))
	requireKind(t, err, KindIO, checkpoints.ErrMalformed)

	shapeOnly := filepath.Join(t.TempDir(), "shape.binaryproto")
	require.NoError(t, checkpoints.WriteBlobProtoFile(shapeOnly, &checkpoints.BlobProto{Shape: tensor.NewShape(1, 3, 2, 2)}))
	_, err = s.Call("read_mean", 1, host.String(shapeOnly))
	requireKind(t, err, KindIO, tensor.ErrShapeMismatch)

	// Malformed files do not poison the session
	require.NoError(t, s.Err())
	_, err = s.Call("read_mean", 1, host.String(path))
	require.NoError(t, err)
}

func TestDispatchLogsCommands(t *testing.T) {
	var logs bytes.Buffer
	s := NewSession(WithLogger(logutil.NewLogger(&logs, logutil.LevelTrace)))

	_, err := s.Call("set_phase_train", 0)
	require.NoError(t, err)
	assert.Contains(t, logs.String(), "command=set_phase_train")
	assert.Contains(t, logs.String(), "session="+s.ID())
}
