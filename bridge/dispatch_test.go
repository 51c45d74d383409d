package bridge

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-netbridge/engine"
	"github.com/tsawler/go-netbridge/host"
	"github.com/tsawler/go-netbridge/memory"
	"github.com/tsawler/go-netbridge/tensor"
)

// basicFake has one [2,1,1,2] input and one output of the same shape
func basicFake() *fakeNet {
	in := tensor.NewBlob(tensor.NewShape(2, 1, 1, 2), nil)
	out := tensor.NewBlob(tensor.NewShape(2, 1, 1, 2), nil)
	return &fakeNet{
		inputs:  []*tensor.Blob{in},
		outputs: []*tensor.Blob{out},
		blobs:   []*tensor.Blob{in, out},
		names:   []string{"data", "fc"},
		batch:   2,
	}
}

func fakeSession(t *testing.T, build func() *fakeNet) *Session {
	t.Helper()
	newFake = build
	t.Cleanup(func() { newFake = nil })
	return NewSession(WithEngine(fakeEngine))
}

func requireKind(t *testing.T, err error, kind Kind, target error) {
	t.Helper()
	require.Error(t, err)
	var be *Error
	require.True(t, errors.As(err, &be), "expected *Error, got %T", err)
	assert.Equal(t, kind, be.Kind)
	if target != nil {
		assert.ErrorIs(t, err, target)
	}
}

func TestCommandTable(t *testing.T) {
	want := []string{
		"init", "is_initialized", "reset", "forward", "backward",
		"get_gradients", "get_features", "get_weights", "get_blobs",
		"set_mode_cpu", "set_mode_gpu", "set_phase_train", "set_phase_test",
		"set_device", "get_init_key", "read_mean",
	}
	assert.Equal(t, want, Commands())

	cmd, ok := Lookup("get_gradients")
	require.True(t, ok)
	assert.Equal(t, CmdGetGradients, cmd)
	assert.Equal(t, "get_gradients", cmd.String())

	_, ok = Lookup("GET_GRADIENTS")
	assert.False(t, ok)
}

func TestDispatchNoCommand(t *testing.T) {
	s := NewSession()

	_, err := s.Dispatch(nil, 0)
	requireKind(t, err, KindUsage, ErrNoCommand)
	assert.Equal(t, "An API command is required.", err.Error())
}

func TestDispatchNonStringName(t *testing.T) {
	s := NewSession()

	_, err := s.Dispatch([]host.Value{host.Scalar(3)}, 0)
	requireKind(t, err, KindUsage, nil)
	assert.Contains(t, err.Error(), "command name")
}

func TestDispatchUnknownCommand(t *testing.T) {
	s := NewSession()

	_, err := s.Call("forwrd", 0)
	requireKind(t, err, KindUsage, ErrUnknownCommand)
	assert.Contains(t, err.Error(), `did you mean "forward"?`)

	_, err = s.Call("completely_unrelated", 0)
	requireKind(t, err, KindUsage, ErrUnknownCommand)
	assert.NotContains(t, err.Error(), "did you mean")
}

func TestArgumentCounts(t *testing.T) {
	s := NewSession()

	cases := []struct {
		name string
		args []host.Value
	}{
		{"init", []host.Value{host.String("net.json")}},
		{"is_initialized", []host.Value{host.Scalar(1)}},
		{"reset", []host.Value{host.Scalar(1)}},
		{"forward", nil},
		{"backward", []host.Value{host.Cell{}, host.Cell{}}},
		{"get_gradients", []host.Value{host.Cell{}, host.String("fc")}},
		{"get_features", []host.Value{host.Cell{}}},
		{"get_weights", []host.Value{host.Scalar(1)}},
		{"get_blobs", []host.Value{host.Scalar(1)}},
		{"set_mode_cpu", []host.Value{host.Scalar(1)}},
		{"set_mode_gpu", []host.Value{host.Scalar(1)}},
		{"set_phase_train", []host.Value{host.Scalar(1)}},
		{"set_phase_test", []host.Value{host.Scalar(1)}},
		{"set_device", nil},
		{"get_init_key", []host.Value{host.Scalar(1)}},
		{"read_mean", nil},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Call(tt.name, 0, tt.args...)
			requireKind(t, err, KindUsage, ErrArgCount)
		})
	}
}

func TestNotInitialized(t *testing.T) {
	s := fakeSession(t, basicFake)

	calls := []struct {
		name string
		args []host.Value
	}{
		{"forward", []host.Value{host.Cell{}}},
		{"backward", []host.Value{host.Cell{}}},
		{"get_gradients", []host.Value{host.Cell{}, host.String("fc"), host.Row(0)}},
		{"get_features", []host.Value{host.Cell{}, host.String("fc")}},
		{"get_weights", nil},
		{"get_blobs", nil},
	}
	check := func(t *testing.T) {
		for _, c := range calls {
			_, err := s.Call(c.name, 1, c.args...)
			requireKind(t, err, KindUsage, ErrNotInitialized)
		}
	}

	t.Run("before init", check)

	_, err := s.Call("init", 0, host.String("net"), host.String("weights"))
	require.NoError(t, err)
	_, err = s.Call("reset", 0)
	require.NoError(t, err)

	t.Run("after reset", check)
}

func TestInitTokens(t *testing.T) {
	s := fakeSession(t, basicFake)

	out, err := s.Call("get_init_key", 1)
	require.NoError(t, err)
	assert.Equal(t, host.Scalar(SentinelToken), out[0])

	out, err = s.Call("is_initialized", 1)
	require.NoError(t, err)
	assert.Equal(t, host.Scalar(0), out[0])

	out, err = s.Call("init", 1, host.String("net"), host.String("weights"))
	require.NoError(t, err)
	require.Len(t, out, 1)
	first, err := host.AsScalar(out[0])
	require.NoError(t, err)
	assert.NotEqual(t, float64(SentinelToken), first)
	assert.GreaterOrEqual(t, first, 0.0)
	assert.Less(t, first, float64(1<<31))

	out, err = s.Call("get_init_key", 1)
	require.NoError(t, err)
	assert.Equal(t, host.Scalar(first), out[0])

	// no token without an output
	out, err = s.Call("init", 0, host.String("net"), host.String("weights"))
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.NotEqual(t, int64(first), s.Token())

	out, err = s.Call("is_initialized", 1)
	require.NoError(t, err)
	assert.Equal(t, host.Scalar(1), out[0])

	_, err = s.Call("reset", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(SentinelToken), s.Token())
	assert.False(t, s.Initialized())

	// reset with nothing loaded is a no-op
	_, err = s.Call("reset", 0)
	require.NoError(t, err)
}

func TestInitReplacesNetwork(t *testing.T) {
	var nets []*fakeNet
	s := fakeSession(t, func() *fakeNet {
		n := basicFake()
		nets = append(nets, n)
		return n
	})

	_, err := s.Call("init", 0, host.String("net"), host.String("weights"))
	require.NoError(t, err)
	token := s.Token()

	_, err = s.Call("init", 0, host.String("net"), host.String("weights"))
	require.NoError(t, err)
	require.Len(t, nets, 2)
	assert.True(t, nets[0].closed)
	assert.False(t, nets[1].closed)
	assert.NotEqual(t, token, s.Token())
}

func TestInitFailureKeepsState(t *testing.T) {
	var nets []*fakeNet
	s := fakeSession(t, func() *fakeNet {
		n := basicFake()
		nets = append(nets, n)
		return n
	})

	_, err := s.Call("init", 0, host.String("net"), host.String("weights"))
	require.NoError(t, err)
	token := s.Token()
	loaded := s.Net()

	_, err = s.Call("init", 0, host.String("net"), host.String("missing"))
	requireKind(t, err, KindIO, nil)
	require.Len(t, nets, 2)
	assert.True(t, nets[1].closed, "half-loaded network must be closed")
	assert.False(t, nets[0].closed)
	assert.Same(t, loaded, s.Net())
	assert.Equal(t, token, s.Token())

	_, err = s.Call("init", 0, host.String("missing"), host.String("weights"))
	requireKind(t, err, KindIO, nil)
	assert.Same(t, loaded, s.Net())

	// usage errors do not poison the session
	_, err = s.Call("is_initialized", 1)
	require.NoError(t, err)
}

func TestModeAndPhase(t *testing.T) {
	s := NewSession(WithDevices(SimDevices(2)...))
	assert.Equal(t, memory.CPU, s.Mode())

	_, err := s.Call("set_mode_gpu", 0)
	require.NoError(t, err)
	assert.Equal(t, memory.GPU, s.Mode())

	_, err = s.Call("set_mode_cpu", 0)
	require.NoError(t, err)
	assert.Equal(t, memory.CPU, s.Mode())

	_, err = s.Call("set_phase_train", 0)
	require.NoError(t, err)
	assert.Equal(t, "train", s.Phase().String())

	_, err = s.Call("set_phase_test", 0)
	require.NoError(t, err)
	assert.Equal(t, "test", s.Phase().String())
}

func TestSetDevice(t *testing.T) {
	s := NewSession(WithDevices(SimDevices(2)...))

	_, err := s.Call("set_device", 0, host.Scalar(1))
	require.NoError(t, err)
	assert.Equal(t, 1, s.Device())
	assert.Equal(t, 1, s.engineContext().Accelerator.ID())

	for _, bad := range []host.Value{host.Scalar(2), host.Scalar(-1), host.Scalar(0.5), host.String("0")} {
		_, err := s.Call("set_device", 0, bad)
		requireKind(t, err, KindUsage, nil)
	}
	assert.Equal(t, 1, s.Device())
}

func TestNoAccelerator(t *testing.T) {
	s := NewSession(WithDevices())
	assert.Equal(t, 0, s.NumDevices())

	_, err := s.Call("set_mode_gpu", 0)
	requireKind(t, err, KindUsage, ErrNoAccelerator)
	assert.Equal(t, memory.CPU, s.Mode())

	_, err = s.Call("set_device", 0, host.Scalar(0))
	requireKind(t, err, KindUsage, ErrNoAccelerator)
	assert.Nil(t, s.engineContext().Accelerator)
}

func TestDispatchBusy(t *testing.T) {
	var s *Session
	var nested error
	s = fakeSession(t, func() *fakeNet {
		n := basicFake()
		n.onForward = func() {
			_, nested = s.Call("is_initialized", 1)
		}
		return n
	})

	_, err := s.Call("init", 0, host.String("net"), host.String("weights"))
	require.NoError(t, err)

	_, err = s.Call("forward", 1, host.Cell{host.NewSingle(2, 1, 1, 2)})
	require.NoError(t, err)
	requireKind(t, nested, KindUsage, ErrBusy)

	// back to idle
	_, err = s.Call("is_initialized", 1)
	require.NoError(t, err)
}

func TestInternalErrorPoisonsSession(t *testing.T) {
	released := 0
	s := fakeSession(t, func() *fakeNet {
		n := basicFake()
		n.gradients = func(channels []int) (*engine.Batches, error) {
			b := channelBatches(tensor.Shape{Width: 2, Height: 1, Channels: 1}, 2, channels, &released)
			// a batch with a different spatial size
			b.Add(filledBlob(tensor.NewShape(2, 1, 1, 3), tensor.Diff), func() { released++ })
			return b, nil
		}
		return n
	})

	_, err := s.Call("init", 0, host.String("net"), host.String("weights"))
	require.NoError(t, err)

	_, err = s.Call("get_gradients", 1, host.Cell{host.NewSingle(2, 1, 1, 2)}, host.String("fc"), host.Row(0, 1, 2))
	requireKind(t, err, KindInternal, ErrConsistency)
	assert.Equal(t, 3, released)
	assert.Error(t, s.Err())

	_, err = s.Call("is_initialized", 1)
	requireKind(t, err, KindInternal, ErrSessionFailed)
	assert.ErrorIs(t, err, ErrConsistency)
	assert.False(t, IsUsage(err))
}
