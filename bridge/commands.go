package bridge

import (
	"errors"
	"fmt"
	"io/fs"
	"math"

	"github.com/tsawler/go-netbridge/checkpoints"
	"github.com/tsawler/go-netbridge/engine"
	"github.com/tsawler/go-netbridge/host"
	"github.com/tsawler/go-netbridge/logutil"
	"github.com/tsawler/go-netbridge/memory"
	"github.com/tsawler/go-netbridge/tensor"
)

func cmdInit(s *Session, args []host.Value, nout int) ([]host.Value, error) {
	if err := checkArgs(args, 2); err != nil {
		return nil, err
	}
	definition, err := host.AsString(args[0])
	if err != nil {
		return nil, fmt.Errorf("definition path: %w", err)
	}
	weights, err := host.AsString(args[1])
	if err != nil {
		return nil, fmt.Errorf("weights path: %w", err)
	}

	net, err := engine.Open(s.engineName, definition, s.engineContext())
	if err != nil {
		return nil, fileError(fmt.Errorf("failed to load network %s: %w", definition, err))
	}
	if err := net.CopyTrainedLayersFrom(weights); err != nil {
		net.Close()
		return nil, fileError(fmt.Errorf("failed to load weights %s: %w", weights, err))
	}

	prev := s.token
	s.unload()
	s.net = net
	s.token = newToken(prev)
	s.logger.Info("network initialized", "engine", s.engineName, "name", net.Name(),
		"definition", definition, "weights", weights, "batch_size", net.BatchSize())

	if nout < 1 {
		return nil, nil
	}
	return []host.Value{host.Scalar(float64(s.token))}, nil
}

func cmdIsInitialized(s *Session, args []host.Value, _ int) ([]host.Value, error) {
	if err := checkArgs(args, 0); err != nil {
		return nil, err
	}
	if s.Initialized() {
		return []host.Value{host.Scalar(1)}, nil
	}
	return []host.Value{host.Scalar(0)}, nil
}

func cmdReset(s *Session, args []host.Value, _ int) ([]host.Value, error) {
	if err := checkArgs(args, 0); err != nil {
		return nil, err
	}
	s.unload()
	return nil, nil
}

func cmdGetInitKey(s *Session, args []host.Value, _ int) ([]host.Value, error) {
	if err := checkArgs(args, 0); err != nil {
		return nil, err
	}
	return []host.Value{host.Scalar(float64(s.token))}, nil
}

func cmdForward(s *Session, args []host.Value, _ int) ([]host.Value, error) {
	if err := checkArgs(args, 1); err != nil {
		return nil, err
	}
	if err := s.requireNet(); err != nil {
		return nil, err
	}
	ctx := s.engineContext()
	if err := s.fill(args[0], s.net.InputBlobs(), tensor.Data, false); err != nil {
		return nil, err
	}
	outputs, err := s.net.ForwardPrefilled(ctx)
	if err != nil {
		return nil, err
	}
	return s.collect(outputs, tensor.Data)
}

func cmdBackward(s *Session, args []host.Value, _ int) ([]host.Value, error) {
	if err := checkArgs(args, 1); err != nil {
		return nil, err
	}
	if err := s.requireNet(); err != nil {
		return nil, err
	}
	ctx := s.engineContext()
	if err := s.fill(args[0], s.net.OutputBlobs(), tensor.Diff, false); err != nil {
		return nil, err
	}
	if err := s.net.Backward(ctx); err != nil {
		return nil, err
	}
	return s.collect(s.net.InputBlobs(), tensor.Diff)
}

func cmdGetGradients(s *Session, args []host.Value, _ int) ([]host.Value, error) {
	if err := checkArgs(args, 3); err != nil {
		return nil, err
	}
	if err := s.requireNet(); err != nil {
		return nil, err
	}
	layer, err := host.AsString(args[1])
	if err != nil {
		return nil, fmt.Errorf("layer name: %w", err)
	}
	channels, err := parseChannels(args[2])
	if err != nil {
		return nil, err
	}
	if err := s.fill(args[0], s.net.InputBlobs(), tensor.Data, true); err != nil {
		return nil, err
	}

	grads, err := extractGradients(s.engineContext(), s.net, layer, channels)
	if err != nil {
		return nil, err
	}
	return []host.Value{grads}, nil
}

func cmdGetFeatures(s *Session, args []host.Value, _ int) ([]host.Value, error) {
	if err := checkArgs(args, 2); err != nil {
		return nil, err
	}
	if err := s.requireNet(); err != nil {
		return nil, err
	}
	layer, err := host.AsString(args[1])
	if err != nil {
		return nil, fmt.Errorf("layer name: %w", err)
	}
	if err := s.fill(args[0], s.net.InputBlobs(), tensor.Data, true); err != nil {
		return nil, err
	}

	tops, err := s.net.GetFeaturesPrefilled(s.engineContext(), layer)
	if err != nil {
		return nil, err
	}
	return s.collect(tops, tensor.Data)
}

func cmdGetWeights(s *Session, args []host.Value, _ int) ([]host.Value, error) {
	if err := checkArgs(args, 0); err != nil {
		return nil, err
	}
	if err := s.requireNet(); err != nil {
		return nil, err
	}
	out, err := weightsSnapshot(s.net, s.mode)
	if err != nil {
		return nil, err
	}
	return []host.Value{out}, nil
}

func cmdGetBlobs(s *Session, args []host.Value, _ int) ([]host.Value, error) {
	if err := checkArgs(args, 0); err != nil {
		return nil, err
	}
	if err := s.requireNet(); err != nil {
		return nil, err
	}
	out, err := blobsSnapshot(s.net, s.mode)
	if err != nil {
		return nil, err
	}
	return []host.Value{out}, nil
}

func cmdSetModeCPU(s *Session, args []host.Value, _ int) ([]host.Value, error) {
	if err := checkArgs(args, 0); err != nil {
		return nil, err
	}
	s.mode = memory.CPU
	s.logger.Debug("device mode set", "mode", s.mode)
	return nil, nil
}

func cmdSetModeGPU(s *Session, args []host.Value, _ int) ([]host.Value, error) {
	if err := checkArgs(args, 0); err != nil {
		return nil, err
	}
	if len(s.devices) == 0 {
		return nil, ErrNoAccelerator
	}
	s.mode = memory.GPU
	s.logger.Debug("device mode set", "mode", s.mode, "device", s.device)
	return nil, nil
}

func cmdSetPhaseTrain(s *Session, args []host.Value, _ int) ([]host.Value, error) {
	if err := checkArgs(args, 0); err != nil {
		return nil, err
	}
	s.phase = engine.Train
	return nil, nil
}

func cmdSetPhaseTest(s *Session, args []host.Value, _ int) ([]host.Value, error) {
	if err := checkArgs(args, 0); err != nil {
		return nil, err
	}
	s.phase = engine.Test
	return nil, nil
}

func cmdSetDevice(s *Session, args []host.Value, _ int) ([]host.Value, error) {
	if err := checkArgs(args, 1); err != nil {
		return nil, err
	}
	v, err := host.AsScalar(args[0])
	if err != nil {
		return nil, fmt.Errorf("device id: %w", err)
	}
	if len(s.devices) == 0 {
		return nil, ErrNoAccelerator
	}
	id := int(v)
	if float64(id) != v || id < 0 || id >= len(s.devices) {
		return nil, fmt.Errorf("invalid device id %v, %d device(s) attached", v, len(s.devices))
	}
	s.device = id
	s.logger.Debug("device selected", "device", id)
	return nil, nil
}

func cmdReadMean(s *Session, args []host.Value, _ int) ([]host.Value, error) {
	if err := checkArgs(args, 1); err != nil {
		return nil, err
	}
	path, err := host.AsString(args[0])
	if err != nil {
		return nil, fmt.Errorf("mean file path: %w", err)
	}

	blob, err := checkpoints.ReadBlobProtoFile(path)
	if err != nil {
		return nil, ioError(fmt.Errorf("could not read mean file %s: %w", path, err))
	}
	if err := blob.CheckData(); err != nil {
		return nil, ioError(fmt.Errorf("invalid mean file %s: %w", path, err))
	}
	out := host.SingleFromShape(blob.Shape)
	copy(out.Data, blob.Data)

	s.logger.Warn("Remember that Caffe saves in [width, height, channels] format and channels are also BGR!", "path", path, "dims", blob.Shape)
	return []host.Value{out}, nil
}

// fileError marks err as an I/O failure when a file could not be opened
func fileError(err error) error {
	var pe *fs.PathError
	if errors.As(err, &pe) {
		return ioError(err)
	}
	return err
}

// parseChannels validates a channel selection and rounds each id to the
// nearest integer
func parseChannels(v host.Value) ([]int, error) {
	ids, err := host.AsNumbers(v)
	if err != nil {
		return nil, fmt.Errorf("channel list: %w", err)
	}
	if len(ids) == 0 {
		return nil, ErrEmptyChannels
	}

	channels := make([]int, len(ids))
	for i, x := range ids {
		if math.IsNaN(x) || x < 0 {
			return nil, fmt.Errorf("%w: channel %d is %v", ErrNegativeChannel, i, x)
		}
		if x > math.MaxInt32 {
			return nil, fmt.Errorf("%w: channel %d is %v", engine.ErrChannelOutOfRange, i, x)
		}
		channels[i] = int(x + 0.5)
	}
	return channels, nil
}

// fill copies a cell of host arrays into field f of blobs. Every element is
// validated before any blob is written. With strict, dims must match each
// blob axis by axis; otherwise only element counts must agree.
func (s *Session) fill(v host.Value, blobs []*tensor.Blob, f tensor.Field, strict bool) error {
	cell, err := host.AsCell(v)
	if err != nil {
		return err
	}
	if len(cell) != len(blobs) {
		return fmt.Errorf("%w: got %d tensors, network expects %d", ErrShapeMismatch, len(cell), len(blobs))
	}

	arrays := make([]*host.Single, len(cell))
	for i, elem := range cell {
		a, ok := elem.(*host.Single)
		if !ok {
			return fmt.Errorf("tensor %d: %w", i, ErrSinglePrecision)
		}
		want := blobs[i].Shape()
		if strict {
			if err := checkDims(a, want); err != nil {
				return fmt.Errorf("tensor %d: %w", i, err)
			}
		} else if len(a.Data) != want.Count() {
			return fmt.Errorf("tensor %d has %d elements, blob %v expects %d: %w", i, len(a.Data), want, want.Count(), ErrShapeMismatch)
		}
		arrays[i] = a
	}

	for i, a := range arrays {
		if err := tensor.CopyToEngine(blobs[i], f, a.Data, s.mode); err != nil {
			return err
		}
		logutil.Trace(s.logger, "copied to engine", "field", f, "index", i, "count", len(a.Data), "mode", s.mode)
	}
	return nil
}

func checkDims(a *host.Single, want tensor.Shape) error {
	got, err := a.Shape()
	if err != nil {
		return err
	}
	switch {
	case got.Width != want.Width:
		return fmt.Errorf("%w: the width of the input images is wrong, got %d want %d", ErrShapeMismatch, got.Width, want.Width)
	case got.Height != want.Height:
		return fmt.Errorf("%w: the height of the input images is wrong, got %d want %d", ErrShapeMismatch, got.Height, want.Height)
	case got.Channels != want.Channels:
		return fmt.Errorf("%w: the channel size of the input images is wrong, got %d want %d", ErrShapeMismatch, got.Channels, want.Channels)
	case got.Num != want.Num:
		return fmt.Errorf("%w: the number of input images is wrong, got %d want %d", ErrShapeMismatch, got.Num, want.Num)
	}
	return nil
}

// collect copies field f of blobs into a cell of host arrays
func (s *Session) collect(blobs []*tensor.Blob, f tensor.Field) ([]host.Value, error) {
	cell := make(host.Cell, len(blobs))
	for i, b := range blobs {
		a := host.SingleFromShape(b.Shape())
		if err := tensor.CopyPrefix(a.Data, b, f, s.mode); err != nil {
			return nil, err
		}
		logutil.Trace(s.logger, "copied to host", "field", f, "index", i, "count", len(a.Data), "mode", s.mode)
		cell[i] = a
	}
	return []host.Value{cell}, nil
}
