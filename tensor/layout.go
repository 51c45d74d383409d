package tensor

import (
	"errors"
	"fmt"

	"github.com/tsawler/go-netbridge/memory"
)

// ErrUnknownMode is returned when the device mode is neither CPU nor GPU.
// It signals a broken session configuration, not bad user input.
var ErrUnknownMode = errors.New("unknown device mode")

// CopyToEngine copies a host buffer into one field of dst. The element count
// must match the blob exactly.
func CopyToEngine(dst *Blob, f Field, src []float32, mode memory.DeviceType) error {
	if len(src) != dst.Count() {
		return fmt.Errorf("host buffer has %d elements, blob %v expects %d: %w",
			len(src), dst.Shape(), dst.Count(), ErrShapeMismatch)
	}

	switch mode {
	case memory.CPU:
		cpu, err := dst.MutableCPU(f)
		if err != nil {
			return err
		}
		copy(cpu, src)
	case memory.GPU:
		buf, err := dst.MutableGPU(f)
		if err != nil {
			return err
		}
		if err := buf.Write(src); err != nil {
			return fmt.Errorf("failed to copy %s to device: %w", f, err)
		}
	default:
		return fmt.Errorf("%w: %v", ErrUnknownMode, mode)
	}
	return nil
}

// CopyToHost returns a new host buffer holding one field of src
func CopyToHost(src *Blob, f Field, mode memory.DeviceType) ([]float32, error) {
	out := make([]float32, src.Count())
	if err := CopyPrefix(out, src, f, mode); err != nil {
		return nil, err
	}
	return out, nil
}

// CopyPrefix copies the first len(dst) elements of one field of src into dst
func CopyPrefix(dst []float32, src *Blob, f Field, mode memory.DeviceType) error {
	if len(dst) > src.Count() {
		return fmt.Errorf("cannot copy %d elements from blob %v of %d: %w",
			len(dst), src.Shape(), src.Count(), ErrShapeMismatch)
	}

	switch mode {
	case memory.CPU:
		cpu, err := src.CPU(f)
		if err != nil {
			return err
		}
		copy(dst, cpu)
	case memory.GPU:
		buf, err := src.GPU(f)
		if err != nil {
			return err
		}
		if err := buf.Read(dst); err != nil {
			return fmt.Errorf("failed to copy %s from device: %w", f, err)
		}
	default:
		return fmt.Errorf("%w: %v", ErrUnknownMode, mode)
	}
	return nil
}
