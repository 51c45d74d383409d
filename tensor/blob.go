package tensor

import (
	"fmt"

	"github.com/tsawler/go-netbridge/memory"
)

// Field selects which half of a blob a copy touches
type Field int

const (
	Data Field = iota
	Diff
)

func (f Field) String() string {
	switch f {
	case Data:
		return "data"
	case Diff:
		return "diff"
	default:
		return "unknown"
	}
}

// Blob is an engine tensor: a value array and a gradient array of one shape
type Blob struct {
	shape Shape
	data  *memory.SyncedMemory
	diff  *memory.SyncedMemory
}

// NewBlob allocates a blob whose memory can sync with device (nil for host only)
func NewBlob(shape Shape, device memory.Device) *Blob {
	return &Blob{
		shape: shape,
		data:  memory.NewSyncedMemory(shape.Count(), device),
		diff:  memory.NewSyncedMemory(shape.Count(), device),
	}
}

// WrapBlob builds a blob over existing host slices, typically pooled scratch
// buffers. Both slices must hold exactly shape.Count() elements.
func WrapBlob(shape Shape, data, diff []float32, device memory.Device) (*Blob, error) {
	if len(data) != shape.Count() || len(diff) != shape.Count() {
		return nil, fmt.Errorf("blob %v needs %d elements, got data=%d diff=%d: %w",
			shape, shape.Count(), len(data), len(diff), ErrShapeMismatch)
	}
	return &Blob{
		shape: shape,
		data:  memory.NewSyncedMemoryFrom(data, device),
		diff:  memory.NewSyncedMemoryFrom(diff, device),
	}, nil
}

// Shape returns the blob shape
func (b *Blob) Shape() Shape {
	return b.shape
}

// Count returns the element count of either field
func (b *Blob) Count() int {
	return b.shape.Count()
}

func (b *Blob) mem(f Field) *memory.SyncedMemory {
	if f == Diff {
		return b.diff
	}
	return b.data
}

// CPU returns the host view of a field
func (b *Blob) CPU(f Field) ([]float32, error) {
	return b.mem(f).CPUData()
}

// MutableCPU returns the host view of a field for writing
func (b *Blob) MutableCPU(f Field) ([]float32, error) {
	return b.mem(f).MutableCPUData()
}

// GPU returns the device buffer of a field
func (b *Blob) GPU(f Field) (*memory.Buffer, error) {
	return b.mem(f).GPUData()
}

// MutableGPU returns the device buffer of a field for writing
func (b *Blob) MutableGPU(f Field) (*memory.Buffer, error) {
	return b.mem(f).MutableGPUData()
}

// Release frees device memory held by the blob
func (b *Blob) Release() {
	b.data.Release()
	b.diff.Release()
}
