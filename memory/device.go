package memory

import (
	"errors"
	"fmt"
	"strings"
)

// DeviceType represents where tensor data is copied to and from
type DeviceType int

const (
	CPU DeviceType = iota
	GPU
)

func (d DeviceType) String() string {
	switch d {
	case CPU:
		return "CPU"
	case GPU:
		return "GPU"
	default:
		return fmt.Sprintf("DeviceType(%d)", int(d))
	}
}

// ParseDeviceType converts "cpu" or "gpu" (any case) to a DeviceType
func ParseDeviceType(s string) (DeviceType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "cpu":
		return CPU, nil
	case "gpu":
		return GPU, nil
	default:
		return CPU, fmt.Errorf("unknown device type %q", s)
	}
}

var (
	ErrNoDevice     = errors.New("no accelerator device attached")
	ErrSizeMismatch = errors.New("buffer size mismatch")
)

// Device is an accelerator that owns device-side buffers. Host code never
// touches device memory directly; all traffic goes through Upload and Download.
type Device interface {
	ID() int
	Alloc(n int) (*Buffer, error)
	Upload(dst *Buffer, src []float32) error
	Download(dst []float32, src *Buffer) error
	Free(b *Buffer)
}

// Buffer is a device-resident float32 allocation
type Buffer struct {
	device Device
	length int

	// Handle is the device-specific allocation (an MTLBuffer, a CUDA pointer,
	// or a host slab for the simulated device).
	Handle any
}

// NewBuffer wraps a device allocation. Device implementations call this from Alloc.
func NewBuffer(device Device, length int, handle any) *Buffer {
	return &Buffer{device: device, length: length, Handle: handle}
}

// Len returns the number of float32 elements in the buffer
func (b *Buffer) Len() int {
	return b.length
}

// Device returns the owning device
func (b *Buffer) Device() Device {
	return b.device
}

// Write uploads src into the buffer. len(src) may be shorter than the buffer.
func (b *Buffer) Write(src []float32) error {
	if len(src) > b.length {
		return fmt.Errorf("write of %d elements into buffer of %d: %w", len(src), b.length, ErrSizeMismatch)
	}
	return b.device.Upload(b, src)
}

// Read downloads the first len(dst) elements of the buffer into dst
func (b *Buffer) Read(dst []float32) error {
	if len(dst) > b.length {
		return fmt.Errorf("read of %d elements from buffer of %d: %w", len(dst), b.length, ErrSizeMismatch)
	}
	return b.device.Download(dst, b)
}

// SimDevice is an accelerator simulated in host memory. It keeps device
// allocations separate from host views so that missing synchronization shows
// up as wrong data instead of passing by accident.
type SimDevice struct {
	id        int
	allocated int
}

// NewSimDevice creates a simulated device with the given ordinal
func NewSimDevice(id int) *SimDevice {
	return &SimDevice{id: id}
}

// ID returns the device ordinal
func (d *SimDevice) ID() int {
	return d.id
}

// Alloc creates a zeroed device buffer of n elements
func (d *SimDevice) Alloc(n int) (*Buffer, error) {
	if n < 0 {
		return nil, fmt.Errorf("invalid allocation size %d", n)
	}
	d.allocated += n
	return NewBuffer(d, n, make([]float32, n)), nil
}

// Upload copies host data to the device buffer
func (d *SimDevice) Upload(dst *Buffer, src []float32) error {
	slab, ok := dst.Handle.([]float32)
	if !ok || dst.device != Device(d) {
		return fmt.Errorf("buffer does not belong to simulated device %d", d.id)
	}
	copy(slab, src)
	return nil
}

// Download copies device data back to the host
func (d *SimDevice) Download(dst []float32, src *Buffer) error {
	slab, ok := src.Handle.([]float32)
	if !ok || src.device != Device(d) {
		return fmt.Errorf("buffer does not belong to simulated device %d", d.id)
	}
	copy(dst, slab)
	return nil
}

// Free releases a device buffer
func (d *SimDevice) Free(b *Buffer) {
	if b == nil || b.Handle == nil {
		return
	}
	d.allocated -= b.length
	b.Handle = nil
}

// Allocated returns the number of live device elements (for debugging)
func (d *SimDevice) Allocated() int {
	return d.allocated
}
