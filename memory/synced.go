package memory

import "fmt"

type syncHead int

const (
	headUninitialized syncHead = iota
	headAtCPU
	headAtGPU
	headSynced
)

// SyncedMemory holds one float32 array that can live on the host, on an
// accelerator, or both. Reads sync lazily; mutable accessors move the head
// so the other side is refreshed on its next read.
type SyncedMemory struct {
	size   int
	cpu    []float32
	gpu    *Buffer
	device Device
	head   syncHead
}

// NewSyncedMemory creates a synced array of n elements. device may be nil for
// host-only memory; GPU accessors then fail with ErrNoDevice.
func NewSyncedMemory(n int, device Device) *SyncedMemory {
	return &SyncedMemory{size: n, device: device}
}

// NewSyncedMemoryFrom wraps an existing host slice, which becomes the
// authoritative copy. The slice is not copied.
func NewSyncedMemoryFrom(host []float32, device Device) *SyncedMemory {
	return &SyncedMemory{size: len(host), cpu: host, device: device, head: headAtCPU}
}

// Len returns the element count
func (m *SyncedMemory) Len() int {
	return m.size
}

// CPUData returns the host view, downloading from the device if it is newer
func (m *SyncedMemory) CPUData() ([]float32, error) {
	if err := m.toCPU(); err != nil {
		return nil, err
	}
	return m.cpu, nil
}

// MutableCPUData returns the host view and marks the host copy authoritative
func (m *SyncedMemory) MutableCPUData() ([]float32, error) {
	if err := m.toCPU(); err != nil {
		return nil, err
	}
	m.head = headAtCPU
	return m.cpu, nil
}

// GPUData returns the device buffer, uploading from the host if it is newer
func (m *SyncedMemory) GPUData() (*Buffer, error) {
	if err := m.toGPU(); err != nil {
		return nil, err
	}
	return m.gpu, nil
}

// MutableGPUData returns the device buffer and marks the device copy authoritative
func (m *SyncedMemory) MutableGPUData() (*Buffer, error) {
	if err := m.toGPU(); err != nil {
		return nil, err
	}
	m.head = headAtGPU
	return m.gpu, nil
}

// Release frees the device allocation
func (m *SyncedMemory) Release() {
	if m.gpu != nil && m.device != nil {
		m.device.Free(m.gpu)
	}
	m.gpu = nil
	m.cpu = nil
	m.head = headUninitialized
}

func (m *SyncedMemory) toCPU() error {
	switch m.head {
	case headUninitialized:
		m.cpu = make([]float32, m.size)
		m.head = headAtCPU
	case headAtGPU:
		if m.cpu == nil {
			m.cpu = make([]float32, m.size)
		}
		if err := m.gpu.Read(m.cpu); err != nil {
			return fmt.Errorf("failed to sync device memory to host: %w", err)
		}
		m.head = headSynced
	}
	return nil
}

func (m *SyncedMemory) toGPU() error {
	if m.device == nil {
		return ErrNoDevice
	}
	switch m.head {
	case headUninitialized:
		buf, err := m.device.Alloc(m.size)
		if err != nil {
			return fmt.Errorf("failed to allocate device memory: %w", err)
		}
		m.gpu = buf
		m.head = headAtGPU
	case headAtCPU:
		if m.gpu == nil {
			buf, err := m.device.Alloc(m.size)
			if err != nil {
				return fmt.Errorf("failed to allocate device memory: %w", err)
			}
			m.gpu = buf
		}
		if err := m.gpu.Write(m.cpu); err != nil {
			return fmt.Errorf("failed to sync host memory to device: %w", err)
		}
		m.head = headSynced
	}
	return nil
}
