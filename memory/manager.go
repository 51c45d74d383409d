package memory

import (
	"fmt"
	"sync"
)

// BufferPool manages a pool of host float32 buffers of one capacity
type BufferPool struct {
	buffers    chan []float32 // Available buffers
	maxSize    int            // Pool size limit
	bufferSize int            // Fixed capacity for this pool
	allocated  int            // Buffers handed out and not yet returned
	mutex      sync.Mutex     // Protects allocated counter
}

// NewBufferPool creates a new buffer pool
func NewBufferPool(bufferSize int, maxSize int) *BufferPool {
	return &BufferPool{
		buffers:    make(chan []float32, maxSize),
		maxSize:    maxSize,
		bufferSize: bufferSize,
	}
}

// Get retrieves a buffer from the pool or allocates a new one
func (bp *BufferPool) Get() []float32 {
	bp.mutex.Lock()
	bp.allocated++
	bp.mutex.Unlock()

	select {
	case buffer := <-bp.buffers:
		return buffer
	default:
		return make([]float32, bp.bufferSize)
	}
}

// Return puts a buffer back into the pool; it is dropped if the pool is full
func (bp *BufferPool) Return(buffer []float32) {
	if buffer == nil {
		return
	}

	bp.mutex.Lock()
	bp.allocated--
	bp.mutex.Unlock()

	select {
	case bp.buffers <- buffer[:cap(buffer)]:
	default:
	}
}

// Stats returns pool statistics
func (bp *BufferPool) Stats() (available int, allocated int, maxSize int) {
	bp.mutex.Lock()
	defer bp.mutex.Unlock()
	return len(bp.buffers), bp.allocated, bp.maxSize
}

// MemoryManager hands out scratch buffers for tensors whose lifetime is a
// single engine call, such as per-batch gradient results.
type MemoryManager struct {
	pools      map[int]*BufferPool // Pools by capacity in elements
	poolsMutex sync.RWMutex        // Protects pools map

	// Pool size tiers (in elements)
	poolSizes []int

	outstanding      int
	outstandingMutex sync.Mutex
}

// Default pool sizes in float32 elements: 1K .. 16M
var defaultPoolSizes = []int{
	1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216,
}

// NewMemoryManager creates a new memory manager
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{
		pools:     make(map[int]*BufferPool),
		poolSizes: defaultPoolSizes,
	}
}

// GetBuffer returns a zeroed buffer of exactly n elements
func (mm *MemoryManager) GetBuffer(n int) ([]float32, error) {
	if n < 0 {
		return nil, fmt.Errorf("invalid buffer size %d", n)
	}

	poolSize := mm.findPoolSize(n)
	var buffer []float32
	if poolSize < 0 {
		// Larger than the largest tier; not pooled
		buffer = make([]float32, n)
	} else {
		buffer = mm.getOrCreatePool(poolSize).Get()[:n]
		clear(buffer)
	}

	mm.outstandingMutex.Lock()
	mm.outstanding++
	mm.outstandingMutex.Unlock()

	return buffer, nil
}

// ReturnBuffer returns a buffer obtained from GetBuffer
func (mm *MemoryManager) ReturnBuffer(buffer []float32) {
	if buffer == nil {
		return
	}

	mm.outstandingMutex.Lock()
	mm.outstanding--
	mm.outstandingMutex.Unlock()

	mm.poolsMutex.RLock()
	pool, exists := mm.pools[cap(buffer)]
	mm.poolsMutex.RUnlock()

	if exists {
		pool.Return(buffer)
	}
}

// Outstanding returns the number of buffers handed out and not yet returned
func (mm *MemoryManager) Outstanding() int {
	mm.outstandingMutex.Lock()
	defer mm.outstandingMutex.Unlock()
	return mm.outstanding
}

// findPoolSize finds the smallest tier that can hold n elements, or -1
func (mm *MemoryManager) findPoolSize(n int) int {
	for _, poolSize := range mm.poolSizes {
		if poolSize >= n {
			return poolSize
		}
	}
	return -1
}

// getOrCreatePool gets an existing pool or creates a new one
func (mm *MemoryManager) getOrCreatePool(size int) *BufferPool {
	mm.poolsMutex.RLock()
	pool, exists := mm.pools[size]
	mm.poolsMutex.RUnlock()

	if exists {
		return pool
	}

	mm.poolsMutex.Lock()
	defer mm.poolsMutex.Unlock()

	// Double-check after acquiring write lock
	if pool, exists := mm.pools[size]; exists {
		return pool
	}

	pool = NewBufferPool(size, calculateMaxPoolSize(size))
	mm.pools[size] = pool

	return pool
}

// calculateMaxPoolSize determines the maximum number of buffers for a pool
func calculateMaxPoolSize(bufferSize int) int {
	// Smaller buffers get larger pools
	switch {
	case bufferSize <= 4096:
		return 64
	case bufferSize <= 65536:
		return 32
	case bufferSize <= 1048576:
		return 16
	default:
		return 4
	}
}

// Stats returns memory manager statistics keyed by pool capacity
func (mm *MemoryManager) Stats() map[int]string {
	mm.poolsMutex.RLock()
	defer mm.poolsMutex.RUnlock()

	stats := make(map[int]string)
	for size, pool := range mm.pools {
		available, allocated, maxSize := pool.Stats()
		stats[size] = fmt.Sprintf("available=%d, allocated=%d, max=%d",
			available, allocated, maxSize)
	}

	return stats
}
