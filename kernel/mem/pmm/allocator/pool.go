package allocator

import (
	"github.com/VegardSkui/Rockhopper/kernel"
	"github.com/VegardSkui/Rockhopper/kernel/mem/pmm"
	"github.com/VegardSkui/Rockhopper/kernel/sync"
)

var (
	// ErrPoolExhausted is returned when a PoolAllocator runs out of frames.
	ErrPoolExhausted = &kernel.Error{Module: "pool_alloc", Message: "frame pool exhausted"}
)

// PoolAllocator hands out frames from a fixed, pre-reserved run of physical
// memory. The loader uses one to carve its temporary page tables out of a
// known region with a hard budget.
type PoolAllocator struct {
	mutex sync.Spinlock

	base  pmm.Frame
	size  uint64
	inUse uint64
}

// NewPoolAllocator returns an allocator serving the size frames starting at
// base.
func NewPoolAllocator(base pmm.Frame, size uint64) *PoolAllocator {
	return &PoolAllocator{base: base, size: size}
}

// AllocFrames reserves count contiguous frames from the pool.
func (pool *PoolAllocator) AllocFrames(count uint64) (pmm.Frame, *kernel.Error) {
	pool.mutex.Acquire()
	defer pool.mutex.Release()

	if pool.inUse+count > pool.size {
		return pmm.InvalidFrame, ErrPoolExhausted
	}

	frame := pool.base + pmm.Frame(pool.inUse)
	pool.inUse += count
	return frame, nil
}

// InUse returns the number of frames handed out so far.
func (pool *PoolAllocator) InUse() uint64 {
	pool.mutex.Acquire()
	defer pool.mutex.Release()

	return pool.inUse
}

// Remaining returns the number of frames left in the pool.
func (pool *PoolAllocator) Remaining() uint64 {
	pool.mutex.Acquire()
	defer pool.mutex.Release()

	return pool.size - pool.inUse
}
