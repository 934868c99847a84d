// Package allocator provides the physical frame allocators used while
// bootstrapping the loader page tables and the kernel address space.
package allocator

import (
	"github.com/VegardSkui/Rockhopper/kernel"
	"github.com/VegardSkui/Rockhopper/kernel/kfmt"
	"github.com/VegardSkui/Rockhopper/kernel/mem"
	"github.com/VegardSkui/Rockhopper/kernel/mem/pmm"
	"github.com/VegardSkui/Rockhopper/kernel/sync"
)

// DefaultStart is the physical address of the first frame handed out by the
// kernel's bump allocator. Everything below it is left to the firmware and
// the loader.
const DefaultStart = uint64(32 * mem.Mb)

var (
	// ErrFreeUnsupported is returned by FreeFrames; frames handed out by a
	// bump allocator are never reclaimed.
	ErrFreeUnsupported = &kernel.Error{Module: "bump_alloc", Message: "freeing frames is not supported"}

	// ErrOutOfMemory is returned when an allocation would cross the limit
	// configured with SetLimit.
	ErrOutOfMemory = &kernel.Error{Module: "bump_alloc", Message: "out of memory"}
)

// maxPhysFrame is the first frame past the 52-bit physical address space. It
// bounds allocators without an explicit limit.
var maxPhysFrame = pmm.FrameFromAddress(1 << 52)

// BumpAllocator implements a rudimentary physical memory allocator which is
// used to bootstrap the kernel. Allocations are served from a cursor that
// only ever moves forward, so consecutive allocations are contiguous and
// never overlap.
//
// Unless SetLimit is called the allocator does not know where physical
// memory ends and keeps handing out frames.
type BumpAllocator struct {
	mutex sync.Spinlock

	// next is the first frame that has not been handed out yet.
	next pmm.Frame

	// limit is the first frame past the usable memory; it is only
	// honoured when hasLimit is set.
	limit    pmm.Frame
	hasLimit bool

	// allocCount tracks the total number of allocated frames.
	allocCount uint64
}

// NewBumpAllocator returns an allocator whose first frame contains the
// physical address start rounded up to the next page boundary.
func NewBumpAllocator(start uint64) *BumpAllocator {
	return &BumpAllocator{
		next: pmm.FrameFromAddress(mem.AlignUp(start, uint64(mem.PageSize))),
	}
}

// AllocFrames reserves count contiguous frames and returns the first one.
// Requesting zero frames returns the current cursor without advancing it.
func (alloc *BumpAllocator) AllocFrames(count uint64) (pmm.Frame, *kernel.Error) {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	end := maxPhysFrame
	if alloc.hasLimit {
		end = alloc.limit
	}
	if alloc.next > end || count > uint64(end-alloc.next) {
		return pmm.InvalidFrame, ErrOutOfMemory
	}

	frame := alloc.next
	alloc.next += pmm.Frame(count)
	alloc.allocCount += count
	return frame, nil
}

// AllocFrame reserves a single frame.
func (alloc *BumpAllocator) AllocFrame() (pmm.Frame, *kernel.Error) {
	return alloc.AllocFrames(1)
}

// FreeFrames always fails with ErrFreeUnsupported.
func (alloc *BumpAllocator) FreeFrames(_ pmm.Frame, _ uint64) *kernel.Error {
	return ErrFreeUnsupported
}

// SetLimit bounds future allocations to frames that lie entirely below the
// physical address end. It fails with ErrOutOfMemory if frames past end have
// already been handed out.
func (alloc *BumpAllocator) SetLimit(end uint64) *kernel.Error {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	limit := pmm.FrameFromAddress(end)
	if alloc.next > limit {
		return ErrOutOfMemory
	}

	alloc.limit, alloc.hasLimit = limit, true
	return nil
}

// Next returns the frame that the following allocation will return.
func (alloc *BumpAllocator) Next() pmm.Frame {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	return alloc.next
}

// PrintStats logs the number of frames handed out so far.
func (alloc *BumpAllocator) PrintStats() {
	alloc.mutex.Acquire()
	next, count := alloc.next, alloc.allocCount
	alloc.mutex.Release()

	kfmt.Printf("[bump_alloc] allocated frames: %d (%dKb), next free address: 0x%x\n",
		count, count*uint64(mem.PageSize/mem.Kb), next.Address(),
	)
}
