// Package pmm contains code that manages physical memory frame allocations.
package pmm

import (
	"math"

	"github.com/VegardSkui/Rockhopper/kernel"
	"github.com/VegardSkui/Rockhopper/kernel/mem"
)

// Frame describes a physical memory page index.
type Frame uint64

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address pointed to by this Frame.
func (f Frame) Address() uint64 {
	return uint64(f) << mem.PageShift
}

// FrameFromAddress returns the frame that contains the given physical
// address.
func FrameFromAddress(physAddr uint64) Frame {
	return Frame(physAddr >> mem.PageShift)
}

// FrameAllocator is implemented by physical frame allocators. AllocFrames
// reserves count physically contiguous frames and returns the first one.
type FrameAllocator interface {
	AllocFrames(count uint64) (Frame, *kernel.Error)
}
