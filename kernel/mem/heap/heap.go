// Package heap implements the kernel heap: a fixed virtual region backed by
// freshly allocated frames and a bump allocator handing out byte ranges from
// it. Memory is never reclaimed.
package heap

import (
	"github.com/VegardSkui/Rockhopper/kernel"
	"github.com/VegardSkui/Rockhopper/kernel/kfmt"
	"github.com/VegardSkui/Rockhopper/kernel/mem"
	"github.com/VegardSkui/Rockhopper/kernel/mem/pmm"
	"github.com/VegardSkui/Rockhopper/kernel/mem/vmm"
	"github.com/VegardSkui/Rockhopper/kernel/sync"
)

var (
	// ErrInvalidAlignment is returned by Alloc when the requested alignment
	// is not a power of two.
	ErrInvalidAlignment = &kernel.Error{Module: "heap", Message: "alignment must be a power of two"}

	// ErrOutOfMemory is returned by Alloc when the request does not fit in
	// the remaining heap space.
	ErrOutOfMemory = &kernel.Error{Module: "heap", Message: "out of memory"}
)

// Allocator hands out byte ranges from the heap region. Each allocation
// starts at the current cursor rounded up to the requested alignment.
type Allocator struct {
	mutex sync.Spinlock

	as vmm.AddressSpace

	// start and end delimit the heap region; next is the first byte that
	// has not been handed out yet.
	start, end, next uint64
}

// Init maps pages frames, each one obtained from alloc, at the page-aligned
// virtual address start using the page tables managed by m. It returns an
// allocator serving the mapped region.
func Init(m *vmm.Mapper, alloc pmm.FrameAllocator, start, pages uint64) (*Allocator, *kernel.Error) {
	if !mem.IsAligned(start, uint64(mem.PageSize)) {
		return nil, vmm.ErrUnalignedAddress
	}

	for page := vmm.PageFromAddress(start); page < vmm.PageFromAddress(start)+vmm.Page(pages); page++ {
		frame, err := alloc.AllocFrames(1)
		if err != nil {
			return nil, err
		}

		if err = m.MapPage(page, frame, vmm.FlagPresent|vmm.FlagRW); err != nil {
			return nil, err
		}
	}

	size := pages * uint64(mem.PageSize)
	kfmt.Printf("[heap] mapped %d pages (%dKb) at 0x%x\n", pages, size/uint64(mem.Kb), start)

	return &Allocator{
		as:    m.AddressSpace(),
		start: start,
		end:   start + size,
		next:  start,
	}, nil
}

// Alloc reserves size bytes aligned to align and returns their virtual
// address.
func (h *Allocator) Alloc(size mem.Size, align uint64) (uint64, *kernel.Error) {
	if !mem.IsPowerOfTwo(align) {
		return 0, ErrInvalidAlignment
	}

	h.mutex.Acquire()
	defer h.mutex.Release()

	addr := mem.AlignUp(h.next, align)
	if addr < h.next || addr > h.end || uint64(size) > h.end-addr {
		return 0, ErrOutOfMemory
	}

	h.next = addr + uint64(size)
	return addr, nil
}

// Dealloc releases a block returned by Alloc. Heap memory is never reclaimed
// so this is a no-op.
func (h *Allocator) Dealloc(_ uint64, _ mem.Size) {}

// Write copies p into heap memory starting at addr.
func (h *Allocator) Write(addr uint64, p []byte) *kernel.Error {
	return h.as.Write(addr, p)
}

// Read copies heap memory starting at addr into p.
func (h *Allocator) Read(addr uint64, p []byte) *kernel.Error {
	return h.as.Read(addr, p)
}

// Start returns the virtual address of the heap region.
func (h *Allocator) Start() uint64 {
	return h.start
}

// Size returns the size of the heap region.
func (h *Allocator) Size() mem.Size {
	return mem.Size(h.end - h.start)
}

// Used returns the number of bytes consumed by allocations and alignment
// padding.
func (h *Allocator) Used() mem.Size {
	h.mutex.Acquire()
	defer h.mutex.Release()

	return mem.Size(h.next - h.start)
}
