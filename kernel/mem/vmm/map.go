package vmm

import (
	"github.com/VegardSkui/Rockhopper/kernel"
	"github.com/VegardSkui/Rockhopper/kernel/cpu"
	"github.com/VegardSkui/Rockhopper/kernel/mem"
	"github.com/VegardSkui/Rockhopper/kernel/mem/physmem"
	"github.com/VegardSkui/Rockhopper/kernel/mem/pmm"
)

var (
	// ErrHugePageInPath is returned by Map when a PDP or PD entry on the
	// path to the target page maps a huge page.
	ErrHugePageInPath = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}

	errNoFrameAllocator = &kernel.Error{Module: "vmm", Message: "mapping requires a page table but no frame allocator was supplied"}
)

// Mapper manipulates the 4-level page table hierarchy rooted at a PML4 frame.
// Page tables that are missing along a mapping path are allocated from the
// supplied frame allocator. A Mapper owns no memory.
type Mapper struct {
	ram   *physmem.RAM
	pml4  pmm.Frame
	alloc pmm.FrameAllocator
}

// NewMapper returns a Mapper for the hierarchy rooted at pml4. The allocator
// may be nil if the mapper is only used for lookups.
func NewMapper(ram *physmem.RAM, pml4 pmm.Frame, alloc pmm.FrameAllocator) *Mapper {
	return &Mapper{ram: ram, pml4: pml4, alloc: alloc}
}

// NewPML4 allocates a frame for a new top-level table, clears it and returns
// a Mapper for the (empty) hierarchy.
func NewPML4(ram *physmem.RAM, alloc pmm.FrameAllocator) (*Mapper, *kernel.Error) {
	frame, err := alloc.AllocFrames(1)
	if err != nil {
		return nil, err
	}

	m := NewMapper(ram, frame, alloc)
	m.Root().Clear()
	return m, nil
}

// PML4 returns the frame holding the top-level table.
func (m *Mapper) PML4() pmm.Frame {
	return m.pml4
}

// Root returns a view of the top-level table.
func (m *Mapper) Root() Table {
	return TableAt(m.ram, m.pml4)
}

// RAM returns the physical memory the hierarchy lives in.
func (m *Mapper) RAM() *physmem.RAM {
	return m.ram
}

// Map establishes a mapping between the virtual page at virtAddr and the
// physical frame at physAddr. Both addresses must be page-aligned and
// physAddr must fit in the 52-bit address field of an entry. Missing
// intermediate tables are allocated, cleared and linked as present and
// writable. An existing leaf entry is overwritten.
func (m *Mapper) Map(virtAddr, physAddr uint64, flags PageTableEntryFlag) *kernel.Error {
	if !mem.IsAligned(virtAddr, uint64(mem.PageSize)) || !mem.IsAligned(physAddr, uint64(mem.PageSize)) {
		return ErrUnalignedAddress
	}

	return m.MapPage(PageFromAddress(virtAddr), pmm.FrameFromAddress(physAddr), flags)
}

// MapPage establishes a mapping between a virtual page and a physical memory
// frame.
func (m *Mapper) MapPage(page Page, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	if frame.Address()&^ptePhysPageMask != 0 {
		return errAddressTooWide
	}

	var err *kernel.Error

	walk(m.ram, m.pml4, page.Address(), func(pteLevel uint8, ref entryRef) bool {
		pte := ref.load()

		// If we reached the last level all we need to do is to map the
		// frame in place.
		if pteLevel == pageLevels-1 {
			pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags)
			ref.store(pte)
			return true
		}

		if pte.HasFlags(FlagPresent | FlagHugePage) {
			err = ErrHugePageInPath
			return false
		}

		// Next table does not yet exist; we need to allocate a
		// physical frame for it and clear its contents.
		if !pte.HasFlags(FlagPresent) {
			if m.alloc == nil {
				err = errNoFrameAllocator
				return false
			}

			var newTableFrame pmm.Frame
			if newTableFrame, err = m.alloc.AllocFrames(1); err != nil {
				return false
			}
			TableAt(m.ram, newTableFrame).Clear()

			pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(FlagPresent | FlagRW)
			ref.store(pte)
		}

		return true
	})

	return err
}

// MapRegion maps count consecutive pages starting at page to the consecutive
// frames starting at frame.
func (m *Mapper) MapRegion(page Page, frame pmm.Frame, count uint64, flags PageTableEntryFlag) *kernel.Error {
	for ; count > 0; count, page, frame = count-1, page+1, frame+1 {
		if err := m.MapPage(page, frame, flags); err != nil {
			return err
		}
	}

	return nil
}

// Activate loads the PML4 of this hierarchy into the CR3 register of c. No
// TLB is modelled, so the new mappings take effect immediately.
func (m *Mapper) Activate(c *cpu.CPU) {
	c.WriteCR3(m.pml4.Address())
}
