package vmm

import (
	"github.com/VegardSkui/Rockhopper/kernel"
	"github.com/VegardSkui/Rockhopper/kernel/mem"
	"github.com/VegardSkui/Rockhopper/kernel/mem/pmm"
)

var (
	// ErrPhysMapPresent is returned by MapPhysicalMemory if the PML4 slot
	// reserved for the physical memory map is already in use.
	ErrPhysMapPresent = &kernel.Error{Module: "vmm", Message: "physical memory map is already installed"}
)

// MapPhysicalMemory makes the first mem.PhysMapSize bytes of physical memory
// visible at mem.PhysMapOffset using 2M pages. It allocates one PDP and 512
// PDs as a single contiguous run, fills every entry and finally links the PDP
// into the PML4 slot that covers mem.PhysMapOffset.
//
// The allocated frames are not cleared as every entry gets written.
func (m *Mapper) MapPhysicalMemory() *kernel.Error {
	root := m.Root()
	if root.ref(physMapSlot).load().HasFlags(FlagPresent) {
		return ErrPhysMapPresent
	}

	if m.alloc == nil {
		return errNoFrameAllocator
	}

	pdpFrame, err := m.alloc.AllocFrames(1 + entriesPerTable)
	if err != nil {
		return err
	}

	var (
		pdpEntries, pdEntries [entriesPerTable]pageTableEntry
		physAddr              uint64
	)

	for pdpIndex := 0; pdpIndex < entriesPerTable; pdpIndex++ {
		pdFrame := pdpFrame + 1 + pmm.Frame(pdpIndex)
		pdpEntries[pdpIndex] = pageTableEntry(pdFrame.Address()) | pageTableEntry(FlagPresent|FlagRW)

		for pdIndex := range pdEntries {
			pdEntries[pdIndex] = pageTableEntry(physAddr) | pageTableEntry(FlagPresent|FlagRW|FlagHugePage)
			physAddr += uint64(mem.HugePageSize)
		}
		TableAt(m.ram, pdFrame).storeAll(&pdEntries)
	}
	TableAt(m.ram, pdpFrame).storeAll(&pdpEntries)

	root.ref(physMapSlot).store(pageTableEntry(pdpFrame.Address()) | pageTableEntry(FlagPresent|FlagRW))
	return nil
}
