package vmm

import (
	"github.com/VegardSkui/Rockhopper/kernel"
	"github.com/VegardSkui/Rockhopper/kernel/mem"
)

var (
	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}
)

// leafPageSize maps each page level to the size of the page mapped by a leaf
// entry at that level. The PML4 cannot hold a leaf.
var leafPageSize = [pageLevels]mem.Size{
	0,
	mem.GiantPageSize,
	mem.HugePageSize,
	mem.PageSize,
}

// EntryFor returns the leaf entry that maps virtAddr together with the size
// of the page it maps. The walk stops at 1G and 2M huge pages.
func (m *Mapper) EntryFor(virtAddr uint64) (Entry, mem.Size, *kernel.Error) {
	var (
		err      *kernel.Error
		leaf     pageTableEntry
		pageSize mem.Size
	)

	walk(m.ram, m.pml4, virtAddr, func(pteLevel uint8, ref entryRef) bool {
		pte := ref.load()
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		if pteLevel == pageLevels-1 || (pteLevel > 0 && pte.HasFlags(FlagHugePage)) {
			leaf, pageSize = pte, leafPageSize[pteLevel]
			return false
		}

		return true
	})

	if err != nil {
		return Entry{}, 0, err
	}

	return UnpackEntry(uint64(leaf)), pageSize, nil
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func (m *Mapper) Translate(virtAddr uint64) (uint64, *kernel.Error) {
	entry, pageSize, err := m.EntryFor(virtAddr)
	if err != nil {
		return 0, err
	}

	// Calculate the physical address by taking the base address of the
	// mapped page and appending the offset from the virtual address.
	sizeMinus1 := uint64(pageSize - 1)
	return mem.AlignDown(entry.Addr, uint64(pageSize)) | (virtAddr & sizeMinus1), nil
}
