package vmm

import (
	"github.com/VegardSkui/Rockhopper/kernel/mem/physmem"
	"github.com/VegardSkui/Rockhopper/kernel/mem/pmm"
)

// entryRef locates a page table entry in physical memory.
type entryRef struct {
	ram  *physmem.RAM
	addr uint64
}

func (r entryRef) load() pageTableEntry {
	return pageTableEntry(r.ram.ReadUint64(r.addr))
}

func (r entryRef) store(pte pageTableEntry) {
	r.ram.WriteUint64(r.addr, uint64(pte))
}

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments. If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte entryRef) bool

// walk performs a page table walk for the given virtual address starting at
// the PML4 stored in the pml4 frame. It calls the supplied walkFn with the
// page table entry that corresponds to each page table level. The walker may
// modify the entry; the walk descends into the table the entry points to
// after walkFn returns.
func walk(ram *physmem.RAM, pml4 pmm.Frame, virtAddr uint64, walkFn pageTableWalker) {
	table := TableAt(ram, pml4)
	for level := uint8(0); level < pageLevels; level++ {
		ref := table.ref(tableIndex(virtAddr, level))
		if !walkFn(level, ref) {
			return
		}

		table = TableAt(ram, ref.load().Frame())
	}
}
