package vmm

import (
	"encoding/binary"
	"fmt"

	"github.com/VegardSkui/Rockhopper/kernel"
	"github.com/VegardSkui/Rockhopper/kernel/mem"
	"github.com/VegardSkui/Rockhopper/kernel/mem/physmem"
	"github.com/VegardSkui/Rockhopper/kernel/mem/pmm"
)

// Table is a view of the 512-entry page table stored in a physical frame.
// It owns no memory.
type Table struct {
	ram   *physmem.RAM
	frame pmm.Frame
}

// TableAt returns a view of the page table stored at frame.
func TableAt(ram *physmem.RAM, frame pmm.Frame) Table {
	return Table{ram: ram, frame: frame}
}

// Frame returns the physical frame holding the table.
func (t Table) Frame() pmm.Frame {
	return t.frame
}

// Entry decodes the entry at index.
func (t Table) Entry(index int) Entry {
	return UnpackEntry(uint64(t.ref(index).load()))
}

// SetEntry encodes e and stores it at index.
func (t Table) SetEntry(index int, e Entry) *kernel.Error {
	raw, err := e.Pack()
	if err != nil {
		return err
	}

	t.ref(index).store(pageTableEntry(raw))
	return nil
}

// Clear marks every entry as not present.
func (t Table) Clear() {
	t.ram.ZeroFrames(t.frame, 1)
}

// storeAll overwrites the whole table with a single write.
func (t Table) storeAll(entries *[entriesPerTable]pageTableEntry) {
	var buf [mem.PageSize]byte
	for i, pte := range entries {
		binary.LittleEndian.PutUint64(buf[i*8:], uint64(pte))
	}
	t.ram.Write(t.frame.Address(), buf[:])
}

// ref returns a reference to the entry at index.
func (t Table) ref(index int) entryRef {
	if index < 0 || index >= entriesPerTable {
		panic(fmt.Sprintf("vmm: page table index %d out of range", index))
	}

	return entryRef{ram: t.ram, addr: t.frame.Address() + uint64(index)*8}
}
