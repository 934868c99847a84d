package vmm

import (
	"github.com/VegardSkui/Rockhopper/kernel"
	"github.com/VegardSkui/Rockhopper/kernel/mem"
	"github.com/VegardSkui/Rockhopper/kernel/mem/pmm"
)

var (
	// ErrUnalignedAddress is returned when a page table entry or a mapping
	// request refers to an address that is not 4K-aligned.
	ErrUnalignedAddress = &kernel.Error{Module: "vmm", Message: "address is not page-aligned"}

	errAddressTooWide = &kernel.Error{Module: "vmm", Message: "physical address does not fit in 52 bits"}
)

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uint64

const (
	// FlagPresent is set when the page is available in memory and not swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set in PDP and PD entries that map a 1G or a 2M page
	// instead of pointing to the next table.
	FlagHugePage

	// FlagGlobal if set, prevents the TLB from flushing the cached memory address
	// for this page when the swapping page tables by updating the CR3 register.
	FlagGlobal

	// FlagNoExecute if set, indicates that a page contains non-executable code.
	FlagNoExecute PageTableEntryFlag = 1 << 63
)

// pageTableEntry is the raw 64-bit encoding of a page table entry. It packs
// a physical frame address (bits 12-51) and a set of flags.
type pageTableEntry uint64

// HasFlags returns true if this entry has all the input flags set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uint64(pte) & uint64(flags)) == uint64(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uint64(pte) & uint64(flags)) != 0
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uint64(*pte) | uint64(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uint64(*pte) &^ uint64(flags))
}

// Frame returns the physical page frame that this page table entry points to.
func (pte pageTableEntry) Frame() pmm.Frame {
	return pmm.Frame((uint64(pte) & ptePhysPageMask) >> mem.PageShift)
}

// SetFrame updates the page table entry to point the the given physical frame.
func (pte *pageTableEntry) SetFrame(frame pmm.Frame) {
	*pte = (pageTableEntry)((uint64(*pte) &^ ptePhysPageMask) | frame.Address())
}

// Entry is the decoded form of a page table entry.
type Entry struct {
	// Addr is the physical address of the next table or of the mapped
	// page.
	Addr uint64

	Present        bool
	Writable       bool
	UserAccessible bool
	WriteThrough   bool
	NoCache        bool
	Accessed       bool
	Dirty          bool
	Huge           bool
	Global         bool
	NoExecute      bool
}

// flagFields pairs each boolean field of Entry with the bit it encodes.
func (e *Entry) flagFields() [10]struct {
	field *bool
	flag  PageTableEntryFlag
} {
	return [10]struct {
		field *bool
		flag  PageTableEntryFlag
	}{
		{&e.Present, FlagPresent},
		{&e.Writable, FlagRW},
		{&e.UserAccessible, FlagUserAccessible},
		{&e.WriteThrough, FlagWriteThroughCaching},
		{&e.NoCache, FlagDoNotCache},
		{&e.Accessed, FlagAccessed},
		{&e.Dirty, FlagDirty},
		{&e.Huge, FlagHugePage},
		{&e.Global, FlagGlobal},
		{&e.NoExecute, FlagNoExecute},
	}
}

// NewEntry returns the Entry pointing at addr with the given flags set.
func NewEntry(addr uint64, flags PageTableEntryFlag) Entry {
	e := Entry{Addr: addr}
	for _, f := range e.flagFields() {
		*f.field = flags&f.flag != 0
	}
	return e
}

// Flags returns the flag bits encoded by e.
func (e Entry) Flags() PageTableEntryFlag {
	var flags PageTableEntryFlag
	for _, f := range e.flagFields() {
		if *f.field {
			flags |= f.flag
		}
	}
	return flags
}

// Pack returns the raw encoding of e. It fails if Addr is not 4K-aligned or
// does not fit in the 40 address bits of an entry.
func (e Entry) Pack() (uint64, *kernel.Error) {
	switch {
	case !mem.IsAligned(e.Addr, uint64(mem.PageSize)):
		return 0, ErrUnalignedAddress
	case e.Addr&^ptePhysPageMask != 0:
		return 0, errAddressTooWide
	}

	return e.Addr | uint64(e.Flags()), nil
}

// UnpackEntry decodes a raw page table entry.
func UnpackEntry(raw uint64) Entry {
	return NewEntry(raw&ptePhysPageMask, PageTableEntryFlag(raw))
}
