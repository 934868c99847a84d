package vmm

import "github.com/VegardSkui/Rockhopper/kernel/mem"

// Page describes a virtual memory page index.
type Page uint64

// Address returns the virtual memory address pointed to by this Page.
func (p Page) Address() uint64 {
	return uint64(p) << mem.PageShift
}

// PageFromAddress returns a Page that corresponds to the given virtual
// address. This function can handle both page-aligned and not aligned virtual
// addresses. In the latter case, the input address will be rounded down to the
// page that contains it.
func PageFromAddress(virtAddr uint64) Page {
	return Page(mem.AlignDown(virtAddr, uint64(mem.PageSize)) >> mem.PageShift)
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uint64) uint64 {
	return virtAddr & uint64(mem.PageSize-1)
}
