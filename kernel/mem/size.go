// Package mem defines memory sizes, the page geometry and the virtual
// address layout shared by the bootloader and the kernel.
package mem

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

// Pages returns the number of pages that are required for storing this size.
func (s Size) Pages() uint64 {
	return uint64(AlignUp(s, PageSize) >> PageShift)
}
