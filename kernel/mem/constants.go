package mem

const (
	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a frame number (shift right
	// by PageShift) and vice-versa.
	PageShift = 12

	// PageSize defines the system's page size in bytes.
	PageSize = Size(1 << PageShift)

	// HugePageSize is the size of a page mapped by a PD entry with the
	// huge bit set.
	HugePageSize = 2 * Mb

	// GiantPageSize is the size of a page mapped by a PDP entry with the
	// huge bit set.
	GiantPageSize = 1 * Gb
)

// Virtual address layout. The lower half is left to the loader's identity
// mapping; the kernel owns the top PML4 slot and sees all of physical memory
// through a linear window starting at PhysMapOffset.
const (
	// PhysMapOffset is the virtual address where physical address 0 is
	// visible once the physical map is installed (PML4 slot 256).
	PhysMapOffset = uint64(0xffff800000000000)

	// PhysMapSize is the span of physical memory covered by the window.
	PhysMapSize = 512 * Gb

	// KernelRegionStart is the lowest address of the kernel region (PML4
	// slot 511). Kernel images are linked at this address.
	KernelRegionStart = uint64(0xffffff8000000000)

	// HeapStart is the virtual address of the first heap page.
	HeapStart = uint64(0xffffff8040000000)

	// HeapPages is the number of pages backing the kernel heap.
	HeapPages = 20
)

// PhysToVirt returns the address where phys is visible through the physical
// map window.
func PhysToVirt(phys uint64) uint64 {
	return PhysMapOffset | phys
}
