package vmm

import (
	"github.com/VegardSkui/Rockhopper/kernel"
	"github.com/VegardSkui/Rockhopper/kernel/mem"
)

// AddressSpace gives byte-level access to memory through the virtual
// addresses of a page table hierarchy. Every access is translated page by
// page, so a copy may span discontiguous physical frames.
type AddressSpace struct {
	m *Mapper
}

// AddressSpace returns an accessor for the virtual memory described by m.
func (m *Mapper) AddressSpace() AddressSpace {
	return AddressSpace{m: m}
}

// Read copies len(p) bytes starting at virtAddr into p. It fails with
// ErrInvalidMapping if any page in the range is not mapped.
func (as AddressSpace) Read(virtAddr uint64, p []byte) *kernel.Error {
	return as.visit(virtAddr, len(p), func(physAddr uint64, start, end int) {
		as.m.ram.Read(physAddr, p[start:end])
	})
}

// Write copies p to memory starting at virtAddr. It fails with
// ErrInvalidMapping if any page in the range is not mapped; pages preceding
// the unmapped one will have been written.
func (as AddressSpace) Write(virtAddr uint64, p []byte) *kernel.Error {
	return as.visit(virtAddr, len(p), func(physAddr uint64, start, end int) {
		as.m.ram.Write(physAddr, p[start:end])
	})
}

// visit splits the range [virtAddr, virtAddr+size) at page boundaries and
// invokes fn with the physical address and the buffer offsets of each chunk.
func (as AddressSpace) visit(virtAddr uint64, size int, fn func(physAddr uint64, start, end int)) *kernel.Error {
	for start := 0; start < size; {
		physAddr, err := as.m.Translate(virtAddr)
		if err != nil {
			return err
		}

		end := start + int(uint64(mem.PageSize)-PageOffset(virtAddr))
		if end > size {
			end = size
		}

		fn(physAddr, start, end)
		virtAddr += uint64(end - start)
		start = end
	}

	return nil
}
