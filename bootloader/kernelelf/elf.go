// Package kernelelf reads the kernel image handed to the bootloader and
// builds synthetic kernel images for the emulator.
package kernelelf

import (
	"debug/elf"
	"encoding/binary"
	"io"

	"github.com/VegardSkui/Rockhopper/kernel"
)

// ProgHeaderSize is the only program header entry size accepted for kernel
// images (sizeof(Elf64_Phdr)).
const ProgHeaderSize = 0x38

// offset of e_phentsize in an ELF64 header.
const phentsizeOffset = 54

var (
	errShortHeader         = &kernel.Error{Module: "kernelelf", Message: "kernel image is too short to contain an ELF header"}
	errBadProgHeaderSize   = &kernel.Error{Module: "kernelelf", Message: "unexpected program header entry size"}
	errNotELF64            = &kernel.Error{Module: "kernelelf", Message: "kernel image is not a little-endian ELF64 file"}
	errNoLoadableSegment   = &kernel.Error{Module: "kernelelf", Message: "kernel image contains no PT_LOAD segment"}
	errInvalidSegment      = &kernel.Error{Module: "kernelelf", Message: "PT_LOAD segment file size exceeds its memory size"}
	errSymbolTableNotFound = &kernel.Error{Module: "kernelelf", Message: "kernel image has no symbol table"}
)

// Segment describes a loadable segment of a kernel image.
type Segment struct {
	// VirtAddr is the address the segment is linked at.
	VirtAddr uint64

	// Offset and FileSize locate the segment contents in the image.
	Offset   uint64
	FileSize uint64

	// MemSize is the size of the segment once loaded. Bytes past
	// FileSize are zero.
	MemSize uint64
}

// Image is a parsed kernel image.
type Image struct {
	// Entry is the virtual address of the kernel entry point.
	Entry uint64

	// Segments lists the PT_LOAD segments in file order.
	Segments []Segment

	f *elf.File
}

// Parse reads the kernel image from r.
func Parse(r io.ReaderAt) (*Image, *kernel.Error) {
	var hdr [elf.EI_NIDENT + 48]byte
	if _, err := r.ReadAt(hdr[:], 0); err != nil {
		return nil, errShortHeader
	}

	if hdr[elf.EI_CLASS] != byte(elf.ELFCLASS64) || hdr[elf.EI_DATA] != byte(elf.ELFDATA2LSB) {
		return nil, errNotELF64
	}

	if phentsize := binary.LittleEndian.Uint16(hdr[phentsizeOffset:]); phentsize != ProgHeaderSize {
		return nil, kernel.Errorf(errBadProgHeaderSize.Module, "%s: 0x%x", errBadProgHeaderSize.Message, phentsize)
	}

	f, err := elf.NewFile(r)
	if err != nil {
		return nil, kernel.Errorf("kernelelf", "malformed kernel image: %s", err.Error())
	}

	img := &Image{Entry: f.Entry, f: f}
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}

		if prog.Filesz > prog.Memsz {
			return nil, errInvalidSegment
		}

		img.Segments = append(img.Segments, Segment{
			VirtAddr: prog.Vaddr,
			Offset:   prog.Off,
			FileSize: prog.Filesz,
			MemSize:  prog.Memsz,
		})
	}

	return img, nil
}

// KernelSegment returns the PT_LOAD segment linked at base or, if there is
// none, the first PT_LOAD segment of the image.
func (img *Image) KernelSegment(base uint64) (Segment, *kernel.Error) {
	if len(img.Segments) == 0 {
		return Segment{}, errNoLoadableSegment
	}

	for _, seg := range img.Segments {
		if seg.VirtAddr == base {
			return seg, nil
		}
	}
	return img.Segments[0], nil
}

// Symbol returns the value of the named symbol.
func (img *Image) Symbol(name string) (uint64, *kernel.Error) {
	symbols, err := img.f.Symbols()
	if err != nil {
		return 0, errSymbolTableNotFound
	}

	for _, sym := range symbols {
		if sym.Name == name {
			return sym.Value, nil
		}
	}

	return 0, kernel.Errorf("kernelelf", "symbol %q not found in kernel image", name)
}
