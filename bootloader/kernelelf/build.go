package kernelelf

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"sort"

	"github.com/VegardSkui/Rockhopper/kernel/hal/bootinfo"
	"github.com/VegardSkui/Rockhopper/kernel/mem"
)

// section indices of a built image.
const (
	shNull = iota
	shSymtab
	shStrtab
	shShstrtab
	shCount
)

// SegmentSpec describes a segment of a synthetic kernel image.
type SegmentSpec struct {
	VirtAddr uint64
	Data     []byte

	// MemSize defaults to len(Data) when smaller.
	MemSize uint64
}

// BuildSpec describes a synthetic kernel image.
type BuildSpec struct {
	Entry    uint64
	Segments []SegmentSpec

	// Symbols are emitted as absolute global symbols.
	Symbols map[string]uint64
}

// Build returns an x86-64 ELF executable laid out according to spec. Segment
// contents are placed at page-aligned file offsets.
func Build(spec BuildSpec) ([]byte, error) {
	var (
		phoff   = uint64(binary.Size(elf.Header64{}))
		phnum   = uint64(len(spec.Segments))
		offset  = phoff + phnum*ProgHeaderSize
		progs   = make([]elf.Prog64, 0, phnum)
		payload bytes.Buffer
	)

	dataStart := mem.AlignUp(offset, uint64(mem.PageSize))
	for _, seg := range spec.Segments {
		fileOff := dataStart + uint64(payload.Len())
		memSize := max(seg.MemSize, uint64(len(seg.Data)))

		progs = append(progs, elf.Prog64{
			Type:   uint32(elf.PT_LOAD),
			Flags:  uint32(elf.PF_R | elf.PF_W | elf.PF_X),
			Off:    fileOff,
			Vaddr:  seg.VirtAddr,
			Paddr:  seg.VirtAddr,
			Filesz: uint64(len(seg.Data)),
			Memsz:  memSize,
			Align:  uint64(mem.PageSize),
		})

		payload.Write(seg.Data)
		payload.Write(make([]byte, mem.AlignUp(uint64(payload.Len()), uint64(mem.PageSize))-uint64(payload.Len())))
	}

	symtab, strtab := buildSymbols(spec.Symbols)
	shstrtab, shNames := buildStrings([]string{".symtab", ".strtab", ".shstrtab"})

	var (
		symtabOff   = dataStart + uint64(payload.Len())
		strtabOff   = symtabOff + uint64(len(symtab))
		shstrtabOff = strtabOff + uint64(len(strtab))
		shoff       = mem.AlignUp(shstrtabOff+uint64(len(shstrtab)), 8)
	)

	sections := [shCount]elf.Section64{
		shSymtab: {
			Name:      shNames[0],
			Type:      uint32(elf.SHT_SYMTAB),
			Off:       symtabOff,
			Size:      uint64(len(symtab)),
			Link:      shStrtab,
			Info:      1,
			Addralign: 8,
			Entsize:   uint64(elf.Sym64Size),
		},
		shStrtab: {
			Name:      shNames[1],
			Type:      uint32(elf.SHT_STRTAB),
			Off:       strtabOff,
			Size:      uint64(len(strtab)),
			Addralign: 1,
		},
		shShstrtab: {
			Name:      shNames[2],
			Type:      uint32(elf.SHT_STRTAB),
			Off:       shstrtabOff,
			Size:      uint64(len(shstrtab)),
			Addralign: 1,
		},
	}

	hdr := elf.Header64{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     spec.Entry,
		Phoff:     phoff,
		Shoff:     shoff,
		Ehsize:    uint16(phoff),
		Phentsize: ProgHeaderSize,
		Phnum:     uint16(phnum),
		Shentsize: uint16(binary.Size(elf.Section64{})),
		Shnum:     shCount,
		Shstrndx:  shShstrtab,
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	hdr.Ident[elf.EI_OSABI] = byte(elf.ELFOSABI_NONE)

	var out bytes.Buffer
	for _, v := range []interface{}{hdr, progs} {
		if err := binary.Write(&out, binary.LittleEndian, v); err != nil {
			return nil, err
		}
	}

	out.Write(make([]byte, dataStart-uint64(out.Len())))
	out.Write(payload.Bytes())
	out.Write(symtab)
	out.Write(strtab)
	out.Write(shstrtab)
	out.Write(make([]byte, shoff-uint64(out.Len())))

	if err := binary.Write(&out, binary.LittleEndian, sections); err != nil {
		return nil, err
	}

	return out.Bytes(), nil
}

// buildSymbols encodes symbols, sorted by name, into a symbol table and its
// string table.
func buildSymbols(symbols map[string]uint64) ([]byte, []byte) {
	names := make([]string, 0, len(symbols))
	for name := range symbols {
		names = append(names, name)
	}
	sort.Strings(names)

	strtab, offsets := buildStrings(names)

	// entry 0 is the reserved null symbol
	table := make([]elf.Sym64, 1, len(names)+1)
	for i, name := range names {
		table = append(table, elf.Sym64{
			Name:  offsets[i],
			Info:  elf.ST_INFO(elf.STB_GLOBAL, elf.STT_OBJECT),
			Shndx: uint16(elf.SHN_ABS),
			Value: symbols[name],
			Size:  uint64(mem.PageSize),
		})
	}

	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, table)
	return buf.Bytes(), strtab
}

// buildStrings returns a string table holding strs and the offset of each
// string within it.
func buildStrings(strs []string) ([]byte, []uint32) {
	table := []byte{0}
	offsets := make([]uint32, len(strs))

	for i, s := range strs {
		offsets[i] = uint32(len(table))
		table = append(table, s...)
		table = append(table, 0)
	}
	return table, offsets
}

// hlt is the x86 halt instruction.
const hlt = 0xf4

// StubSpec describes a stand-in kernel image for machines booted without a
// kernel binary: a textSize-byte segment of hlt instructions linked at base
// with the entry point at its first byte and the entry data symbol on the
// page following the segment.
func StubSpec(base, textSize uint64) BuildSpec {
	text := make([]byte, textSize)
	for i := range text {
		text[i] = hlt
	}

	return BuildSpec{
		Entry:    base,
		Segments: []SegmentSpec{{VirtAddr: base, Data: text}},
		Symbols: map[string]uint64{
			bootinfo.SymbolName: base + mem.AlignUp(textSize, uint64(mem.PageSize)),
		},
	}
}
