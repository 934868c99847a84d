package uefi

import (
	"bytes"
	"encoding/binary"

	"github.com/u-root/u-root/pkg/boot/bzimage"
)

// e820PersistentMemory is the ACPI address range type for persistent
// memory. bzimage does not name it.
const e820PersistentMemory = 7

// DescriptorSize is the size in bytes of an encoded MemoryDescriptor.
const DescriptorSize = 48

// MemoryDescriptor is an EFI_MEMORY_DESCRIPTOR.
type MemoryDescriptor struct {
	Type          MemoryType
	_             uint32
	PhysicalStart uint64
	VirtualStart  uint64
	NumberOfPages uint64
	Attribute     uint64
	_             uint64
}

// Bytes returns the length of the described range.
func (d *MemoryDescriptor) Bytes() uint64 {
	return d.NumberOfPages * PageSize
}

// End returns the first physical address past the described range.
func (d *MemoryDescriptor) End() uint64 {
	return d.PhysicalStart + d.Bytes()
}

// Usable reports whether memory of this type belongs to the OS once boot
// services have been exited. Loader allocations and everything the firmware
// used for boot services are reclaimed along with free memory.
func (t MemoryType) Usable() bool {
	switch t {
	case EfiConventionalMemory, EfiLoaderCode, EfiLoaderData, EfiBootServicesCode, EfiBootServicesData:
		return true
	}
	return false
}

// E820 returns the legacy address range entry for d as seen after
// ExitBootServices. Types without an E820 counterpart are reserved.
func (d *MemoryDescriptor) E820() bzimage.E820Entry {
	e := bzimage.E820Entry{Addr: d.PhysicalStart, Size: d.Bytes(), MemType: bzimage.Reserved}

	switch {
	case d.Type.Usable():
		e.MemType = bzimage.RAM
	case d.Type == EfiACPIReclaimMemory:
		e.MemType = bzimage.ACPI
	case d.Type == EfiACPIMemoryNVS:
		e.MemType = bzimage.NVS
	case d.Type == EfiPersistentMemory:
		e.MemType = e820PersistentMemory
	}

	return e
}

// MarshalBinary encodes d using the firmware's little-endian layout.
func (d MemoryDescriptor) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(DescriptorSize)

	if err := binary.Write(&buf, binary.LittleEndian, d); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a descriptor from the first DescriptorSize bytes of
// data.
func (d *MemoryDescriptor) UnmarshalBinary(data []byte) error {
	if len(data) < DescriptorSize {
		return BadBufferSize
	}

	return binary.Read(bytes.NewReader(data[:DescriptorSize]), binary.LittleEndian, d)
}

// MemoryMap describes a memory map returned by GetMemoryMap.
type MemoryMap struct {
	// MapSize is the number of bytes written to the buffer or, if the
	// buffer was too small, the number of bytes required.
	MapSize           uint64
	MapKey            uint64
	DescriptorSize    uint64
	DescriptorVersion uint32
}

// DecodeMemoryMap splits buf into descriptors of m.DescriptorSize bytes
// each. Firmware may use a stride larger than DescriptorSize; the extra
// bytes of each entry are ignored.
func DecodeMemoryMap(m MemoryMap, buf []byte) ([]*MemoryDescriptor, error) {
	if m.DescriptorSize < DescriptorSize || m.MapSize > uint64(len(buf)) {
		return nil, BadBufferSize
	}

	var descriptors []*MemoryDescriptor
	for off := uint64(0); off+m.DescriptorSize <= m.MapSize; off += m.DescriptorSize {
		d := &MemoryDescriptor{}
		if err := d.UnmarshalBinary(buf[off:]); err != nil {
			return nil, err
		}
		descriptors = append(descriptors, d)
	}

	return descriptors, nil
}

// E820Map converts descriptors into an E820 table, merging adjacent ranges
// of the same type.
func E820Map(descriptors []*MemoryDescriptor) []bzimage.E820Entry {
	var table []bzimage.E820Entry

	for _, d := range descriptors {
		e := d.E820()
		if n := len(table); n > 0 {
			last := &table[n-1]
			if last.MemType == e.MemType && last.Addr+last.Size == e.Addr {
				last.Size += e.Size
				continue
			}
		}
		table = append(table, e)
	}

	return table
}
