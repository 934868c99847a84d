package emu

import (
	"github.com/VegardSkui/Rockhopper/bootloader/uefi"
)

const (
	// lowMemoryEnd is the start of the legacy VGA/BIOS hole.
	lowMemoryEnd = uint64(0xa0000)

	// allocFloor is the lowest address AllocateAnyPages hands out; low
	// memory stays free for the loader's page tables.
	allocFloor = uint64(0x100000)
)

// AllocatePages implements uefi.BootServices. Every successful allocation
// changes the memory map key.
func (fw *Firmware) AllocatePages(allocType uefi.AllocateType, memType uefi.MemoryType, pages, addr uint64) (uint64, error) {
	if fw.exited {
		return 0, uefi.Unsupported
	}

	if pages == 0 || memType >= uefi.EfiMaxMemoryType || memType == uefi.EfiConventionalMemory {
		return 0, uefi.InvalidParameter
	}

	size := pages * uefi.PageSize

	switch allocType {
	case uefi.AllocateAnyPages, uefi.AllocateMaxAddress:
		limit := ^uint64(0)
		if allocType == uefi.AllocateMaxAddress {
			limit = addr
		}

		for index, r := range fw.regions {
			start := max(r.PhysicalStart, allocFloor)
			if r.Type != uefi.EfiConventionalMemory || start+size > r.End() || start+size-1 > limit {
				continue
			}

			fw.split(index, start, pages, memType)
			return start, nil
		}
		return 0, uefi.OutOfResources
	case uefi.AllocateAddress:
		if addr%uefi.PageSize != 0 {
			return 0, uefi.InvalidParameter
		}

		for index, r := range fw.regions {
			if r.Type == uefi.EfiConventionalMemory && addr >= r.PhysicalStart && addr+size <= r.End() {
				fw.split(index, addr, pages, memType)
				return addr, nil
			}
		}
		return 0, uefi.NotFound
	default:
		return 0, uefi.InvalidParameter
	}
}

// split carves pages pages starting at start out of the free region at
// index and marks them as memType.
func (fw *Firmware) split(index int, start, pages uint64, memType uefi.MemoryType) {
	r := fw.regions[index]
	end := start + pages*uefi.PageSize

	var parts []*uefi.MemoryDescriptor
	if start > r.PhysicalStart {
		parts = append(parts, &uefi.MemoryDescriptor{
			Type:          uefi.EfiConventionalMemory,
			PhysicalStart: r.PhysicalStart,
			NumberOfPages: (start - r.PhysicalStart) / uefi.PageSize,
		})
	}

	parts = append(parts, &uefi.MemoryDescriptor{Type: memType, PhysicalStart: start, NumberOfPages: pages})

	if end < r.End() {
		parts = append(parts, &uefi.MemoryDescriptor{
			Type:          uefi.EfiConventionalMemory,
			PhysicalStart: end,
			NumberOfPages: (r.End() - end) / uefi.PageSize,
		})
	}

	regions := make([]*uefi.MemoryDescriptor, 0, len(fw.regions)+len(parts)-1)
	regions = append(regions, fw.regions[:index]...)
	regions = append(regions, parts...)
	regions = append(regions, fw.regions[index+1:]...)

	fw.regions = regions
	fw.mapKey++
}

// MemoryMap returns the descriptors of the current memory map, including the
// framebuffer.
func (fw *Firmware) MemoryMap() []*uefi.MemoryDescriptor {
	descriptors := make([]*uefi.MemoryDescriptor, 0, len(fw.regions)+1)
	for _, r := range fw.regions {
		d := *r
		descriptors = append(descriptors, &d)
	}

	fb := fw.FrameBuffer()
	return append(descriptors, &uefi.MemoryDescriptor{
		Type:          uefi.EfiMemoryMappedIO,
		PhysicalStart: fb.FrameBufferBase,
		NumberOfPages: (fb.FrameBufferSize + uefi.PageSize - 1) / uefi.PageSize,
	})
}

// GetMemoryMap implements uefi.BootServices.
func (fw *Firmware) GetMemoryMap(bufAddr, bufSize uint64) (uefi.MemoryMap, error) {
	if fw.exited {
		return uefi.MemoryMap{}, uefi.Unsupported
	}

	descriptors := fw.MemoryMap()
	m := uefi.MemoryMap{
		MapSize:           uint64(len(descriptors)) * uefi.DescriptorSize,
		MapKey:            fw.mapKey,
		DescriptorSize:    uefi.DescriptorSize,
		DescriptorVersion: 1,
	}

	if bufSize < m.MapSize {
		return m, uefi.BufferTooSmall
	}

	for i, d := range descriptors {
		data, err := d.MarshalBinary()
		if err != nil {
			return m, uefi.DeviceError
		}
		fw.ram.Write(bufAddr+uint64(i)*uefi.DescriptorSize, data)
	}

	return m, nil
}
