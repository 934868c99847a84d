package uefi

import (
	"reflect"
	"testing"

	"github.com/u-root/u-root/pkg/boot/bzimage"
)

func TestMemoryDescriptorEncoding(t *testing.T) {
	d := MemoryDescriptor{
		Type:          EfiConventionalMemory,
		PhysicalStart: 0x100000,
		NumberOfPages: 16,
		Attribute:     0xf,
	}

	data, err := d.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}

	if len(data) != DescriptorSize {
		t.Fatalf("expected encoded descriptor to be %d bytes; got %d", DescriptorSize, len(data))
	}

	if data[0] != byte(EfiConventionalMemory) || data[10] != 0x10 || data[32] != 0xf {
		t.Fatalf("unexpected descriptor layout: % x", data)
	}

	var got MemoryDescriptor
	if err = got.UnmarshalBinary(data); err != nil {
		t.Fatal(err)
	}

	if got != d {
		t.Fatalf("expected decoded descriptor to be %+v; got %+v", d, got)
	}

	if err = got.UnmarshalBinary(data[:DescriptorSize-1]); err != BadBufferSize {
		t.Fatalf("expected BadBufferSize for a truncated descriptor; got %v", err)
	}

	if exp := uint64(0x110000); d.End() != exp {
		t.Fatalf("expected descriptor to end at 0x%x; got 0x%x", exp, d.End())
	}

	if exp := uint64(16 * PageSize); d.Bytes() != exp {
		t.Fatalf("expected descriptor size to be %d; got %d", exp, d.Bytes())
	}
}

func TestDecodeMemoryMap(t *testing.T) {
	descriptors := []MemoryDescriptor{
		{Type: EfiConventionalMemory, PhysicalStart: 0, NumberOfPages: 0xa0},
		{Type: EfiLoaderData, PhysicalStart: 0x100000, NumberOfPages: 2},
	}

	// Use a stride larger than the descriptor size as some firmware does.
	const stride = DescriptorSize + 8
	buf := make([]byte, stride*len(descriptors))
	for i, d := range descriptors {
		data, _ := d.MarshalBinary()
		copy(buf[i*stride:], data)
	}

	m := MemoryMap{MapSize: uint64(len(buf)), DescriptorSize: stride}
	got, err := DecodeMemoryMap(m, buf)
	if err != nil {
		t.Fatal(err)
	}

	if len(got) != len(descriptors) {
		t.Fatalf("expected %d descriptors; got %d", len(descriptors), len(got))
	}

	for i := range descriptors {
		if *got[i] != descriptors[i] {
			t.Errorf("[descriptor %d] expected %+v; got %+v", i, descriptors[i], *got[i])
		}
	}

	t.Run("invalid buffers", func(t *testing.T) {
		specs := []MemoryMap{
			{MapSize: uint64(len(buf)), DescriptorSize: 16},
			{MapSize: uint64(len(buf)) + 1, DescriptorSize: stride},
		}

		for specIndex, spec := range specs {
			if _, err := DecodeMemoryMap(spec, buf); err != BadBufferSize {
				t.Errorf("[spec %d] expected BadBufferSize; got %v", specIndex, err)
			}
		}
	})
}

func TestE820(t *testing.T) {
	specs := []struct {
		memType MemoryType
		exp     bzimage.E820Entry
	}{
		{EfiLoaderData, bzimage.E820Entry{Addr: 0x1000, Size: 0x2000, MemType: bzimage.RAM}},
		{EfiBootServicesCode, bzimage.E820Entry{Addr: 0x1000, Size: 0x2000, MemType: bzimage.RAM}},
		{EfiACPIReclaimMemory, bzimage.E820Entry{Addr: 0x1000, Size: 0x2000, MemType: bzimage.ACPI}},
		{EfiACPIMemoryNVS, bzimage.E820Entry{Addr: 0x1000, Size: 0x2000, MemType: bzimage.NVS}},
		{EfiPersistentMemory, bzimage.E820Entry{Addr: 0x1000, Size: 0x2000, MemType: e820PersistentMemory}},
		{EfiMemoryMappedIO, bzimage.E820Entry{Addr: 0x1000, Size: 0x2000, MemType: bzimage.Reserved}},
		{EfiUnusableMemory, bzimage.E820Entry{Addr: 0x1000, Size: 0x2000, MemType: bzimage.Reserved}},
		{EfiConventionalMemory, bzimage.E820Entry{Addr: 0x1000, Size: 0x2000, MemType: bzimage.RAM}},
	}

	for specIndex, spec := range specs {
		d := MemoryDescriptor{Type: spec.memType, PhysicalStart: 0x1000, NumberOfPages: 2}
		if got := d.E820(); got != spec.exp {
			t.Errorf("[spec %d] expected %+v; got %+v", specIndex, spec.exp, got)
		}
	}
}

func TestE820Map(t *testing.T) {
	descriptors := []*MemoryDescriptor{
		{Type: EfiConventionalMemory, PhysicalStart: 0x0, NumberOfPages: 0x70},
		{Type: EfiLoaderData, PhysicalStart: 0x70000, NumberOfPages: 0x10},
		{Type: EfiReservedMemoryType, PhysicalStart: 0x80000, NumberOfPages: 0x80},
		{Type: EfiBootServicesData, PhysicalStart: 0x100000, NumberOfPages: 0x100},
		{Type: EfiConventionalMemory, PhysicalStart: 0x300000, NumberOfPages: 0x100},
	}

	exp := []bzimage.E820Entry{
		{Addr: 0x0, Size: 0x80000, MemType: bzimage.RAM},
		{Addr: 0x80000, Size: 0x80000, MemType: bzimage.Reserved},
		{Addr: 0x100000, Size: 0x100000, MemType: bzimage.RAM},
		{Addr: 0x300000, Size: 0x100000, MemType: bzimage.RAM},
	}

	if got := E820Map(descriptors); !reflect.DeepEqual(got, exp) {
		t.Fatalf("expected E820 table:\n%+v\ngot:\n%+v", exp, got)
	}
}
