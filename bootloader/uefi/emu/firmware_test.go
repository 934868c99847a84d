package emu

import (
	"bytes"
	"testing"

	"github.com/VegardSkui/Rockhopper/bootloader/uefi"
	"github.com/VegardSkui/Rockhopper/kernel/mem/physmem"
)

func newTestFirmware(files map[string][]byte) (*Firmware, *physmem.RAM, *bytes.Buffer) {
	var (
		ram     = physmem.New()
		console bytes.Buffer
	)

	fw := New(ram, Config{
		MemorySize: 64 << 20,
		Files:      files,
		Width:      640,
		Height:     480,
		Console:    &console,
	})
	return fw, ram, &console
}

func TestAllocatePages(t *testing.T) {
	fw, _, _ := newTestFirmware(nil)
	bs := fw.SystemTable().BootServices

	specs := []struct {
		allocType uefi.AllocateType
		memType   uefi.MemoryType
		pages     uint64
		addr      uint64
		expAddr   uint64
		expErr    error
	}{
		{uefi.AllocateAnyPages, uefi.EfiLoaderData, 512, 0, 0x100000, nil},
		{uefi.AllocateAnyPages, uefi.EfiLoaderData, 1, 0, 0x300000, nil},
		{uefi.AllocateAddress, uefi.EfiLoaderData, 2, 0x400000, 0x400000, nil},
		{uefi.AllocateAddress, uefi.EfiLoaderData, 1, 0x400000, 0, uefi.NotFound},
		{uefi.AllocateAddress, uefi.EfiLoaderData, 1, 0x400001, 0, uefi.InvalidParameter},
		{uefi.AllocateAnyPages, uefi.EfiLoaderData, 0, 0, 0, uefi.InvalidParameter},
		{uefi.AllocateAnyPages, uefi.EfiConventionalMemory, 1, 0, 0, uefi.InvalidParameter},
		{uefi.AllocateMaxAddress, uefi.EfiLoaderData, 1, 0x300fff, 0, uefi.OutOfResources},
		{uefi.AllocateMaxAddress, uefi.EfiLoaderData, 1, 0x301fff, 0x301000, nil},
		{uefi.AllocateAnyPages, uefi.EfiLoaderData, 64 << 8, 0, 0, uefi.OutOfResources},
		{uefi.MaxAllocateType, uefi.EfiLoaderData, 1, 0, 0, uefi.InvalidParameter},
	}

	for specIndex, spec := range specs {
		addr, err := bs.AllocatePages(spec.allocType, spec.memType, spec.pages, spec.addr)
		if err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
			continue
		}

		if err == nil && addr != spec.expAddr {
			t.Errorf("[spec %d] expected allocation at 0x%x; got 0x%x", specIndex, spec.expAddr, addr)
		}
	}
}

func TestGetMemoryMap(t *testing.T) {
	fw, ram, _ := newTestFirmware(nil)
	bs := fw.SystemTable().BootServices

	probe, err := bs.GetMemoryMap(0, 0)
	if err != uefi.BufferTooSmall {
		t.Fatalf("expected the size probe to return BufferTooSmall; got %v", err)
	}

	if probe.DescriptorSize != uefi.DescriptorSize || probe.MapSize != 5*uefi.DescriptorSize {
		t.Fatalf("unexpected probe result: %+v", probe)
	}

	// Allocating the buffer for the map grows the map by two descriptors
	// and changes the key.
	bufSize := probe.MapSize + 2*probe.DescriptorSize
	bufAddr, err := bs.AllocatePages(uefi.AllocateAnyPages, uefi.EfiLoaderData, (bufSize+uefi.PageSize-1)/uefi.PageSize, 0)
	if err != nil {
		t.Fatal(err)
	}

	m, err := bs.GetMemoryMap(bufAddr, bufSize)
	if err != nil {
		t.Fatal(err)
	}

	if m.MapKey == probe.MapKey {
		t.Fatal("expected the map key to change after an allocation")
	}

	if m.MapSize != 6*uefi.DescriptorSize {
		t.Fatalf("expected map size to be %d; got %d", 6*uefi.DescriptorSize, m.MapSize)
	}

	buf := make([]byte, m.MapSize)
	ram.Read(bufAddr, buf)

	descriptors, err := uefi.DecodeMemoryMap(m, buf)
	if err != nil {
		t.Fatal(err)
	}

	exp := []uefi.MemoryDescriptor{
		{Type: uefi.EfiBootServicesData, PhysicalStart: 0, NumberOfPages: 1},
		{Type: uefi.EfiConventionalMemory, PhysicalStart: 0x1000, NumberOfPages: 0x9f},
		{Type: uefi.EfiReservedMemoryType, PhysicalStart: 0xa0000, NumberOfPages: 0x60},
		{Type: uefi.EfiLoaderData, PhysicalStart: 0x100000, NumberOfPages: 1},
		{Type: uefi.EfiConventionalMemory, PhysicalStart: 0x101000, NumberOfPages: (64<<20 - 0x101000) / uefi.PageSize},
		{Type: uefi.EfiMemoryMappedIO, PhysicalStart: 0x80000000, NumberOfPages: 640 * 480 * 4 / uefi.PageSize},
	}

	for i := range exp {
		if *descriptors[i] != exp[i] {
			t.Errorf("[descriptor %d] expected %+v; got %+v", i, exp[i], *descriptors[i])
		}
	}
}

func TestExitBootServices(t *testing.T) {
	fw, _, console := newTestFirmware(map[string][]byte{"RK_KERNEL.ELF": []byte("elf")})
	st := fw.SystemTable()
	bs := st.BootServices

	root, err := mustVolume(t, bs).OpenVolume()
	if err != nil {
		t.Fatal(err)
	}

	m, _ := bs.GetMemoryMap(0, 0)

	if err = bs.ExitBootServices(DeviceHandle, m.MapKey); err != uefi.InvalidParameter {
		t.Fatalf("expected exiting with the wrong image handle to fail; got %v", err)
	}

	if err = bs.ExitBootServices(ImageHandle, m.MapKey+1); err != uefi.InvalidParameter {
		t.Fatalf("expected exiting with a stale map key to fail; got %v", err)
	}

	if err = bs.ExitBootServices(ImageHandle, m.MapKey); err != nil {
		t.Fatal(err)
	}

	if !fw.Exited() {
		t.Fatal("expected firmware to report that boot services were exited")
	}

	calls := []func() error{
		func() error { _, err := bs.AllocatePages(uefi.AllocateAnyPages, uefi.EfiLoaderData, 1, 0); return err },
		func() error { _, err := bs.GetMemoryMap(0, 0); return err },
		func() error { return bs.ExitBootServices(ImageHandle, m.MapKey) },
		func() error { _, err := bs.HandleProtocol(ImageHandle, uefi.LoadedImageProtocolGUID); return err },
		func() error { _, err := bs.LocateProtocol(uefi.GraphicsOutputProtocolGUID); return err },
		func() error { return bs.CopyMem(0x1000, 0x2000, 8) },
		func() error { return bs.SetMem(0x1000, 8, 0xff) },
		func() error { return st.ConOut.OutputString("hello") },
		func() error { return st.ConOut.Reset(false) },
		func() error { _, err := root.Open("RK_KERNEL.ELF", uefi.FileModeRead, 0); return err },
	}

	for specIndex, call := range calls {
		if err := call(); err != uefi.Unsupported {
			t.Errorf("[spec %d] expected Unsupported after exiting boot services; got %v", specIndex, err)
		}
	}

	if console.Len() != 0 {
		t.Fatalf("expected no console output after exiting boot services; got %q", console.String())
	}
}

func TestMemoryServices(t *testing.T) {
	fw, ram, _ := newTestFirmware(nil)
	bs := fw.SystemTable().BootServices

	ram.Write(0x200000, []byte("rockhopper"))

	if err := bs.CopyMem(0x300000, 0x200000, 10); err != nil {
		t.Fatal(err)
	}

	// overlapping
	if err := bs.CopyMem(0x200002, 0x200000, 10); err != nil {
		t.Fatal(err)
	}

	if err := bs.SetMem(0x300004, 3, '-'); err != nil {
		t.Fatal(err)
	}

	specs := []struct {
		addr uint64
		exp  string
	}{
		{0x300000, "rock---per"},
		{0x200000, "rorockhopper"},
	}

	for specIndex, spec := range specs {
		buf := make([]byte, len(spec.exp))
		ram.Read(spec.addr, buf)
		if string(buf) != spec.exp {
			t.Errorf("[spec %d] expected memory at 0x%x to contain %q; got %q", specIndex, spec.addr, spec.exp, buf)
		}
	}
}

func TestConsoleAndGraphics(t *testing.T) {
	fw, _, console := newTestFirmware(nil)
	st := fw.SystemTable()

	if err := st.ConOut.Reset(false); err != nil {
		t.Fatal(err)
	}

	if err := st.ConOut.OutputString("Hello World!\r\n"); err != nil {
		t.Fatal(err)
	}

	if exp := "Hello World!\n"; console.String() != exp {
		t.Fatalf("expected console output %q; got %q", exp, console.String())
	}

	gop, err := uefi.GraphicsOutput(st.BootServices)
	if err != nil {
		t.Fatal(err)
	}

	mode := gop.Mode()
	if mode.Info.HorizontalResolution != 640 || mode.Info.VerticalResolution != 480 || mode.Info.PixelsPerScanLine != 640 {
		t.Fatalf("unexpected graphics mode: %+v", mode.Info)
	}

	if mode.FrameBufferBase != 0x80000000 || mode.FrameBufferSize != 640*480*4 {
		t.Fatalf("unexpected framebuffer: base 0x%x, size %d", mode.FrameBufferBase, mode.FrameBufferSize)
	}

	if st.FirmwareVendor != "Rockhopper EMU" || st.Revision != 2<<16|70 {
		t.Fatalf("unexpected system table defaults: %q rev 0x%x", st.FirmwareVendor, st.Revision)
	}

	if _, err = st.BootServices.LocateProtocol(uefi.FileInfoID); err != uefi.NotFound {
		t.Fatalf("expected NotFound; got %v", err)
	}
}

func mustVolume(t *testing.T, bs uefi.BootServices) uefi.SimpleFileSystemProtocol {
	t.Helper()

	img, err := uefi.LoadedImage(bs, ImageHandle)
	if err != nil {
		t.Fatal(err)
	}

	fs, err := uefi.SimpleFileSystem(bs, img.DeviceHandle())
	if err != nil {
		t.Fatal(err)
	}
	return fs
}
