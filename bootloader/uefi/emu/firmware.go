// Package emu implements UEFI boot services on top of an emulated machine's
// physical memory. It stands in for the platform firmware when booting the
// loader inside the emulator and in tests.
package emu

import (
	"io"
	"sort"

	"github.com/VegardSkui/Rockhopper/bootloader/uefi"
	"github.com/VegardSkui/Rockhopper/kernel/mem"
	"github.com/VegardSkui/Rockhopper/kernel/mem/physmem"
)

// Handles installed by the firmware.
const (
	ImageHandle  = uefi.Handle(1)
	DeviceHandle = uefi.Handle(2)
	gopHandle    = uefi.Handle(3)
)

// Config describes the emulated platform.
type Config struct {
	// MemorySize is the amount of installed RAM in bytes.
	MemorySize uint64

	Vendor           string
	FirmwareRevision uint32
	Revision         uint32

	// VolumeLabel and Files describe the volume the image was loaded
	// from. File names are matched case-insensitively.
	VolumeLabel string
	Files       map[string][]byte

	// Framebuffer geometry. The framebuffer lives outside RAM, at
	// FrameBufferBase.
	Width, Height   uint32
	FrameBufferBase uint64

	// Console receives everything written to ConOut.
	Console io.Writer
}

func (c Config) withDefaults() Config {
	if c.MemorySize == 0 {
		c.MemorySize = uint64(128 * mem.Mb)
	}
	if c.Vendor == "" {
		c.Vendor = "Rockhopper EMU"
	}
	if c.FirmwareRevision == 0 {
		c.FirmwareRevision = 0x00010000
	}
	if c.Revision == 0 {
		c.Revision = 2<<16 | 70
	}
	if c.VolumeLabel == "" {
		c.VolumeLabel = "ROCKHOPPER"
	}
	if c.Width == 0 || c.Height == 0 {
		c.Width, c.Height = 800, 600
	}
	if c.FrameBufferBase == 0 {
		c.FrameBufferBase = 0x80000000
	}
	if c.Console == nil {
		c.Console = io.Discard
	}
	return c
}

// Firmware holds the state of the emulated boot services.
type Firmware struct {
	cfg Config
	ram *physmem.RAM

	// regions covers RAM in address order.
	regions []*uefi.MemoryDescriptor
	mapKey  uint64
	exited  bool

	protocols map[uefi.Handle]map[uefi.GUID]interface{}
	st        *uefi.SystemTable
}

// New returns firmware for a machine whose memory is ram.
func New(ram *physmem.RAM, cfg Config) *Firmware {
	cfg = cfg.withDefaults()

	fw := &Firmware{
		cfg: cfg,
		ram: ram,
		regions: []*uefi.MemoryDescriptor{
			{Type: uefi.EfiBootServicesData, PhysicalStart: 0, NumberOfPages: 1},
			{Type: uefi.EfiConventionalMemory, PhysicalStart: 0x1000, NumberOfPages: (lowMemoryEnd - 0x1000) / uefi.PageSize},
			{Type: uefi.EfiReservedMemoryType, PhysicalStart: lowMemoryEnd, NumberOfPages: (allocFloor - lowMemoryEnd) / uefi.PageSize},
			{Type: uefi.EfiConventionalMemory, PhysicalStart: allocFloor, NumberOfPages: (cfg.MemorySize - allocFloor) / uefi.PageSize},
		},
		mapKey: 1,
	}

	fw.protocols = map[uefi.Handle]map[uefi.GUID]interface{}{
		ImageHandle: {
			uefi.LoadedImageProtocolGUID: loadedImage{device: DeviceHandle},
		},
		DeviceHandle: {
			uefi.SimpleFileSystemProtocolGUID: volume{fw: fw},
		},
		gopHandle: {
			uefi.GraphicsOutputProtocolGUID: graphicsOutput{fw: fw},
		},
	}

	fw.st = &uefi.SystemTable{
		FirmwareVendor:   cfg.Vendor,
		FirmwareRevision: cfg.FirmwareRevision,
		Revision:         cfg.Revision,
		ConOut:           &console{fw: fw},
		BootServices:     fw,
	}

	return fw
}

// SystemTable returns the table passed to the loaded image.
func (fw *Firmware) SystemTable() *uefi.SystemTable {
	return fw.st
}

// Exited reports whether ExitBootServices has been called successfully.
func (fw *Firmware) Exited() bool {
	return fw.exited
}

// FrameBuffer returns the current graphics mode.
func (fw *Firmware) FrameBuffer() uefi.GraphicsOutputMode {
	return graphicsOutput{fw: fw}.Mode()
}

// HandleProtocol implements uefi.BootServices.
func (fw *Firmware) HandleProtocol(handle uefi.Handle, protocol uefi.GUID) (interface{}, error) {
	if fw.exited {
		return nil, uefi.Unsupported
	}

	iface, ok := fw.protocols[handle][protocol]
	if !ok {
		return nil, uefi.Unsupported
	}
	return iface, nil
}

// LocateProtocol implements uefi.BootServices.
func (fw *Firmware) LocateProtocol(protocol uefi.GUID) (interface{}, error) {
	if fw.exited {
		return nil, uefi.Unsupported
	}

	handles := make([]uefi.Handle, 0, len(fw.protocols))
	for handle := range fw.protocols {
		handles = append(handles, handle)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })

	for _, handle := range handles {
		if iface, ok := fw.protocols[handle][protocol]; ok {
			return iface, nil
		}
	}
	return nil, uefi.NotFound
}

// ExitBootServices implements uefi.BootServices.
func (fw *Firmware) ExitBootServices(image uefi.Handle, mapKey uint64) error {
	switch {
	case fw.exited:
		return uefi.Unsupported
	case image != ImageHandle || mapKey != fw.mapKey:
		return uefi.InvalidParameter
	}

	fw.exited = true
	return nil
}

// CopyMem implements uefi.BootServices.
func (fw *Firmware) CopyMem(dst, src, length uint64) error {
	if fw.exited {
		return uefi.Unsupported
	}

	// Overlapping copies go through a temporary buffer.
	if dst < src+length && src < dst+length {
		buf := make([]byte, length)
		fw.ram.Read(src, buf)
		fw.ram.Write(dst, buf)
		return nil
	}

	fw.ram.Memcopy(src, dst, mem.Size(length))
	return nil
}

// SetMem implements uefi.BootServices.
func (fw *Firmware) SetMem(addr, size uint64, value byte) error {
	if fw.exited {
		return uefi.Unsupported
	}

	fw.ram.Memset(addr, value, mem.Size(size))
	return nil
}
