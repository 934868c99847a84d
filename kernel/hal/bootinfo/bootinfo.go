// Package bootinfo defines the record the bootloader hands to the kernel. The
// loader writes it to a dedicated page and maps that page at the virtual
// address of the kernel's entry_data symbol.
package bootinfo

import (
	"bytes"
	"encoding/binary"

	"github.com/VegardSkui/Rockhopper/kernel"
)

const (
	// Greeting is the value the loader stores in EntryData.Greeting. The
	// kernel refuses to start if it finds anything else.
	Greeting = uint32(0x1f427)

	// Size is the size of the encoded EntryData record in bytes.
	Size = 32

	// SymbolName is the kernel symbol the record gets mapped at.
	SymbolName = "entry_data"
)

var (
	errShortRecord = &kernel.Error{Module: "bootinfo", Message: "entry data record is truncated"}
)

// EntryData describes the framebuffer set up by the firmware.
type EntryData struct {
	Greeting uint32

	// FbBase is the physical address of the linear framebuffer.
	FbBase uint64

	FbHorizontalResolution uint32
	FbVerticalResolution   uint32
	FbPixelsPerScanLine    uint32
}

// layout mirrors the in-memory representation of the record, including the
// padding inserted by a C compiler.
type layout struct {
	Greeting               uint32
	_                      uint32
	FbBase                 uint64
	FbHorizontalResolution uint32
	FbVerticalResolution   uint32
	FbPixelsPerScanLine    uint32
	_                      uint32
}

// MarshalBinary encodes the record using the little-endian layout expected
// by the kernel.
func (d EntryData) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(Size)

	err := binary.Write(&buf, binary.LittleEndian, layout{
		Greeting:               d.Greeting,
		FbBase:                 d.FbBase,
		FbHorizontalResolution: d.FbHorizontalResolution,
		FbVerticalResolution:   d.FbVerticalResolution,
		FbPixelsPerScanLine:    d.FbPixelsPerScanLine,
	})
	if err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a record produced by MarshalBinary.
func (d *EntryData) UnmarshalBinary(data []byte) error {
	if len(data) < Size {
		return errShortRecord
	}

	var l layout
	if err := binary.Read(bytes.NewReader(data[:Size]), binary.LittleEndian, &l); err != nil {
		return err
	}

	*d = EntryData{
		Greeting:               l.Greeting,
		FbBase:                 l.FbBase,
		FbHorizontalResolution: l.FbHorizontalResolution,
		FbVerticalResolution:   l.FbVerticalResolution,
		FbPixelsPerScanLine:    l.FbPixelsPerScanLine,
	}
	return nil
}

// Valid reports whether the record carries the loader's greeting.
func (d EntryData) Valid() bool {
	return d.Greeting == Greeting
}

// FramebufferSize returns the size of the framebuffer in bytes assuming 32
// bits per pixel.
func (d EntryData) FramebufferSize() uint64 {
	return uint64(d.FbPixelsPerScanLine) * uint64(d.FbVerticalResolution) * 4
}
