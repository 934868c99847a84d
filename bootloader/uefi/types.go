// Package uefi defines the UEFI data types and boot service interfaces used
// by the bootloader.
package uefi

import "fmt"

// PageSize is the granularity of AllocatePages and of memory descriptors.
const PageSize = 4096

// Handle is an opaque reference to a set of protocol interfaces.
type Handle uint64

// GUID is an EFI_GUID.
type GUID struct {
	Data1 uint32
	Data2 uint16
	Data3 uint16
	Data4 [8]byte
}

// String returns the canonical textual form of g.
func (g GUID) String() string {
	return fmt.Sprintf("%08x-%04x-%04x-%02x%02x-%02x%02x%02x%02x%02x%02x",
		g.Data1, g.Data2, g.Data3,
		g.Data4[0], g.Data4[1], g.Data4[2], g.Data4[3],
		g.Data4[4], g.Data4[5], g.Data4[6], g.Data4[7],
	)
}

// Protocol and information type identifiers.
var (
	LoadedImageProtocolGUID      = GUID{0x5b1b31a1, 0x9562, 0x11d2, [8]byte{0x8e, 0x3f, 0x00, 0xa0, 0xc9, 0x69, 0x72, 0x3b}}
	SimpleFileSystemProtocolGUID = GUID{0x964e5b22, 0x6459, 0x11d2, [8]byte{0x8e, 0x39, 0x00, 0xa0, 0xc9, 0x69, 0x72, 0x3b}}
	GraphicsOutputProtocolGUID   = GUID{0x9042a9de, 0x23dc, 0x4a38, [8]byte{0x96, 0xfb, 0x7a, 0xde, 0xd0, 0x80, 0x51, 0x6a}}
	FileInfoID                   = GUID{0x09576e92, 0x6d3f, 0x11d2, [8]byte{0x8e, 0x39, 0x00, 0xa0, 0xc9, 0x69, 0x72, 0x3b}}
	FileSystemInfoID             = GUID{0x09576e93, 0x6d3f, 0x11d2, [8]byte{0x8e, 0x39, 0x00, 0xa0, 0xc9, 0x69, 0x72, 0x3b}}
)

// AllocateType is an EFI_ALLOCATE_TYPE.
type AllocateType int

// EFI_ALLOCATE_TYPE
const (
	AllocateAnyPages AllocateType = iota
	AllocateMaxAddress
	AllocateAddress
	MaxAllocateType
)

// MemoryType is an EFI_MEMORY_TYPE.
type MemoryType uint32

// EFI_MEMORY_TYPE
const (
	EfiReservedMemoryType MemoryType = iota
	EfiLoaderCode
	EfiLoaderData
	EfiBootServicesCode
	EfiBootServicesData
	EfiRuntimeServicesCode
	EfiRuntimeServicesData
	EfiConventionalMemory
	EfiUnusableMemory
	EfiACPIReclaimMemory
	EfiACPIMemoryNVS
	EfiMemoryMappedIO
	EfiMemoryMappedIOPortSpace
	EfiPalCode
	EfiPersistentMemory
	EfiUnacceptedMemoryType
	EfiMaxMemoryType
)

// File open modes and attributes.
const (
	FileModeRead   = uint64(0x0000000000000001)
	FileModeWrite  = uint64(0x0000000000000002)
	FileModeCreate = uint64(0x8000000000000000)

	FileReadOnly  = uint64(0x01)
	FileHidden    = uint64(0x02)
	FileSystem    = uint64(0x04)
	FileDirectory = uint64(0x10)
)

// PixelFormat is an EFI_GRAPHICS_PIXEL_FORMAT.
type PixelFormat uint32

// EFI_GRAPHICS_PIXEL_FORMAT
const (
	PixelRedGreenBlueReserved8BitPerColor PixelFormat = iota
	PixelBlueGreenRedReserved8BitPerColor
	PixelBitMask
	PixelBltOnly
)
