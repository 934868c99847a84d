package uefi

// BootServices is the subset of EFI_BOOT_SERVICES used by the bootloader.
// Buffers are passed by physical address, as the firmware runs with an
// identity mapping. Once ExitBootServices succeeds every method returns
// Unsupported.
type BootServices interface {
	// AllocatePages allocates pages contiguous pages of memory and
	// returns the physical address of the first one. For
	// AllocateAddress, addr selects the first page.
	AllocatePages(allocType AllocateType, memType MemoryType, pages, addr uint64) (uint64, error)

	// GetMemoryMap writes the current memory map to the bufSize bytes at
	// bufAddr. If the buffer is too small it returns BufferTooSmall
	// together with the required MapSize.
	GetMemoryMap(bufAddr, bufSize uint64) (MemoryMap, error)

	// ExitBootServices terminates the boot services. mapKey must match
	// the key of the current memory map.
	ExitBootServices(image Handle, mapKey uint64) error

	// HandleProtocol returns the interface for protocol installed on
	// handle.
	HandleProtocol(handle Handle, protocol GUID) (interface{}, error)

	// LocateProtocol returns the first interface installed for protocol.
	LocateProtocol(protocol GUID) (interface{}, error)

	// CopyMem copies length bytes from src to dst.
	CopyMem(dst, src, length uint64) error

	// SetMem fills size bytes at addr with value.
	SetMem(addr, size uint64, value byte) error
}

// LoadedImageProtocol is EFI_LOADED_IMAGE_PROTOCOL.
type LoadedImageProtocol interface {
	// DeviceHandle returns the device the image was loaded from.
	DeviceHandle() Handle
}

// SimpleFileSystemProtocol is EFI_SIMPLE_FILE_SYSTEM_PROTOCOL.
type SimpleFileSystemProtocol interface {
	// OpenVolume opens the root directory of the volume.
	OpenVolume() (File, error)
}

// File is EFI_FILE_PROTOCOL.
type File interface {
	// Open opens the file at name relative to this directory.
	Open(name string, mode, attributes uint64) (File, error)

	// Read reads up to size bytes from the current position into the
	// buffer at bufAddr and returns the number of bytes read.
	Read(bufAddr, size uint64) (uint64, error)

	// GetInfo returns a *FileInfo for FileInfoID or a *FileSystemInfo
	// for FileSystemInfoID.
	GetInfo(infoType GUID) (interface{}, error)

	Close() error
}

// FileInfo is EFI_FILE_INFO.
type FileInfo struct {
	FileSize     uint64
	PhysicalSize uint64
	Attribute    uint64
	FileName     string
}

// FileSystemInfo is EFI_FILE_SYSTEM_INFO.
type FileSystemInfo struct {
	ReadOnly    bool
	VolumeSize  uint64
	FreeSpace   uint64
	BlockSize   uint32
	VolumeLabel string
}

// GraphicsOutputProtocol is EFI_GRAPHICS_OUTPUT_PROTOCOL.
type GraphicsOutputProtocol interface {
	// Mode returns the current mode of the device.
	Mode() GraphicsOutputMode
}

// GraphicsOutputMode is EFI_GRAPHICS_OUTPUT_PROTOCOL_MODE.
type GraphicsOutputMode struct {
	MaxMode         uint32
	Mode            uint32
	Info            GraphicsOutputModeInformation
	FrameBufferBase uint64
	FrameBufferSize uint64
}

// GraphicsOutputModeInformation is EFI_GRAPHICS_OUTPUT_MODE_INFORMATION.
type GraphicsOutputModeInformation struct {
	Version              uint32
	HorizontalResolution uint32
	VerticalResolution   uint32
	PixelFormat          PixelFormat
	PixelsPerScanLine    uint32
}

// SimpleTextOutputProtocol is EFI_SIMPLE_TEXT_OUTPUT_PROTOCOL.
type SimpleTextOutputProtocol interface {
	Reset(extendedVerification bool) error
	OutputString(s string) error
}

// LoadedImage returns the EFI_LOADED_IMAGE_PROTOCOL installed on handle.
func LoadedImage(bs BootServices, handle Handle) (LoadedImageProtocol, error) {
	return handleProtocol[LoadedImageProtocol](bs, handle, LoadedImageProtocolGUID)
}

// SimpleFileSystem returns the EFI_SIMPLE_FILE_SYSTEM_PROTOCOL installed on
// handle.
func SimpleFileSystem(bs BootServices, handle Handle) (SimpleFileSystemProtocol, error) {
	return handleProtocol[SimpleFileSystemProtocol](bs, handle, SimpleFileSystemProtocolGUID)
}

// GraphicsOutput locates the first EFI_GRAPHICS_OUTPUT_PROTOCOL instance.
func GraphicsOutput(bs BootServices) (GraphicsOutputProtocol, error) {
	iface, err := bs.LocateProtocol(GraphicsOutputProtocolGUID)
	if err != nil {
		return nil, err
	}

	gop, ok := iface.(GraphicsOutputProtocol)
	if !ok {
		return nil, Unsupported
	}
	return gop, nil
}

func handleProtocol[T any](bs BootServices, handle Handle, protocol GUID) (T, error) {
	var zero T

	iface, err := bs.HandleProtocol(handle, protocol)
	if err != nil {
		return zero, err
	}

	impl, ok := iface.(T)
	if !ok {
		return zero, Unsupported
	}
	return impl, nil
}

// FileSize returns the size of f in bytes.
func FileSize(f File) (uint64, error) {
	info, err := f.GetInfo(FileInfoID)
	if err != nil {
		return 0, err
	}

	fileInfo, ok := info.(*FileInfo)
	if !ok {
		return 0, Unsupported
	}
	return fileInfo.FileSize, nil
}

// VolumeLabel returns the label of the volume dir belongs to.
func VolumeLabel(dir File) (string, error) {
	info, err := dir.GetInfo(FileSystemInfoID)
	if err != nil {
		return "", err
	}

	fsInfo, ok := info.(*FileSystemInfo)
	if !ok {
		return "", Unsupported
	}
	return fsInfo.VolumeLabel, nil
}
