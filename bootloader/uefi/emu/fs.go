package emu

import (
	"sort"
	"strings"

	"github.com/VegardSkui/Rockhopper/bootloader/uefi"
)

// blockSize is the allocation unit of the emulated volume.
const blockSize = 512

type loadedImage struct {
	device uefi.Handle
}

func (img loadedImage) DeviceHandle() uefi.Handle {
	return img.device
}

// volume is a read-only, flat file system holding Config.Files.
type volume struct {
	fw *Firmware
}

func (v volume) OpenVolume() (uefi.File, error) {
	if v.fw.exited {
		return nil, uefi.Unsupported
	}
	return &file{fw: v.fw, dir: true}, nil
}

type file struct {
	fw     *Firmware
	dir    bool
	name   string
	data   []byte
	pos    uint64
	closed bool
}

func (f *file) check() error {
	switch {
	case f.fw.exited:
		return uefi.Unsupported
	case f.closed:
		return uefi.InvalidParameter
	}
	return nil
}

// Open implements uefi.File.
func (f *file) Open(name string, mode, _ uint64) (uefi.File, error) {
	if err := f.check(); err != nil {
		return nil, err
	}

	if !f.dir || mode != uefi.FileModeRead {
		return nil, uefi.InvalidParameter
	}

	name = strings.TrimPrefix(name, `\`)
	for fileName, data := range f.fw.cfg.Files {
		if strings.EqualFold(fileName, name) {
			return &file{fw: f.fw, name: fileName, data: data}, nil
		}
	}

	return nil, uefi.NotFound
}

// Read implements uefi.File.
func (f *file) Read(bufAddr, size uint64) (uint64, error) {
	if err := f.check(); err != nil {
		return 0, err
	}

	if f.dir {
		return 0, uefi.Unsupported
	}

	n := min(size, uint64(len(f.data))-f.pos)
	f.fw.ram.Write(bufAddr, f.data[f.pos:f.pos+n])
	f.pos += n
	return n, nil
}

// GetInfo implements uefi.File.
func (f *file) GetInfo(infoType uefi.GUID) (interface{}, error) {
	if err := f.check(); err != nil {
		return nil, err
	}

	switch infoType {
	case uefi.FileInfoID:
		info := &uefi.FileInfo{
			FileSize:     uint64(len(f.data)),
			PhysicalSize: (uint64(len(f.data)) + blockSize - 1) / blockSize * blockSize,
			Attribute:    uefi.FileReadOnly,
			FileName:     f.name,
		}
		if f.dir {
			info.Attribute |= uefi.FileDirectory
		}
		return info, nil
	case uefi.FileSystemInfoID:
		var used uint64
		for _, name := range f.fw.fileNames() {
			used += (uint64(len(f.fw.cfg.Files[name])) + blockSize - 1) / blockSize * blockSize
		}

		return &uefi.FileSystemInfo{
			ReadOnly:    true,
			VolumeSize:  used,
			BlockSize:   blockSize,
			VolumeLabel: f.fw.cfg.VolumeLabel,
		}, nil
	default:
		return nil, uefi.Unsupported
	}
}

// Close implements uefi.File.
func (f *file) Close() error {
	if err := f.check(); err != nil {
		return err
	}

	f.closed = true
	return nil
}

func (fw *Firmware) fileNames() []string {
	names := make([]string, 0, len(fw.cfg.Files))
	for name := range fw.cfg.Files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
