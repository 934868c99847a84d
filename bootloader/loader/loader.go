// Package loader implements the UEFI application that loads the kernel image,
// builds the page tables it expects, leaves the firmware behind and jumps to
// the kernel entry point.
package loader

import (
	"io"

	"github.com/VegardSkui/Rockhopper/bootloader/kernelelf"
	"github.com/VegardSkui/Rockhopper/bootloader/uefi"
	"github.com/VegardSkui/Rockhopper/kernel"
	"github.com/VegardSkui/Rockhopper/kernel/cpu"
	"github.com/VegardSkui/Rockhopper/kernel/hal"
	"github.com/VegardSkui/Rockhopper/kernel/hal/bootinfo"
	"github.com/VegardSkui/Rockhopper/kernel/kfmt"
	"github.com/VegardSkui/Rockhopper/kernel/mem"
	"github.com/VegardSkui/Rockhopper/kernel/mem/pmm"
	"github.com/VegardSkui/Rockhopper/kernel/mem/pmm/allocator"
	"github.com/VegardSkui/Rockhopper/kernel/mem/vmm"
)

// identityMappedGiB is the amount of low physical memory mapped 1:1 by the
// temporary page tables.
const identityMappedGiB = 4

var (
	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	errKernelTooLarge    = &kernel.Error{Module: "loader", Message: "kernel image exceeds the maximum kernel size"}
	errEmptySegment      = &kernel.Error{Module: "loader", Message: "kernel segment is empty"}
	errSegmentTooLarge   = &kernel.Error{Module: "loader", Message: "kernel segment exceeds the maximum kernel size"}
	errSegmentOutOfImage = &kernel.Error{Module: "loader", Message: "kernel segment extends past the end of the kernel image"}
	errMappingCollision  = &kernel.Error{Module: "loader", Message: "virtual address is already mapped to a different frame"}
	errNotLoaded         = &kernel.Error{Module: "loader", Message: "no kernel has been loaded"}
	errKernelReturned    = &kernel.Error{Module: "loader", Message: "kernel entry point returned"}
)

// Kernel describes the loaded kernel.
type Kernel struct {
	// Entry is the virtual address of the entry point.
	Entry uint64

	// VirtAddr and PhysAddr locate the loaded segment, which spans Size
	// bytes.
	VirtAddr uint64
	PhysAddr uint64
	Size     uint64

	// EntryDataVirt and EntryDataPhys locate the entry data page.
	EntryDataVirt uint64
	EntryDataPhys uint64
}

// Loader boots a kernel from the volume a UEFI image was loaded from. Load
// performs every step up to and including the construction of the kernel's
// page tables; Boot activates them and jumps to the kernel.
type Loader struct {
	cfg     Config
	machine *hal.Machine
	st      *uefi.SystemTable
	image   uefi.Handle

	root      uefi.File
	entryData bootinfo.EntryData

	// the kernel image file, as read from the volume
	fileAddr uint64
	fileSize uint64

	elf     *kernelelf.Image
	segment kernelelf.Segment
	kernel  Kernel

	mapKey uint64
	memMap []*uefi.MemoryDescriptor

	pool   *allocator.PoolAllocator
	tables *vmm.Mapper
}

// New returns a loader for the UEFI image identified by image. The loader
// runs on machine m, whose firmware is described by st.
func New(m *hal.Machine, st *uefi.SystemTable, image uefi.Handle, cfg Config) *Loader {
	return &Loader{
		cfg:     cfg.withDefaults(),
		machine: m,
		st:      st,
		image:   image,
	}
}

// Kernel returns the location of the loaded kernel.
func (l *Loader) Kernel() Kernel {
	return l.kernel
}

// MemoryMap returns the memory map the loader exited boot services with.
func (l *Loader) MemoryMap() []*uefi.MemoryDescriptor {
	return l.memMap
}

// PageTables returns the page tables built for the kernel or nil if Load has
// not completed.
func (l *Loader) PageTables() *vmm.Mapper {
	return l.tables
}

// Load prepares the hand-off to the kernel. Log output goes to the firmware
// console until boot services are exited; after that it is buffered by kfmt
// until the kernel attaches its own terminal.
//
// Once Load returns, boot services may have been exited so any error it
// reports is fatal.
func (l *Loader) Load() *kernel.Error {
	kfmt.SetOutputSink(uefi.ConsoleWriter{Out: l.st.ConOut})

	steps := []func() *kernel.Error{
		l.printBanner,
		l.openVolume,
		l.queryGraphicsMode,
		l.readKernelImage,
		l.parseKernelImage,
		l.loadKernelSegment,
		l.allocEntryData,
		l.fetchMemoryMap,
		l.exitBootServices,
		l.writeEntryData,
		l.buildPageTables,
	}

	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}

	return nil
}

// Boot enables PAE paging, loads the kernel page tables into CR3 and jumps to
// the kernel entry point. Boot never returns; if the jump fails or the kernel
// returns the error is passed to kfmt.Panic.
func (l *Loader) Boot() {
	if err := l.boot(); err != nil {
		panicFn(err)
	}
}

func (l *Loader) boot() *kernel.Error {
	if l.tables == nil {
		return errNotLoaded
	}

	c := l.machine.CPU
	c.WriteCR4(c.ReadCR4() | cpu.CR4PSE | cpu.CR4PAE)
	l.tables.Activate(c)

	if err := l.machine.Jump(l.kernel.Entry); err != nil {
		return err
	}

	return errKernelReturned
}

func (l *Loader) printBanner() *kernel.Error {
	if err := l.st.ConOut.Reset(false); err != nil {
		return efiError("reset console", err)
	}

	major, minor := l.st.RevisionMajorMinor()
	kfmt.Printf("[loader] firmware: %s, rev. 0x%08x\n", l.st.FirmwareVendor, l.st.FirmwareRevision)
	kfmt.Printf("[loader] UEFI v%d.%d\n", major, minor)
	return nil
}

// openVolume opens the root directory of the volume the loader image was
// loaded from.
func (l *Loader) openVolume() *kernel.Error {
	bs := l.st.BootServices

	img, err := uefi.LoadedImage(bs, l.image)
	if err != nil {
		return efiError("get loaded image protocol", err)
	}

	fs, err := uefi.SimpleFileSystem(bs, img.DeviceHandle())
	if err != nil {
		return efiError("get simple file system protocol", err)
	}

	if l.root, err = fs.OpenVolume(); err != nil {
		return efiError("open volume", err)
	}

	label, err := uefi.VolumeLabel(l.root)
	if err != nil {
		return efiError("get volume label", err)
	}

	kfmt.Printf("[loader] volume label: %s\n", label)
	return nil
}

// queryGraphicsMode records the current framebuffer geometry in the entry
// data record.
func (l *Loader) queryGraphicsMode() *kernel.Error {
	gop, err := uefi.GraphicsOutput(l.st.BootServices)
	if err != nil {
		return efiError("locate graphics output protocol", err)
	}

	mode := gop.Mode()
	kfmt.Printf("[loader] mode %d, width %d, height %d, fb base 0x%x\n",
		mode.Mode, mode.Info.HorizontalResolution, mode.Info.VerticalResolution, mode.FrameBufferBase,
	)

	l.entryData = bootinfo.EntryData{
		Greeting:               l.cfg.Greeting,
		FbBase:                 mode.FrameBufferBase,
		FbHorizontalResolution: mode.Info.HorizontalResolution,
		FbVerticalResolution:   mode.Info.VerticalResolution,
		FbPixelsPerScanLine:    mode.Info.PixelsPerScanLine,
	}
	return nil
}

// readKernelImage reads the kernel image file into a block of
// MaxKernelSize bytes.
func (l *Loader) readKernelImage() *kernel.Error {
	f, err := l.root.Open(l.cfg.KernelFile, uefi.FileModeRead, uefi.FileReadOnly|uefi.FileHidden|uefi.FileSystem)
	if err != nil {
		return efiError("open "+l.cfg.KernelFile, err)
	}
	defer func() { _ = f.Close() }()

	size, err := uefi.FileSize(f)
	if err != nil {
		return efiError("get kernel image size", err)
	}

	kfmt.Printf("[loader] kernel ELF size = %d bytes\n", size)
	if size > uint64(l.cfg.MaxKernelSize) {
		return errKernelTooLarge
	}

	if l.fileAddr, err = l.allocPages(l.cfg.MaxKernelSize.Pages()); err != nil {
		return efiError("allocate memory for the kernel image", err)
	}

	if l.fileSize, err = f.Read(l.fileAddr, uint64(l.cfg.MaxKernelSize)); err != nil {
		return efiError("read kernel image", err)
	}

	return nil
}

// parseKernelImage selects the kernel segment and resolves the entry data
// symbol.
func (l *Loader) parseKernelImage() *kernel.Error {
	var err *kernel.Error

	if l.elf, err = kernelelf.Parse(io.NewSectionReader(l.machine.RAM, int64(l.fileAddr), int64(l.fileSize))); err != nil {
		return err
	}

	if l.segment, err = l.elf.KernelSegment(l.cfg.KernelBase); err != nil {
		return err
	}

	switch {
	case l.segment.MemSize == 0:
		return errEmptySegment
	case l.segment.MemSize > uint64(l.cfg.MaxKernelSize):
		return errSegmentTooLarge
	case l.segment.Offset+l.segment.FileSize > l.fileSize:
		return errSegmentOutOfImage
	}

	entryDataVirt, err := l.elf.Symbol(l.cfg.EntryDataSymbol)
	if err != nil {
		return err
	}

	l.kernel = Kernel{
		Entry:         l.elf.Entry,
		VirtAddr:      l.segment.VirtAddr,
		Size:          l.segment.MemSize,
		EntryDataVirt: entryDataVirt,
	}
	return nil
}

// loadKernelSegment copies the kernel segment to its own pages and clears
// the part of it not backed by the image file.
func (l *Loader) loadKernelSegment() *kernel.Error {
	var (
		bs  = l.st.BootServices
		seg = l.segment
		err error
	)

	if l.kernel.PhysAddr, err = l.allocPages(mem.Size(seg.MemSize).Pages()); err != nil {
		return efiError("allocate memory for the kernel", err)
	}

	if err = bs.CopyMem(l.kernel.PhysAddr, l.fileAddr+seg.Offset, seg.FileSize); err != nil {
		return efiError("copy kernel segment", err)
	}

	if seg.MemSize > seg.FileSize {
		if err = bs.SetMem(l.kernel.PhysAddr+seg.FileSize, seg.MemSize-seg.FileSize, 0); err != nil {
			return efiError("clear kernel segment", err)
		}
	}

	kfmt.Printf("[loader] kernel_size = %d bytes\n", l.kernel.Size)
	kfmt.Printf("[loader] kernel_phys_addr = 0x%x (phys)\n", l.kernel.PhysAddr)
	kfmt.Printf("[loader] kernel_virt_addr = 0x%x (virt)\n", l.kernel.VirtAddr)
	kfmt.Printf("[loader] kernel_entry = 0x%x (virt)\n", l.kernel.Entry)
	return nil
}

// allocEntryData reserves the page the entry data record is written to once
// boot services have been exited.
func (l *Loader) allocEntryData() *kernel.Error {
	var err error
	if l.kernel.EntryDataPhys, err = l.allocPages(1); err != nil {
		return efiError("allocate memory for the entry data", err)
	}

	return nil
}

// fetchMemoryMap retrieves the current memory map and its key. The first
// call only probes the required buffer size; the buffer gets room for two
// extra descriptors since allocating it may split a free region.
func (l *Loader) fetchMemoryMap() *kernel.Error {
	bs := l.st.BootServices

	probe, err := bs.GetMemoryMap(0, 0)
	if err != uefi.BufferTooSmall {
		return kernel.Errorf("loader", "unexpected status while getting memory map size: got %v, expected %v", err, uefi.BufferTooSmall)
	}

	pages := mem.Size(probe.MapSize + 2*probe.DescriptorSize).Pages()
	bufAddr, err := l.allocPages(pages)
	if err != nil {
		return efiError("allocate memory for the memory map", err)
	}

	memMap, err := bs.GetMemoryMap(bufAddr, pages*uefi.PageSize)
	if err != nil {
		return efiError("get memory map", err)
	}

	buf := make([]byte, memMap.MapSize)
	l.machine.RAM.Read(bufAddr, buf)

	if l.memMap, err = uefi.DecodeMemoryMap(memMap, buf); err != nil {
		return efiError("decode memory map", err)
	}
	l.mapKey = memMap.MapKey

	for _, e := range uefi.E820Map(l.memMap) {
		kfmt.Printf("[loader] e820: [0x%016x-0x%016x] type %d\n", e.Addr, e.Addr+e.Size-1, uint32(e.MemType))
	}
	return nil
}

// exitBootServices hands the machine over from the firmware. The firmware
// console is unusable afterwards, so log output is buffered from here on.
func (l *Loader) exitBootServices() *kernel.Error {
	if err := l.st.BootServices.ExitBootServices(l.image, l.mapKey); err != nil {
		return efiError("exit boot services", err)
	}

	kfmt.SetOutputSink(nil)
	kfmt.Printf("[loader] exited boot services\n")
	return nil
}

func (l *Loader) writeEntryData() *kernel.Error {
	data, err := l.entryData.MarshalBinary()
	if err != nil {
		return kernel.Errorf("loader", "encode entry data: %s", err.Error())
	}

	l.machine.RAM.Write(l.kernel.EntryDataPhys, data)
	return nil
}

// buildPageTables builds the hierarchy the kernel starts with in the paging
// region: the first 4GiB of physical memory are identity-mapped with 1GiB
// pages, and the kernel segment and the entry data page are mapped at their
// link addresses with 4K pages.
func (l *Loader) buildPageTables() *kernel.Error {
	var (
		ram  = l.machine.RAM
		base = pmm.FrameFromAddress(l.cfg.PagingBase)
	)

	ram.ZeroFrames(base, l.cfg.PagingFrames)
	l.pool = allocator.NewPoolAllocator(base, l.cfg.PagingFrames)

	tables, err := vmm.NewPML4(ram, l.pool)
	if err != nil {
		return err
	}

	pdpFrame, err := l.pool.AllocFrames(1)
	if err != nil {
		return err
	}

	if err = tables.Root().SetEntry(0, vmm.NewEntry(pdpFrame.Address(), vmm.FlagPresent|vmm.FlagRW)); err != nil {
		return err
	}

	pdp := vmm.TableAt(ram, pdpFrame)
	for i := 0; i < identityMappedGiB; i++ {
		entry := vmm.NewEntry(uint64(i)*uint64(mem.GiantPageSize), vmm.FlagPresent|vmm.FlagRW|vmm.FlagHugePage)
		if err = pdp.SetEntry(i, entry); err != nil {
			return err
		}
	}

	for offset := uint64(0); offset < l.kernel.Size; offset += uint64(mem.PageSize) {
		if err = mapPage(tables, l.kernel.VirtAddr+offset, l.kernel.PhysAddr+offset); err != nil {
			return err
		}
	}

	if err = mapPage(tables, l.kernel.EntryDataVirt, l.kernel.EntryDataPhys); err != nil {
		return err
	}

	kfmt.Printf("[loader] page tables at 0x%x: %d of %d frames used\n", l.cfg.PagingBase, l.pool.InUse(), l.cfg.PagingFrames)
	l.tables = tables
	return nil
}

// mapPage maps the page at virt to the frame at phys. A page that already
// translates to phys, through a 4K or a huge page, is left alone; one that
// translates anywhere else is a collision.
func mapPage(tables *vmm.Mapper, virt, phys uint64) *kernel.Error {
	if mapped, err := tables.Translate(virt); err == nil {
		if mapped != phys {
			return errMappingCollision
		}
		return nil
	}

	return tables.Map(virt, phys, vmm.FlagPresent|vmm.FlagRW)
}

func (l *Loader) allocPages(pages uint64) (uint64, error) {
	return l.st.BootServices.AllocatePages(uefi.AllocateAnyPages, uefi.EfiLoaderData, pages, 0)
}

// efiError wraps a failed firmware call into a kernel error.
func efiError(op string, err error) *kernel.Error {
	return kernel.Errorf("loader", "%s: %s", op, err.Error())
}
