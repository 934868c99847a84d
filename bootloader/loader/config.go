package loader

import (
	"github.com/VegardSkui/Rockhopper/kernel/hal/bootinfo"
	"github.com/VegardSkui/Rockhopper/kernel/mem"
)

// Config controls where the loader looks for the kernel and how it prepares
// the hand-off.
type Config struct {
	// KernelFile is the name of the kernel image in the root of the boot
	// volume.
	KernelFile string

	// MaxKernelSize caps both the kernel image file and its loaded
	// segment.
	MaxKernelSize mem.Size

	// KernelBase is the link address of the kernel segment.
	KernelBase uint64

	// PagingBase and PagingFrames describe the physical region the
	// temporary page tables are built in. The region must not be handed
	// out by the firmware allocator.
	PagingBase   uint64
	PagingFrames uint64

	// EntryDataSymbol names the kernel symbol the entry data page is
	// mapped at.
	EntryDataSymbol string

	// Greeting is stored in the entry data record.
	Greeting uint32
}

func (c Config) withDefaults() Config {
	if c.KernelFile == "" {
		c.KernelFile = "RK_KERNEL.ELF"
	}
	if c.MaxKernelSize == 0 {
		c.MaxKernelSize = 2 * mem.Mb
	}
	if c.KernelBase == 0 {
		c.KernelBase = mem.KernelRegionStart
	}
	if c.PagingBase == 0 {
		c.PagingBase = 0x70000
	}
	if c.PagingFrames == 0 {
		c.PagingFrames = 10
	}
	if c.EntryDataSymbol == "" {
		c.EntryDataSymbol = bootinfo.SymbolName
	}
	if c.Greeting == 0 {
		c.Greeting = bootinfo.Greeting
	}
	return c
}
