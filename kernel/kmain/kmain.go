// Package kmain contains the kernel entry point.
package kmain

import (
	"github.com/VegardSkui/Rockhopper/kernel"
	"github.com/VegardSkui/Rockhopper/kernel/cpu"
	"github.com/VegardSkui/Rockhopper/kernel/hal"
	"github.com/VegardSkui/Rockhopper/kernel/hal/bootinfo"
	"github.com/VegardSkui/Rockhopper/kernel/kfmt"
	"github.com/VegardSkui/Rockhopper/kernel/mem"
	"github.com/VegardSkui/Rockhopper/kernel/mem/heap"
	"github.com/VegardSkui/Rockhopper/kernel/mem/pmm/allocator"
	"github.com/VegardSkui/Rockhopper/kernel/mem/vmm"
)

var (
	// The following functions are mocked by tests.
	haltFn          = cpu.Halt
	panicFn         = kfmt.Panic
	attachConsoleFn = hal.AttachConsole

	errBadGreeting = &kernel.Error{Module: "kmain", Message: "entry data does not contain the bootloader greeting"}
)

// Image describes where the kernel was loaded. On real hardware these values
// come from linker symbols.
type Image struct {
	// Start and End delimit the virtual address range of the loaded kernel
	// segment.
	Start, End uint64

	// EntryData is the virtual address of the entry_data symbol.
	EntryData uint64
}

// Kmain is the kernel entry point the bootloader jumps to. On entry the
// loader's temporary page tables are active: they identity map the first
// 4GiB of physical memory and map the kernel image and the entry data page
// at their link addresses.
//
// Kmain replaces those tables with the kernel's own hierarchy, brings up the
// heap, loads its own GDT and IDT, attaches the console and then idles. It
// never returns; any error is reported via kfmt.Panic.
func Kmain(m *hal.Machine, img Image) {
	if err := boot(m, img); err != nil {
		panicFn(err)
		return
	}

	haltFn()
}

func boot(m *hal.Machine, img Image) *kernel.Error {
	frameAlloc := allocator.NewBumpAllocator(allocator.DefaultStart)

	mapper, err := vmm.NewPML4(m.RAM, frameAlloc)
	if err != nil {
		return err
	}

	if err = mapper.MapPhysicalMemory(); err != nil {
		return err
	}
	kfmt.Printf("[kmain] physical memory mapped at 0x%x\n", mem.PhysMapOffset)

	if err = remapImage(m.ActiveMapper(), mapper, img); err != nil {
		return err
	}

	kernelHeap, err := heap.Init(mapper, frameAlloc, mem.HeapStart, mem.HeapPages)
	if err != nil {
		return err
	}

	mapper.Activate(m.CPU)
	frameAlloc.PrintStats()

	if err = initInterrupts(m.CPU); err != nil {
		return err
	}

	info, err := readEntryData(mapper.AddressSpace(), img.EntryData)
	if err != nil {
		return err
	}

	// The framebuffer is only reachable through the physical map from now
	// on.
	info.FbBase = mem.PhysToVirt(info.FbBase)
	if err = attachConsoleFn(mapper.AddressSpace(), info); err != nil {
		return err
	}

	for digit := 0; digit < 10; digit++ {
		kfmt.Printf("%d\n", digit)
	}

	return vectorDemo(kernelHeap)
}

// remapImage maps the pages holding the kernel segment and the entry data
// record into the new hierarchy, pointing them at the frames the loader put
// them in.
func remapImage(loaderTables, kernelTables *vmm.Mapper, img Image) *kernel.Error {
	var (
		start = mem.AlignDown(img.Start, uint64(mem.PageSize))
		end   = mem.AlignUp(img.End, uint64(mem.PageSize))
	)

	for virt := start; virt < end; virt += uint64(mem.PageSize) {
		if err := remapPage(loaderTables, kernelTables, virt); err != nil {
			return err
		}
	}

	if err := remapPage(loaderTables, kernelTables, mem.AlignDown(img.EntryData, uint64(mem.PageSize))); err != nil {
		return err
	}

	kfmt.Printf("[kmain] remapped kernel image 0x%x-0x%x and entry data at 0x%x\n", start, end, img.EntryData)
	return nil
}

func remapPage(loaderTables, kernelTables *vmm.Mapper, virt uint64) *kernel.Error {
	phys, err := loaderTables.Translate(virt)
	if err != nil {
		return err
	}

	return kernelTables.Map(virt, phys, vmm.FlagPresent|vmm.FlagRW)
}

func readEntryData(as vmm.AddressSpace, virt uint64) (bootinfo.EntryData, *kernel.Error) {
	var (
		info bootinfo.EntryData
		buf  = make([]byte, bootinfo.Size)
	)

	if err := as.Read(virt, buf); err != nil {
		return info, err
	}

	if err := info.UnmarshalBinary(buf); err != nil {
		return info, kernel.Errorf("kmain", "%s", err.Error())
	}

	if !info.Valid() {
		return info, errBadGreeting
	}

	return info, nil
}

// vectorDemo exercises the heap by growing two vectors and concatenating
// them.
func vectorDemo(h *heap.Allocator) *kernel.Error {
	vector1, vector2 := heap.NewVector(h), heap.NewVector(h)

	if err := vector1.Append(10, 20, 30); err != nil {
		return err
	}
	if err := printVector("Vector1", vector1); err != nil {
		return err
	}

	if err := vector2.Append(70, 80, 90); err != nil {
		return err
	}
	if err := vector1.AppendVector(vector2); err != nil {
		return err
	}

	return printVector("Vector1+2", vector1)
}

func printVector(name string, v *heap.Vector) *kernel.Error {
	values, err := v.Values()
	if err != nil {
		return err
	}

	kfmt.Printf("%s = %v\n", name, values)
	return nil
}
