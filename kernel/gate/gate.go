// Package gate sets up the descriptor tables the kernel runs with: a flat
// long mode GDT and an IDT that routes each interrupt vector to a registered
// handler.
package gate

import (
	"io"

	"github.com/VegardSkui/Rockhopper/kernel"
	"github.com/VegardSkui/Rockhopper/kernel/cpu"
	"github.com/VegardSkui/Rockhopper/kernel/kfmt"
)

// Segment selectors for the descriptors in the kernel GDT.
const (
	KernelCodeSelector = uint16(0x08)
	KernelDataSelector = uint16(0x10)
)

// GDT descriptors. Both segments span the whole address space with the
// granularity, long mode and present bits set.
const (
	nullDescriptor = uint64(0)

	// Type is code, readable and accessed.
	kernelCodeSegment = uint64(0x00af_9b00_0000_ffff)

	// Type is data, writable and accessed.
	kernelDataSegment = uint64(0x00af_9300_0000_ffff)
)

// KernelGDT is the global descriptor table loaded by Init.
var KernelGDT = [3]uint64{nullDescriptor, kernelCodeSegment, kernelDataSegment}

var (
	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	// handlers holds the IDT entries. A nil entry is not present.
	handlers [256]func(*Registers)
)

// Registers contains a snapshot of the interrupt frame when an exception or
// interrupt occurs.
type Registers cpu.InterruptFrame

// DumpTo outputs the register contents to w. A nil w selects the active
// output sink.
func (r *Registers) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "RIP = %016x CS  = %016x\n", r.RIP, r.CS)
	kfmt.Fprintf(w, "RFL = %016x SS  = %016x\n", r.RFlags, r.SS)
	kfmt.Fprintf(w, "ERR = %016x\n", r.ErrorCode)
}

// InterruptNumber describes an x86 interrupt/exception/trap slot.
type InterruptNumber uint8

const (
	// DivideByZero occurs when dividing any number by 0 using the DIV or
	// IDIV instruction.
	DivideByZero = InterruptNumber(0)

	// NMI (non-maskable-interrupt) is a hardware interrupt that indicates
	// issues with RAM or unrecoverable hardware problems.
	NMI = InterruptNumber(2)

	// Breakpoint is raised by the INT3 instruction.
	Breakpoint = InterruptNumber(3)

	// InvalidOpcode occurs when the CPU attempts to execute an invalid or
	// undefined instruction opcode.
	InvalidOpcode = InterruptNumber(6)

	// DoubleFault occurs when an unhandled exception occurs or when an
	// exception occurs within a running exception handler.
	DoubleFault = InterruptNumber(8)

	// GPFException occurs when a general protection fault occurs.
	GPFException = InterruptNumber(13)

	// PageFaultException occurs when a page table entry is not present or
	// when a privilege and/or RW protection check fails.
	PageFaultException = InterruptNumber(14)
)

// Init loads the kernel GDT, reloads the segment registers and installs the
// IDT. Handlers may be registered before or after Init.
func Init(c *cpu.CPU) *kernel.Error {
	c.LoadGDT(KernelGDT[:])
	if err := c.LoadSegments(KernelCodeSelector, KernelDataSelector); err != nil {
		return err
	}

	c.LoadIDT(dispatchInterrupt)
	kfmt.Printf("[gate] loaded GDT with %d descriptors and IDT\n", len(KernelGDT))
	return nil
}

// HandleInterrupt ensures that the provided handler will be invoked when a
// particular interrupt number occurs. Passing a nil handler marks the entry
// as not present.
func HandleInterrupt(intNumber InterruptNumber, handler func(*Registers)) {
	handlers[intNumber] = handler
}

// dispatchInterrupt routes an incoming interrupt to the selected handler.
// Vectors without a handler escalate to a double fault; a missing double
// fault handler is fatal.
func dispatchInterrupt(frame *cpu.InterruptFrame) {
	regs := (*Registers)(frame)

	if handler := handlers[regs.Vector]; handler != nil {
		handler(regs)
		return
	}

	if InterruptNumber(regs.Vector) != DoubleFault {
		if handler := handlers[DoubleFault]; handler != nil {
			escalated := *regs
			escalated.Vector, escalated.ErrorCode = uint8(DoubleFault), 0
			handler(&escalated)
			return
		}
	}

	panicFn(kernel.Errorf("gate", "unhandled interrupt %d", regs.Vector))
}
