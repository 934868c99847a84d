// Package cpu models the subset of an x86-64 processor that the boot path
// touches: the control registers, the descriptor table registers, a table of
// entry points that stand in for code living at a virtual address and the
// halt instruction.
package cpu

import (
	"os"

	"github.com/VegardSkui/Rockhopper/kernel"
)

// Control register bits used by the boot path.
const (
	// CR4PSE enables page size extensions (huge pages in 32-bit paging).
	CR4PSE = uint64(1 << 4)

	// CR4PAE enables physical address extension, required by long mode
	// 4-level paging.
	CR4PAE = uint64(1 << 5)

	// CR0PG enables paging.
	CR0PG = uint64(1 << 31)

	// RFlagsReserved is bit 1 of RFLAGS which always reads as 1.
	RFlagsReserved = uint64(1 << 1)
)

var (
	// exitFn is mocked by tests.
	exitFn = os.Exit

	// haltHooks run just before the machine powers off.
	haltHooks []func()

	errNoCodeAtAddress = &kernel.Error{Module: "cpu", Message: "jump target does not contain any code"}
	errBadSelector     = &kernel.Error{Module: "cpu", Message: "segment selector does not reference a GDT descriptor"}
	errNoIDT           = &kernel.Error{Module: "cpu", Message: "interrupt raised without a loaded IDT"}
)

// EntryFn is a piece of code installed at a virtual address.
type EntryFn func()

// InterruptFrame is the state the processor pushes on the stack before
// invoking an interrupt handler.
type InterruptFrame struct {
	// Vector is the interrupt number being delivered.
	Vector uint8

	// ErrorCode is pushed by exceptions that report one and is zero for
	// everything else.
	ErrorCode uint64

	// The return frame used by IRETQ.
	RIP    uint64
	CS     uint64
	RFlags uint64
	SS     uint64
}

// InterruptDispatcher routes a delivered interrupt to its handler. It stands
// in for the IDT: the processor calls it for every vector.
type InterruptDispatcher func(*InterruptFrame)

// CPU holds the emulated processor state.
type CPU struct {
	cr0, cr3, cr4 uint64

	// rip holds the address of the code currently running.
	rip uint64

	gdt    []uint64
	cs, ss uint16
	idt    InterruptDispatcher

	code map[uint64]EntryFn
}

// New returns a CPU in the state the firmware leaves it in before handing
// control to a UEFI application: long mode with paging enabled.
func New() *CPU {
	return &CPU{
		cr0:  CR0PG,
		cr4:  CR4PAE,
		code: make(map[uint64]EntryFn),
	}
}

// ReadCR0 returns the current value of the CR0 register.
func (c *CPU) ReadCR0() uint64 { return c.cr0 }

// ReadCR3 returns the physical address of the active PML4 table.
func (c *CPU) ReadCR3() uint64 { return c.cr3 }

// WriteCR3 loads a new PML4 physical address.
func (c *CPU) WriteCR3(value uint64) { c.cr3 = value }

// ReadCR4 returns the current value of the CR4 register.
func (c *CPU) ReadCR4() uint64 { return c.cr4 }

// WriteCR4 loads a new value into the CR4 register.
func (c *CPU) WriteCR4(value uint64) { c.cr4 = value }

// Install places fn at virtual address addr so that a later Jump to addr
// executes it.
func (c *CPU) Install(addr uint64, fn EntryFn) {
	c.code[addr] = fn
}

// Jump transfers control to the code installed at addr. On real hardware a
// jump never comes back; here Jump returns only if the code it ran returned.
// Callers must treat a return as a fault.
func (c *CPU) Jump(addr uint64) *kernel.Error {
	fn, ok := c.code[addr]
	if !ok {
		return errNoCodeAtAddress
	}

	prevRIP := c.rip
	c.rip = addr
	fn()
	c.rip = prevRIP
	return nil
}

// LoadGDT loads a new global descriptor table. Like LGDT, it does not reload
// the segment registers.
func (c *CPU) LoadGDT(entries []uint64) {
	c.gdt = append([]uint64(nil), entries...)
}

// GDT returns a copy of the active global descriptor table.
func (c *CPU) GDT() []uint64 {
	return append([]uint64(nil), c.gdt...)
}

// LoadSegments loads the code and data segment selectors. Both selectors
// must reference a non-null descriptor of the active GDT.
func (c *CPU) LoadSegments(code, data uint16) *kernel.Error {
	for _, sel := range []uint16{code, data} {
		if index := int(sel >> 3); index == 0 || index >= len(c.gdt) || c.gdt[index] == 0 {
			return errBadSelector
		}
	}

	c.cs, c.ss = code, data
	return nil
}

// Segments returns the active code and stack segment selectors.
func (c *CPU) Segments() (code, stack uint16) {
	return c.cs, c.ss
}

// LoadIDT installs d as the interrupt descriptor table.
func (c *CPU) LoadIDT(d InterruptDispatcher) {
	c.idt = d
}

// Interrupt delivers the interrupt vector to the loaded IDT. It returns an
// error if no IDT has been loaded; real hardware would triple fault.
func (c *CPU) Interrupt(vector uint8, errorCode uint64) *kernel.Error {
	if c.idt == nil {
		return errNoIDT
	}

	c.idt(&InterruptFrame{
		Vector:    vector,
		ErrorCode: errorCode,
		RIP:       c.rip,
		CS:        uint64(c.cs),
		RFlags:    RFlagsReserved,
		SS:        uint64(c.ss),
	})
	return nil
}

// AtHalt registers fn to run when the machine halts. It is used by the
// emulator front-end to dump state (e.g. a framebuffer screenshot) before the
// process exits.
func AtHalt(fn func()) {
	haltHooks = append(haltHooks, fn)
}

// Halt stops instruction execution. The emulated machine powers off with a
// zero exit status.
func Halt() {
	halt(0)
}

// HaltOnFault stops instruction execution after an unrecoverable error. The
// emulated machine powers off with a non-zero exit status.
func HaltOnFault() {
	halt(1)
}

func halt(status int) {
	for _, fn := range haltHooks {
		fn()
	}
	exitFn(status)
}
