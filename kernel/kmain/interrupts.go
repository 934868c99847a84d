package kmain

import (
	"github.com/VegardSkui/Rockhopper/kernel"
	"github.com/VegardSkui/Rockhopper/kernel/cpu"
	"github.com/VegardSkui/Rockhopper/kernel/gate"
	"github.com/VegardSkui/Rockhopper/kernel/kfmt"
)

var errDoubleFault = &kernel.Error{Module: "kmain", Message: "double fault"}

// initInterrupts loads the kernel GDT and an IDT with handlers for
// breakpoints and double faults.
func initInterrupts(c *cpu.CPU) *kernel.Error {
	gate.HandleInterrupt(gate.Breakpoint, breakpointHandler)
	gate.HandleInterrupt(gate.DoubleFault, doubleFaultHandler)
	return gate.Init(c)
}

func breakpointHandler(regs *gate.Registers) {
	kfmt.Printf("BREAKPOINT:\n")
	regs.DumpTo(kfmt.OutputSink())
}

func doubleFaultHandler(regs *gate.Registers) {
	kfmt.Printf("DOUBLE FAULT:\n")
	regs.DumpTo(kfmt.OutputSink())
	panicFn(errDoubleFault)
}
