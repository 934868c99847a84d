// Package hal ties the emulated machine together: physical memory, the CPU
// and the devices the kernel drives.
package hal

import (
	"bytes"

	"github.com/VegardSkui/Rockhopper/kernel"
	"github.com/VegardSkui/Rockhopper/kernel/cpu"
	"github.com/VegardSkui/Rockhopper/kernel/driver"
	"github.com/VegardSkui/Rockhopper/kernel/driver/tty"
	"github.com/VegardSkui/Rockhopper/kernel/driver/video/console"
	"github.com/VegardSkui/Rockhopper/kernel/hal/bootinfo"
	"github.com/VegardSkui/Rockhopper/kernel/kfmt"
	"github.com/VegardSkui/Rockhopper/kernel/mem/physmem"
	"github.com/VegardSkui/Rockhopper/kernel/mem/pmm"
	"github.com/VegardSkui/Rockhopper/kernel/mem/vmm"
)

var (
	errPagingDisabled = &kernel.Error{Module: "hal", Message: "jump requires PAE paging to be enabled"}
	errNoConsole      = &kernel.Error{Module: "hal", Message: "no console device could be initialized"}
)

// Machine is the emulated computer the loader and the kernel run on.
type Machine struct {
	RAM *physmem.RAM
	CPU *cpu.CPU
}

// NewMachine returns a machine with empty memory and a CPU in its firmware
// hand-off state.
func NewMachine() *Machine {
	return &Machine{
		RAM: physmem.New(),
		CPU: cpu.New(),
	}
}

// ActiveMapper returns a lookup-only mapper for the page table hierarchy
// that CR3 currently points to.
func (m *Machine) ActiveMapper() *vmm.Mapper {
	return vmm.NewMapper(m.RAM, pmm.FrameFromAddress(m.CPU.ReadCR3()), nil)
}

// Jump transfers control to the code at the virtual address entry. The
// address must be mapped by the active hierarchy, the same way the MMU would
// fault on an instruction fetch from an unmapped page.
func (m *Machine) Jump(entry uint64) *kernel.Error {
	if m.CPU.ReadCR4()&cpu.CR4PAE == 0 {
		return errPagingDisabled
	}

	if _, err := m.ActiveMapper().Translate(entry); err != nil {
		return err
	}

	return m.CPU.Jump(entry)
}

// managedDevices contains the devices initialized by the HAL.
type managedDevices struct {
	activeConsole console.Device
	activeTTY     *tty.VT

	// activeDrivers tracks all initialized device drivers.
	activeDrivers []driver.Driver
}

var (
	devices managedDevices
	strBuf  bytes.Buffer
)

// ActiveTTY returns the currently active TTY.
func ActiveTTY() *tty.VT {
	return devices.activeTTY
}

// ActiveConsole returns the currently active console.
func ActiveConsole() console.Device {
	return devices.activeConsole
}

// AttachConsole brings up a framebuffer console for the framebuffer described
// by info, whose base address must be reachable through mem, and a terminal
// on top of it. Once the terminal is up it becomes the kfmt output sink.
func AttachConsole(mem console.Memory, info bootinfo.EntryData) *kernel.Error {
	devices = managedDevices{}

	probe([]driver.Driver{
		console.NewFbConsole(mem, info.FbBase, info.FbHorizontalResolution, info.FbVerticalResolution, info.FbPixelsPerScanLine),
		tty.NewVT(tty.DefaultTabWidth),
	})

	if devices.activeConsole == nil {
		return errNoConsole
	}

	return nil
}

// probe initializes each driver and invokes onDriverInit for each
// successfully initialized driver.
func probe(drivers []driver.Driver) {
	var w kfmt.PrefixWriter

	for _, drv := range drivers {
		strBuf.Reset()
		major, minor, patch := drv.DriverVersion()
		kfmt.Fprintf(&strBuf, "[hal] %s(%d.%d.%d): ", drv.DriverName(), major, minor, patch)
		w.Prefix = strBuf.Bytes()

		// Attach the terminal before its init code clears the screen.
		if vt, ok := drv.(*tty.VT); ok {
			if devices.activeConsole == nil {
				kfmt.Fprintf(&w, "init failed: no console to attach to\n")
				continue
			}
			vt.AttachTo(devices.activeConsole)
		}

		if err := drv.DriverInit(&w); err != nil {
			kfmt.Fprintf(&w, "init failed: %s\n", err.Message)
			continue
		}

		kfmt.Fprintf(&w, "initialized\n")
		onDriverInit(drv)
		devices.activeDrivers = append(devices.activeDrivers, drv)
	}
}

// onDriverInit is invoked by probe() whenever a device is successfully
// initialized.
func onDriverInit(drv driver.Driver) {
	switch drvImpl := drv.(type) {
	case *tty.VT:
		if devices.activeTTY != nil {
			return
		}

		devices.activeTTY = drvImpl
		kfmt.SetOutputSink(drvImpl)
	case console.Device:
		if devices.activeConsole != nil {
			return
		}

		devices.activeConsole = drvImpl
	}
}
