// Command Rockhopper boots a kernel image on an emulated x86-64 machine: the
// loader runs against emulated UEFI boot services, builds the kernel's page
// tables and jumps into the kernel, which then takes over the framebuffer.
package main

import (
	"errors"
	"flag"
	"fmt"
	"image"
	"image/color"
	"io"
	"os"

	"github.com/fogleman/gg"

	"github.com/VegardSkui/Rockhopper/bootloader/kernelelf"
	"github.com/VegardSkui/Rockhopper/bootloader/loader"
	"github.com/VegardSkui/Rockhopper/bootloader/uefi"
	"github.com/VegardSkui/Rockhopper/bootloader/uefi/emu"
	"github.com/VegardSkui/Rockhopper/kernel/cpu"
	"github.com/VegardSkui/Rockhopper/kernel/hal"
	"github.com/VegardSkui/Rockhopper/kernel/kfmt"
	"github.com/VegardSkui/Rockhopper/kernel/kmain"
	"github.com/VegardSkui/Rockhopper/kernel/mem"
	"github.com/VegardSkui/Rockhopper/kernel/mem/physmem"
)

const (
	// stubTextSize is the size of the text segment of the built-in kernel
	// image.
	stubTextSize = 4096

	// minMemSize is the smallest supported amount of RAM in MiB.
	minMemSize = 8
)

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[rockhopper] error: %s\n", err.Error())
	os.Exit(1)
}

// kernelImage returns the contents of the kernel image at path or, if path is
// empty, a stand-in image linked at the start of the kernel region.
func kernelImage(path string) ([]byte, error) {
	if path == "" {
		return kernelelf.Build(kernelelf.StubSpec(mem.KernelRegionStart, stubTextSize))
	}

	return os.ReadFile(path)
}

// framebufferImage decodes the BGRX framebuffer described by mode.
func framebufferImage(ram *physmem.RAM, mode uefi.GraphicsOutputMode) *image.RGBA {
	var (
		width  = int(mode.Info.HorizontalResolution)
		height = int(mode.Info.VerticalResolution)
		pitch  = uint64(mode.Info.PixelsPerScanLine) * 4
		row    = make([]byte, width*4)
		img    = image.NewRGBA(image.Rect(0, 0, width, height))
	)

	for y := 0; y < height; y++ {
		ram.Read(mode.FrameBufferBase+uint64(y)*pitch, row)
		for x := 0; x < width; x++ {
			px := row[x*4:]
			img.SetRGBA(x, y, color.RGBA{R: px[2], G: px[1], B: px[0], A: 0xff})
		}
	}

	return img
}

// flushLog replays log output that never reached a terminal to w.
func flushLog(w io.Writer) {
	if kfmt.OutputSink() == nil {
		kfmt.SetOutputSink(w)
	}
}

func runTool() error {
	kernelPath := flag.String("kernel", "", "the kernel ELF image to boot; a built-in stub kernel is used if not specified")
	width := flag.Uint("width", 800, "the horizontal resolution of the framebuffer")
	height := flag.Uint("height", 600, "the vertical resolution of the framebuffer")
	memSize := flag.Uint("mem", 128, "the amount of installed RAM in MiB")
	screenshot := flag.String("screenshot", "", "a PNG file to write the framebuffer contents to when the machine halts")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, "rockhopper: boot a kernel on an emulated UEFI machine\n\n")
		fmt.Fprint(os.Stderr, "Usage: rockhopper [options]\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *width == 0 || *height == 0 {
		return errors.New("framebuffer dimensions must be non-zero")
	}

	// The loader needs room above 1MiB for the kernel image, the kernel
	// segment and the memory map.
	if *memSize < minMemSize {
		return fmt.Errorf("at least %d MiB of RAM are required", minMemSize)
	}

	kernelData, err := kernelImage(*kernelPath)
	if err != nil {
		return err
	}

	m := hal.NewMachine()
	fw := emu.New(m.RAM, emu.Config{
		MemorySize: uint64(*memSize) * uint64(mem.Mb),
		Files:      map[string][]byte{"RK_KERNEL.ELF": kernelData},
		Width:      uint32(*width),
		Height:     uint32(*height),
		Console:    &kfmt.PrefixWriter{Sink: os.Stdout, Prefix: []byte("[efi] ")},
	})

	cpu.AtHalt(func() { flushLog(os.Stderr) })
	if *screenshot != "" {
		cpu.AtHalt(func() {
			if err := gg.SavePNG(*screenshot, framebufferImage(m.RAM, fw.FrameBuffer())); err != nil {
				fmt.Fprintf(os.Stderr, "[rockhopper] unable to save screenshot: %s\n", err.Error())
			}
		})
	}

	l := loader.New(m, fw.SystemTable(), emu.ImageHandle, loader.Config{})
	if err := l.Load(); err != nil {
		kfmt.Panic(err)
		return nil
	}

	k := l.Kernel()
	m.CPU.Install(k.Entry, func() {
		kmain.Kmain(m, kmain.Image{
			Start:     k.VirtAddr,
			End:       k.VirtAddr + k.Size,
			EntryData: k.EntryDataVirt,
		})
	})

	l.Boot()
	return nil
}

func main() {
	if err := runTool(); err != nil {
		exit(err)
	}
}
