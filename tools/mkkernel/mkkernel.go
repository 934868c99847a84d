package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/VegardSkui/Rockhopper/bootloader/kernelelf"
	"github.com/VegardSkui/Rockhopper/kernel/hal/bootinfo"
	"github.com/VegardSkui/Rockhopper/kernel/mem"
)

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[mkkernel] error: %s\n", err.Error())
	os.Exit(1)
}

// parseAddr parses a hex (0x-prefixed) or decimal address.
func parseAddr(s string) (uint64, error) {
	addr, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return addr, nil
}

// genKernel builds a stub kernel image whose text segment is textSize bytes
// long. A non-zero entryData overrides the address of the entry data symbol.
func genKernel(base, textSize, entryData uint64) ([]byte, error) {
	if textSize == 0 || textSize > uint64(2*mem.Mb) {
		return nil, errors.New("text size must be between 1 byte and 2 MiB")
	}

	spec := kernelelf.StubSpec(base, textSize)
	if entryData != 0 {
		spec.Symbols[bootinfo.SymbolName] = entryData
	}

	return kernelelf.Build(spec)
}

func writeOutput(path string, data []byte) error {
	var w io.Writer = os.Stdout

	if path != "-" {
		fOut, err := os.Create(path)
		if err != nil {
			return err
		}
		defer fOut.Close()

		w = fOut
	}

	_, err := w.Write(data)
	return err
}

func runTool() error {
	base := flag.String("base", fmt.Sprintf("0x%x", mem.KernelRegionStart), "the link address of the kernel text segment")
	textSize := flag.Uint64("text-size", 4096, "the size of the kernel text segment in bytes")
	entryData := flag.String("entry-data", "", "the address of the entry_data symbol (default: the page after the text segment)")
	output := flag.String("out", "RK_KERNEL.ELF", "a file to write the kernel image to or - to output to STDOUT")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, "mkkernel: generate a stub kernel ELF image for the bootloader\n\n")
		fmt.Fprint(os.Stderr, "Usage: mkkernel [options]\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	baseAddr, err := parseAddr(*base)
	if err != nil {
		return err
	}

	var entryDataAddr uint64
	if *entryData != "" {
		if entryDataAddr, err = parseAddr(*entryData); err != nil {
			return err
		}
	}

	data, err := genKernel(baseAddr, *textSize, entryDataAddr)
	if err != nil {
		return err
	}

	return writeOutput(*output, data)
}

func main() {
	if err := runTool(); err != nil {
		exit(err)
	}
}
