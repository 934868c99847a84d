package loader

import (
	"bytes"
	"strings"
	"testing"

	"github.com/VegardSkui/Rockhopper/bootloader/kernelelf"
	"github.com/VegardSkui/Rockhopper/bootloader/uefi/emu"
	"github.com/VegardSkui/Rockhopper/kernel"
	"github.com/VegardSkui/Rockhopper/kernel/cpu"
	"github.com/VegardSkui/Rockhopper/kernel/hal"
	"github.com/VegardSkui/Rockhopper/kernel/hal/bootinfo"
	"github.com/VegardSkui/Rockhopper/kernel/kfmt"
	"github.com/VegardSkui/Rockhopper/kernel/mem"
	"github.com/VegardSkui/Rockhopper/kernel/mem/physmem"
	"github.com/VegardSkui/Rockhopper/kernel/mem/pmm"
	"github.com/VegardSkui/Rockhopper/kernel/mem/pmm/allocator"
	"github.com/VegardSkui/Rockhopper/kernel/mem/vmm"
)

const (
	testEntry     = mem.KernelRegionStart + 0x10
	testEntryData = mem.KernelRegionStart + 0x200000

	// physical addresses handed out by the emulated firmware for the
	// image file, the kernel segment and the entry data page.
	expKernelPhys    = uint64(0x300000)
	expEntryDataPhys = uint64(0x301000)
)

func kernelText() []byte {
	text := make([]byte, 4096)
	for i := range text {
		text[i] = byte(i % 251)
	}
	return text
}

func buildKernel(t *testing.T, segments []kernelelf.SegmentSpec, symbols map[string]uint64) []byte {
	t.Helper()

	data, err := kernelelf.Build(kernelelf.BuildSpec{
		Entry:    testEntry,
		Segments: segments,
		Symbols:  symbols,
	})
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func defaultKernel(t *testing.T) []byte {
	return buildKernel(t,
		[]kernelelf.SegmentSpec{{VirtAddr: mem.KernelRegionStart, Data: kernelText()}},
		map[string]uint64{bootinfo.SymbolName: testEntryData},
	)
}

func setupLoader(t *testing.T, kernelImage []byte, cfg Config) (*Loader, *hal.Machine, *emu.Firmware, *bytes.Buffer) {
	t.Helper()

	// Drain output left behind by other tests.
	kfmt.SetOutputSink(&bytes.Buffer{})
	kfmt.SetOutputSink(nil)
	t.Cleanup(func() { kfmt.SetOutputSink(nil) })

	var (
		console bytes.Buffer
		files   = map[string][]byte{}
		m       = hal.NewMachine()
	)

	if kernelImage != nil {
		files["RK_KERNEL.ELF"] = kernelImage
	}

	fw := emu.New(m.RAM, emu.Config{
		Files:   files,
		Width:   640,
		Height:  480,
		Console: &console,
	})

	return New(m, fw.SystemTable(), emu.ImageHandle, cfg), m, fw, &console
}

func TestLoad(t *testing.T) {
	image := defaultKernel(t)
	l, m, fw, console := setupLoader(t, image, Config{})

	if err := l.Load(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !fw.Exited() {
		t.Fatal("expected the loader to exit boot services")
	}

	expKernel := Kernel{
		Entry:         testEntry,
		VirtAddr:      mem.KernelRegionStart,
		PhysAddr:      expKernelPhys,
		Size:          4096,
		EntryDataVirt: testEntryData,
		EntryDataPhys: expEntryDataPhys,
	}
	if got := l.Kernel(); got != expKernel {
		t.Fatalf("expected kernel %+v; got %+v", expKernel, got)
	}

	t.Run("segment contents", func(t *testing.T) {
		buf := make([]byte, 4096)
		m.RAM.Read(expKernelPhys, buf)
		if !bytes.Equal(buf, kernelText()) {
			t.Fatal("expected the kernel segment to be copied from its file offset")
		}
	})

	t.Run("entry data", func(t *testing.T) {
		buf := make([]byte, bootinfo.Size)
		m.RAM.Read(expEntryDataPhys, buf)

		var info bootinfo.EntryData
		if err := info.UnmarshalBinary(buf); err != nil {
			t.Fatal(err)
		}

		exp := bootinfo.EntryData{
			Greeting:               bootinfo.Greeting,
			FbBase:                 0x80000000,
			FbHorizontalResolution: 640,
			FbVerticalResolution:   480,
			FbPixelsPerScanLine:    640,
		}
		if info != exp {
			t.Fatalf("expected entry data %+v; got %+v", exp, info)
		}
	})

	t.Run("page tables", func(t *testing.T) {
		specs := []struct {
			addr uint64
			exp  uint64
		}{
			// PML4[0] -> PDP
			{0x70000, 0x71000 | 0b11},
			// identity map of the first 4GiB
			{0x71000, 0x83},
			{0x71000 + 8, 1<<30 | 0x83},
			{0x71000 + 16, 2<<30 | 0x83},
			{0x71000 + 24, 3<<30 | 0x83},
			{0x71000 + 32, 0},
		}

		for specIndex, spec := range specs {
			if got := m.RAM.ReadUint64(spec.addr); got != spec.exp {
				t.Errorf("[spec %d] expected entry at 0x%x to be 0x%x; got 0x%x", specIndex, spec.addr, spec.exp, got)
			}
		}

		tables := l.PageTables()
		if tables.PML4().Address() != 0x70000 {
			t.Fatalf("expected PML4 at 0x70000; got 0x%x", tables.PML4().Address())
		}

		mappings := []struct {
			virt, phys uint64
		}{
			{mem.KernelRegionStart, expKernelPhys},
			{testEntry, expKernelPhys + 0x10},
			{testEntryData, expEntryDataPhys},
			{0xfee00000, 0xfee00000},
		}

		for specIndex, spec := range mappings {
			phys, err := tables.Translate(spec.virt)
			if err != nil {
				t.Errorf("[spec %d] unexpected error translating 0x%x: %v", specIndex, spec.virt, err)
				continue
			}

			if phys != spec.phys {
				t.Errorf("[spec %d] expected 0x%x to translate to 0x%x; got 0x%x", specIndex, spec.virt, spec.phys, phys)
			}
		}

		entry, pageSize, err := tables.EntryFor(mem.KernelRegionStart)
		if err != nil {
			t.Fatal(err)
		}

		if pageSize != mem.PageSize || entry.Flags() != vmm.FlagPresent|vmm.FlagRW {
			t.Fatalf("expected a present and writable 4K mapping; got %+v (page size %d)", entry, pageSize)
		}

		if _, err = tables.Translate(mem.KernelRegionStart + 0x1000); err != vmm.ErrInvalidMapping {
			t.Fatalf("expected the page after the kernel to be unmapped; got %v", err)
		}

		if exp, got := uint64(6), l.pool.InUse(); got != exp {
			t.Fatalf("expected %d paging frames to be used; got %d", exp, got)
		}
	})

	t.Run("memory map", func(t *testing.T) {
		memMap := l.MemoryMap()
		if len(memMap) != 9 {
			t.Fatalf("expected 9 memory map entries; got %d", len(memMap))
		}

		if last := memMap[len(memMap)-1]; last.PhysicalStart != 0x80000000 {
			t.Fatalf("expected the last entry to describe the framebuffer; got %+v", *last)
		}
	})

	t.Run("console output", func(t *testing.T) {
		expLines := []string{
			"[loader] firmware: Rockhopper EMU, rev. 0x00010000\n",
			"[loader] UEFI v2.70\n",
			"[loader] volume label: ROCKHOPPER\n",
			"[loader] mode 0, width 640, height 480, fb base 0x80000000\n",
			"[loader] kernel_size = 4096 bytes\n",
			"[loader] kernel_phys_addr = 0x300000 (phys)\n",
			"[loader] kernel_virt_addr = 0xffffff8000000000 (virt)\n",
			"[loader] kernel_entry = 0xffffff8000000010 (virt)\n",
			"[loader] e820: [0x0000000000000000-0x000000000009ffff] type 1\n",
			"[loader] e820: [0x00000000000a0000-0x00000000000fffff] type 2\n",
			"[loader] e820: [0x0000000000100000-0x0000000007ffffff] type 1\n",
			"[loader] e820: [0x0000000080000000-0x000000008012bfff] type 2\n",
		}

		got := console.String()
		for specIndex, exp := range expLines {
			if !strings.Contains(got, exp) {
				t.Errorf("[spec %d] expected console output to contain %q; got:\n%s", specIndex, exp, got)
			}
		}

		if !strings.Contains(got, "[loader] kernel ELF size = ") {
			t.Error("expected console output to report the kernel image size")
		}

		// Nothing reaches the firmware console after boot services are
		// exited.
		if strings.Contains(got, "exited boot services") {
			t.Error("expected post-exit output to be buffered")
		}
	})
}

func TestBoot(t *testing.T) {
	defer func() { panicFn = kfmt.Panic }()

	var panicErr interface{}
	panicFn = func(e interface{}) { panicErr = e }

	l, m, _, _ := setupLoader(t, defaultKernel(t), Config{})

	t.Run("before load", func(t *testing.T) {
		panicErr = nil
		l.Boot()

		if panicErr != errNotLoaded {
			t.Fatalf("expected errNotLoaded; got %v", panicErr)
		}
	})

	if err := l.Load(); err != nil {
		t.Fatal(err)
	}

	var (
		entered  bool
		cr3, cr4 uint64
		earlyLog bytes.Buffer
	)

	m.CPU.Install(testEntry, func() {
		entered = true
		cr3, cr4 = m.CPU.ReadCR3(), m.CPU.ReadCR4()
		kfmt.SetOutputSink(&earlyLog)
	})

	panicErr = nil
	l.Boot()

	if !entered {
		t.Fatal("expected Boot to jump to the kernel entry point")
	}

	if cr3 != 0x70000 {
		t.Fatalf("expected CR3 to be 0x70000; got 0x%x", cr3)
	}

	if exp := cpu.CR4PAE | cpu.CR4PSE; cr4&exp != exp {
		t.Fatalf("expected PAE and PSE to be enabled; CR4 = 0x%x", cr4)
	}

	// The entry point above returns, which is a fatal error.
	if panicErr != errKernelReturned {
		t.Fatalf("expected errKernelReturned; got %v", panicErr)
	}

	exp := "[loader] exited boot services\n[loader] page tables at 0x70000: 6 of 10 frames used\n"
	if got := earlyLog.String(); got != exp {
		t.Fatalf("expected buffered output to be replayed to the kernel:\n%q\ngot:\n%q", exp, got)
	}
}

func TestBootWithoutKernelCode(t *testing.T) {
	defer func() { panicFn = kfmt.Panic }()

	var panicErr interface{}
	panicFn = func(e interface{}) { panicErr = e }

	l, _, _, _ := setupLoader(t, defaultKernel(t), Config{})
	if err := l.Load(); err != nil {
		t.Fatal(err)
	}

	l.Boot()

	if err, ok := panicErr.(*kernel.Error); !ok || err.Module != "cpu" {
		t.Fatalf("expected a cpu error when jumping to an empty entry point; got %v", panicErr)
	}
}

func TestLoadClearsUninitializedData(t *testing.T) {
	image := buildKernel(t,
		[]kernelelf.SegmentSpec{{VirtAddr: mem.KernelRegionStart, Data: kernelText(), MemSize: 0x2000}},
		map[string]uint64{bootinfo.SymbolName: testEntryData},
	)

	l, m, _, _ := setupLoader(t, image, Config{})
	m.RAM.Memset(expKernelPhys+0x1000, 0xff, mem.PageSize)

	if err := l.Load(); err != nil {
		t.Fatal(err)
	}

	if l.Kernel().Size != 0x2000 {
		t.Fatalf("expected kernel size 0x2000; got 0x%x", l.Kernel().Size)
	}

	buf := make([]byte, 0x1000)
	m.RAM.Read(l.Kernel().PhysAddr+0x1000, buf)
	if !bytes.Equal(buf, make([]byte, 0x1000)) {
		t.Fatal("expected the uninitialized part of the segment to be cleared")
	}

	if _, err := l.PageTables().Translate(mem.KernelRegionStart + 0x1000); err != nil {
		t.Fatalf("expected both kernel pages to be mapped; got %v", err)
	}
}

func TestLoadErrors(t *testing.T) {
	text := kernelText()
	badPhentsize := defaultKernel(t)
	badPhentsize[54] = 0x40

	specs := []struct {
		name   string
		image  []byte
		cfg    Config
		expErr *kernel.Error
		expMsg string
	}{
		{
			name:   "missing kernel image",
			expMsg: "open RK_KERNEL.ELF: EFI_NOT_FOUND",
		},
		{
			name:   "kernel image too large",
			image:  make([]byte, 2*mem.Mb+1),
			expErr: errKernelTooLarge,
		},
		{
			name:   "unexpected program header size",
			image:  badPhentsize,
			expMsg: "unexpected program header entry size: 0x40",
		},
		{
			name: "no loadable segment",
			image: buildKernel(t, nil,
				map[string]uint64{bootinfo.SymbolName: testEntryData},
			),
			expMsg: "kernel image contains no PT_LOAD segment",
		},
		{
			name: "empty segment",
			image: buildKernel(t,
				[]kernelelf.SegmentSpec{{VirtAddr: mem.KernelRegionStart}},
				map[string]uint64{bootinfo.SymbolName: testEntryData},
			),
			expErr: errEmptySegment,
		},
		{
			name: "segment too large",
			image: buildKernel(t,
				[]kernelelf.SegmentSpec{{VirtAddr: mem.KernelRegionStart, Data: text, MemSize: uint64(2*mem.Mb) + 4096}},
				map[string]uint64{bootinfo.SymbolName: testEntryData},
			),
			expErr: errSegmentTooLarge,
		},
		{
			name: "missing entry data symbol",
			image: buildKernel(t,
				[]kernelelf.SegmentSpec{{VirtAddr: mem.KernelRegionStart, Data: text}},
				map[string]uint64{"_start": testEntry},
			),
			expMsg: `symbol "entry_data" not found in kernel image`,
		},
		{
			name: "unaligned entry data symbol",
			image: buildKernel(t,
				[]kernelelf.SegmentSpec{{VirtAddr: mem.KernelRegionStart, Data: text}},
				map[string]uint64{bootinfo.SymbolName: testEntryData + 0x20},
			),
			expErr: vmm.ErrUnalignedAddress,
		},
		{
			name: "entry data overlaps the kernel",
			image: buildKernel(t,
				[]kernelelf.SegmentSpec{{VirtAddr: mem.KernelRegionStart, Data: text}},
				map[string]uint64{bootinfo.SymbolName: mem.KernelRegionStart},
			),
			expErr: errMappingCollision,
		},
		{
			name: "entry data inside the identity map",
			image: buildKernel(t,
				[]kernelelf.SegmentSpec{{VirtAddr: mem.KernelRegionStart, Data: text}},
				map[string]uint64{bootinfo.SymbolName: 0x200000},
			),
			expErr: errMappingCollision,
		},
		{
			name:   "paging budget exhausted",
			image:  defaultKernel(t),
			cfg:    Config{PagingFrames: 4},
			expErr: allocator.ErrPoolExhausted,
		},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			l, _, _, _ := setupLoader(t, spec.image, spec.cfg)

			err := l.Load()
			if err == nil {
				t.Fatal("expected Load to fail")
			}

			if spec.expErr != nil && err != spec.expErr {
				t.Fatalf("expected error %v; got %v", spec.expErr, err)
			}

			if spec.expMsg != "" && err.Message != spec.expMsg {
				t.Fatalf("expected error %q; got %q", spec.expMsg, err.Message)
			}

			if l.PageTables() != nil {
				t.Fatal("expected no page tables after a failed load")
			}
		})
	}
}

func TestMapPage(t *testing.T) {
	ram := physmem.New()
	pool := allocator.NewPoolAllocator(pmm.FrameFromAddress(0x70000), 10)

	tables, err := vmm.NewPML4(ram, pool)
	if err != nil {
		t.Fatal(err)
	}

	pdpFrame, err := pool.AllocFrames(1)
	if err != nil {
		t.Fatal(err)
	}
	if err = tables.Root().SetEntry(0, vmm.NewEntry(pdpFrame.Address(), vmm.FlagPresent|vmm.FlagRW)); err != nil {
		t.Fatal(err)
	}
	if err = vmm.TableAt(ram, pdpFrame).SetEntry(0, vmm.NewEntry(0, vmm.FlagPresent|vmm.FlagRW|vmm.FlagHugePage)); err != nil {
		t.Fatal(err)
	}

	specs := []struct {
		virt, phys uint64
		expErr     *kernel.Error
	}{
		// identity page to itself
		{0x200000, 0x200000, nil},
		// identity page elsewhere
		{0x200000, 0x301000, errMappingCollision},
		{mem.KernelRegionStart, 0x300000, nil},
		// same frame again
		{mem.KernelRegionStart, 0x300000, nil},
		{mem.KernelRegionStart, 0x301000, errMappingCollision},
	}

	for specIndex, spec := range specs {
		if err := mapPage(tables, spec.virt, spec.phys); err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
			continue
		}

		if spec.expErr != nil {
			continue
		}

		if got, err := tables.Translate(spec.virt); err != nil || got != spec.phys {
			t.Errorf("[spec %d] expected 0x%x to translate to 0x%x; got 0x%x (%v)", specIndex, spec.virt, spec.phys, got, err)
		}
	}
}

func TestConfigDefaults(t *testing.T) {
	exp := Config{
		KernelFile:      "RK_KERNEL.ELF",
		MaxKernelSize:   2 * mem.Mb,
		KernelBase:      mem.KernelRegionStart,
		PagingBase:      0x70000,
		PagingFrames:    10,
		EntryDataSymbol: "entry_data",
		Greeting:        0x1f427,
	}

	if got := (Config{}).withDefaults(); got != exp {
		t.Fatalf("expected defaults %+v; got %+v", exp, got)
	}

	custom := Config{KernelFile: "KERNEL.ELF", PagingFrames: 16}.withDefaults()
	if custom.KernelFile != "KERNEL.ELF" || custom.PagingFrames != 16 || custom.PagingBase != 0x70000 {
		t.Fatalf("expected explicit settings to be kept; got %+v", custom)
	}
}
