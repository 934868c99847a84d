package vmm

import (
	"bytes"
	"testing"

	"github.com/VegardSkui/Rockhopper/kernel/mem"
	"github.com/VegardSkui/Rockhopper/kernel/mem/pmm"
)

func TestMapPhysicalMemoryEntries(t *testing.T) {
	m, alloc := newTestMapper(t)
	ram := m.RAM()

	pdpFrame := alloc.next
	if err := m.MapPhysicalMemory(); err != nil {
		t.Fatal(err)
	}

	if got, exp := alloc.next, pdpFrame+1+entriesPerTable; got != exp {
		t.Fatalf("expected 513 frames to be allocated; cursor moved from %d to %d", pdpFrame, got)
	}

	if got, exp := ram.ReadUint64(m.PML4().Address()+physMapSlot*8), pdpFrame.Address()|0b11; got != exp {
		t.Fatalf("expected PML4[256] to be 0x%x; got 0x%x", exp, got)
	}

	firstPD := pdpFrame + 1
	if got, exp := ram.ReadUint64(pdpFrame.Address()), firstPD.Address()|0b11; got != exp {
		t.Fatalf("expected PDP[0] to be 0x%x; got 0x%x", exp, got)
	}

	if got := ram.ReadUint64(firstPD.Address()); got != 0x83 {
		t.Fatalf("expected PD#0[0] to be 0x83; got 0x%x", got)
	}

	specs := []struct {
		pdpIndex, pdIndex uint64
	}{
		{0, 1},
		{0, 511},
		{1, 0},
		{17, 300},
		{511, 511},
	}

	for specIndex, spec := range specs {
		pdFrame := firstPD + pmm.Frame(spec.pdpIndex)
		if got, exp := ram.ReadUint64(pdpFrame.Address()+spec.pdpIndex*8), pdFrame.Address()|0b11; got != exp {
			t.Errorf("[spec %d] expected PDP[%d] to be 0x%x; got 0x%x", specIndex, spec.pdpIndex, exp, got)
		}

		exp := (spec.pdpIndex*entriesPerTable+spec.pdIndex)*uint64(mem.HugePageSize) | 0x83
		if got := ram.ReadUint64(pdFrame.Address() + spec.pdIndex*8); got != exp {
			t.Errorf("[spec %d] expected PD#%d[%d] to be 0x%x; got 0x%x", specIndex, spec.pdpIndex, spec.pdIndex, exp, got)
		}
	}
}

func TestMapPhysicalMemoryAlias(t *testing.T) {
	m, _ := newTestMapper(t)
	if err := m.MapPhysicalMemory(); err != nil {
		t.Fatal(err)
	}

	ram := m.RAM()
	as := m.AddressSpace()

	specs := []uint64{0x0, 0x70000, 0x1fffff8, uint64(100 * mem.Gb), uint64(mem.PhysMapSize) - 8}
	for specIndex, phys := range specs {
		payload := []byte{0xde, 0xad, 0xbe, 0xef, byte(specIndex), 0, 0, 0}
		if err := as.Write(mem.PhysToVirt(phys), payload); err != nil {
			t.Errorf("[spec %d] unexpected error: %v", specIndex, err)
			continue
		}

		got := make([]byte, len(payload))
		ram.Read(phys, got)
		if !bytes.Equal(got, payload) {
			t.Errorf("[spec %d] expected write through the physical map to land at 0x%x", specIndex, phys)
		}
	}
}

func TestMapPhysicalMemoryTwice(t *testing.T) {
	m, alloc := newTestMapper(t)
	if err := m.MapPhysicalMemory(); err != nil {
		t.Fatal(err)
	}

	cursor := alloc.next
	if err := m.MapPhysicalMemory(); err != ErrPhysMapPresent {
		t.Fatalf("expected ErrPhysMapPresent; got %v", err)
	}

	if alloc.next != cursor {
		t.Fatal("expected the second call not to allocate any frames")
	}
}
