package chipdb

import (
	"debug/elf"
	"testing"

	"github.com/devilkun/cortexrun/pkg/elfview"
	"github.com/devilkun/cortexrun/pkg/probe"
)

func TestLoadRegistryEmbedded(t *testing.T) {
	reg, err := LoadRegistry("")
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}
	c, ok := reg.Lookup("nRF52840_xxAA")
	if !ok {
		t.Fatal("expected nRF52840_xxAA in embedded registry")
	}
	if c.Core != "cortex-m4" {
		t.Fatalf("core = %q, want cortex-m4", c.Core)
	}
	if len(reg.Names()) == 0 {
		t.Fatal("expected non-empty registry")
	}
}

func TestComputeStackInfo(t *testing.T) {
	ev := &elfview.ElfView{
		InitialSP:      0x20010000,
		LoadedSegments: []elfview.AddressRange{{Low: 0x08000000, High: 0x08001000}},
	}
	mem := []probe.MemoryRegion{
		{Range: probe.AddressRange{Low: 0x08000000, High: 0x08080000}, Kind: probe.RegionFlash},
		{Range: probe.AddressRange{Low: 0x20000000, High: 0x20018000}, Kind: probe.RegionRAM},
	}
	si := computeStackInfo(ev, mem)
	if si == nil {
		t.Fatal("expected stack info")
	}
	if si.Range.Low != 0x20000000 || si.Range.High != 0x20018000 {
		t.Fatalf("unexpected stack range: %+v", si.Range)
	}
	if !si.DataBelowStack {
		t.Fatal("expected data_below_stack true: flash segment is below RAM region")
	}
}

func TestCoreCompatible(t *testing.T) {
	armEv := &elfview.ElfView{Machine: elf.EM_ARM}
	if !coreCompatible(armEv, "cortex-m4") {
		t.Fatal("expected cortex-m4 on an EM_ARM image to be compatible")
	}
	if coreCompatible(armEv, "cortex-a53") {
		t.Fatal("expected a non-Cortex-M core string to be incompatible regardless of machine")
	}
	otherEv := &elfview.ElfView{Machine: elf.EM_X86_64}
	if coreCompatible(otherEv, "cortex-m4") {
		t.Fatal("expected cortex-m4 on a non-ARM image to be incompatible")
	}
}

func TestComputeStackInfoAbsent(t *testing.T) {
	ev := &elfview.ElfView{InitialSP: 0x90000000}
	mem := []probe.MemoryRegion{
		{Range: probe.AddressRange{Low: 0x20000000, High: 0x20018000}, Kind: probe.RegionRAM},
	}
	if si := computeStackInfo(ev, mem); si != nil {
		t.Fatalf("expected nil stack info, got %+v", si)
	}
}
