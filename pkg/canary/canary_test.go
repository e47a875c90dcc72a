package canary

import (
	"context"
	"testing"
	"time"

	"github.com/devilkun/cortexrun/pkg/chipdb"
	"github.com/devilkun/cortexrun/pkg/elfview"
	"github.com/devilkun/cortexrun/pkg/probe"
)

// fakeCore is a minimal in-memory probe.Core used to exercise the
// paint/measure protocol without real hardware.
type fakeCore struct {
	mem      map[uint32]byte
	regs     map[probe.Register]uint32
	low      uint32
	painting bool
}

func newFakeCore(low, high uint32) *fakeCore {
	c := &fakeCore{mem: make(map[uint32]byte), regs: make(map[probe.Register]uint32), low: low}
	for a := low; a < high; a++ {
		c.mem[a] = 0 // untouched RAM, not yet painted
	}
	return c
}

func (c *fakeCore) Attach(ctx context.Context, underReset bool) error { return nil }
func (c *fakeCore) Flash(ctx context.Context, image []byte, opts probe.FlashOptions) error {
	return nil
}
func (c *fakeCore) ResetAndHalt(ctx context.Context, timeout time.Duration) error { return nil }
func (c *fakeCore) Halt(ctx context.Context, timeout time.Duration) error         { return nil }
func (c *fakeCore) Resume(ctx context.Context) error {
	// Simulate the paint/measure subroutine executing instantaneously and
	// halting immediately, which is all execSubroutine's poll loop needs.
	c.regs[probeHalted] = 1
	c.simulate()
	return nil
}
func (c *fakeCore) IsHalted(ctx context.Context) (bool, error) { return c.regs[probeHalted] == 1, nil }

func (c *fakeCore) ReadMemory(ctx context.Context, addr uint32, buf []byte) error {
	for i := range buf {
		buf[i] = c.mem[addr+uint32(i)]
	}
	return nil
}
func (c *fakeCore) WriteMemory(ctx context.Context, addr uint32, data []byte) error {
	for i, b := range data {
		c.mem[addr+uint32(i)] = b
	}
	return nil
}
func (c *fakeCore) ReadReg(ctx context.Context, reg probe.Register) (uint32, error) {
	return c.regs[reg], nil
}
func (c *fakeCore) WriteReg(ctx context.Context, reg probe.Register, value uint32) error {
	c.regs[reg] = value
	return nil
}
func (c *fakeCore) SetHWBreakpoint(ctx context.Context, addr uint32) (probe.BreakpointID, error) {
	return 0, nil
}
func (c *fakeCore) ClearHWBreakpoint(ctx context.Context, id probe.BreakpointID) error { return nil }
func (c *fakeCore) NumHWBreakpoints() int                                             { return 6 }
func (c *fakeCore) MemoryMap() []probe.MemoryRegion                                    { return nil }
func (c *fakeCore) Detach(ctx context.Context) error                                   { return nil }

// probeHalted is a register number outside the real 0-25 range, used purely
// as a scratch flag inside the fake.
const probeHalted probe.Register = 200

// simulate runs whichever subroutine was written at r0-len(blob), entirely
// in Go, against the fake's memory map: either painting [r0,r1) with the
// pattern in r2, or scanning it for the first mismatch.
func (c *fakeCore) simulate() {
	r0 := c.regs[probe.R0]
	r1 := c.regs[probe.R1]
	r2 := byte(c.regs[probe.R2])
	// Which of the two runs is chosen by c.painting: the tests set it before
	// Install (paint) and clear it before Measure.
	if c.painting {
		for a := r0; a < r1; a++ {
			c.mem[a] = r2
		}
		return
	}
	for a := r0; a < r1; a += 4 {
		if c.mem[a] != r2 {
			c.regs[probe.R0] = a
			return
		}
	}
	c.regs[probe.R0] = 0
}

func TestPaintThenMeasureUntouched(t *testing.T) {
	const low, high = uint32(0x20000000), uint32(0x20000040)
	core := newFakeCore(low, high)
	core.painting = true

	ev := &elfview.ElfView{InitialSP: high, ProgramUsesHeap: false}
	info := &chipdb.TargetInfo{StackInfo: &chipdb.StackInfo{
		Range:          probeRange(low, high),
		DataBelowStack: true,
	}}

	c, err := Install(context.Background(), core, info, ev, false)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if c == nil {
		t.Fatal("expected a Canary")
	}

	core.painting = false
	res, err := c.Measure(context.Background(), core, ev.InitialSP)
	if err != nil {
		t.Fatalf("Measure: %v", err)
	}
	if !res.Untouched {
		t.Fatalf("expected untouched result, got %+v", res)
	}
}

func TestMeasureTwiceErrors(t *testing.T) {
	const low, high = uint32(0x20000000), uint32(0x20000040)
	core := newFakeCore(low, high)
	core.painting = true
	ev := &elfview.ElfView{InitialSP: high}
	info := &chipdb.TargetInfo{StackInfo: &chipdb.StackInfo{Range: probeRange(low, high)}}

	c, err := Install(context.Background(), core, info, ev, false)
	if err != nil || c == nil {
		t.Fatalf("Install: %v", err)
	}
	core.painting = false
	if _, err := c.Measure(context.Background(), core, ev.InitialSP); err != nil {
		t.Fatalf("first Measure: %v", err)
	}
	if _, err := c.Measure(context.Background(), core, ev.InitialSP); err == nil {
		t.Fatal("expected error on second Measure call")
	}
}

func TestMeasureDetectsTouchInBlindWindow(t *testing.T) {
	// execSubroutine seeds r0 at addr+len(blob); for the measure subroutine
	// that's addr+20, so the subroutine itself never scans [addr, addr+20).
	// The host-side pre-scan in Measure must cover that whole window (not
	// just the 12-byte paint-subroutine-sized one) or a touch inside
	// [addr+12, addr+20) goes undetected.
	const low, high = uint32(0x20000000), uint32(0x20000040)
	core := newFakeCore(low, high)
	core.painting = true

	ev := &elfview.ElfView{InitialSP: high}
	info := &chipdb.TargetInfo{StackInfo: &chipdb.StackInfo{Range: probeRange(low, high)}}

	c, err := Install(context.Background(), core, info, ev, false)
	if err != nil || c == nil {
		t.Fatalf("Install: %v", err)
	}

	const touchedAddr = low + 14 // inside [low+12, low+20), outside the old buggy window
	core.mem[touchedAddr] = 0x11 // simulate stack usage overwriting the pattern byte

	core.painting = false
	res, err := c.Measure(context.Background(), core, ev.InitialSP)
	if err != nil {
		t.Fatalf("Measure: %v", err)
	}
	if res.Untouched {
		t.Fatal("expected a touch to be detected inside [low+12, low+20), got Untouched")
	}
	if want := high - touchedAddr; res.MinStackUsage != want {
		t.Fatalf("MinStackUsage = %d, want %d", res.MinStackUsage, want)
	}
}

func TestInstallSkippedWhenHeapUsed(t *testing.T) {
	const low, high = uint32(0x20000000), uint32(0x20000040)
	core := newFakeCore(low, high)
	ev := &elfview.ElfView{InitialSP: high, ProgramUsesHeap: true}
	info := &chipdb.TargetInfo{StackInfo: &chipdb.StackInfo{Range: probeRange(low, high)}}

	c, err := Install(context.Background(), core, info, ev, false)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if c != nil {
		t.Fatal("expected nil canary when heap is in use")
	}
}

func TestInstallFatalWhenMeasurementRequestedButSkipped(t *testing.T) {
	const low, high = uint32(0x20000000), uint32(0x20000040)
	core := newFakeCore(low, high)
	ev := &elfview.ElfView{InitialSP: high, ProgramUsesHeap: true}
	info := &chipdb.TargetInfo{StackInfo: &chipdb.StackInfo{Range: probeRange(low, high)}}

	_, err := Install(context.Background(), core, info, ev, true)
	if err == nil {
		t.Fatal("expected a fatal error when --measure-stack requires instrumentation")
	}
}

func probeRange(low, high uint32) probe.AddressRange {
	return probe.AddressRange{Low: low, High: high}
}
