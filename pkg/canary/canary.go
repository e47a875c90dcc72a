// Package canary implements the stack-usage instrumentation described in
// the design: a host-injected paint/measure pair of machine-code blobs that
// report how much of a target's stack a run actually touched.
package canary

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/devilkun/cortexrun/pkg/armasm"
	"github.com/devilkun/cortexrun/pkg/chipdb"
	"github.com/devilkun/cortexrun/pkg/elfview"
	"github.com/devilkun/cortexrun/pkg/probe"
)

var log = logrus.WithField("pkg", "canary")

// pattern is the byte painted across the candidate stack region.
const pattern = 0xAA
const patternWord = 0xAAAAAAAA

// TExec is the timeout for a canary subroutine to reach its terminal bkpt,
// per the design (T_EXEC).
const TExec = 1 * time.Second

// paintSubroutine is the 12-byte Thumb blob from the design:
//
//	loop: cmp  r0, r1
//	      bhi  done
//	      str  r2, [r0]
//	      adds r0, #4
//	      b    loop
//	done: bkpt #0
//
// Encoded by hand as raw Thumb-2 halfwords; verified against its disassembly
// by VerifyBlob before every injection.
var paintSubroutine = []byte{
	0x88, 0x42, // cmp  r0, r1
	0x02, 0xd8, // bhi.n done
	0x02, 0x60, // str  r2, [r0, #0]
	0x04, 0x30, // adds r0, #4
	0xfa, 0xe7, // b.n  loop
	0x00, 0xbe, // done: bkpt #0
}

// measureSubroutine is the 20-byte Thumb blob from the design:
//
//	loop: cmp  r0, r1
//	      bge  exit
//	      ldr  r3, [r0]
//	      cmp  r2, r3
//	      bne  mismatch
//	      adds r0, #4
//	      b    loop
//	mismatch: bkpt #0
//	exit: movs r0, #0
//	      bkpt #0
var measureSubroutine = []byte{
	0x88, 0x42, // cmp  r0, r1
	0x05, 0xda, // bge.n exit
	0x03, 0x68, // ldr  r3, [r0, #0]
	0x9a, 0x42, // cmp  r2, r3
	0x01, 0xd1, // bne.n mismatch
	0x04, 0x30, // adds r0, #4
	0xf8, 0xe7, // b.n  loop
	0x00, 0xbe, // mismatch: bkpt #0
	0x00, 0x20, // exit: movs r0, #0
	0x00, 0xbe, // bkpt #0
}

const (
	paintSubroutineSize   = uint32(len(paintSubroutine))
	measureSubroutineSize = uint32(len(measureSubroutine))
)

// largerSubroutineSize is the size neither subroutine may exceed the stack
// region available to it (the design: "stack is smaller than the larger
// instrumentation subroutine").
var largerSubroutineSize = max32(paintSubroutineSize, measureSubroutineSize)

func max32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

// Canary is a single installed instance: addr/size describe the RAM window
// painted, consumed exactly once by Measure after halt (the design: "created
// before run, consumed exactly once by measure after halt").
type Canary struct {
	Addr           uint32
	Size           uint32
	DataBelowStack bool

	consumed bool
}

// Result is the outcome of Measure.
type Result struct {
	MinStackUsage  uint32
	PercentUsed    float64
	OverflowLikely bool
	Untouched      bool
}

// Install paints the target's candidate stack region and returns the
// installed Canary, or nil if instrumentation can't apply (the design).
// Per the design notes' Open Question resolution, this is the single
// installed-instance canary design (not the older multi-instance variant).
func Install(ctx context.Context, core probe.Core, info *chipdb.TargetInfo, ev *elfview.ElfView, requestedMeasurement bool) (*Canary, error) {
	if info.StackInfo == nil {
		log.Warn("stack region unknown: skipping canary instrumentation")
		return failOrNil(requestedMeasurement, "stack region is unknown")
	}
	if ev.ProgramUsesHeap {
		log.Warn("program uses a heap allocator: skipping canary instrumentation")
		return failOrNil(requestedMeasurement, "heap is in use")
	}

	addr := info.StackInfo.Range.Low
	size := info.StackInfo.Range.Size()
	if size < largerSubroutineSize {
		log.WithField("size", size).Warn("stack too small for canary instrumentation: skipping")
		return failOrNil(requestedMeasurement, "stack is smaller than the instrumentation subroutine")
	}
	if addr%4 != 0 || size%4 != 0 {
		return nil, fmt.Errorf("canary: stack region %#x/%#x is not 4-byte aligned", addr, size)
	}

	if err := armasm.VerifyBlob(paintSubroutine, []string{"CMP", "BHI", "STR", "ADD", "B"}); err != nil {
		return nil, fmt.Errorf("canary: paint subroutine: %w", err)
	}
	if err := armasm.VerifyBlob(measureSubroutine, []string{"CMP", "BGE", "LDR", "CMP", "BNE", "ADD", "B", "BKPT", "MOV", "BKPT"}); err != nil {
		return nil, fmt.Errorf("canary: measure subroutine: %w", err)
	}

	if err := execSubroutine(ctx, core, addr, size, paintSubroutine); err != nil {
		return nil, fmt.Errorf("canary: running paint subroutine: %w", err)
	}

	// Overwrite the subroutine bytes with the canary pattern so the whole
	// stack, including the window the blob occupied, is painted.
	fill := make([]byte, paintSubroutineSize)
	for i := range fill {
		fill[i] = pattern
	}
	if err := core.WriteMemory(ctx, addr, fill); err != nil {
		return nil, fmt.Errorf("canary: overwriting paint subroutine with pattern: %w", err)
	}

	return &Canary{Addr: addr, Size: size, DataBelowStack: info.StackInfo.DataBelowStack}, nil
}

func failOrNil(requestedMeasurement bool, reason string) (*Canary, error) {
	if requestedMeasurement {
		return nil, fmt.Errorf("canary: --measure-stack requires instrumentation but %s", reason)
	}
	return nil, nil
}

// Measure runs the measure subroutine (or, if the host-visible scan already
// found a mismatch, skips running it) and returns the stack-usage result,
// per the design step 1-5. Measure may be called at most once per Canary.
func (c *Canary) Measure(ctx context.Context, core probe.Core, initialSP uint32) (Result, error) {
	if c.consumed {
		return Result{}, fmt.Errorf("canary: measure called more than once on the same instance")
	}
	c.consumed = true

	// Step 1: host-side scan of the window the measure subroutine itself
	// occupies first — execSubroutine seeds r0 at addr+len(blob), so the
	// subroutine never scans [addr, addr+measureSubroutineSize) itself; the
	// host must cover exactly that window or risk missing a stack that
	// bottomed out inside it.
	window := make([]byte, measureSubroutineSize)
	if err := core.ReadMemory(ctx, c.Addr, window); err != nil {
		return Result{}, fmt.Errorf("canary: reading subroutine window: %w", err)
	}
	if idx, found := firstMismatch(window); found {
		touched := c.Addr + uint32(idx)
		return c.resultFor(initialSP, touched), nil
	}

	// Step 2: run the measure subroutine.
	if err := execSubroutine(ctx, core, c.Addr, c.Size, measureSubroutine); err != nil {
		return Result{}, fmt.Errorf("canary: running measure subroutine: %w", err)
	}
	r0, err := core.ReadReg(ctx, probe.R0)
	if err != nil {
		return Result{}, fmt.Errorf("canary: reading r0 after measure: %w", err)
	}
	if r0 == 0 {
		return Result{Untouched: true}, nil
	}

	// Step 3: the lowest mismatching byte index within the word at r0.
	word := make([]byte, 4)
	if err := core.ReadMemory(ctx, r0, word); err != nil {
		return Result{}, fmt.Errorf("canary: reading mismatch word at %#x: %w", r0, err)
	}
	offset := 4
	for i, b := range word {
		if b != pattern {
			offset = i
			break
		}
	}
	touched := r0 + uint32(offset)
	return c.resultFor(initialSP, touched), nil
}

func (c *Canary) resultFor(initialSP, touchedAddr uint32) Result {
	minUsage := initialSP - touchedAddr
	pct := float64(minUsage) / float64(c.Size) * 100
	if pct > 90 {
		log.WithField("pct", pct).Warn("stack usage exceeds 90% of the available region")
	}
	return Result{
		MinStackUsage:  minUsage,
		PercentUsed:    pct,
		OverflowLikely: pct > 90 && c.DataBelowStack,
	}
}

// firstMismatch returns the index of the first byte in window that isn't
// 0xAA, and whether one was found.
func firstMismatch(window []byte) (int, bool) {
	for i, b := range window {
		if b != pattern {
			return i, true
		}
	}
	return 0, false
}

// execSubroutine implements the blob-execution protocol from the design:
// write the blob, seed r0/r1/r2, save and redirect PC, run, wait for halt,
// restore PC. The core is assumed already halted on entry.
func execSubroutine(ctx context.Context, core probe.Core, addr, size uint32, blob []byte) error {
	if err := core.WriteMemory(ctx, addr, blob); err != nil {
		return fmt.Errorf("writing subroutine: %w", err)
	}

	savedPC, err := core.ReadReg(ctx, probe.PC)
	if err != nil {
		return fmt.Errorf("saving PC: %w", err)
	}

	if err := core.WriteReg(ctx, probe.R0, addr+uint32(len(blob))); err != nil {
		return fmt.Errorf("setting r0: %w", err)
	}
	if err := core.WriteReg(ctx, probe.R1, addr+size); err != nil {
		return fmt.Errorf("setting r1: %w", err)
	}
	if err := core.WriteReg(ctx, probe.R2, patternWord); err != nil {
		return fmt.Errorf("setting r2: %w", err)
	}
	if err := core.WriteReg(ctx, probe.PC, armasm.SetThumbBit(addr)); err != nil {
		return fmt.Errorf("setting PC: %w", err)
	}

	if err := core.Resume(ctx); err != nil {
		return fmt.Errorf("resuming: %w", err)
	}

	deadline := time.Now().Add(TExec)
	for {
		halted, err := core.IsHalted(ctx)
		if err != nil {
			return fmt.Errorf("polling halted state: %w", err)
		}
		if halted {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out after %s waiting for subroutine to halt", TExec)
		}
		time.Sleep(1 * time.Millisecond)
	}

	if err := core.WriteReg(ctx, probe.PC, savedPC); err != nil {
		return fmt.Errorf("restoring PC: %w", err)
	}
	return nil
}
