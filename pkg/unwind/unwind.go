// Package unwind walks the call stack of a halted ARM Cortex-M target using
// DWARF Call Frame Information, recognizing hardware exception frames along
// the way, per the design.
//
// The walk itself is modeled directly on pkg/proc/stack.go's stackIterator:
// a Next()-style iterator that looks up a frame rule, computes the caller's
// registers, and either emits a plain frame or detects a special transition
// (there: a goroutine/system-stack switch or runtime.sigtrampgo; here: an
// EXC_RETURN-triggered hardware exception-frame pop or a reset-handler
// landing) before continuing.
package unwind

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/go-delve/delve/pkg/dwarf/frame"
	"github.com/go-delve/delve/pkg/dwarf/op"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/devilkun/cortexrun/pkg/armasm"
	"github.com/devilkun/cortexrun/pkg/elfview"
	"github.com/devilkun/cortexrun/pkg/probe"
)

var log = logrus.WithField("pkg", "unwind")

// MaxFrames is the default frame-count ceiling (the design step 3).
const MaxFrames = 50

// ExceptionKind names a Cortex-M exception recognized on an exception-frame
// pop, per the design.
type ExceptionKind int

const (
	ExceptionHardFault ExceptionKind = iota
	ExceptionNMI
	ExceptionMemManage
	ExceptionBusFault
	ExceptionUsageFault
	ExceptionOther
)

func (k ExceptionKind) String() string {
	switch k {
	case ExceptionHardFault:
		return "HardFault"
	case ExceptionNMI:
		return "NMI"
	case ExceptionMemManage:
		return "MemManage"
	case ExceptionBusFault:
		return "BusFault"
	case ExceptionUsageFault:
		return "UsageFault"
	default:
		return "Exception"
	}
}

// exceptionFromNumber maps the IPSR exception-number field to a Kind; any
// number this module doesn't special-case defaults to HardFault, per
// the design step 2 ("kind from the current exception number or default
// HardFault").
func exceptionFromNumber(n uint32) ExceptionKind {
	switch n {
	case 2:
		return ExceptionNMI
	case 4:
		return ExceptionMemManage
	case 5:
		return ExceptionBusFault
	case 6:
		return ExceptionUsageFault
	default:
		return ExceptionHardFault
	}
}

// RawFrame is one entry of an unwound stack, per the design.
type RawFrame struct {
	PC          uint32
	IsException bool
	Kind        ExceptionKind
}

// Result is the full output of a Walk: the raw frames plus the diagnostic
// flags the design/§4.6 key off of.
type Result struct {
	Frames         []RawFrame
	Corrupted      bool
	ProcessingErr  error
	HitFrameLimit  bool
	ReachedReset   bool
}

// Walk reads PC/SP/LR from core and unwinds until one of the termination
// conditions in the design step 3 is met.
func Walk(ctx context.Context, core probe.Core, ev *elfview.ElfView, stackStart uint32, resetRange [2]uint32, maxFrames int) (Result, error) {
	if maxFrames == 0 {
		maxFrames = 1 << 30 // 0 means "no limit", per the design step 3
	}

	var fdes frame.FrameDescriptionEntries
	if ev.DebugFrame != nil {
		var err error
		// ARM Cortex-M targets in scope for this module are always
		// little-endian; staticBase is 0 since ELF addresses in .debug_frame
		// are already absolute for these images.
		fdes, err = frame.Parse(ev.DebugFrame, binary.LittleEndian, 0, 4)
		if err != nil {
			log.WithError(err).Warn(".debug_frame failed to parse: degrading to single-frame report")
			fdes = nil
		}
	}

	it := &iterator{ctx: ctx, core: core, ev: ev, fdes: fdes, stackStart: stackStart, resetRange: resetRange}
	if err := it.seed(); err != nil {
		return Result{}, fmt.Errorf("unwind: reading initial registers: %w", err)
	}

	var res Result
	for len(res.Frames) < maxFrames {
		frm, special, done := it.next()
		if frm != nil {
			res.Frames = append(res.Frames, *frm)
		}
		if it.err != nil {
			res.ProcessingErr = it.err
			res.Corrupted = true
			break
		}
		if special == specialReset {
			res.ReachedReset = true
			break
		}
		if done {
			break
		}
	}
	if len(res.Frames) >= maxFrames {
		res.HitFrameLimit = true
	}
	return res, nil
}

type special int

const (
	specialNone special = iota
	specialException
	specialReset
)

// iterator is the stack-walking cursor, directly modeled on
// pkg/proc/stack.go's stackIterator.
type iterator struct {
	ctx        context.Context
	core       probe.Core
	ev         *elfview.ElfView
	fdes       frame.FrameDescriptionEntries
	stackStart uint32
	resetRange [2]uint32

	pc, sp, lr uint32
	regs       map[probe.Register]uint32
	err        error
}

func (it *iterator) seed() error {
	it.regs = make(map[probe.Register]uint32)
	for _, r := range []probe.Register{probe.R0, probe.R1, probe.R2, probe.R3, probe.R4, probe.R5, probe.R6, probe.R7,
		probe.R8, probe.R9, probe.R10, probe.R11, probe.R12, probe.SP, probe.LR, probe.PC} {
		v, err := it.core.ReadReg(it.ctx, r)
		if err != nil {
			return err
		}
		it.regs[r] = v
	}
	it.pc = it.regs[probe.PC]
	it.sp = it.regs[probe.SP]
	it.lr = it.regs[probe.LR]
	return nil
}

// next advances the iterator by one frame, mirroring stackIterator.Next:
// look up the CFI rule for the current PC, compute the caller's CFA/
// registers, detect a special transition, and either emit a Function frame
// or (on EXC_RETURN) emit an Exception marker and continue from the
// hardware-stacked PC/SP.
func (it *iterator) next() (frm *RawFrame, sp special, done bool) {
	if within(it.pc, it.resetRange) {
		return &RawFrame{PC: it.pc}, specialReset, true
	}
	if it.sp > it.stackStart {
		return nil, specialNone, true
	}

	if armasm.IsExceptionReturn(it.lr) {
		popped, next, err := popExceptionFrame(it.ctx, it.core, it.sp)
		if err != nil {
			it.err = fmt.Errorf("popping exception frame at sp=%#x: %w", it.sp, err)
			return nil, specialException, true
		}
		kind := exceptionFromNumber(next.exceptionNumber)
		frm = &RawFrame{PC: it.pc, IsException: true, Kind: kind}
		it.pc = popped.pc
		it.sp = next.sp
		it.lr = popped.lr
		it.regs[probe.PC], it.regs[probe.SP], it.regs[probe.LR] = it.pc, it.sp, it.lr
		return frm, specialException, false
	}

	caller, retAddr, err := it.advance()
	if err != nil {
		it.err = err
		return &RawFrame{PC: it.pc}, specialNone, true
	}

	out := &RawFrame{PC: it.pc}
	it.pc = retAddr
	it.sp = caller.sp
	it.lr = caller.lr
	it.regs[probe.PC], it.regs[probe.SP], it.regs[probe.LR] = it.pc, it.sp, it.lr
	return out, specialNone, retAddr == 0
}

func within(pc uint32, r [2]uint32) bool { return pc >= r[0] && pc < r[1] }

// callerState is the register subset recovered after a CFI-driven advance.
type callerState struct {
	sp, lr uint32
}

// advance looks up the FDE covering the current PC, evaluates its DWRules
// against the current register set via op.DwarfRegisters (the same
// vocabulary pkg/proc/arm64_arch.go's fixFrameUnwindContext produces), and
// returns the caller's SP/LR plus the return address.
func (it *iterator) advance() (callerState, uint32, error) {
	if it.fdes == nil {
		// No .debug_frame: the design says unwinding degrades to a
		// single-frame report.
		return callerState{}, 0, nil
	}
	fde, err := it.fdes.FDEForPC(uint64(it.pc))
	if err != nil {
		return callerState{}, 0, fmt.Errorf("no FDE for pc=%#x: %w", it.pc, err)
	}
	fctxt := fde.EstablishFrame(uint64(it.pc))

	dregs := op.DwarfRegisters{
		CFA:        0,
		StaticBase: 0,
	}
	for n, v := range it.regs {
		dregs.AddReg(uint64(n), op.DwarfRegisterFromUint64(uint64(v)))
	}

	cfa, err := evaluateRule(fctxt.CFA, &dregs)
	if err != nil {
		return callerState{}, 0, fmt.Errorf("evaluating CFA rule at pc=%#x: %w", it.pc, err)
	}
	dregs.CFA = int64(cfa)

	retRule, ok := fctxt.Regs[fctxt.RetAddrReg]
	if !ok {
		return callerState{}, 0, fmt.Errorf("no return-address rule at pc=%#x", it.pc)
	}
	retAddr, err := evaluateRule(retRule, &dregs)
	if err != nil {
		return callerState{}, 0, fmt.Errorf("evaluating return address at pc=%#x: %w", it.pc, err)
	}

	lr := it.lr
	if lrRule, ok := fctxt.Regs[uint64(probe.LR)]; ok {
		if v, err := evaluateRule(lrRule, &dregs); err == nil {
			lr = uint32(v)
		}
	}

	return callerState{sp: cfa, lr: lr}, uint32(retAddr), nil
}

// evaluateRule resolves one DWRule (CFA, return-address, or callee-saved
// register) against the current register set.
func evaluateRule(rule frame.DWRule, regs *op.DwarfRegisters) (uint64, error) {
	switch rule.Rule {
	case frame.RuleCFA:
		base, ok := regVal(regs, rule.Reg)
		if !ok {
			return 0, fmt.Errorf("register %d unavailable for CFA rule", rule.Reg)
		}
		return uint64(int64(base) + rule.Offset), nil
	case frame.RuleOffset, frame.RuleValOffset:
		return uint64(int64(regs.CFA) + rule.Offset), nil
	case frame.RuleRegister:
		v, ok := regVal(regs, rule.Reg)
		if !ok {
			return 0, fmt.Errorf("register %d unavailable", rule.Reg)
		}
		return v, nil
	case frame.RuleUndefined, frame.RuleSameVal:
		return 0, errors.New("rule has no resolvable value")
	default:
		return 0, fmt.Errorf("unsupported CFI rule %v", rule.Rule)
	}
}

// regVal reads a DWARF register's current value out of regs, mirroring
// stackIterator's own reg.Uint64Val access pattern.
func regVal(regs *op.DwarfRegisters, n uint64) (uint64, bool) {
	r := regs.Reg(n)
	if r == nil {
		return 0, false
	}
	return r.Uint64Val, true
}

// poppedRegs is the PC/LR recovered from the hardware-stacked frame ARMv7-M
// pushes on exception entry: {r0,r1,r2,r3,r12,lr,pc,xpsr}.
type poppedRegs struct {
	pc, lr uint32
}

// nextState is the caller-visible state after the pop: the new SP and the
// exception number taken from IPSR, used to pick an ExceptionKind.
type nextState struct {
	sp              uint32
	exceptionNumber uint32
}

// popExceptionFrame reads the eight hardware-stacked words at sp and returns
// the popped PC/LR plus the exception number taken from the current IPSR
// (the bottom byte of xPSR), per the design step 2.
func popExceptionFrame(ctx context.Context, core probe.Core, sp uint32) (poppedRegs, nextState, error) {
	buf := make([]byte, 32) // 8 words: r0 r1 r2 r3 r12 lr pc xpsr
	if err := core.ReadMemory(ctx, sp, buf); err != nil {
		return poppedRegs{}, nextState{}, err
	}
	le := func(i int) uint32 {
		return uint32(buf[i]) | uint32(buf[i+1])<<8 | uint32(buf[i+2])<<16 | uint32(buf[i+3])<<24
	}
	lr := le(20)
	pc := le(24)
	xpsr := le(28)
	return poppedRegs{pc: pc, lr: lr}, nextState{sp: sp + 32, exceptionNumber: xpsr & 0x1FF}, nil
}

// CollapseAdjacent merges consecutive raw frames that share the same PC and
// exception flag. pkg/backtrace runs it before symbolication, so frames are
// compared by PC alone, not by file, line and function.
func CollapseAdjacent(frames []RawFrame) []RawFrame {
	return slices.CompactFunc(slices.Clone(frames), func(a, b RawFrame) bool {
		return a.PC == b.PC && a.IsException == b.IsException
	})
}
