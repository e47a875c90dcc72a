// Package probe defines the narrow interface cortexrun uses to talk to a debug
// probe (SWD/JTAG) and the core it exposes. A concrete implementation (USB
// probe driver, simulator, whatever) lives outside this module; every other
// package in this repository only ever sees Core, never a concrete backend.
package probe

import (
	"context"
	"time"
)

// RegionKind classifies a span of target address space.
type RegionKind int

const (
	RegionRAM RegionKind = iota
	RegionFlash
	RegionNVM
)

func (k RegionKind) String() string {
	switch k {
	case RegionRAM:
		return "RAM"
	case RegionFlash:
		return "FLASH"
	case RegionNVM:
		return "NVM"
	default:
		return "UNKNOWN"
	}
}

// AddressRange is an inclusive-low, exclusive-high span of target addresses.
type AddressRange struct {
	Low, High uint32
}

func (r AddressRange) Contains(addr uint32) bool { return addr >= r.Low && addr < r.High }
func (r AddressRange) Size() uint32              { return r.High - r.Low }

// MemoryRegion is one entry of a target's memory map.
type MemoryRegion struct {
	Range AddressRange
	Kind  RegionKind
}

// FlashOptions controls how Core.Flash writes a loadable ELF image.
type FlashOptions struct {
	EraseAll               bool
	DisableDoubleBuffering bool
	Verify                 bool
}

// Core is the subset of a debug-probe session's target-facing operations
// the rest of this module depends on. It corresponds to the external
// collaborator described in the design/§6 ("a library providing halt, resume,
// read_mem, write_mem, read_reg, write_reg, set_hw_breakpoint, flash_download").
type Core interface {
	// Attach performs the one-time handshake with the probe. underReset selects
	// reset-held attach over a normal attach.
	Attach(ctx context.Context, underReset bool) error

	// Flash writes image (the loadable segments of an ELF) to target flash.
	Flash(ctx context.Context, image []byte, opts FlashOptions) error

	// ResetAndHalt performs a target reset and halts execution at the reset
	// vector, returning once halted or the timeout elapses.
	ResetAndHalt(ctx context.Context, timeout time.Duration) error

	// Halt halts the core without resetting it.
	Halt(ctx context.Context, timeout time.Duration) error

	// Resume starts or continues execution from the current PC.
	Resume(ctx context.Context) error

	// IsHalted reports whether the core is currently halted.
	IsHalted(ctx context.Context) (bool, error)

	ReadMemory(ctx context.Context, addr uint32, buf []byte) error
	WriteMemory(ctx context.Context, addr uint32, data []byte) error

	ReadReg(ctx context.Context, reg Register) (uint32, error)
	WriteReg(ctx context.Context, reg Register, value uint32) error

	// SetHWBreakpoint installs a hardware breakpoint unit at addr, returning
	// an id used to clear it later. ErrNoBreakpointUnits is returned when the
	// device has exhausted its comparator units.
	SetHWBreakpoint(ctx context.Context, addr uint32) (BreakpointID, error)
	ClearHWBreakpoint(ctx context.Context, id BreakpointID) error

	// NumHWBreakpoints reports how many hardware breakpoint comparators the
	// attached core exposes in total (not how many are free).
	NumHWBreakpoints() int

	MemoryMap() []MemoryRegion

	Detach(ctx context.Context) error
}

// Register identifies a target CPU register by DWARF register number (ARM
// Cortex-M: r0-r15, with r13=SP, r14=LR, r15=PC).
type Register uint8

const (
	R0 Register = iota
	R1
	R2
	R3
	R4
	R5
	R6
	R7
	R8
	R9
	R10
	R11
	R12
	SP
	LR
	PC
	XPSR Register = 25
)

// BreakpointID identifies an installed hardware breakpoint for later removal.
type BreakpointID uint32

// ErrNoJTAGDevice is returned by Attach when no compatible probe is visible
// on the host; the controller maps it to a remediation hint (the design).
var ErrNoJTAGDevice = Sentinel("no JTAG device found")

// ErrNoBreakpointUnits is returned by SetHWBreakpoint when the core's
// comparator units are exhausted.
var ErrNoBreakpointUnits = Sentinel("no hardware breakpoint units available")

// Sentinel is a comparable string-backed error, used the way pkg/proc's
// NullAddrError is: a zero-value type callers can compare against with
// errors.Is instead of string-matching Error().
type Sentinel string

func (s Sentinel) Error() string { return string(s) }
