// Package armasm holds small ARM Cortex-M/Thumb helpers shared by pkg/canary
// and pkg/unwind: Thumb-bit masking, EXC_RETURN recognition, and disassembly
// verification of the hand-encoded canary subroutine blobs.
//
// The Arch descriptor here is a small table of architecture facts
// (breakpoint encoding, register numbering) other packages consult instead
// of hard-coding ARM details inline.
package armasm

import (
	"encoding/binary"
	"fmt"
)

// ThumbBit is the low address bit that signals Thumb instruction mode.
const ThumbBit = 1

// StripThumbBit clears the Thumb bit, as required before any symbol lookup
// (the design GLOSSARY, §4.1: "symbolic lookups strip it").
func StripThumbBit(addr uint32) uint32 { return addr &^ ThumbBit }

// SetThumbBit sets the Thumb bit, as required before writing an address back
// into PC or the vector table (GLOSSARY: "must be masked before symbol
// lookups and restored on jumps").
func SetThumbBit(addr uint32) uint32 { return addr | ThumbBit }

// excReturnPrefix is the fixed upper 27 bits of every EXC_RETURN sentinel value
// ARMv7-M writes to LR on exception entry (0xFFFFFFE1..0xFFFFFFFD).
const excReturnPrefix = 0xFFFFFFE0

// IsExceptionReturn reports whether lr is an EXC_RETURN sentinel, the signal
// pkg/unwind uses to recognize it must pop a hardware-stacked exception
// frame instead of continuing a normal CFI walk (the design step 2,
// GLOSSARY "EXC_RETURN").
func IsExceptionReturn(lr uint32) bool {
	return lr&0xFFFFFFE0 == excReturnPrefix
}

// Arch is a small table of Cortex-M facts, named after and modeled on
// pkg/proc's per-architecture Arch descriptor (see arm64_arch.go: Name,
// ptrSize, breakpointInstruction, asmDecode, RegnumToString, ...).
type Arch struct {
	Name          string
	PtrSize       int
	BreakpointOp  []byte // "bkpt" encoding used to detect a deliberate halt
	RegisterNames [16]string
}

// CortexM returns the Arch descriptor used throughout this module; only one
// family is supported per the design's non-goals ("any architecture other than
// 32-bit ARM Cortex-M").
func CortexM() Arch {
	return Arch{
		Name:         "cortex-m",
		PtrSize:      4,
		BreakpointOp: []byte{0x00, 0xbe}, // "bkpt #0", Thumb encoding
		RegisterNames: [16]string{
			"r0", "r1", "r2", "r3", "r4", "r5", "r6", "r7",
			"r8", "r9", "r10", "r11", "r12", "sp", "lr", "pc",
		},
	}
}

// condMnemonics maps a 4-bit condition code (Thumb conditional-branch
// encoding) to its branch mnemonic, e.g. 0b1000 ("HI") -> "BHI".
var condMnemonics = [16]string{
	"BEQ", "BNE", "BCS", "BCC",
	"BMI", "BPL", "BVS", "BVC",
	"BHI", "BLS", "BGE", "BLT",
	"BGT", "BLE", "BAL", "BSVC",
}

// aluOpMnemonics maps the 4-bit opcode field of the Thumb16 "data processing
// register" encoding (010000 oooo Rm Rdn) to its mnemonic. Only CMP is
// exercised by the canary subroutines; the rest are filled in for
// completeness since the table costs nothing extra.
var aluOpMnemonics = [16]string{
	"AND", "EOR", "LSL", "LSR",
	"ASR", "ADC", "SBC", "ROR",
	"TST", "RSB", "CMP", "CMN",
	"ORR", "MUL", "BIC", "MVN",
}

// decodeThumb16 decodes the single 16-bit Thumb instruction at the head of
// buf and returns its mnemonic. golang.org/x/arch/arm/armasm only decodes
// ARM (32-bit) instructions -- its Decode rejects any mode other than
// ModeARM -- so it cannot serve Thumb disassembly; this is a minimal
// hand-rolled decoder covering exactly the Thumb16 instruction classes the
// canary paint/measure subroutines are built from: the ALU
// register-compare form, conditional and unconditional branches, immediate
// LDR/STR, immediate ADD, immediate MOV, and BKPT.
func decodeThumb16(buf []byte) (mnemonic string, length int, err error) {
	if len(buf) < 2 {
		return "", 0, fmt.Errorf("armasm: need at least 2 bytes, have %d", len(buf))
	}
	hw := binary.LittleEndian.Uint16(buf[:2])

	switch {
	case hw&0xFC00 == 0x4000:
		// 010000 oooo Rm Rdn -- ALU register form.
		op := (hw >> 6) & 0xF
		return aluOpMnemonics[op], 2, nil
	case hw&0xF000 == 0xD000:
		// 1101 cond imm8 -- conditional branch.
		cond := (hw >> 8) & 0xF
		if cond >= 0xE {
			return "", 0, fmt.Errorf("armasm: condition %#x is not a branch (UDF/SVC space)", cond)
		}
		return condMnemonics[cond], 2, nil
	case hw&0xF800 == 0xE000:
		// 11100 imm11 -- unconditional branch.
		return "B", 2, nil
	case hw&0xF800 == 0x6000:
		// 01100 imm5 Rn Rt -- STR (immediate).
		return "STR", 2, nil
	case hw&0xF800 == 0x6800:
		// 01101 imm5 Rn Rt -- LDR (immediate).
		return "LDR", 2, nil
	case hw&0xF800 == 0x3000:
		// 00110 Rdn imm8 -- ADD (immediate, 8-bit).
		return "ADD", 2, nil
	case hw&0xF800 == 0x2000:
		// 00100 Rdn imm8 -- MOV (immediate).
		return "MOV", 2, nil
	case hw&0xFF00 == 0xBE00:
		// 10111110 imm8 -- BKPT.
		return "BKPT", 2, nil
	default:
		return "", 0, fmt.Errorf("armasm: unrecognized Thumb16 halfword %#04x", hw)
	}
}

// VerifyBlob decodes a Thumb code blob and confirms that its first
// len(mnemonics) instructions have the given mnemonics, in order; bytes after
// the last listed instruction are not decoded or checked. pkg/canary
// uses this before injecting a subroutine so an encoding mistake in the
// hand-assembled byte patterns (the design) is caught before it ever runs on
// hardware. Only the 16-bit Thumb instruction classes the canary blobs use
// are recognized; see decodeThumb16.
func VerifyBlob(blob []byte, mnemonics []string) error {
	off := 0
	for i, want := range mnemonics {
		if off >= len(blob) {
			return fmt.Errorf("armasm: blob too short, expected instruction %d (%s)", i, want)
		}
		got, length, err := decodeThumb16(blob[off:])
		if err != nil {
			return fmt.Errorf("armasm: decoding instruction %d at offset %d: %w", i, off, err)
		}
		if got != want {
			return fmt.Errorf("armasm: instruction %d = %q, want %q", i, got, want)
		}
		off += length
	}
	return nil
}
