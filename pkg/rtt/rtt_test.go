package rtt

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/devilkun/cortexrun/pkg/probe"
)

type memCore struct {
	mem map[uint32]byte
}

func newMemCore() *memCore { return &memCore{mem: make(map[uint32]byte)} }

func (c *memCore) Attach(ctx context.Context, underReset bool) error { return nil }
func (c *memCore) Flash(ctx context.Context, image []byte, opts probe.FlashOptions) error {
	return nil
}
func (c *memCore) ResetAndHalt(ctx context.Context, timeout time.Duration) error { return nil }
func (c *memCore) Halt(ctx context.Context, timeout time.Duration) error        { return nil }
func (c *memCore) Resume(ctx context.Context) error                             { return nil }
func (c *memCore) IsHalted(ctx context.Context) (bool, error)                   { return true, nil }
func (c *memCore) ReadMemory(ctx context.Context, addr uint32, buf []byte) error {
	for i := range buf {
		buf[i] = c.mem[addr+uint32(i)]
	}
	return nil
}
func (c *memCore) WriteMemory(ctx context.Context, addr uint32, data []byte) error {
	for i, b := range data {
		c.mem[addr+uint32(i)] = b
	}
	return nil
}
func (c *memCore) ReadReg(ctx context.Context, reg probe.Register) (uint32, error)  { return 0, nil }
func (c *memCore) WriteReg(ctx context.Context, reg probe.Register, v uint32) error { return nil }
func (c *memCore) SetHWBreakpoint(ctx context.Context, addr uint32) (probe.BreakpointID, error) {
	return 0, nil
}
func (c *memCore) ClearHWBreakpoint(ctx context.Context, id probe.BreakpointID) error { return nil }
func (c *memCore) NumHWBreakpoints() int                                             { return 6 }
func (c *memCore) MemoryMap() []probe.MemoryRegion                                   { return nil }
func (c *memCore) Detach(ctx context.Context) error                                  { return nil }

func (c *memCore) putString(addr uint32, s string) {
	for i, b := range []byte(s) {
		c.mem[addr+uint32(i)] = b
	}
	c.mem[addr+uint32(len(s))] = 0
}

func setupControlBlock(core *memCore, cbAddr, nameAddr, bufAddr, bufSize uint32, name string) {
	for i, b := range rttHeaderMagic {
		core.mem[cbAddr+uint32(i)] = b
	}
	desc := make([]byte, 24)
	binary.LittleEndian.PutUint32(desc[0:4], nameAddr)
	binary.LittleEndian.PutUint32(desc[4:8], bufAddr)
	binary.LittleEndian.PutUint32(desc[8:12], bufSize)
	for i, b := range desc {
		core.mem[cbAddr+24+uint32(i)] = b
	}
	core.putString(nameAddr, name)
}

func TestAttachAndSetMode(t *testing.T) {
	core := newMemCore()
	const cbAddr, nameAddr, bufAddr, bufSize = 0x20000000, 0x20001000, 0x20002000, 1024
	setupControlBlock(core, cbAddr, nameAddr, bufAddr, bufSize, "defmt")

	ch, err := Attach(context.Background(), core, cbAddr)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if ch.Name != "defmt" {
		t.Fatalf("Name = %q, want defmt", ch.Name)
	}

	if err := ch.SetMode(context.Background(), ModeBlockIfFull); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	word := make([]byte, 4)
	core.ReadMemory(context.Background(), cbAddr+modeFlagsOffset, word)
	got := binary.LittleEndian.Uint32(word) & 0b11
	if Mode(got) != ModeBlockIfFull {
		t.Fatalf("mode bits = %d, want %d", got, ModeBlockIfFull)
	}
}

func TestSetModePreservesHighBits(t *testing.T) {
	core := newMemCore()
	const cbAddr = 0x20000000
	word := make([]byte, 4)
	binary.LittleEndian.PutUint32(word, 0xCAFE0003)
	core.WriteMemory(context.Background(), cbAddr+modeFlagsOffset, word)

	ch := &Channel{core: core, controlBlock: cbAddr}
	if err := ch.SetMode(context.Background(), ModeNonBlockingTrim); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	core.ReadMemory(context.Background(), cbAddr+modeFlagsOffset, word)
	got := binary.LittleEndian.Uint32(word)
	if got&0b11 != uint32(ModeNonBlockingTrim) {
		t.Fatalf("low bits = %d, want %d", got&0b11, ModeNonBlockingTrim)
	}
	if got&0xFFFFFFFC != 0xCAFE0000 {
		t.Fatalf("high bits corrupted: %#x", got)
	}
}

func TestAttachRetriesUntilInitialized(t *testing.T) {
	core := newMemCore()
	const cbAddr = 0x20000000
	// Control block starts uninitialized; after a couple of attempts the
	// test fills it in, simulating the target finishing its RTT init.
	go func() {
		time.Sleep(2 * AttachBackoff)
		setupControlBlock(core, cbAddr, 0x20001000, 0x20002000, 512, "Terminal")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ch, err := Attach(ctx, core, cbAddr)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if ch.Name != "Terminal" {
		t.Fatalf("Name = %q, want Terminal", ch.Name)
	}
}
