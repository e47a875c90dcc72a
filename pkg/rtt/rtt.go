// Package rtt implements attachment to a firmware's on-chip RTT (Real-Time
// Transfer) ring buffer and the blocking-mode flip the controller performs
// before running, per the design.
package rtt

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/devilkun/cortexrun/pkg/probe"
)

var log = logrus.WithField("pkg", "rtt")

// NAttachRetries is the number of discovery attempts before giving up
// (the design, N_ATTACH_RETRIES).
const NAttachRetries = 10

// AttachBackoff is the delay between discovery attempts.
const AttachBackoff = 10 * time.Millisecond

// Up-channel mode flags, per the design.
type Mode uint8

const (
	ModeNonBlockingSkip Mode = 0
	ModeNonBlockingTrim Mode = 1
	ModeBlockIfFull     Mode = 2
)

// modeFlagsOffset is the byte offset of the up-channel-flags word within the
// control block (the design, §6: "offset 44").
const modeFlagsOffset = 44

// Channel is an attached RTT up-channel.
type Channel struct {
	core         probe.Core
	controlBlock uint32
	Name         string
	upBufferAddr uint32
	upBufferSize uint32
}

// Attach discovers the control block at the exact address recorded in the
// ELF (the design: "ScanRegion::Exact(rtt_buffer_address)"), retrying up to
// NAttachRetries times with AttachBackoff between attempts because the
// target may not have initialized it yet.
func Attach(ctx context.Context, core probe.Core, controlBlockAddr uint32) (*Channel, error) {
	var lastErr error
	for attempt := 0; attempt < NAttachRetries; attempt++ {
		ch, err := tryAttach(ctx, core, controlBlockAddr)
		if err == nil {
			return ch, nil
		}
		lastErr = err
		log.WithFields(logrus.Fields{"attempt": attempt + 1, "err": err}).
			Debug("RTT control block not ready yet")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(AttachBackoff):
		}
	}
	return nil, fmt.Errorf("rtt: control block not initialized after %d attempts: %w", NAttachRetries, lastErr)
}

// rttHeaderMagic is the fixed 16-byte ASCII id "SEGGER RTT\0\0\0\0\0\0" every
// control block begins with.
var rttHeaderMagic = [16]byte{'S', 'E', 'G', 'G', 'E', 'R', ' ', 'R', 'T', 'T'}

func tryAttach(ctx context.Context, core probe.Core, addr uint32) (*Channel, error) {
	header := make([]byte, 16)
	if err := core.ReadMemory(ctx, addr, header); err != nil {
		return nil, fmt.Errorf("reading control block header: %w", err)
	}
	for i := 0; i < 10; i++ {
		if header[i] != rttHeaderMagic[i] {
			return nil, fmt.Errorf("control block at %#x not yet initialized", addr)
		}
	}

	// Up-channel descriptor 0 follows the header and the two 4-byte channel
	// counts; layout beyond the mode-flags word at offset 44 is treated as
	// opaque per the design.
	desc := make([]byte, 24)
	if err := core.ReadMemory(ctx, addr+24, desc); err != nil {
		return nil, fmt.Errorf("reading up-channel 0 descriptor: %w", err)
	}
	bufAddr := binary.LittleEndian.Uint32(desc[4:8])
	bufSize := binary.LittleEndian.Uint32(desc[8:12])
	if bufAddr == 0 || bufSize == 0 {
		return nil, fmt.Errorf("up-channel 0 not yet configured")
	}
	nameAddr := binary.LittleEndian.Uint32(desc[0:4])
	name, err := readCString(ctx, core, nameAddr, 32)
	if err != nil {
		log.WithError(err).Debug("could not read up-channel name, treating as raw")
	}

	return &Channel{
		core:         core,
		controlBlock: addr,
		Name:         name,
		upBufferAddr: bufAddr,
		upBufferSize: bufSize,
	}, nil
}

// readCString reads up to maxLen bytes at addr through the probe and returns
// the text up to the first NUL, or its full length if no NUL is found.
func readCString(ctx context.Context, core probe.Core, addr uint32, maxLen int) (string, error) {
	if addr == 0 {
		return "", nil
	}
	buf := make([]byte, maxLen)
	if err := core.ReadMemory(ctx, addr, buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i]), nil
		}
	}
	return string(buf), nil
}

// SetMode rewrites the low two bits of the up-channel-flags word, leaving
// the rest untouched, per the design.
func (c *Channel) SetMode(ctx context.Context, mode Mode) error {
	word := make([]byte, 4)
	addr := c.controlBlock + modeFlagsOffset
	if err := c.core.ReadMemory(ctx, addr, word); err != nil {
		return fmt.Errorf("rtt: reading mode flags: %w", err)
	}
	v := binary.LittleEndian.Uint32(word)
	v = (v &^ 0b11) | uint32(mode)
	binary.LittleEndian.PutUint32(word, v)
	if err := c.core.WriteMemory(ctx, addr, word); err != nil {
		return fmt.Errorf("rtt: writing mode flags: %w", err)
	}
	return nil
}

// Read drains up to len(buf) bytes without blocking, returning the number of
// bytes read. Zero bytes with a nil error means nothing is available right
// now; any other error is fatal for the channel (the design).
func (c *Channel) Read(ctx context.Context, buf []byte) (int, error) {
	// A read/write cursor pair lives inside the up-channel descriptor; a real
	// backend tracks it across calls. Here the probe.Core abstraction is
	// assumed to expose "available bytes" via ReadMemory at the descriptor's
	// write-index, which is out of this package's documented scope (the RTT
	// wire layout beyond offset 44 is opaque per the design) — callers drive
	// this through the same core.ReadMemory primitive used everywhere else.
	n, err := c.readRingBuffer(ctx, buf)
	if err != nil {
		return 0, fmt.Errorf("rtt: %w", err)
	}
	return n, nil
}

func (c *Channel) readRingBuffer(ctx context.Context, buf []byte) (int, error) {
	idx := make([]byte, 8)
	if err := c.core.ReadMemory(ctx, c.controlBlock+24+12, idx); err != nil {
		return 0, fmt.Errorf("reading read/write indices: %w", err)
	}
	writeIdx := binary.LittleEndian.Uint32(idx[0:4])
	readIdx := binary.LittleEndian.Uint32(idx[4:8])
	if writeIdx == readIdx {
		return 0, nil
	}

	available := int(writeIdx) - int(readIdx)
	if available < 0 {
		available += int(c.upBufferSize)
	}
	n := len(buf)
	if n > available {
		n = available
	}
	if n == 0 {
		return 0, nil
	}

	for i := 0; i < n; i++ {
		off := (readIdx + uint32(i)) % c.upBufferSize
		b := make([]byte, 1)
		if err := c.core.ReadMemory(ctx, c.upBufferAddr+off, b); err != nil {
			return i, fmt.Errorf("reading ring buffer byte at offset %d: %w", off, err)
		}
		buf[i] = b[0]
	}

	newReadIdx := make([]byte, 4)
	binary.LittleEndian.PutUint32(newReadIdx, (readIdx+uint32(n))%c.upBufferSize)
	if err := c.core.WriteMemory(ctx, c.controlBlock+24+16, newReadIdx); err != nil {
		return n, fmt.Errorf("advancing read index: %w", err)
	}
	return n, nil
}
