// Package logpipeline binds an RTT up-channel to a frame decoder and writes
// decoded frames to stdout, per the design.
package logpipeline

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/devilkun/cortexrun/pkg/decoder"
	"github.com/devilkun/cortexrun/pkg/rtt"
)

var log = logrus.WithField("pkg", "logpipeline")

// structuredChannelName is the only up-channel name LogPipeline treats as
// carrying encoded frames rather than raw bytes, per the design.
const structuredChannelName = "defmt"

// readChunkSize bounds a single RTT drain read.
const readChunkSize = 1024

// Pipeline binds one rtt.Channel to a decoder.FrameDecoder and drives bytes
// from the former into the latter, writing whatever comes out to stdout:
// frames with a level as "[level] text" lines, level-less frames (raw
// passthrough) verbatim, per §4.8.
type Pipeline struct {
	channel *rtt.Channel
	dec     decoder.FrameDecoder
	stdout  *os.File
}

// New binds channel to a decoder. structuredDecoder is the external codec
// for the "defmt" channel (the design "dynamic dispatch" collaborator);
// callers that haven't loaded one may pass nil, which falls back to raw
// passthrough with a warning, same as an unstructured channel name. noFlash
// true on a structured channel logs the staleness warning the design
// requires.
func New(channel *rtt.Channel, structuredDecoder decoder.FrameDecoder, noFlash bool) *Pipeline {
	structured := channel.Name == structuredChannelName
	var dec decoder.FrameDecoder = decoder.NewRawDecoder()
	if structured {
		if structuredDecoder != nil {
			dec = structuredDecoder
		} else {
			log.Warn("no structured decoder loaded for the defmt channel; falling back to raw passthrough")
		}
		if noFlash {
			log.Warn("--no-flash with a structured log channel: decoder table may be stale relative to the running image")
		}
	}
	return &Pipeline{channel: channel, dec: dec, stdout: os.Stdout}
}

// Drain reads whatever is currently available on the channel and pushes it
// through the decoder, emitting every frame it yields. It returns
// decoder.ErrFatalDecode if a malformed frame occurs on a non-recoverable
// decoder (the design), and nil if nothing was available.
func (p *Pipeline) Drain(ctx context.Context) error {
	buf := make([]byte, readChunkSize)
	n, err := p.channel.Read(ctx, buf)
	if err != nil {
		return fmt.Errorf("logpipeline: reading channel: %w", err)
	}
	if n == 0 {
		return nil
	}
	p.dec.Received(buf[:n])
	return p.drainDecoded()
}

// drainDecoded repeatedly calls Decode until it reports OutcomeEOF, emitting
// or recovering from each frame per the design loop.
func (p *Pipeline) drainDecoded() error {
	for {
		frame, outcome := p.dec.Decode()
		switch outcome {
		case decoder.OutcomeEOF:
			return nil
		case decoder.OutcomeFrame:
			p.emit(frame)
		case decoder.OutcomeMalformed:
			if p.dec.CanRecover() {
				log.Warn("skipping malformed log frame")
				continue
			}
			return decoder.ErrFatalDecode
		}
	}
}

func (p *Pipeline) emit(f decoder.Frame) {
	if f.Level == "" {
		fmt.Fprint(p.stdout, f.Text)
		return
	}
	fmt.Fprintf(p.stdout, "[%s] %s\n", f.Level, f.Text)
}

// ErrFatalDecode is re-exported for callers that only import logpipeline.
var ErrFatalDecode = decoder.ErrFatalDecode
