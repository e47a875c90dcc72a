// Package gdbpassthrough implements the optional post-hard-fault worker:
// once the controller reports a HardFault outcome, the caller may hand the
// (quiesced) probe session to this worker instead of detaching. The worker
// owns the session exclusively until the process exits: a dedicated
// goroutine, started lazily, that the main thread never joins cleanly
// (deliberately forgoing clean shutdown).
package gdbpassthrough

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/google/go-dap"
	"github.com/sirupsen/logrus"

	"github.com/devilkun/cortexrun/pkg/probe"
)

var log = logrus.WithField("pkg", "gdbpassthrough")

// DefaultAddr mirrors the original's DEFAULT_GDB_SERVER_ADDR.
const DefaultAddr = "127.0.0.1:1337"

// Worker owns a probe.Core exclusively for the lifetime of a passthrough
// session. No cortexrun package may touch core again once Spawn returns.
type Worker struct {
	core     probe.Core
	listener net.Listener
	closed   atomic.Bool
	seq      int
}

// Spawn starts listening on addr and accepts GDB-client connections in a
// background goroutine. It never implements the GDB remote serial protocol
// itself; the runner's only job past this point is to block on SIGINT and
// exit, so each accepted connection is framed with go-dap only far enough to
// send the client one "initialized" event, using the nearest "debugger wire
// protocol" library available in this module's dependency set. A real
// register/memory bridge belongs to an external GDB-server implementation,
// not this repo.
func Spawn(ctx context.Context, core probe.Core, addr string) (*Worker, error) {
	if addr == "" {
		addr = DefaultAddr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("gdbpassthrough: listen on %s: %w", addr, err)
	}
	w := &Worker{core: core, listener: ln}
	log.WithField("addr", addr).Info("gdb passthrough listening")
	go w.acceptLoop(ctx)
	return w, nil
}

func (w *Worker) acceptLoop(ctx context.Context) {
	for {
		conn, err := w.listener.Accept()
		if err != nil {
			if w.closed.Load() {
				return
			}
			log.WithError(err).Warn("gdb passthrough accept failed")
			return
		}
		go w.serve(ctx, conn)
	}
}

// serve speaks just enough of go-dap's envelope to greet a connecting client
// and then blocks relaying nothing further: the session is considered
// handed off, and this loop only notices when the client disconnects or ctx
// is cancelled.
func (w *Worker) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	log.WithField("remote", conn.RemoteAddr()).Info("gdb client connected")

	w.seq++
	ev := &dap.InitializedEvent{
		Event: dap.Event{
			ProtocolMessage: dap.ProtocolMessage{Seq: w.seq, Type: "event"},
			Event:           "initialized",
		},
	}
	if err := dap.WriteProtocolMessage(conn, ev); err != nil {
		log.WithError(err).Warn("gdb passthrough: writing initialized event")
		return
	}

	done := make(chan struct{})
	r := bufio.NewReader(conn)
	go func() {
		defer close(done)
		for {
			if _, err := dap.ReadProtocolMessage(r); err != nil {
				return
			}
		}
	}()

	select {
	case <-ctx.Done():
	case <-done:
	}
}

// Close releases the listener. It does not attempt to notify connected
// clients or return the probe session to the caller: per the design this
// worker has no clean-shutdown path, and Close exists only so tests and
// cmd/cortexrun (which defers it) have something to call.
func (w *Worker) Close() error {
	w.closed.Store(true)
	return w.listener.Close()
}
