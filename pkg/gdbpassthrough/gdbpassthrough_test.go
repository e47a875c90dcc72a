package gdbpassthrough

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/go-dap"

	"github.com/devilkun/cortexrun/pkg/probe"
)

func TestSpawnAcceptsAndGreetsClient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w, err := Spawn(ctx, (probe.Core)(nil), "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer w.Close()

	addr := w.listener.Addr().String()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msg, err := dap.ReadProtocolMessage(bufio.NewReader(conn))
	if err != nil {
		t.Fatalf("ReadProtocolMessage: %v", err)
	}
	ev, ok := msg.(*dap.InitializedEvent)
	if !ok {
		t.Fatalf("got %T, want *dap.InitializedEvent", msg)
	}
	if ev.Event.Event != "initialized" {
		t.Fatalf("event = %q, want initialized", ev.Event.Event)
	}
}

func TestCloseStopsAccepting(t *testing.T) {
	w, err := Spawn(context.Background(), (probe.Core)(nil), "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := net.Dial("tcp", w.listener.Addr().String()); err == nil {
		t.Fatal("expected dial to a closed listener to fail")
	}
}
