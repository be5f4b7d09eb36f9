package chat

import (
	"bufio"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"
)

func TestServerStopDropsRegisteredClientSocket(t *testing.T) {
	srv := NewServer(Config{Addr: "127.0.0.1:0", Workers: 2}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	client, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	frame, err := EncodeRegister("alice")
	if err != nil {
		t.Fatalf("EncodeRegister: %v", err)
	}
	if _, err := client.Write(frame); err != nil {
		t.Fatalf("write REGISTER: %v", err)
	}

	r := bufio.NewReader(client)
	if op, err := PeekOpcode(r); err != nil || op != OpStatus {
		t.Fatalf("expected registration STATUS OK, got %v err=%v", op, err)
	}
	var codeBuf [1]byte
	if _, err := r.Read(codeBuf[:]); err != nil {
		t.Fatalf("read status code: %v", err)
	}
	if _, err := ReadString(r); err != nil {
		t.Fatalf("read status message: %v", err)
	}
	if op, err := PeekOpcode(r); err != nil || op != OpDeliver {
		t.Fatalf("expected welcome DELIVER, got %v err=%v", op, err)
	}
	if _, err := ReadString(r); err != nil { // from
		t.Fatalf("read deliver from: %v", err)
	}
	if _, err := ReadString(r); err != nil { // message
		t.Fatalf("read deliver message: %v", err)
	}

	// alice is now registered and sitting in PENDING_STATUS, having never
	// acked the welcome DELIVER. Server.Stop must still drop her: every
	// still-registered client is forced through ERR regardless of which
	// sub-state it is parked in.
	srv.Stop()

	if op, err := PeekOpcode(r); err != nil || op != OpStatus {
		t.Fatalf("expected shutdown STATUS ERROR, got %v err=%v", op, err)
	}
	var shutdownCode [1]byte
	if _, err := r.Read(shutdownCode[:]); err != nil {
		t.Fatalf("read shutdown status code: %v", err)
	}
	if StatusCode(shutdownCode[0]) != StatusError {
		t.Fatalf("got status code %v, want StatusError", shutdownCode[0])
	}
	msg, err := ReadString(r)
	if err != nil || msg != "Server shutting down." {
		t.Fatalf("got msg=%q err=%v, want %q", msg, err, "Server shutting down.")
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := r.Read(buf); err == nil {
		t.Fatalf("expected the socket to be closed after shutdown")
	}
}

func TestDispatcherOnAuditSubmitsHeartbeatForIdleConnections(t *testing.T) {
	reg := NewRegistry()
	tasks := make(chan Event, 4)
	pool := NewWorkerPool(1)
	pool.SetHandler(func(c *Connection, ev Event) { tasks <- ev })
	pool.Start()
	t.Cleanup(func() { pool.Shutdown(false) })

	d, err := NewDispatcher("127.0.0.1:0", reg, pool, time.Hour, time.Second, nil)
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	t.Cleanup(func() { d.listener.Close() })

	conn := newTestConnection(t)
	conn.lastActive.Store(time.Now().Add(-time.Minute).Unix())
	reg.Track(conn)

	d.onAudit()

	select {
	case ev := <-tasks:
		if ev.Kind != EventHeartbeat {
			t.Fatalf("got %v, want EventHeartbeat", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for the audit tick to submit a heartbeat task")
	}
}

func TestDispatcherOnAuditSkipsRecentlyActiveConnections(t *testing.T) {
	reg := NewRegistry()
	tasks := make(chan Event, 4)
	pool := NewWorkerPool(1)
	pool.SetHandler(func(c *Connection, ev Event) { tasks <- ev })
	pool.Start()
	t.Cleanup(func() { pool.Shutdown(false) })

	d, err := NewDispatcher("127.0.0.1:0", reg, pool, time.Hour, time.Hour, nil)
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	t.Cleanup(func() { d.listener.Close() })

	conn := newTestConnection(t)
	reg.Track(conn)

	d.onAudit()

	select {
	case ev := <-tasks:
		t.Fatalf("unexpected task for a recently-active connection: %v", ev.Kind)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDispatcherOnAcceptTracksAndArmsConnection(t *testing.T) {
	reg := NewRegistry()
	tasks := make(chan Event, 4)
	pool := NewWorkerPool(1)
	pool.SetHandler(func(c *Connection, ev Event) { tasks <- ev })
	pool.Start()
	t.Cleanup(func() { pool.Shutdown(false) })

	d, err := NewDispatcher("127.0.0.1:0", reg, pool, time.Hour, time.Hour, nil)
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	t.Cleanup(func() { d.listener.Close() })

	client, server := net.Pipe()
	t.Cleanup(func() { client.Close() })
	d.onAccept(server)

	if got := reg.Count(); got != 1 {
		t.Fatalf("onAccept should track the new connection, got count %d", got)
	}

	frame, err := EncodeRegister("alice")
	if err != nil {
		t.Fatalf("EncodeRegister: %v", err)
	}
	if _, err := client.Write(frame); err != nil {
		t.Fatalf("write REGISTER: %v", err)
	}

	select {
	case ev := <-tasks:
		if ev.Kind != EventInbound {
			t.Fatalf("got %v, want EventInbound", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for the reader goroutine to submit an inbound task")
	}
}
