package chat

import (
	"bufio"
	"bytes"
	"testing"
)

func TestBroadcastSkipsSenderAndClosingConnections(t *testing.T) {
	reg := NewRegistry()
	pool := NewWorkerPool(2)
	delivered := make(chan *Connection, 8)
	pool.SetHandler(func(c *Connection, ev Event) {
		if ev.Kind == EventOutboundDeliver {
			delivered <- c
		}
	})
	pool.Start()
	t.Cleanup(func() { pool.Shutdown(false) })

	sender := newTestConnection(t)
	sender.Username = "alice"
	reg.Track(sender)

	live := newTestConnection(t)
	live.Username = "bob"
	reg.Track(live)

	closing := newTestConnection(t)
	closing.Username = "carol"
	closing.SetState(StateClosing)
	reg.Track(closing)

	Broadcast(reg, pool, sender, reg.ServerName(), "hello")

	got := <-delivered
	if got != live {
		t.Fatalf("expected delivery to the live non-sender connection only")
	}
	select {
	case extra := <-delivered:
		t.Fatalf("unexpected second delivery to %v", extra.Username)
	default:
	}
}

func TestDeliverFrameDecodesBackToOriginalMessage(t *testing.T) {
	frame, err := EncodeDeliver("[Server]", "alice has joined the server.")
	if err != nil {
		t.Fatalf("EncodeDeliver: %v", err)
	}
	r := bufio.NewReader(bytes.NewReader(frame))
	if _, err := PeekOpcode(r); err != nil {
		t.Fatalf("PeekOpcode: %v", err)
	}
	from, err := ReadString(r)
	if err != nil || from != "[Server]" {
		t.Fatalf("got from=%q err=%v", from, err)
	}
	msg, err := ReadString(r)
	if err != nil || msg != "alice has joined the server." {
		t.Fatalf("got msg=%q err=%v", msg, err)
	}
}
