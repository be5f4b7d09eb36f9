package chat

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerPoolProcessesAllTasks(t *testing.T) {
	var count atomic.Int32
	p := NewWorkerPool(3)
	p.SetHandler(func(c *Connection, ev Event) {
		count.Add(1)
	})
	p.Start()
	t.Cleanup(func() { p.Shutdown(false) })

	conn := newTestConnection(t)
	for i := 0; i < 20; i++ {
		conn.addPending(1)
		p.Submit(Task{Conn: conn, Event: Event{Kind: EventHeartbeat}})
	}

	deadline := time.Now().Add(time.Second)
	for count.Load() != 20 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := count.Load(); got != 20 {
		t.Fatalf("processed %d tasks, want 20", got)
	}
}

func TestWorkerPoolDrainShutdownRunsSelfRequeuedWork(t *testing.T) {
	p := NewWorkerPool(1)
	conn := newTestConnection(t)

	var mu sync.Mutex
	hops := 0
	p.SetHandler(func(c *Connection, ev Event) {
		mu.Lock()
		hops++
		n := hops
		mu.Unlock()
		if n < 3 {
			// mimic ERR->CLOSING's self-requeue chain
			c.addPending(1)
			p.Submit(Task{Conn: c, Event: ev})
		}
	})
	p.Start()

	conn.addPending(1)
	p.Submit(Task{Conn: conn, Event: Event{Kind: EventHeartbeat}})

	p.Shutdown(true)

	mu.Lock()
	defer mu.Unlock()
	if hops != 3 {
		t.Fatalf("got %d hops, want 3 — drain shutdown must let a self-requeue chain finish", hops)
	}
}

func TestWorkerPoolImmediateShutdownDropsQueuedWork(t *testing.T) {
	p := NewWorkerPool(1)
	started := make(chan struct{})
	block := make(chan struct{})
	var ran atomic.Int32

	p.SetHandler(func(c *Connection, ev Event) {
		ran.Add(1)
		close(started)
		<-block
	})
	p.Start()

	conn := newTestConnection(t)
	conn.addPending(1)
	p.Submit(Task{Conn: conn, Event: Event{Kind: EventHeartbeat}})
	<-started // first task is now in flight, blocked

	// Queue up more work behind the blocked worker, then let it finish.
	for i := 0; i < 5; i++ {
		conn.addPending(1)
		p.Submit(Task{Conn: conn, Event: Event{Kind: EventHeartbeat}})
	}
	close(block)

	p.Shutdown(false)
	if got := ran.Load(); got == 0 {
		t.Fatalf("expected at least the in-flight task to have run")
	}
}
