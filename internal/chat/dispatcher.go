package chat

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

// Dispatcher is the readiness loop (C4). In the original system this is a
// single thread multiplexing a listener fd, a signalfd, and a periodic
// timer over epoll. Go's runtime netpoller already supplies edge-triggered
// readiness for a blocked Read/Peek — a goroutine parked in Peek(1) is
// woken exactly when the socket becomes readable, which is the same
// guarantee manual epoll would give — so here the listener, the audit
// ticker, and the shutdown signal share one dispatcher goroutine's select
// loop exactly as §4.4 describes, while each accepted connection gets one
// dedicated reader goroutine standing in for "this fd is armed in the
// poller" (see DESIGN.md).
type Dispatcher struct {
	listener      net.Listener
	registry      *Registry
	pool          *WorkerPool
	auditInterval time.Duration
	connTimeout   time.Duration
	logger        *slog.Logger

	accepted chan net.Conn
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once

	// acceptLimiter caps the rate of new connections the accept loop will
	// hand off to the dispatcher, so a connection-flood can't starve the
	// readiness loop's ability to service already-registered clients.
	acceptLimiter *rate.Limiter
}

// NewDispatcher binds addr with SO_REUSEADDR and SO_REUSEPORT set (§6) via
// golang.org/x/sys/unix through net.ListenConfig.Control — the idiomatic
// Go way to reach setsockopt without hand-rolled epoll.
func NewDispatcher(addr string, registry *Registry, pool *WorkerPool, auditInterval, connTimeout time.Duration, logger *slog.Logger) (*Dispatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var ctrlErr error
			err := c.Control(func(fd uintptr) {
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
					ctrlErr = err
					return
				}
				ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return ctrlErr
		},
	}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Dispatcher{
		listener:      ln,
		registry:      registry,
		pool:          pool,
		auditInterval: auditInterval,
		connTimeout:   connTimeout,
		logger:        logger,
		accepted:      make(chan net.Conn, 16),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
		acceptLimiter: rate.NewLimiter(rate.Limit(200), 50),
	}, nil
}

// Addr returns the listener's bound address.
func (d *Dispatcher) Addr() net.Addr { return d.listener.Addr() }

// Run is the dispatcher's single-threaded select loop (§4.4, rules 1-3).
// It returns once Stop is called.
func (d *Dispatcher) Run() {
	defer close(d.doneCh)
	go d.acceptLoop()

	ticker := time.NewTicker(d.auditInterval)
	defer ticker.Stop()

	for {
		select {
		case conn, ok := <-d.accepted:
			if !ok {
				return
			}
			d.onAccept(conn)
		case <-ticker.C:
			d.onAudit()
		case <-d.stopCh:
			return
		}
	}
}

// Stop ends the readiness loop and closes the listener so the accept loop
// unblocks. Blocks until Run has returned. Safe to call more than once
// (e.g. a double signal during shutdown).
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		_ = d.listener.Close()
		<-d.doneCh
	})
}

func (d *Dispatcher) acceptLoop() {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			close(d.accepted)
			return
		}
		if err := d.acceptLimiter.Wait(context.Background()); err != nil {
			_ = conn.Close()
			continue
		}
		select {
		case d.accepted <- conn:
		case <-d.stopCh:
			_ = conn.Close()
			return
		}
	}
}

// onAccept handles rule 1 of §4.4: accept, create a record, insert into
// the registry, and arm it for its first read.
func (d *Dispatcher) onAccept(raw net.Conn) {
	conn := newConnection(raw)
	d.registry.Track(conn)
	d.logger.Info("client connected", "addr", raw.RemoteAddr().String(), "conn_id", conn.ID)

	conn.addPending(1) // the reader goroutine itself is outstanding work
	go d.readerLoop(conn)
	conn.Rearm() // arm fd in poller (edge-triggered read), per rule 1
}

// onAudit is rule 3 of §4.4: walk the registry and schedule a HEARTBEAT
// task for every connection whose idle time exceeds connTimeout. The
// processor re-checks idle time at pickup, so a generous pre-filter here
// is safe — it only decides who is *worth* checking.
func (d *Dispatcher) onAudit() {
	timeoutSeconds := int64(d.connTimeout.Seconds())
	d.registry.Each(func(c *Connection) {
		if c.IdleSeconds() <= timeoutSeconds {
			return
		}
		c.addPending(1)
		d.pool.Submit(Task{Conn: c, Event: Event{Kind: EventHeartbeat}})
	})
}

// readerLoop stands in for one connection's entry in the poller's interest
// set. It blocks on armCh between readability notifications so at most one
// inbound task per connection is ever in flight (§4.4's deregister-before-
// dispatch rule), and exits once the connection's socket is closed and
// armCh is closed along with it.
func (d *Dispatcher) readerLoop(conn *Connection) {
	defer conn.addPending(-1)
	for {
		if _, ok := <-conn.armCh; !ok {
			return
		}
		if _, err := conn.Reader.Peek(1); err != nil {
			conn.addPending(1)
			d.pool.Submit(Task{Conn: conn, Event: Event{Kind: EventInbound, Err: err}})
			return
		}
		conn.addPending(1)
		d.pool.Submit(Task{Conn: conn, Event: Event{Kind: EventInbound}})
	}
}
