package chat

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Connection is the per-client record (C2): socket, username, FSM state,
// pending-task counter, last-active time, and the connection's own lock.
// At most one worker holds mu and thus mutates state at a time (§3).
type Connection struct {
	ID       uuid.UUID
	Conn     net.Conn
	Reader   *bufio.Reader
	Username string // empty until registered
	StatMsg  string // seeded on error paths, carried into the STATUS(ERROR) frame

	mu    sync.Mutex
	state State

	pending    atomic.Int32
	lastActive atomic.Int64 // unix seconds

	// armCh is the rearm signal for this connection's reader goroutine
	// (§4.4): the reader blocks on armCh between "fd became readable"
	// notifications so at most one inbound task per connection is ever
	// in flight.
	armCh chan struct{}

	closed atomic.Bool
}

func newConnection(conn net.Conn) *Connection {
	c := &Connection{
		ID:     uuid.New(),
		Conn:   conn,
		Reader: bufio.NewReader(conn),
		state:  StatePreRegister,
		armCh:  make(chan struct{}, 1),
	}
	c.lastActive.Store(time.Now().Unix())
	return c
}

// Lock/Unlock/TryLock expose the per-connection mutex to the processor,
// which owns the try-lock-and-requeue discipline (§4.6).
func (c *Connection) Lock()         { c.mu.Lock() }
func (c *Connection) Unlock()       { c.mu.Unlock() }
func (c *Connection) TryLock() bool { return c.mu.TryLock() }

// State returns the current FSM state. Callers must hold the connection
// lock; exported for tests that assert on state after a lock is held.
func (c *Connection) State() State { return c.state }

// SetState transitions the FSM. Once State reaches StateClosing it never
// transitions back (§3 invariant) — enforced here defensively.
func (c *Connection) SetState(s State) {
	if c.state == StateClosing {
		return
	}
	c.state = s
}

// Touch refreshes last-active time; skipped for HEARTBEAT events (§4.6).
func (c *Connection) Touch() { c.lastActive.Store(time.Now().Unix()) }

// IdleSeconds reports seconds elapsed since the connection was last active.
func (c *Connection) IdleSeconds() int64 {
	return time.Now().Unix() - c.lastActive.Load()
}

// Pending returns the current pending-task counter.
func (c *Connection) Pending() int32 { return c.pending.Load() }

func (c *Connection) addPending(delta int32) int32 { return c.pending.Add(delta) }

// Rearm re-inserts this connection into the "poller's" interest set by
// waking its reader goroutine so it attempts the next read (§4.6: "Re-arming
// an fd means inserting it back into the poller's interest set").
func (c *Connection) Rearm() {
	if c.closed.Load() {
		return
	}
	select {
	case c.armCh <- struct{}{}:
	default:
		// already armed; at most one pending arm signal is meaningful
	}
}

// submitWrite performs a best-effort synchronous send on the socket. Any
// short write or error is reported to the caller, which transitions the
// connection to ERR (§4.2).
func (c *Connection) submitWrite(frame []byte) error {
	n, err := c.Conn.Write(frame)
	if err != nil {
		return err
	}
	if n != len(frame) {
		return ErrShortRead
	}
	return nil
}

// Close closes the underlying socket exactly once and closes armCh so this
// connection's reader goroutine (possibly still blocked waiting for a rearm
// that will never come, e.g. on the malformed-frame->ERR path) unblocks and
// returns, releasing its pending-task credit.
func (c *Connection) Close() {
	if c.closed.CompareAndSwap(false, true) {
		_ = c.Conn.Close()
		close(c.armCh)
	}
}
