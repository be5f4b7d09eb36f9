package chat

import (
	"fmt"
	"log/slog"
	"time"
)

// Processor is the per-connection finite state machine (C6), the bulk of
// the core. Its Process method is the Handler wired into the WorkerPool; it
// is invoked once per scheduled task and dispatches on the connection's
// current state exactly per spec.md §4.6's transition table.
type Processor struct {
	registry    *Registry
	pool        *WorkerPool
	connTimeout time.Duration
	logger      *slog.Logger
}

// NewProcessor constructs a processor bound to a registry, a pool (for
// self-requeues and enqueuing outbound tasks) and the inactivity timeout
// used by the HEARTBEAT row of the transition table.
func NewProcessor(registry *Registry, pool *WorkerPool, connTimeout time.Duration, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{registry: registry, pool: pool, connTimeout: connTimeout, logger: logger}
}

// Process is the task function scheduled both by the dispatcher (for
// INBOUND/HEARTBEAT events) and by the processor/broadcaster itself (for
// OUTBOUND events). It try-locks the connection; on failure it re-submits
// itself so exactly one worker acts on a given record at a time (§4.6).
func (p *Processor) Process(conn *Connection, ev Event) {
	if !conn.TryLock() {
		p.requeue(conn, ev)
		return
	}
	locked := true
	unlock := func() {
		if locked {
			conn.Unlock()
			locked = false
		}
	}
	defer unlock()

	start := time.Now()
	if ev.Kind != EventHeartbeat {
		conn.Touch()
	}
	defer func(kind EventKind) {
		EventProcessingDuration.WithLabelValues(kind.String()).Observe(time.Since(start).Seconds())
	}(ev.Kind)

	// HEARTBEAT re-checks idle time at pickup time rather than trusting the
	// dispatcher's scan (activity may have occurred in between); once
	// already ERR/CLOSING the check no longer applies (§4.6).
	if ev.Kind == EventHeartbeat && conn.State() != StateErr && conn.State() != StateClosing {
		if conn.IdleSeconds() > int64(p.connTimeout.Seconds()) {
			conn.StatMsg = "Disconnected for inactivity."
			conn.SetState(StateErr)
		} else {
			return
		}
	}

	// SHUTDOWN forces every still-live connection through the same
	// ERR->CLOSING teardown a timeout or protocol violation uses, regardless
	// of idle time, so a graceful server shutdown drops every registered
	// client with a "has left" notice and a closed socket before the
	// process exits (§7).
	if ev.Kind == EventShutdown && conn.State() != StateErr && conn.State() != StateClosing {
		conn.StatMsg = "Server shutting down."
		conn.SetState(StateErr)
	}

	switch conn.State() {
	case StatePreRegister:
		p.handlePreRegister(conn, ev, unlock)
	case StateAvailable:
		p.handleAvailable(conn, ev, unlock)
	case StateSendStat:
		p.handleSendStat(conn, ev, unlock)
	case StateSendMsg:
		p.handleSendMsg(conn, ev, unlock)
	case StatePendingStatus:
		p.handlePendingStatus(conn, ev, unlock)
	case StateErr:
		p.handleErrState(conn, ev, unlock)
	case StateClosing:
		p.handleClosingState(conn, ev, unlock)
	}
}

// requeue re-submits a task against conn, restoring the pending-task count
// that was decremented at pickup (§4.2). Bounded by construction: every
// call site either waits for a specific complementary event to arrive or
// drains a connection's own already-scheduled work, never originates new
// unbounded work.
func (p *Processor) requeue(conn *Connection, ev Event) {
	conn.addPending(1)
	p.pool.Submit(Task{Conn: conn, Event: ev})
}

// enqueueSelfStatus schedules an OUTBOUND STATUS task against conn itself.
func (p *Processor) enqueueSelfStatus(conn *Connection, code StatusCode, message string) {
	frame, err := EncodeStatus(code, message)
	if err != nil {
		return
	}
	conn.addPending(1)
	p.pool.Submit(Task{Conn: conn, Event: Event{Kind: EventOutboundStatus, Frame: frame}})
}

// fail records the human-readable reason, transitions to ERR, and
// requeues. The actual STATUS(ERROR)-then-close happens on the *next*
// dispatch of this connection, once it observes state ERR — mirroring
// original_source/src/rpchat_process_event.c's two-phase error path
// rather than acting inline.
func (p *Processor) fail(conn *Connection, reason string, unlock func()) {
	conn.StatMsg = reason
	conn.SetState(StateErr)
	unlock()
	p.requeue(conn, Event{Kind: EventInbound})
}

func (p *Processor) handlePreRegister(conn *Connection, ev Event, unlock func()) {
	switch ev.Kind {
	case EventInbound:
		p.handlePreRegisterInbound(conn, unlock)
	case EventOutboundDeliver, EventOutboundStatus:
		// "not yet allowed to send" — wait until registration completes.
		unlock()
		p.requeue(conn, ev)
	case EventHeartbeat:
		// Process already filtered non-timed-out heartbeats; reaching
		// here with state still PRE_REGISTER means nothing to do.
	}
}

func (p *Processor) handlePreRegisterInbound(conn *Connection, unlock func()) {
	opcode, err := PeekOpcode(conn.Reader)
	if err != nil {
		p.fail(conn, "connection error", unlock)
		return
	}
	if opcode != OpRegister {
		MessagesTotal.WithLabelValues(opcode.String()).Inc()
		ConnectionsRejected.WithLabelValues("protocol_violation").Inc()
		p.fail(conn, fmt.Sprintf("expected REGISTER, got %s", opcode), unlock)
		return
	}
	MessagesTotal.WithLabelValues(OpRegister.String()).Inc()

	raw, err := DecodeRegister(conn.Reader)
	if err != nil {
		ConnectionsRejected.WithLabelValues("protocol_violation").Inc()
		p.fail(conn, "malformed REGISTER frame", unlock)
		return
	}
	username := SanitizeUsername(raw)
	if username == "" {
		ConnectionsRejected.WithLabelValues("invalid_username").Inc()
		p.fail(conn, "invalid username", unlock)
		return
	}
	if err := p.registry.Insert(username, conn); err != nil {
		ConnectionsRejected.WithLabelValues("duplicate_username").Inc()
		p.fail(conn, "username already taken", unlock)
		return
	}
	conn.Username = username
	p.logger.Info("client registered", "username", username, "conn_id", conn.ID)

	welcome := fmt.Sprintf("Logged in as %s.\nCurrent Clients: %s", username, p.registry.ListUsernames())
	if frame, encErr := EncodeDeliver(p.registry.ServerName(), SanitizeMessage(welcome)); encErr == nil {
		conn.addPending(1)
		p.pool.Submit(Task{Conn: conn, Event: Event{Kind: EventOutboundDeliver, Frame: frame}})
	}

	conn.SetState(StateSendStat)
	p.enqueueSelfStatus(conn, StatusOK, "")
	unlock()

	Broadcast(p.registry, p.pool, conn, p.registry.ServerName(), SanitizeMessage(username+" has joined the server."))
}

func (p *Processor) handleAvailable(conn *Connection, ev Event, unlock func()) {
	switch ev.Kind {
	case EventInbound:
		p.handleAvailableInbound(conn, unlock)
	case EventOutboundDeliver:
		conn.SetState(StateSendMsg)
		unlock()
		p.requeue(conn, ev)
	case EventOutboundStatus:
		conn.SetState(StateSendStat)
		unlock()
		p.requeue(conn, ev)
	case EventHeartbeat:
	}
}

func (p *Processor) handleAvailableInbound(conn *Connection, unlock func()) {
	opcode, err := PeekOpcode(conn.Reader)
	if err != nil {
		p.fail(conn, "connection error", unlock)
		return
	}
	switch opcode {
	case OpRegister:
		MessagesTotal.WithLabelValues(OpRegister.String()).Inc()
		p.fail(conn, "already registered", unlock)
	case OpSend:
		MessagesTotal.WithLabelValues(OpSend.String()).Inc()
		raw, err := DecodeSend(conn.Reader)
		if err != nil {
			p.fail(conn, "malformed SEND frame", unlock)
			return
		}
		message := SanitizeMessage(raw)
		sender := conn.Username
		conn.SetState(StateSendStat)
		p.enqueueSelfStatus(conn, StatusOK, "")
		unlock()
		Broadcast(p.registry, p.pool, conn, sender, message)
	default:
		MessagesTotal.WithLabelValues(opcode.String()).Inc()
		p.fail(conn, fmt.Sprintf("unexpected %s while available", opcode), unlock)
	}
}

func (p *Processor) handleSendStat(conn *Connection, ev Event, unlock func()) {
	if ev.Kind != EventOutboundStatus {
		unlock()
		p.requeue(conn, ev)
		return
	}
	if err := conn.submitWrite(ev.Frame); err != nil {
		p.fail(conn, "write failed", unlock)
		return
	}
	conn.SetState(StateAvailable)
	unlock()
	conn.Rearm()
}

func (p *Processor) handleSendMsg(conn *Connection, ev Event, unlock func()) {
	if ev.Kind != EventOutboundDeliver {
		unlock()
		p.requeue(conn, ev)
		return
	}
	if err := conn.submitWrite(ev.Frame); err != nil {
		p.fail(conn, "write failed", unlock)
		return
	}
	conn.SetState(StatePendingStatus)
	unlock()
	conn.Rearm()
}

func (p *Processor) handlePendingStatus(conn *Connection, ev Event, unlock func()) {
	switch ev.Kind {
	case EventInbound:
		opcode, err := PeekOpcode(conn.Reader)
		if err != nil {
			p.fail(conn, "connection error", unlock)
			return
		}
		if opcode != OpStatus {
			MessagesTotal.WithLabelValues(opcode.String()).Inc()
			p.fail(conn, fmt.Sprintf("expected STATUS, got %s", opcode), unlock)
			return
		}
		MessagesTotal.WithLabelValues(OpStatus.String()).Inc()
		code, _, err := DecodeStatus(conn.Reader)
		if err != nil {
			p.fail(conn, "malformed STATUS frame", unlock)
			return
		}
		if code != StatusOK {
			p.fail(conn, "peer reported error status", unlock)
			return
		}
		conn.SetState(StateAvailable)
		unlock()
		conn.Rearm()
	case EventOutboundDeliver, EventOutboundStatus:
		unlock()
		p.requeue(conn, ev)
	case EventHeartbeat:
	}
}

func (p *Processor) handleErrState(conn *Connection, ev Event, unlock func()) {
	frame, encErr := EncodeStatus(StatusError, conn.StatMsg)
	if encErr == nil {
		_ = conn.submitWrite(frame) // best-effort, per §4.6/§7
	}
	conn.Close()
	conn.SetState(StateClosing)
	unlock()
	p.requeue(conn, ev)
}

func (p *Processor) handleClosingState(conn *Connection, ev Event, unlock func()) {
	if conn.Pending() != 0 {
		unlock()
		p.requeue(conn, ev)
		return
	}

	username := conn.Username
	display := username
	if display == "" {
		display = "An unregistered user"
	}
	p.logger.Info("client disconnected", "username", username, "conn_id", conn.ID)

	reg, pool := p.registry, p.pool
	unlock()

	reg.Remove(conn)
	Broadcast(reg, pool, conn, reg.ServerName(), SanitizeMessage(display+" has left the server."))
}
