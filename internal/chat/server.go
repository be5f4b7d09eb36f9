package chat

import (
	"fmt"
	"log/slog"
	"net"
	"time"
)

// Server wires the registry (C3), worker pool (C5), processor (C6), and
// dispatcher (C4) together into a running chat server, standing in for the
// teacher's Server/acceptLoop pairing but built over the new component set.
type Server struct {
	addr          string
	workers       int
	connTimeout   time.Duration
	auditInterval time.Duration
	logger        *slog.Logger

	registry   *Registry
	pool       *WorkerPool
	processor  *Processor
	dispatcher *Dispatcher
}

// Config holds the knobs §6 exposes on the command line.
type Config struct {
	Addr          string
	Workers       int
	ConnTimeout   time.Duration
	AuditInterval time.Duration
}

// NewServer constructs a server from cfg. The registry, pool, and processor
// are created eagerly; the listener itself is not bound until Start.
func NewServer(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.ConnTimeout <= 0 {
		cfg.ConnTimeout = 60 * time.Second
	}
	if cfg.AuditInterval <= 0 {
		cfg.AuditInterval = 10 * time.Second
	}

	registry := NewRegistry()
	pool := NewWorkerPool(cfg.Workers)
	processor := NewProcessor(registry, pool, cfg.ConnTimeout, logger)
	pool.SetHandler(processor.Process)

	return &Server{
		addr:          cfg.Addr,
		workers:       cfg.Workers,
		connTimeout:   cfg.ConnTimeout,
		auditInterval: cfg.AuditInterval,
		logger:        logger,
		registry:      registry,
		pool:          pool,
		processor:     processor,
	}
}

// Start binds the listener, starts the worker pool, and launches the
// dispatcher's readiness loop in its own goroutine.
func (s *Server) Start() error {
	dispatcher, err := NewDispatcher(s.addr, s.registry, s.pool, s.auditInterval, s.connTimeout, s.logger)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.addr, err)
	}
	s.dispatcher = dispatcher

	s.pool.Start()
	go s.dispatcher.Run()

	s.logger.Info("server started", "addr", s.dispatcher.Addr().String(), "workers", s.workers)
	return nil
}

// Stop closes the listener, stops accepting new readiness events, forces
// every still-registered client through the ERR->CLOSING teardown path
// (closing its socket and broadcasting its "has left" notice, exactly as a
// timeout would), and only then drains the worker pool: every
// already-scheduled task, including the self-requeued ERR->CLOSING chains
// just submitted, runs to completion before the pool's goroutines exit
// (§7, "On SIGINT every still-registered client is dropped ... then the
// process exits").
func (s *Server) Stop() {
	s.logger.Info("shutting down", "clients", s.registry.Count())

	if s.dispatcher != nil {
		s.dispatcher.Stop()
	}

	s.registry.Each(func(c *Connection) {
		c.addPending(1)
		s.pool.Submit(Task{Conn: c, Event: Event{Kind: EventShutdown}})
	})

	s.pool.Shutdown(true)

	s.logger.Info("shutdown complete")
}

// Registry exposes the live connection set.
func (s *Server) Registry() *Registry { return s.registry }

// Addr returns the bound listen address. Valid only after Start succeeds;
// chiefly useful for tests that bind to port 0 and need the chosen port.
func (s *Server) Addr() net.Addr { return s.dispatcher.Addr() }
