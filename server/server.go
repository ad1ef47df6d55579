// Package server wires the listener and echo sessions together. Server runs
// both roles as goroutines of one process connected by an in-memory relay;
// Supervisor runs each role as its own OS process and moves descriptors
// between them.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/echorelay/echo"
	"github.com/cyberinferno/echorelay/listener"
	"github.com/cyberinferno/echorelay/logger"
	"github.com/cyberinferno/echorelay/registry"
	"github.com/cyberinferno/echorelay/relay"
	"golang.org/x/sync/errgroup"
)

// Config holds server settings.
type Config struct {
	// Name appears in log entries.
	Name string
	// Addr is the TCP address to bind, e.g. "127.0.0.1:7000".
	Addr string
	// BufferSize is each session's receive buffer capacity.
	BufferSize int
	// RelayCapacity is how many accepted connections may wait in the relay
	// before the listener blocks.
	RelayCapacity int
	// HistoryRetention is how long finished-session summaries are kept.
	HistoryRetention time.Duration
}

// DefaultConfig returns a Config with default values.
//
// Returns:
//   - A Config binding 127.0.0.1:7000 with a 1024-byte buffer, an unbuffered
//     relay and ten minutes of session history.
func DefaultConfig() Config {
	return Config{
		Name:             "echorelay",
		Addr:             "127.0.0.1:7000",
		BufferSize:       echo.DefaultBufferSize,
		RelayCapacity:    0,
		HistoryRetention: 10 * time.Minute,
	}
}

// Server accepts TCP connections and echoes each one in its own goroutine.
type Server struct {
	cfg      Config
	log      logger.Logger
	registry *registry.Registry

	running    atomic.Bool
	ln         net.Listener
	listener   *listener.Listener
	dispatcher *Dispatcher
	cancel     context.CancelFunc
	done       chan struct{}
	err        error
}

// New creates a Server. It does not bind until Start.
func New(cfg Config, log logger.Logger) *Server {
	return &Server{
		cfg:      cfg,
		log:      log.With(logger.Field{Key: "server", Value: cfg.Name}),
		registry: registry.New(cfg.HistoryRetention),
	}
}

// Start binds Addr and starts the listener and dispatcher. The server runs
// until Stop is called, ctx is cancelled, or the listener fails.
//
// Returns:
//   - An error if the server is already running or if binding fails
func (s *Server) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("server %s already running", s.cfg.Name)
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.running.Store(false)
		s.log.Error("server failed to start", logger.Field{Key: "error", Value: err.Error()})
		return fmt.Errorf("server %s failed to start: %w", s.cfg.Name, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	ch := relay.NewChan(s.cfg.RelayCapacity)

	s.ln = ln
	s.cancel = cancel
	s.done = make(chan struct{})
	s.listener = listener.New(ln, ch, s.log.With(logger.Field{Key: "role", Value: "listener"}))
	s.dispatcher = NewDispatcher(ch, s.registry, s.log.With(logger.Field{Key: "role", Value: "handler"}),
		echo.WithBufferSize(s.cfg.BufferSize))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer ch.Close()
		return s.listener.Run(gctx)
	})
	g.Go(func() error {
		return s.dispatcher.Run(gctx)
	})

	go func() {
		err := g.Wait()
		if dropped := ch.Drain(); dropped > 0 {
			s.log.Warn("dropped undelivered connections", logger.Field{Key: "count", Value: dropped})
		}

		_ = ln.Close()
		if errors.Is(err, context.Canceled) {
			err = nil
		}

		s.err = err
		s.running.Store(false)
		close(s.done)
	}()

	s.log.Info(fmt.Sprintf("%s server started", s.cfg.Name), logger.Field{Key: "addr", Value: ln.Addr().String()})
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}

	return s.ln.Addr()
}

// Registry returns the session registry.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// Accepted returns how many connections the listener has relayed.
func (s *Server) Accepted() uint64 {
	if s.listener == nil {
		return 0
	}

	return s.listener.Accepted()
}

// Wait blocks until the server has stopped and returns the error that stopped
// it, or nil for a requested stop.
func (s *Server) Wait() error {
	if s.done == nil {
		return nil
	}

	<-s.done
	return s.err
}

// Stop cancels the listener and every session and waits for them to finish.
// Safe to call when the server is not running.
func (s *Server) Stop() error {
	if s.cancel == nil {
		s.log.Info(fmt.Sprintf("%s server not running", s.cfg.Name))
		return nil
	}

	s.cancel()
	err := s.Wait()
	s.log.Info(fmt.Sprintf("%s server stopped", s.cfg.Name))
	return err
}
