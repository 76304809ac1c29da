// Package server accepts client connections and keeps exactly one session
// authoritative: each new connection supersedes the previous session.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chronologos/deskcast/internal/capture"
	"github.com/chronologos/deskcast/internal/logging"
	"github.com/chronologos/deskcast/internal/session"
	"github.com/chronologos/deskcast/internal/transport"
)

const (
	// DefaultGrace is the pause between raising the shutdown flag and
	// closing the listener.
	DefaultGrace       = 250 * time.Millisecond
	DefaultJoinTimeout = 5 * time.Second

	acceptRetryDelay = 50 * time.Millisecond
)

var (
	// ErrJoinTimeout is returned by Shutdown when sessions outlive the
	// join timeout.
	ErrJoinTimeout = errors.New("server: sessions did not exit in time")
	// ErrNoListener and ErrNoBackend are returned by New.
	ErrNoListener = errors.New("server: nil listener")
	ErrNoBackend  = errors.New("server: nil capture backend")
)

// Config holds server configuration.
type Config struct {
	// MaxPending caps each session's queued frame bytes; 0 is unbounded.
	MaxPending int
	// JoinTimeout bounds how long Shutdown waits for sessions to exit.
	JoinTimeout time.Duration
	// PollInterval and WriteTimeout are passed to each session.
	PollInterval time.Duration
	WriteTimeout time.Duration
}

// Validate rejects negative settings.
func (c Config) Validate() error {
	switch {
	case c.MaxPending < 0:
		return fmt.Errorf("max pending %d is negative", c.MaxPending)
	case c.JoinTimeout < 0:
		return fmt.Errorf("join timeout %v is negative", c.JoinTimeout)
	case c.PollInterval < 0:
		return fmt.Errorf("poll interval %v is negative", c.PollInterval)
	case c.WriteTimeout < 0:
		return fmt.Errorf("write timeout %v is negative", c.WriteTimeout)
	}
	return nil
}

// Stats is a snapshot of the server's counters.
type Stats struct {
	Accepted   uint64
	Superseded uint64
	Generation uint64
	Active     bool
}

// Server is the connection supervisor.
type Server struct {
	cfg     Config
	ln      transport.Listener
	backend capture.Backend
	log     *slog.Logger

	goingDown    atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error

	mu           sync.Mutex
	current      *session.Session
	generation   uint64
	cancelAccept context.CancelFunc
	joining      bool // set once Shutdown starts waiting; no new sessions after

	wg         sync.WaitGroup
	accepted   atomic.Uint64
	superseded atomic.Uint64
}

// New creates a server on ln. Zero durations in cfg take their defaults.
func New(cfg Config, ln transport.Listener, backend capture.Backend, logger *slog.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ln == nil {
		return nil, ErrNoListener
	}
	if backend == nil {
		return nil, ErrNoBackend
	}
	if cfg.JoinTimeout == 0 {
		cfg.JoinTimeout = DefaultJoinTimeout
	}
	return &Server{
		cfg:     cfg,
		ln:      ln,
		backend: backend,
		log:     logging.OrDiscard(logger),
	}, nil
}

// GoingDown reports whether Shutdown has been called.
func (s *Server) GoingDown() bool {
	return s.goingDown.Load()
}

// Current returns the authoritative session, or nil.
func (s *Server) Current() *session.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Stats returns the server's counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Accepted:   s.accepted.Load(),
		Superseded: s.superseded.Load(),
		Generation: s.generation,
		Active:     s.current != nil,
	}
}

// Serve accepts connections until Shutdown is called, ctx ends, or the
// listener fails. It returns nil after a Shutdown.
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancelAccept = cancel
	s.mu.Unlock()

	s.log.Info("serving", "port", s.ln.Port())
	for !s.GoingDown() {
		conn, err := s.ln.Accept(ctx)
		if err != nil {
			switch {
			case s.GoingDown():
				return nil
			case ctx.Err() != nil:
				return ctx.Err()
			case transport.IsClosed(err):
				return fmt.Errorf("accept: %w", err)
			}
			// Failed handshakes (QUIC stream never opened) are per-client.
			s.log.Warn("accept failed", "err", err)
			select {
			case <-time.After(acceptRetryDelay):
			case <-ctx.Done():
			}
			continue
		}
		s.startSession(ctx, conn)
	}
	return nil
}

// startSession makes a session for conn the current one and tells the
// previous session to stop. The previous session exits on its own
// goroutine; Shutdown joins it.
func (s *Server) startSession(ctx context.Context, conn net.Conn) {
	sess := session.New(conn, session.Config{
		Backend:      s.backend,
		MaxPending:   s.cfg.MaxPending,
		ShuttingDown: s.GoingDown,
		PollInterval: s.cfg.PollInterval,
		WriteTimeout: s.cfg.WriteTimeout,
		Logger:       s.log,
	})
	s.accepted.Add(1)

	s.mu.Lock()
	if s.joining {
		s.mu.Unlock()
		conn.Close()
		return
	}
	prev := s.current
	s.current = sess
	s.generation++
	gen := s.generation
	s.wg.Add(1)
	s.mu.Unlock()

	if prev != nil {
		prev.Stop()
		s.superseded.Add(1)
		s.log.Info("session superseded", "old", prev.ID(), "new", sess.ID())
	}

	go func() {
		defer s.wg.Done()
		if err := sess.Run(ctx); err != nil {
			s.log.Warn("session failed", "session_id", sess.ID(), "generation", gen, "err", err)
		}
		s.mu.Lock()
		if s.current == sess {
			s.current = nil
		}
		s.mu.Unlock()
	}()
}

// Shutdown raises the shutdown flag, waits grace, stops accepting, then
// waits for every session to exit. Only the first call does anything;
// later calls return its result.
func (s *Server) Shutdown(grace time.Duration) error {
	s.shutdownOnce.Do(func() {
		s.goingDown.Store(true)
		s.log.Info("shutting down", "grace", grace)
		if grace > 0 {
			time.Sleep(grace)
		}

		s.mu.Lock()
		if s.cancelAccept != nil {
			s.cancelAccept()
		}
		s.joining = true
		s.mu.Unlock()
		if err := s.ln.Close(); err != nil {
			s.log.Debug("close listener", "err", err)
		}

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			s.log.Info("all sessions joined")
		case <-time.After(s.cfg.JoinTimeout):
			s.shutdownErr = ErrJoinTimeout
		}
	})
	return s.shutdownErr
}
