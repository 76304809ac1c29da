// Package session runs the server side of one client connection: it waits
// for a ConnectRequest, starts capture, and streams encoded frames back
// until the connection drops or the session is told to stop.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/chronologos/deskcast/internal/capture"
	"github.com/chronologos/deskcast/internal/logging"
	"github.com/chronologos/deskcast/internal/outbox"
	"github.com/chronologos/deskcast/internal/protocol"
)

const (
	readBufSize = 4 * 1024 // inbound traffic is a few small requests

	// DefaultPollInterval bounds how long a read may block before the loop
	// rechecks its stop flags and flushes pending output.
	DefaultPollInterval = 10 * time.Millisecond
	// DefaultWriteTimeout bounds one socket write. Bytes not written in time
	// stay queued for the next iteration.
	DefaultWriteTimeout = 50 * time.Millisecond
)

// ErrNoBackend is returned when a ConnectRequest arrives but the session was
// built without a capture backend.
var ErrNoBackend = errors.New("session: no capture backend")

// State is a session's position in its lifecycle.
type State int32

const (
	StateAwaitingConnect State = iota
	StateStreaming
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateAwaitingConnect:
		return "awaiting-connect"
	case StateStreaming:
		return "streaming"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Config holds session configuration.
type Config struct {
	Backend capture.Backend
	// MaxPending caps queued frame bytes; frames beyond it are dropped.
	// Zero means unbounded.
	MaxPending int
	// ShuttingDown reports the process-wide shutdown flag. May be nil.
	ShuttingDown func() bool
	PollInterval time.Duration
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// Capability is what the client asked for in its latest ConnectRequest.
type Capability struct {
	ClientVersion uint32
	Selector      string
	Width         uint32
	Height        uint32
}

// Stats is a snapshot of a session's counters.
type Stats struct {
	BytesOut      uint64
	FramesQueued  uint64
	FramesDropped uint64
	DecodeErrors  uint64
}

// Session is one accepted client connection. Run drives it on the caller's
// goroutine; every other method is safe to call concurrently.
type Session struct {
	id   string
	cfg  Config
	conn net.Conn
	log  *slog.Logger

	out  outbox.Outbox
	dec  *protocol.Decoder
	tail []byte // drained from out but not yet written
	pump *capture.Pump
	capa Capability

	state atomic.Int32
	stop  atomic.Bool
	done  chan struct{}

	bytesOut     atomic.Uint64
	framesQueued atomic.Uint64
	decodeErrors atomic.Uint64
}

// New creates a session on conn but does not start it. Call Run to begin.
func New(conn net.Conn, cfg Config) *Session {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	id := uuid.NewString()
	s := &Session{
		id:   id,
		cfg:  cfg,
		conn: conn,
		log: logging.OrDiscard(cfg.Logger).With(
			"session_id", id,
			"remote", conn.RemoteAddr().String(),
		),
		dec:  protocol.NewDecoder(protocol.MaxRequestSize),
		done: make(chan struct{}),
	}
	s.out.MaxPending = cfg.MaxPending
	return s
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed once Run has released every resource.
func (s *Session) Done() <-chan struct{} { return s.done }

// Stop asks the session to terminate. Run notices within one poll interval.
func (s *Session) Stop() { s.stop.Store(true) }

// Stats returns the session's counters.
func (s *Session) Stats() Stats {
	return Stats{
		BytesOut:      s.bytesOut.Load(),
		FramesQueued:  s.framesQueued.Load(),
		FramesDropped: s.out.Dropped(),
		DecodeErrors:  s.decodeErrors.Load(),
	}
}

// aborted is the cooperative cancellation predicate shared with the
// capture goroutine.
func (s *Session) aborted() bool {
	return s.stop.Load() || (s.cfg.ShuttingDown != nil && s.cfg.ShuttingDown())
}

// Run is the session's main loop. It returns nil when the client disconnects
// or the session is stopped, and an error when the connection fails or
// capture breaks. The pump is stopped before the connection is closed.
func (s *Session) Run(ctx context.Context) (err error) {
	defer s.teardown()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("session panic: %v", r)
			s.log.Error("session panicked", "panic", r)
		}
	}()

	s.log.Info("session started")
	buf := make([]byte, readBufSize)
	for {
		if reason, stop := s.checkStop(ctx); stop {
			s.log.Info("session ending", "reason", reason)
			return nil
		}
		if s.pump != nil {
			if perr := s.pump.Err(); perr != nil {
				return fmt.Errorf("capture: %w", perr)
			}
		}

		if err := s.readOnce(buf); err != nil {
			if errors.Is(err, io.EOF) {
				s.log.Info("client disconnected")
				return nil
			}
			return err
		}

		if err := s.flush(); err != nil {
			return err
		}
	}
}

func (s *Session) checkStop(ctx context.Context) (string, bool) {
	switch {
	case s.stop.Load():
		return "stopped", true
	case s.cfg.ShuttingDown != nil && s.cfg.ShuttingDown():
		return "server shutting down", true
	case ctx.Err() != nil:
		return ctx.Err().Error(), true
	}
	return "", false
}

// readOnce waits at most one poll interval for inbound bytes and dispatches
// every complete message they finish.
func (s *Session) readOnce(buf []byte) error {
	s.conn.SetReadDeadline(time.Now().Add(s.cfg.PollInterval))
	n, err := s.conn.Read(buf)
	if n > 0 {
		s.dec.Feed(buf[:n])
		if derr := s.dispatchPending(); derr != nil {
			return derr
		}
	}
	if err != nil && !isTimeout(err) {
		if errors.Is(err, io.EOF) {
			return err
		}
		return fmt.Errorf("read: %w", err)
	}
	return nil
}

func (s *Session) dispatchPending() error {
	for {
		msg, err := s.dec.Next()
		if errors.Is(err, protocol.ErrIncomplete) {
			return nil
		}
		if err != nil {
			// The decoder has dropped the bad bytes; keep going with the rest.
			s.decodeErrors.Add(1)
			s.log.Debug("discarding malformed input", "err", err, "buffered", s.dec.Buffered())
			continue
		}
		if err := s.dispatch(msg); err != nil {
			return err
		}
	}
}

func (s *Session) dispatch(msg protocol.Message) error {
	switch m := msg.(type) {
	case *protocol.ConnectRequest:
		return s.handleConnect(m)
	default:
		s.log.Debug("ignoring message", "type", msg.Type())
		return nil
	}
}

// handleConnect replies with Connected and (re)starts capture. A repeated
// ConnectRequest restarts capture with the new capability.
func (s *Session) handleConnect(req *protocol.ConnectRequest) error {
	s.log.Info("connect request",
		"client_version", req.ClientVersion,
		"selector", req.Selector,
		"width", req.Width,
		"height", req.Height,
	)
	if req.ClientVersion != protocol.ClientVersion {
		s.log.Warn("unexpected client version", "got", req.ClientVersion, "want", protocol.ClientVersion)
	}

	// Without a backend there is nothing to stream; refuse before replying.
	if s.cfg.Backend == nil {
		return ErrNoBackend
	}

	// Stop the old pump first so none of its frames land after the reply.
	if s.pump != nil {
		s.pump.Stop()
		s.pump = nil
	}

	reply := &protocol.Connected{ServerVersion: protocol.ServerVersion}
	err := s.out.Append(s.aborted, func(dst []byte) ([]byte, error) {
		return protocol.AppendMessage(dst, reply)
	})
	if errors.Is(err, outbox.ErrAborted) {
		return nil // the loop sees the stop flag next
	}
	if err != nil {
		return fmt.Errorf("queue connected reply: %w", err)
	}

	s.capa = Capability{
		ClientVersion: req.ClientVersion,
		Selector:      req.Selector,
		Width:         req.Width,
		Height:        req.Height,
	}

	pump, err := capture.StartPump(s.cfg.Backend, req.Selector, capture.PumpConfig{
		Width:  int(req.Width),
		Height: int(req.Height),
		Emit:   s.emitFrame,
		Abort:  s.aborted,
		Logger: s.log,
	})
	if err != nil {
		return fmt.Errorf("start capture: %w", err)
	}
	s.pump = pump
	s.state.Store(int32(StateStreaming))
	s.log.Info("streaming", "target", pump.Target().String())
	return nil
}

// emitFrame runs on the capture goroutine.
func (s *Session) emitFrame(f *protocol.Frame) error {
	err := s.out.Offer(s.aborted, func(dst []byte) ([]byte, error) {
		return protocol.AppendMessage(dst, f)
	})
	if errors.Is(err, outbox.ErrFull) || errors.Is(err, outbox.ErrAborted) {
		return fmt.Errorf("%w: %w", capture.ErrSkip, err)
	}
	if err == nil {
		s.framesQueued.Add(1)
	}
	return err
}

// flush writes queued output. The outbox is only drained once the previous
// batch is fully written, so MaxPending measures the real backlog.
func (s *Session) flush() error {
	if len(s.tail) == 0 {
		if !s.out.Dirty() {
			return nil
		}
		var ok bool
		s.tail, ok = s.out.Drain(s.aborted, s.tail[:0])
		if !ok || len(s.tail) == 0 {
			return nil
		}
	}

	s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	n, err := s.conn.Write(s.tail)
	s.bytesOut.Add(uint64(n))
	s.tail = s.tail[:copy(s.tail, s.tail[n:])]
	if err != nil && !isTimeout(err) {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// teardown releases capture before the connection.
func (s *Session) teardown() {
	s.stop.Store(true)
	if s.pump != nil {
		s.pump.Stop()
		st := s.pump.Stats()
		s.log.Debug("capture released", "emitted", st.Emitted, "dropped", st.Dropped)
	}
	s.conn.Close()
	s.state.Store(int32(StateTerminated))
	s.log.Info("session terminated",
		"bytes_out", s.bytesOut.Load(),
		"selector", s.capa.Selector,
		"width", s.capa.Width,
		"height", s.capa.Height,
	)
	close(s.done)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
