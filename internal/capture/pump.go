package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chronologos/deskcast/internal/imaging"
	"github.com/chronologos/deskcast/internal/logging"
	"github.com/chronologos/deskcast/internal/protocol"
)

// ErrSkip is wrapped by Emit errors that mean "this frame was not queued,
// keep going". The pump counts such frames as dropped instead of failing.
var ErrSkip = errors.New("capture: frame skipped")

// PumpConfig configures a Pump.
type PumpConfig struct {
	// Width and Height are the client's requested frame size. Zero leaves
	// that axis at native resolution.
	Width, Height int
	// Emit queues one encoded frame. It runs on the backend goroutine.
	Emit func(*protocol.Frame) error
	// Abort is polled before each frame; when it reports true frames are
	// ignored.
	Abort  func() bool
	Logger *slog.Logger
}

// Pump connects a running backend to an encoder and an emit function. Frame
// callbacks are the only producer of emitted frames.
type Pump struct {
	cfg    PumpConfig
	log    *slog.Logger
	target Target
	handle Handle
	enc    imaging.Encoder
	start  time.Time

	stopped  atomic.Bool
	stopOnce sync.Once

	errMu sync.Mutex
	err   error

	emitted    atomic.Uint64
	dropped    atomic.Uint64
	changes    atomic.Uint64
	lastChange atomic.Int64 // ns since start
}

// PumpStats is a snapshot of a Pump's counters.
type PumpStats struct {
	Target     Target
	Emitted    uint64
	Dropped    uint64
	Changes    uint64
	LastChange time.Duration
}

// StartPump resolves selector against b's targets and starts capturing.
func StartPump(b Backend, selector string, cfg PumpConfig) (*Pump, error) {
	if cfg.Emit == nil {
		return nil, errors.New("capture: PumpConfig.Emit is required")
	}
	targets, err := b.Targets()
	if err != nil {
		return nil, fmt.Errorf("enumerate targets: %w", err)
	}
	target, err := SelectTarget(targets, selector)
	if err != nil {
		return nil, err
	}

	p := &Pump{
		cfg:    cfg,
		log:    logging.OrDiscard(cfg.Logger).With("target", target.Name),
		target: target,
		start:  time.Now(),
	}
	h, err := b.Start(Config{
		Target:    target,
		OnChanged: p.onChanged,
		OnFrame:   p.onFrame,
	})
	if err != nil {
		return nil, fmt.Errorf("start capture of %v: %w", target, err)
	}
	p.handle = h
	p.log.Debug("capture started", "selector", selector, "width", target.Width, "height", target.Height)
	return p, nil
}

func (p *Pump) onChanged() {
	p.changes.Add(1)
	p.lastChange.Store(int64(time.Since(p.start)))
}

func (p *Pump) onFrame(f *imaging.Frame) {
	if p.stopped.Load() || p.Err() != nil {
		return
	}
	if p.cfg.Abort != nil && p.cfg.Abort() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.fail(fmt.Errorf("capture: frame callback panic: %v", r))
		}
	}()

	ts := time.Since(p.start)
	img, err := p.enc.Encode(f, p.cfg.Width, p.cfg.Height)
	if err != nil {
		p.fail(err)
		return
	}

	err = p.cfg.Emit(&protocol.Frame{
		TimestampNs: uint64(ts),
		Flags:       protocol.FlagCompressed,
		Width:       uint32(img.Width),
		Height:      uint32(img.Height),
		Payload:     img.Payload,
	})
	switch {
	case err == nil:
		p.emitted.Add(1)
	case errors.Is(err, ErrSkip):
		p.dropped.Add(1)
	default:
		p.fail(err)
	}
}

func (p *Pump) fail(err error) {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	if p.err == nil {
		p.err = err
		p.log.Warn("capture failed", "err", err)
	}
}

// Err returns the first error latched by a frame callback, or nil.
func (p *Pump) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.err
}

// Target returns the resolved capture target.
func (p *Pump) Target() Target {
	return p.target
}

// Stop releases the backend. It returns after the last callback has run and
// is safe to call more than once.
func (p *Pump) Stop() {
	p.stopOnce.Do(func() {
		p.stopped.Store(true)
		p.handle.Stop()
		p.log.Debug("capture stopped", "emitted", p.emitted.Load(), "dropped", p.dropped.Load())
	})
}

// Stats returns the pump's counters.
func (p *Pump) Stats() PumpStats {
	return PumpStats{
		Target:     p.target,
		Emitted:    p.emitted.Load(),
		Dropped:    p.dropped.Load(),
		Changes:    p.changes.Load(),
		LastChange: time.Duration(p.lastChange.Load()),
	}
}
