package capture

import (
	"log/slog"
	"sync"
	"time"

	"github.com/chronologos/deskcast/internal/imaging"
	"github.com/chronologos/deskcast/internal/logging"
)

// DefaultInterval is the grab period used when a backend leaves it unset.
const DefaultInterval = 100 * time.Millisecond

// grabFunc grabs one frame. The returned frame may reuse memory between
// calls.
type grabFunc func() (*imaging.Frame, error)

// poller drives a grabFunc on a ticker and delivers frames to a Config.
// It is the Handle returned by the polling backends.
type poller struct {
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func startPoller(cfg Config, interval time.Duration, grab grabFunc, logger *slog.Logger) *poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	p := &poller{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go p.run(cfg, interval, grab, logging.OrDiscard(logger))
	return p
}

func (p *poller) run(cfg Config, interval time.Duration, grab grabFunc, logger *slog.Logger) {
	defer close(p.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastW, lastH int
	failures := 0
	for {
		select {
		case <-p.stop:
			return
		default:
		}

		f, err := grab()
		if err != nil {
			// Only log the first failure of a run so a locked screen doesn't
			// flood the log.
			if failures == 0 {
				logger.Warn("grab failed", "target", cfg.Target.Name, "err", err)
			}
			failures++
		} else {
			if failures > 0 {
				logger.Info("grab recovered", "target", cfg.Target.Name, "failures", failures)
				failures = 0
			}
			if f.Width != lastW || f.Height != lastH {
				lastW, lastH = f.Width, f.Height
				if cfg.OnChanged != nil {
					cfg.OnChanged()
				}
			}
			if cfg.OnFrame != nil {
				cfg.OnFrame(f)
			}
		}

		select {
		case <-p.stop:
			return
		case <-ticker.C:
		}
	}
}

// Stop ends the polling goroutine and waits for it. It must not be called
// from inside a callback.
func (p *poller) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
		<-p.done
	})
}
