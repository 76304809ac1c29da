// Package capture delivers raw screen frames from a platform backend and
// turns them into encoded frame messages.
//
// A Backend enumerates capturable targets and, once started on one, calls
// OnFrame from its own goroutine for every grabbed image. Pump ties a
// backend to an encoder and an emit function for the lifetime of one
// streaming session.
package capture

import (
	"errors"
	"fmt"

	"github.com/chronologos/deskcast/internal/imaging"
)

// ErrNoTargets is returned when a backend has nothing to capture.
var ErrNoTargets = errors.New("capture: no capture targets")

// Target is one capturable surface: a display, the union of all displays,
// or a window.
type Target struct {
	Name   string
	X, Y   int
	Width  int
	Height int
	// Screen marks full-screen targets, which are the fallback when no
	// name matches the selector.
	Screen bool
}

func (t Target) String() string {
	return fmt.Sprintf("%q %dx%d+%d+%d", t.Name, t.Width, t.Height, t.X, t.Y)
}

// Config wires a started backend to its consumer. Both callbacks run on the
// backend's goroutine and must not block for long.
type Config struct {
	Target Target
	// OnChanged fires when the backend detects that the target changed
	// size or content layout. It never carries pixels.
	OnChanged func()
	// OnFrame receives each grabbed frame. The frame's pixel buffer is only
	// valid until OnFrame returns.
	OnFrame func(*imaging.Frame)
}

// Handle controls a running capture.
type Handle interface {
	// Stop ends delivery and releases backend resources. When Stop returns
	// no further callbacks will run. Safe to call more than once.
	Stop()
}

// Backend is a source of screen frames.
type Backend interface {
	Targets() ([]Target, error)
	Start(cfg Config) (Handle, error)
}
