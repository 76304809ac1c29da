package capture

import (
	"fmt"
	"image"
	"log/slog"
	"time"

	"github.com/kbinani/screenshot"

	"github.com/chronologos/deskcast/internal/imaging"
	"github.com/chronologos/deskcast/internal/logging"
)

// FullScreenName names the target that covers every active display.
const FullScreenName = "full screen"

// ScreenBackend captures displays and top-level windows through the
// platform screenshot API. Windows are captured as the screen region they
// covered when targets were listed.
type ScreenBackend struct {
	Interval time.Duration
	Logger   *slog.Logger
}

// Targets lists windows first, then the union of all displays, then each
// display. A window enumeration failure is logged and leaves only displays.
func (b *ScreenBackend) Targets() ([]Target, error) {
	n := screenshot.NumActiveDisplays()
	if n <= 0 {
		return nil, ErrNoTargets
	}
	bounds := make([]image.Rectangle, n)
	for i := range bounds {
		bounds[i] = screenshot.GetDisplayBounds(i)
	}

	windows, err := listWindows()
	if err != nil {
		logging.OrDiscard(b.Logger).Debug("window enumeration failed", "err", err)
		windows = nil
	}
	return screenTargets(bounds, windows), nil
}

// screenTargets orders targets for SelectTarget: windows clipped to the
// desktop, then the full-screen union, then each display.
func screenTargets(displays []image.Rectangle, windows []Target) []Target {
	var all image.Rectangle
	for _, r := range displays {
		all = all.Union(r)
	}
	out := make([]Target, 0, len(windows)+len(displays)+1)
	for _, w := range windows {
		r := image.Rect(w.X, w.Y, w.X+w.Width, w.Y+w.Height).Intersect(all)
		if r.Empty() {
			continue
		}
		t := rectTarget(w.Name, r)
		t.Screen = false
		out = append(out, t)
	}
	out = append(out, rectTarget(FullScreenName, all))
	for i, r := range displays {
		out = append(out, rectTarget(fmt.Sprintf("display %d", i), r))
	}
	return out
}

func rectTarget(name string, r image.Rectangle) Target {
	return Target{
		Name:   name,
		X:      r.Min.X,
		Y:      r.Min.Y,
		Width:  r.Dx(),
		Height: r.Dy(),
		Screen: true,
	}
}

// Start polls the target rectangle on a background goroutine.
func (b *ScreenBackend) Start(cfg Config) (Handle, error) {
	t := cfg.Target
	if t.Width <= 0 || t.Height <= 0 {
		return nil, fmt.Errorf("capture: target %v has no area", t)
	}
	rect := image.Rect(t.X, t.Y, t.X+t.Width, t.Y+t.Height)
	frame := &imaging.Frame{Layout: imaging.LayoutRGBA}

	grab := func() (*imaging.Frame, error) {
		img, err := screenshot.CaptureRect(rect)
		if err != nil {
			return nil, fmt.Errorf("capture %v: %w", t, err)
		}
		bounds := img.Bounds()
		frame.Pix = img.Pix[img.PixOffset(bounds.Min.X, bounds.Min.Y):]
		frame.Width = bounds.Dx()
		frame.Height = bounds.Dy()
		frame.Stride = img.Stride
		return frame, nil
	}

	logger := logging.OrDiscard(b.Logger).With("backend", "screen")
	return startPoller(cfg, b.Interval, grab, logger), nil
}
