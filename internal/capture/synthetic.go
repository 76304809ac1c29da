package capture

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/chronologos/deskcast/internal/imaging"
	"github.com/chronologos/deskcast/internal/logging"
)

// SyntheticName names the synthetic backend's full-screen target.
const SyntheticName = "synthetic screen"

// SyntheticBackend renders a moving BGRA test pattern instead of grabbing a
// real display. It is used on headless hosts and in tests.
type SyntheticBackend struct {
	Width    int
	Height   int
	Interval time.Duration
	Logger   *slog.Logger
}

// Targets returns the whole pattern plus a quarter-size "window" in its top
// left corner.
func (b *SyntheticBackend) Targets() ([]Target, error) {
	if b.Width <= 0 || b.Height <= 0 {
		return nil, fmt.Errorf("%w: synthetic size %dx%d", ErrNoTargets, b.Width, b.Height)
	}
	return []Target{
		{Name: SyntheticName, Width: b.Width, Height: b.Height, Screen: true},
		{Name: "Synthetic Window", Width: max(1, b.Width/2), Height: max(1, b.Height/2)},
	}, nil
}

// Start renders target-sized frames on a background goroutine.
func (b *SyntheticBackend) Start(cfg Config) (Handle, error) {
	w, h := cfg.Target.Width, cfg.Target.Height
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("capture: target %v has no area", cfg.Target)
	}
	frame := &imaging.Frame{
		Pix:    make([]byte, w*h*4),
		Width:  w,
		Height: h,
		Layout: imaging.LayoutBGRA,
	}
	tick := 0
	grab := func() (*imaging.Frame, error) {
		drawPattern(frame, tick)
		tick++
		return frame, nil
	}
	logger := logging.OrDiscard(b.Logger).With("backend", "synthetic")
	return startPoller(cfg, b.Interval, grab, logger), nil
}

// drawPattern paints a gradient with a 50px grid and a dot that moves one
// step per tick.
func drawPattern(f *imaging.Frame, tick int) {
	w, h, pix := f.Width, f.Height, f.Pix
	stride := w * 4

	for y := 0; y < h; y++ {
		g := byte(50 + y*100/h)
		off := y * stride
		for x := 0; x < w; x++ {
			i := off + x*4
			pix[i+0] = 100                // B
			pix[i+1] = g                  // G
			pix[i+2] = byte(50 + x*100/w) // R
			pix[i+3] = 255                // A
			if x%50 == 0 || y%50 == 0 {
				pix[i], pix[i+1], pix[i+2] = 255, 255, 255
			}
		}
	}

	const radius = 5
	cx := (tick * 8) % w
	cy := h / 2
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			if dx*dx+dy*dy > radius*radius {
				continue
			}
			px, py := cx+dx, cy+dy
			if px < 0 || px >= w || py < 0 || py >= h {
				continue
			}
			i := py*stride + px*4
			pix[i], pix[i+1], pix[i+2] = 0, 0, 255
		}
	}
}
