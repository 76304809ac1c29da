// Package imaging turns raw captured pixel buffers into compressed frame
// images: channel reorder to packed RGB, optional box downscale to the
// client's requested size, then PNG compression via pngstream.
package imaging

import (
	"errors"
	"fmt"
)

// ErrInvalidFrame is returned for frames whose geometry doesn't match their
// pixel buffer.
var ErrInvalidFrame = errors.New("imaging: invalid frame")

// Layout is the byte order of a 4-byte source pixel.
type Layout int

const (
	LayoutBGRA Layout = iota // blue, green, red, alpha (platform capture default)
	LayoutRGBA               // red, green, blue, alpha (image.RGBA)
)

func (l Layout) String() string {
	switch l {
	case LayoutBGRA:
		return "BGRA"
	case LayoutRGBA:
		return "RGBA"
	default:
		return fmt.Sprintf("Layout(%d)", int(l))
	}
}

// offsets returns the byte offsets of red, green and blue within a pixel.
func (l Layout) offsets() (r, g, b int) {
	if l == LayoutRGBA {
		return 0, 1, 2
	}
	return 2, 1, 0
}

// Frame is a raw 32-bit captured image. Stride is the distance in bytes
// between row starts; 0 means rows are packed (Width*4).
//
// Pix belongs to the capture backend and is only valid for the duration of
// the callback that delivered it.
type Frame struct {
	Pix    []byte
	Width  int
	Height int
	Stride int
	Layout Layout
}

func (f *Frame) stride() int {
	if f.Stride == 0 {
		return f.Width * 4
	}
	return f.Stride
}

// Validate checks that the buffer holds Width×Height pixels at Stride.
func (f *Frame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidFrame, f.Width, f.Height)
	}
	stride := f.stride()
	if stride < f.Width*4 {
		return fmt.Errorf("%w: stride %d shorter than row (%d bytes)", ErrInvalidFrame, stride, f.Width*4)
	}
	need := (f.Height-1)*stride + f.Width*4
	if len(f.Pix) < need {
		return fmt.Errorf("%w: %d bytes, need %d", ErrInvalidFrame, len(f.Pix), need)
	}
	return nil
}

// Contiguous reports whether rows are packed without padding.
func (f *Frame) Contiguous() bool {
	return f.stride() == f.Width*4
}

// Image is an encoded frame ready to go on the wire.
type Image struct {
	Width   int
	Height  int
	Payload []byte
}
