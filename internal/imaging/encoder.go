package imaging

import (
	"bytes"
	"fmt"

	"github.com/chronologos/deskcast/internal/pngstream"
)

// Encoder converts raw frames into PNG images. It keeps its intermediate RGB
// buffers between calls, so one Encoder should serve one capture stream.
// It is not safe for concurrent use.
type Encoder struct {
	rgb   []byte
	small []byte
}

// Encode reorders, optionally downscales, and compresses f. reqW and reqH are
// the client's requested size; zero leaves that axis at full resolution.
// The returned payload is freshly allocated and never aliases f.Pix.
func (e *Encoder) Encode(f *Frame, reqW, reqH int) (Image, error) {
	if err := f.Validate(); err != nil {
		return Image{}, err
	}

	e.rgb = ToRGB(e.rgb, f)
	pix, w, h := e.rgb, f.Width, f.Height

	if sw, sh := ShrinkFactors(w, h, reqW, reqH); sw > 1 || sh > 1 {
		e.small, w, h = Downscale(e.small, e.rgb, w, h, sw, sh)
		pix = e.small
	}

	size, err := pngstream.Size(w, h)
	if err != nil {
		return Image{}, fmt.Errorf("encode %dx%d: %w", w, h, err)
	}
	out := bytes.NewBuffer(make([]byte, 0, size))
	if err := pngstream.Encode(out, w, h, pix); err != nil {
		return Image{}, fmt.Errorf("encode %dx%d: %w", w, h, err)
	}
	return Image{Width: w, Height: h, Payload: out.Bytes()}, nil
}

// Encode is a convenience wrapper around a throwaway Encoder.
func Encode(f *Frame, reqW, reqH int) (Image, error) {
	var e Encoder
	return e.Encode(f, reqW, reqH)
}
