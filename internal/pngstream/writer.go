// Package pngstream writes truecolor PNG images incrementally.
//
// The encoder never entropy-codes: image data goes into DEFLATE "stored"
// blocks inside a single IDAT chunk. That keeps per-frame CPU cost linear and
// predictable, and lets the writer stream output while pixels are still being
// pushed, without ever holding the whole image.
//
// Layout of the output:
//
//	signature | IHDR | IDAT(zlib hdr, stored blocks..., adler32) | IEND
//
// Every scanline is prefixed with filter type 0 (None).
package pngstream

import (
	"encoding/binary"
	"errors"
	"io"
	"math"
)

var (
	ErrZeroSize   = errors.New("pngstream: zero width or height")
	ErrTooLarge   = errors.New("pngstream: image too large")
	ErrPixelCount = errors.New("pngstream: pixel buffer does not match dimensions")
	ErrOverflow   = errors.New("pngstream: more pixel data than the image holds")
	ErrIncomplete = errors.New("pngstream: image closed before all pixels were written")
)

const (
	// SegmentSize is the unit in which output is handed to the sink.
	SegmentSize = 64 * 1024

	// maxBlockSize is the largest payload of a stored DEFLATE block.
	maxBlockSize = 65535

	bytesPerPixel = 3
)

var signature = [8]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1A, '\n'}

// zlib header: CM=8 (deflate), CINFO=0 (256-byte window), no dictionary,
// FCHECK making the pair a multiple of 31.
var zlibHeader = [2]byte{0x08, 0x1D}

var iend = [12]byte{0, 0, 0, 0, 'I', 'E', 'N', 'D', 0xAE, 0x42, 0x60, 0x82}

// Writer is a single-pass PNG encoder. Callers push RGB888 bytes in
// row-major order with Write and finish with Close. Output is delivered to
// the sink in SegmentSize pieces as soon as each piece is complete.
//
// A Writer is not safe for concurrent use.
type Writer struct {
	sink io.Writer

	width    uint32
	height   uint32
	lineSize uint32 // width*3 + 1 (filter byte)

	posX          uint32 // next byte index within the current line
	posY          uint32 // index of the current line
	uncompRemain  uint32 // uncompressed bytes not yet written
	deflateFilled uint32 // bytes written into the current stored block

	crc   uint32 // running CRC of the current chunk
	adler uint32 // running Adler-32 of the zlib stream

	seg    []byte
	err    error
	closed bool
}

// layout holds the derived sizes of an image, validated against the 32-bit
// length fields of the container.
type layout struct {
	lineSize uint32
	uncomp   uint32
	idatSize uint32
}

func computeLayout(width, height int) (layout, error) {
	if width <= 0 || height <= 0 {
		return layout{}, ErrZeroSize
	}
	lineSize := uint64(width)*bytesPerPixel + 1
	if lineSize > math.MaxUint32 {
		return layout{}, ErrTooLarge
	}
	uncomp := lineSize * uint64(height)
	if uncomp > math.MaxUint32 {
		return layout{}, ErrTooLarge
	}
	numBlocks := (uncomp + maxBlockSize - 1) / maxBlockSize
	// 5 bytes per stored block header, 2 for the zlib header, 4 for Adler-32.
	idatSize := numBlocks*5 + 6 + uncomp
	if idatSize > math.MaxInt32 {
		return layout{}, ErrTooLarge
	}
	return layout{
		lineSize: uint32(lineSize),
		uncomp:   uint32(uncomp),
		idatSize: uint32(idatSize),
	}, nil
}

// Size returns the exact number of bytes an encoded width×height image takes.
func Size(width, height int) (int, error) {
	l, err := computeLayout(width, height)
	if err != nil {
		return 0, err
	}
	// signature + IHDR chunk + IDAT framing + IDAT data + IEND chunk
	return len(signature) + 25 + 12 + int(l.idatSize) + len(iend), nil
}

// NewWriter validates the dimensions and prepares a Writer. Nothing reaches
// the sink if validation fails.
func NewWriter(sink io.Writer, width, height int) (*Writer, error) {
	l, err := computeLayout(width, height)
	if err != nil {
		return nil, err
	}

	w := &Writer{
		sink:         sink,
		width:        uint32(width),
		height:       uint32(height),
		lineSize:     l.lineSize,
		uncompRemain: l.uncomp,
		adler:        1,
		seg:          make([]byte, 0, SegmentSize),
	}

	// signature + IHDR (43 bytes together with the IDAT preamble)
	var hdr [43]byte
	copy(hdr[0:8], signature[:])
	binary.BigEndian.PutUint32(hdr[8:12], 13)
	copy(hdr[12:16], "IHDR")
	binary.BigEndian.PutUint32(hdr[16:20], w.width)
	binary.BigEndian.PutUint32(hdr[20:24], w.height)
	hdr[24] = 8 // bit depth
	hdr[25] = 2 // color type: truecolor
	hdr[26] = 0 // compression
	hdr[27] = 0 // filter
	hdr[28] = 0 // interlace
	binary.BigEndian.PutUint32(hdr[29:33], updateCRC(0, hdr[12:29]))
	binary.BigEndian.PutUint32(hdr[33:37], l.idatSize)
	copy(hdr[37:41], "IDAT")
	copy(hdr[41:43], zlibHeader[:])
	w.emit(hdr[:])

	w.crc = updateCRC(0, hdr[37:43])
	return w, nil
}

// remaining returns how many pixel bytes the image still accepts.
func (w *Writer) remaining() uint64 {
	rows := uint64(w.height - w.posY)
	if rows == 0 {
		return 0
	}
	perLine := uint64(w.lineSize - 1)
	done := uint64(0)
	if w.posX > 0 {
		done = uint64(w.posX - 1)
	}
	return rows*perLine - done
}

// Write pushes RGB bytes. Rows need not be aligned with calls. Writing more
// bytes than the image holds fails with ErrOverflow and writes nothing.
func (w *Writer) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	if w.closed {
		return 0, ErrOverflow
	}
	if uint64(len(p)) > w.remaining() {
		return 0, ErrOverflow
	}

	written := 0
	for len(p) > 0 {
		if w.deflateFilled == 0 {
			w.startBlock()
		}

		if w.posX == 0 {
			filter := [1]byte{0}
			w.emitData(filter[:])
			w.posX++
			w.uncompRemain--
			w.deflateFilled++
		} else {
			n := maxBlockSize - w.deflateFilled
			n = min(n, w.lineSize-w.posX)
			n = min(n, uint32(len(p)))
			w.emitData(p[:n])
			p = p[n:]
			written += int(n)
			w.posX += n
			w.uncompRemain -= n
			w.deflateFilled += n
		}

		if w.deflateFilled >= maxBlockSize {
			w.deflateFilled = 0
		}

		if w.posX == w.lineSize {
			w.posX = 0
			w.posY++
			if w.posY == w.height {
				w.finish()
			}
		}

		if w.err != nil {
			return written, w.err
		}
	}
	return written, nil
}

// startBlock writes a stored-block header: BFINAL/BTYPE, LEN, NLEN.
func (w *Writer) startBlock() {
	size := min(w.uncompRemain, maxBlockSize)
	var final byte
	if w.uncompRemain <= maxBlockSize {
		final = 1
	}
	hdr := [5]byte{
		final,
		byte(size),
		byte(size >> 8),
		byte(size) ^ 0xFF,
		byte(size>>8) ^ 0xFF,
	}
	w.emit(hdr[:])
	w.crc = updateCRC(w.crc, hdr[:])
}

// emitData writes uncompressed stream bytes, which count toward both checksums.
func (w *Writer) emitData(p []byte) {
	w.emit(p)
	w.crc = updateCRC(w.crc, p)
	w.adler = updateAdler(w.adler, p)
}

// finish writes the Adler-32 trailer, the IDAT CRC and IEND.
func (w *Writer) finish() {
	var footer [8]byte
	binary.BigEndian.PutUint32(footer[0:4], w.adler)
	w.crc = updateCRC(w.crc, footer[0:4])
	binary.BigEndian.PutUint32(footer[4:8], w.crc)
	w.emit(footer[:])
	w.emit(iend[:])
}

// emit appends to the pending segment, handing full segments to the sink.
func (w *Writer) emit(p []byte) {
	for len(p) > 0 && w.err == nil {
		n := min(SegmentSize-len(w.seg), len(p))
		w.seg = append(w.seg, p[:n]...)
		p = p[n:]
		if len(w.seg) == SegmentSize {
			w.flush()
		}
	}
}

func (w *Writer) flush() {
	if len(w.seg) == 0 || w.err != nil {
		return
	}
	if _, err := w.sink.Write(w.seg); err != nil {
		w.err = err
	}
	w.seg = w.seg[:0]
}

// Close flushes buffered output. It fails with ErrIncomplete if fewer
// pixels were written than the image holds.
func (w *Writer) Close() error {
	if w.closed {
		return w.err
	}
	w.closed = true
	if w.err != nil {
		return w.err
	}
	if w.posY < w.height {
		w.err = ErrIncomplete
		return w.err
	}
	w.flush()
	return w.err
}

// Encode writes a complete PNG of a packed RGB888 buffer to sink. The buffer
// length must be exactly width*height*3; this is checked before any output.
func Encode(sink io.Writer, width, height int, rgb []byte) error {
	if width <= 0 || height <= 0 {
		return ErrZeroSize
	}
	if uint64(len(rgb)) != uint64(width)*uint64(height)*bytesPerPixel {
		return ErrPixelCount
	}
	w, err := NewWriter(sink, width, height)
	if err != nil {
		return err
	}
	if _, err := w.Write(rgb); err != nil {
		return err
	}
	return w.Close()
}
