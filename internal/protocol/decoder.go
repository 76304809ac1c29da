package protocol

import "errors"

// Decoder accumulates inbound bytes from a connection and yields complete
// messages. It is not safe for concurrent use.
//
// A malformed message is dropped on its own and decoding resumes after it.
// A well-framed message with a bad payload is skipped by its declared
// length. An unknown tag or an oversized length means the header cannot be
// trusted, so bytes are dropped up to the next byte that is a known tag. A
// truncated message is kept until more bytes arrive.
type Decoder struct {
	buf   []byte
	limit int
}

// NewDecoder returns a Decoder that rejects payloads larger than limit.
// A limit <= 0 selects MaxRequestSize.
func NewDecoder(limit int) *Decoder {
	if limit <= 0 {
		limit = MaxRequestSize
	}
	return &Decoder{limit: limit}
}

// Feed appends bytes read from the connection.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Next returns the next complete message. It returns ErrIncomplete when more
// bytes are needed; any other error means the malformed message was dropped
// and the bytes after it are still buffered.
func (d *Decoder) Next() (Message, error) {
	msg, n, err := decodeLimit(d.buf, d.limit)
	switch {
	case err == nil:
		d.consume(n)
		return msg, nil
	case errors.Is(err, ErrIncomplete):
		return nil, err
	case n > 0:
		d.consume(n)
	default:
		d.consume(resync(d.buf))
	}
	return nil, err
}

// consume drops the first n bytes, compacting so the backing array doesn't
// grow without bound.
func (d *Decoder) consume(n int) {
	rest := copy(d.buf, d.buf[n:])
	d.buf = d.buf[:rest]
}

// resync returns how many bytes to drop so buf starts at the next byte that
// could begin a message. The first byte is always dropped.
func resync(buf []byte) int {
	for i := 1; i < len(buf); i++ {
		if knownType(MessageType(buf[i])) {
			return i
		}
	}
	return len(buf)
}

// Buffered returns the number of bytes waiting to be decoded.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}
