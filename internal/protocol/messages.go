package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"slices"
)

// ErrDecode is wrapped by every decoding failure so callers can tell a bad
// message apart from a transport error with errors.Is.
var ErrDecode = errors.New("decode")

var (
	ErrIncomplete      = fmt.Errorf("%w: incomplete message", ErrDecode)
	ErrPayloadTooLarge = fmt.Errorf("%w: payload exceeds maximum size", ErrDecode)
	ErrUnknownMessage  = fmt.Errorf("%w: unknown message type", ErrDecode)
	ErrShortPayload    = fmt.Errorf("%w: payload too short for message type", ErrDecode)
)

// ErrSelectorTooLong is returned when encoding a ConnectRequest whose
// selector would not fit in a request frame.
var ErrSelectorTooLong = errors.New("selector exceeds maximum length")

// MaxSelectorLen bounds ConnectRequest.Selector.
const MaxSelectorLen = 4096

// Message is implemented by every wire message. The set is closed:
// ConnectRequest, Connected and Frame.
type Message interface {
	Type() MessageType
}

// --- Message types ---

// ConnectRequest opens a stream. Selector is matched case-insensitively
// against capture target names; empty selects the full screen.
type ConnectRequest struct {
	ClientVersion uint32
	Selector      string
	Width         uint32
	Height        uint32
}

// Connected is the server's reply to ConnectRequest.
type Connected struct {
	ServerVersion uint32
}

// Frame carries one self-contained compressed image.
type Frame struct {
	TimestampNs uint64
	Flags       FrameFlags
	Width       uint32
	Height      uint32
	Payload     []byte
}

func (*ConnectRequest) Type() MessageType { return MsgConnect }
func (*Connected) Type() MessageType      { return MsgConnected }
func (*Frame) Type() MessageType          { return MsgFrame }

// --- Encoding ---

// WriteMessage writes a framed message (header + payload) to w.
//
// Frame messages write the header and image payload separately to avoid
// copying the (potentially large) payload into an intermediate buffer.
func WriteMessage(w io.Writer, msg Message) error {
	if f, ok := msg.(*Frame); ok {
		return writeFrameMessage(w, f)
	}
	buf, err := AppendMessage(nil, msg)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// AppendMessage appends the framed encoding of msg to dst and returns the
// extended slice. On error dst is returned unchanged.
func AppendMessage(dst []byte, msg Message) ([]byte, error) {
	var payloadLen int
	switch m := msg.(type) {
	case *ConnectRequest:
		if len(m.Selector) > MaxSelectorLen {
			return dst, ErrSelectorTooLong
		}
		payloadLen = ConnectFixedSize + len(m.Selector)
	case *Connected:
		payloadLen = ConnectedSize
	case *Frame:
		payloadLen = FrameHeaderSize + len(m.Payload)
	default:
		return dst, fmt.Errorf("unsupported message type: %T", msg)
	}
	if payloadLen > MaxPayloadSize {
		return dst, fmt.Errorf("encode %s: %w", msg.Type(), ErrPayloadTooLarge)
	}

	out := slices.Grow(dst, HeaderSize+payloadLen)
	out = append(out, byte(msg.Type()))
	out = binary.BigEndian.AppendUint32(out, uint32(payloadLen))

	switch m := msg.(type) {
	case *ConnectRequest:
		out = binary.BigEndian.AppendUint32(out, m.ClientVersion)
		out = binary.BigEndian.AppendUint32(out, m.Width)
		out = binary.BigEndian.AppendUint32(out, m.Height)
		out = binary.BigEndian.AppendUint16(out, uint16(len(m.Selector)))
		out = append(out, m.Selector...)
	case *Connected:
		out = binary.BigEndian.AppendUint32(out, m.ServerVersion)
	case *Frame:
		out = appendFrameHeader(out, m)
		out = append(out, m.Payload...)
	}
	return out, nil
}

func appendFrameHeader(dst []byte, m *Frame) []byte {
	dst = binary.BigEndian.AppendUint64(dst, m.TimestampNs)
	dst = append(dst, byte(m.Flags))
	dst = binary.BigEndian.AppendUint32(dst, m.Width)
	dst = binary.BigEndian.AppendUint32(dst, m.Height)
	return dst
}

// writeFrameMessage writes a Frame without copying the payload.
func writeFrameMessage(w io.Writer, m *Frame) error {
	payloadLen := FrameHeaderSize + len(m.Payload)
	if payloadLen > MaxPayloadSize {
		return fmt.Errorf("encode frame: %w", ErrPayloadTooLarge)
	}

	// Frame header + image header together (22 bytes).
	var hdr [HeaderSize + FrameHeaderSize]byte
	b := hdr[:0]
	b = append(b, byte(MsgFrame))
	b = binary.BigEndian.AppendUint32(b, uint32(payloadLen))
	b = appendFrameHeader(b, m)

	if _, err := w.Write(b); err != nil {
		return err
	}
	if len(m.Payload) > 0 {
		if _, err := w.Write(m.Payload); err != nil {
			return err
		}
	}
	return nil
}

// --- Decoding ---

// ReadMessage reads a framed message from r, blocking until it is complete.
// Transport errors are returned as-is; malformed input wraps ErrDecode.
func ReadMessage(r io.Reader) (Message, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	msgType := MessageType(header[0])
	payloadLen := binary.BigEndian.Uint32(header[1:5])

	if payloadLen > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
	}

	return DecodePayload(msgType, payload)
}

// Decode decodes one message from the front of buf and reports how many
// bytes it consumed. ErrIncomplete means buf holds a valid prefix and the
// caller should retry with more bytes. When the header is sound but the
// payload is malformed, the error comes with the framed length so the caller
// can skip exactly that message. The returned message never aliases buf.
func Decode(buf []byte) (Message, int, error) {
	return decodeLimit(buf, MaxPayloadSize)
}

func decodeLimit(buf []byte, limit int) (Message, int, error) {
	if len(buf) < 1 {
		return nil, 0, ErrIncomplete
	}
	// The tag is checked before the length so garbage is rejected without
	// waiting for a full header.
	msgType := MessageType(buf[0])
	if !knownType(msgType) {
		return nil, 0, fmt.Errorf("%w: 0x%02x", ErrUnknownMessage, byte(msgType))
	}
	if len(buf) < HeaderSize {
		return nil, 0, ErrIncomplete
	}
	payloadLen := binary.BigEndian.Uint32(buf[1:5])
	if uint64(payloadLen) > uint64(limit) {
		return nil, 0, fmt.Errorf("%w: %d bytes for %s", ErrPayloadTooLarge, payloadLen, msgType)
	}
	total := HeaderSize + int(payloadLen)
	if len(buf) < total {
		return nil, 0, ErrIncomplete
	}
	msg, err := DecodePayload(msgType, slices.Clone(buf[HeaderSize:total]))
	if err != nil {
		// The frame itself is intact; report its size so it can be skipped.
		return nil, total, err
	}
	return msg, total, nil
}

func knownType(t MessageType) bool {
	switch t {
	case MsgConnect, MsgConnected, MsgFrame:
		return true
	}
	return false
}

// DecodePayload decodes a raw payload given its message type.
func DecodePayload(msgType MessageType, payload []byte) (Message, error) {
	switch msgType {
	case MsgConnect:
		if len(payload) < ConnectFixedSize {
			return nil, ErrShortPayload
		}
		selLen := int(binary.BigEndian.Uint16(payload[12:14]))
		if len(payload) < ConnectFixedSize+selLen {
			return nil, ErrShortPayload
		}
		return &ConnectRequest{
			ClientVersion: binary.BigEndian.Uint32(payload[0:4]),
			Width:         binary.BigEndian.Uint32(payload[4:8]),
			Height:        binary.BigEndian.Uint32(payload[8:12]),
			Selector:      string(payload[14 : 14+selLen]),
		}, nil

	case MsgConnected:
		if len(payload) < ConnectedSize {
			return nil, ErrShortPayload
		}
		return &Connected{ServerVersion: binary.BigEndian.Uint32(payload[0:4])}, nil

	case MsgFrame:
		if len(payload) < FrameHeaderSize {
			return nil, ErrShortPayload
		}
		return &Frame{
			TimestampNs: binary.BigEndian.Uint64(payload[0:8]),
			Flags:       FrameFlags(payload[8]),
			Width:       binary.BigEndian.Uint32(payload[9:13]),
			Height:      binary.BigEndian.Uint32(payload[13:17]),
			Payload:     payload[FrameHeaderSize:],
		}, nil

	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownMessage, byte(msgType))
	}
}
