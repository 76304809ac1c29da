package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestConnectRequestRoundTrip(t *testing.T) {
	for _, sel := range []string{"", "Firefox", "ünïcode window"} {
		original := &ConnectRequest{
			ClientVersion: ClientVersion,
			Selector:      sel,
			Width:         1920,
			Height:        1080,
		}
		var buf bytes.Buffer
		if err := WriteMessage(&buf, original); err != nil {
			t.Fatal(err)
		}
		msg, err := ReadMessage(&buf)
		if err != nil {
			t.Fatal(err)
		}
		decoded, ok := msg.(*ConnectRequest)
		if !ok {
			t.Fatalf("expected *ConnectRequest, got %T", msg)
		}
		if *decoded != *original {
			t.Fatalf("connect mismatch: got %+v, want %+v", decoded, original)
		}
	}
}

func TestConnectedRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, &Connected{ServerVersion: ServerVersion}); err != nil {
		t.Fatal(err)
	}
	msg, err := ReadMessage(&buf)
	if err != nil {
		t.Fatal(err)
	}
	decoded := msg.(*Connected)
	if decoded.ServerVersion != ServerVersion {
		t.Fatalf("version mismatch: got %d, want %d", decoded.ServerVersion, ServerVersion)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	original := &Frame{
		TimestampNs: uint64(time.Second.Nanoseconds()),
		Flags:       FlagCompressed,
		Width:       960,
		Height:      540,
		Payload:     []byte("\x89PNG not really"),
	}
	var buf bytes.Buffer
	if err := WriteMessage(&buf, original); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != HeaderSize+FrameHeaderSize+len(original.Payload) {
		t.Fatalf("encoded length = %d", buf.Len())
	}
	msg, err := ReadMessage(&buf)
	if err != nil {
		t.Fatal(err)
	}
	decoded := msg.(*Frame)
	if decoded.TimestampNs != original.TimestampNs || decoded.Flags != original.Flags ||
		decoded.Width != original.Width || decoded.Height != original.Height {
		t.Fatalf("frame header mismatch: got %+v", decoded)
	}
	if !bytes.Equal(decoded.Payload, original.Payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestAppendMatchesWrite(t *testing.T) {
	msgs := []Message{
		&ConnectRequest{ClientVersion: 1, Selector: "term", Width: 10, Height: 20},
		&Connected{ServerVersion: 7},
		&Frame{TimestampNs: 99, Flags: FlagCompressed | FlagDelta, Width: 3, Height: 4, Payload: []byte{1, 2, 3}},
	}
	for _, m := range msgs {
		var buf bytes.Buffer
		if err := WriteMessage(&buf, m); err != nil {
			t.Fatal(err)
		}
		prefix := []byte("keep")
		appended, err := AppendMessage(prefix, m)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.HasPrefix(appended, []byte("keep")) {
			t.Fatalf("%s: prefix clobbered", m.Type())
		}
		if !bytes.Equal(appended[4:], buf.Bytes()) {
			t.Fatalf("%s: AppendMessage and WriteMessage disagree", m.Type())
		}
	}
}

func TestTagComesFirst(t *testing.T) {
	out, err := AppendMessage(nil, &Connected{ServerVersion: 1})
	if err != nil {
		t.Fatal(err)
	}
	if MessageType(out[0]) != MsgConnected {
		t.Fatalf("first byte = 0x%02x, want tag 0x%02x", out[0], byte(MsgConnected))
	}
	if got := binary.BigEndian.Uint32(out[1:5]); got != ConnectedSize {
		t.Fatalf("length = %d, want %d", got, ConnectedSize)
	}
}

func TestMultipleMessagesInSequence(t *testing.T) {
	var buf bytes.Buffer

	msgs := []Message{
		&ConnectRequest{ClientVersion: 1, Width: 640, Height: 480},
		&Connected{ServerVersion: ServerVersion},
		&Frame{TimestampNs: 1, Flags: FlagCompressed, Width: 1, Height: 1, Payload: []byte("first")},
		&Frame{TimestampNs: 2, Flags: FlagCompressed, Width: 1, Height: 1, Payload: []byte("second")},
	}

	for _, msg := range msgs {
		if err := WriteMessage(&buf, msg); err != nil {
			t.Fatal(err)
		}
	}

	for i, expected := range msgs {
		msg, err := ReadMessage(&buf)
		if err != nil {
			t.Fatalf("message %d: %v", i, err)
		}
		if msg.Type() != expected.Type() {
			t.Fatalf("message %d: got %s, want %s", i, msg.Type(), expected.Type())
		}
		if f, ok := expected.(*Frame); ok {
			d := msg.(*Frame)
			if d.TimestampNs != f.TimestampNs || !bytes.Equal(d.Payload, f.Payload) {
				t.Fatalf("message %d: frame mismatch", i)
			}
		}
	}
}

func TestDecodeShortPayload(t *testing.T) {
	_, err := DecodePayload(MsgFrame, make([]byte, 10))
	if !errors.Is(err, ErrShortPayload) {
		t.Fatalf("expected ErrShortPayload, got %v", err)
	}

	// Selector length claims more bytes than present.
	p := make([]byte, ConnectFixedSize)
	binary.BigEndian.PutUint16(p[12:14], 5)
	_, err = DecodePayload(MsgConnect, p)
	if !errors.Is(err, ErrShortPayload) {
		t.Fatalf("expected ErrShortPayload, got %v", err)
	}
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := DecodePayload(MessageType(0xFF), nil)
	if !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("expected ErrUnknownMessage, got %v", err)
	}
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("unknown message should wrap ErrDecode")
	}
}

func TestSelectorTooLong(t *testing.T) {
	_, err := AppendMessage(nil, &ConnectRequest{Selector: strings.Repeat("x", MaxSelectorLen+1)})
	if !errors.Is(err, ErrSelectorTooLong) {
		t.Fatalf("expected ErrSelectorTooLong, got %v", err)
	}
}

func TestDecodeRejectsOversizedLength(t *testing.T) {
	hdr := []byte{byte(MsgFrame), 0xFF, 0xFF, 0xFF, 0xFF}
	_, _, err := Decode(hdr)
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
	_, err = ReadMessage(bytes.NewReader(hdr))
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("ReadMessage: expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestDecodeIncompletePrefixes(t *testing.T) {
	full, err := AppendMessage(nil, &ConnectRequest{ClientVersion: 1, Selector: "abc", Width: 2, Height: 2})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < len(full); i++ {
		_, _, err := Decode(full[:i])
		if !errors.Is(err, ErrIncomplete) {
			t.Fatalf("prefix %d: expected ErrIncomplete, got %v", i, err)
		}
	}
	msg, n, err := Decode(full)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(full) {
		t.Fatalf("consumed %d, want %d", n, len(full))
	}
	if msg.(*ConnectRequest).Selector != "abc" {
		t.Fatalf("selector mismatch")
	}
}

func TestDecodeDoesNotAlias(t *testing.T) {
	buf, _ := AppendMessage(nil, &Frame{Payload: []byte{1, 2, 3}})
	msg, _, err := Decode(buf)
	if err != nil {
		t.Fatal(err)
	}
	buf[len(buf)-1] = 0xAA
	if msg.(*Frame).Payload[2] != 3 {
		t.Fatal("decoded payload aliases input buffer")
	}
}

// --- Fuzz tests ---

func FuzzDecode(f *testing.F) {
	seed, _ := AppendMessage(nil, &ConnectRequest{ClientVersion: 1, Selector: "x", Width: 1, Height: 1})
	f.Add(seed)
	f.Add([]byte{0xFF, 0xFE, 0xFD})
	f.Fuzz(func(t *testing.T, data []byte) {
		msg, n, err := Decode(data)
		if err == nil && (msg == nil || n > len(data)) {
			t.Fatalf("inconsistent decode: msg=%v n=%d len=%d", msg, n, len(data))
		}
	})
}

func FuzzReadMessage(f *testing.F) {
	var buf bytes.Buffer
	WriteMessage(&buf, &Connected{ServerVersion: 1})
	f.Add(buf.Bytes())

	buf.Reset()
	WriteMessage(&buf, &Frame{TimestampNs: 5, Payload: []byte("png")})
	f.Add(buf.Bytes())

	f.Fuzz(func(t *testing.T, data []byte) {
		ReadMessage(bytes.NewReader(data))
	})
}

func FuzzRoundTripConnectRequest(f *testing.F) {
	f.Add(uint32(1), "", uint32(1920), uint32(1080))
	f.Add(uint32(0), "Terminal", uint32(0), uint32(0))
	f.Fuzz(func(t *testing.T, version uint32, sel string, w, h uint32) {
		if len(sel) > MaxSelectorLen {
			sel = sel[:MaxSelectorLen]
		}
		original := &ConnectRequest{ClientVersion: version, Selector: sel, Width: w, Height: h}
		var buf bytes.Buffer
		if err := WriteMessage(&buf, original); err != nil {
			t.Fatal(err)
		}
		msg, err := ReadMessage(&buf)
		if err != nil {
			t.Fatal(err)
		}
		if got := msg.(*ConnectRequest); *got != *original {
			t.Fatalf("mismatch: got %+v, want %+v", got, original)
		}
	})
}
