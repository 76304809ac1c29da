package session

import (
	"bytes"
	"context"
	"errors"
	"image/png"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chronologos/deskcast/internal/capture"
	"github.com/chronologos/deskcast/internal/imaging"
	"github.com/chronologos/deskcast/internal/protocol"
)

type testSession struct {
	s      *Session
	client net.Conn
	errCh  chan error
}

// startTestSession runs a session over an in-memory pipe and returns the
// client end. Cleanup closes the client and waits for Run to exit.
func startTestSession(t *testing.T, cfg Config) *testSession {
	t.Helper()
	server, client := net.Pipe()
	return startTestSessionOn(t, server, client, cfg)
}

func startTestSessionOn(t *testing.T, server, client net.Conn, cfg Config) *testSession {
	t.Helper()
	s := New(server, cfg)
	ts := &testSession{s: s, client: client, errCh: make(chan error, 1)}
	go func() { ts.errCh <- s.Run(context.Background()) }()
	t.Cleanup(func() {
		client.Close()
		s.Stop()
		select {
		case <-s.Done():
		case <-time.After(5 * time.Second):
			t.Error("session did not exit")
		}
	})
	return ts
}

func synthetic(w, h int) *capture.SyntheticBackend {
	return &capture.SyntheticBackend{Width: w, Height: h, Interval: 2 * time.Millisecond}
}

func (ts *testSession) send(t *testing.T, msg protocol.Message) {
	t.Helper()
	ts.client.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := protocol.WriteMessage(ts.client, msg); err != nil {
		t.Fatalf("send %v: %v", msg.Type(), err)
	}
}

func (ts *testSession) recv(t *testing.T) protocol.Message {
	t.Helper()
	ts.client.SetReadDeadline(time.Now().Add(10 * time.Second))
	msg, err := protocol.ReadMessage(ts.client)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	return msg
}

func (ts *testSession) recvFrame(t *testing.T) *protocol.Frame {
	t.Helper()
	msg := ts.recv(t)
	f, ok := msg.(*protocol.Frame)
	if !ok {
		t.Fatalf("expected Frame, got %T", msg)
	}
	return f
}

func (ts *testSession) connect(t *testing.T, selector string, w, h uint32) {
	t.Helper()
	ts.send(t, &protocol.ConnectRequest{ClientVersion: protocol.ClientVersion, Selector: selector, Width: w, Height: h})
	msg := ts.recv(t)
	c, ok := msg.(*protocol.Connected)
	if !ok {
		t.Fatalf("expected Connected, got %T", msg)
	}
	if c.ServerVersion != protocol.ServerVersion {
		t.Fatalf("server version %d, want %d", c.ServerVersion, protocol.ServerVersion)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestConnectRepliesAndStreams(t *testing.T) {
	ts := startTestSession(t, Config{Backend: synthetic(32, 16)})
	if ts.s.State() != StateAwaitingConnect {
		t.Fatalf("initial state %v", ts.s.State())
	}
	if ts.s.ID() == "" {
		t.Fatal("empty session id")
	}

	ts.connect(t, "", 0, 0)
	if ts.s.State() != StateStreaming {
		t.Fatalf("state after connect %v", ts.s.State())
	}

	f := ts.recvFrame(t)
	if f.Width != 32 || f.Height != 16 {
		t.Fatalf("frame %dx%d, want 32x16", f.Width, f.Height)
	}
	if f.Flags != protocol.FlagCompressed {
		t.Fatalf("flags %v", f.Flags)
	}
}

func TestFramesNeverTear(t *testing.T) {
	ts := startTestSession(t, Config{Backend: synthetic(100, 60)})
	ts.connect(t, "", 50, 30)

	var last uint64
	for i := 0; i < 20; i++ {
		f := ts.recvFrame(t)
		if f.Width != 50 || f.Height != 30 {
			t.Fatalf("frame %d is %dx%d", i, f.Width, f.Height)
		}
		if f.TimestampNs < last {
			t.Fatalf("frame %d went back in time", i)
		}
		last = f.TimestampNs
		img, err := png.Decode(bytes.NewReader(f.Payload))
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if b := img.Bounds(); b.Dx() != 50 || b.Dy() != 30 {
			t.Fatalf("frame %d PNG is %v", i, b)
		}
	}
}

func TestFullHDScenarios(t *testing.T) {
	if testing.Short() {
		t.Skip("encodes full-HD frames")
	}
	cases := []struct {
		reqW, reqH uint32
		w, h       uint32
	}{
		{1920, 1080, 1920, 1080},
		{960, 540, 960, 540},
	}
	for _, c := range cases {
		ts := startTestSession(t, Config{Backend: &capture.SyntheticBackend{Width: 1920, Height: 1080, Interval: 50 * time.Millisecond}})
		ts.connect(t, "", c.reqW, c.reqH)
		for i := 0; i < 2; i++ {
			f := ts.recvFrame(t)
			if f.Width != c.w || f.Height != c.h {
				t.Fatalf("request %dx%d: frame %dx%d, want %dx%d", c.reqW, c.reqH, f.Width, f.Height, c.w, c.h)
			}
		}
	}
}

func TestGarbageIsDiscarded(t *testing.T) {
	ts := startTestSession(t, Config{Backend: synthetic(8, 8)})

	ts.client.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := ts.client.Write([]byte{0xFF, 0x13, 0x37}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "decode error", func() bool { return ts.s.Stats().DecodeErrors == 1 })

	ts.connect(t, "", 0, 0)
	if f := ts.recvFrame(t); f.Width != 8 {
		t.Fatalf("frame width %d", f.Width)
	}
}

func TestGarbageAndConnectInOneWrite(t *testing.T) {
	ts := startTestSession(t, Config{Backend: synthetic(8, 8)})

	req, err := protocol.AppendMessage([]byte{0xFF, 0x13, 0x37},
		&protocol.ConnectRequest{ClientVersion: protocol.ClientVersion})
	if err != nil {
		t.Fatal(err)
	}
	ts.client.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := ts.client.Write(req); err != nil {
		t.Fatal(err)
	}

	if _, ok := ts.recv(t).(*protocol.Connected); !ok {
		t.Fatal("connect request after garbage was lost")
	}
	if got := ts.s.Stats().DecodeErrors; got != 1 {
		t.Fatalf("decode errors %d, want 1", got)
	}
}

func TestNonConnectMessagesIgnored(t *testing.T) {
	ts := startTestSession(t, Config{Backend: synthetic(8, 8)})
	ts.send(t, &protocol.Connected{ServerVersion: 7})
	ts.send(t, &protocol.Frame{Width: 1, Height: 1, Payload: []byte{1}})

	time.Sleep(30 * time.Millisecond)
	if ts.s.State() != StateAwaitingConnect {
		t.Fatalf("state %v after non-connect messages", ts.s.State())
	}
	ts.connect(t, "", 0, 0)
}

func TestSecondConnectRestartsCapture(t *testing.T) {
	ts := startTestSession(t, Config{Backend: synthetic(64, 64)})
	ts.connect(t, "", 0, 0)
	if f := ts.recvFrame(t); f.Width != 64 {
		t.Fatalf("first frame width %d", f.Width)
	}

	ts.send(t, &protocol.ConnectRequest{ClientVersion: protocol.ClientVersion, Width: 32, Height: 32})
	sawConnected := false
	for i := 0; i < 200; i++ {
		switch m := ts.recv(t).(type) {
		case *protocol.Connected:
			sawConnected = true
		case *protocol.Frame:
			if sawConnected {
				if m.Width != 32 || m.Height != 32 {
					t.Fatalf("frame after restart %dx%d", m.Width, m.Height)
				}
				return
			}
		}
	}
	t.Fatal("capture never restarted at the new size")
}

func TestStopTerminates(t *testing.T) {
	ts := startTestSession(t, Config{Backend: synthetic(16, 16)})
	ts.connect(t, "", 0, 0)
	ts.recvFrame(t)

	ts.s.Stop()
	select {
	case err := <-ts.errCh:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session did not stop")
	}
	<-ts.s.Done()
	if ts.s.State() != StateTerminated {
		t.Fatalf("state %v", ts.s.State())
	}

	// The connection is closed once Run returns. Drain whatever frames were
	// already in flight.
	ts.client.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, err := protocol.ReadMessage(ts.client); err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				t.Fatal("connection left open after stop")
			}
			break
		}
	}
}

func TestShutdownFlagTerminates(t *testing.T) {
	var shutdown atomic.Bool
	ts := startTestSession(t, Config{Backend: synthetic(16, 16), ShuttingDown: shutdown.Load})
	ts.connect(t, "", 0, 0)

	// Stop reading so the capture goroutine can back up behind the writer.
	time.Sleep(20 * time.Millisecond)
	shutdown.Store(true)

	select {
	case <-ts.s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session ignored shutdown flag")
	}
}

func TestClientDisconnect(t *testing.T) {
	ts := startTestSession(t, Config{Backend: synthetic(16, 16)})
	ts.connect(t, "", 0, 0)
	ts.client.Close()

	select {
	case <-ts.s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not notice disconnect")
	}
}

// badBackend delivers frames whose buffer is too short for their size.
type badBackend struct{}

func (badBackend) Targets() ([]capture.Target, error) {
	return []capture.Target{{Name: "bad", Width: 4, Height: 4, Screen: true}}, nil
}

func (badBackend) Start(cfg capture.Config) (capture.Handle, error) {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		f := &imaging.Frame{Pix: make([]byte, 8), Width: 4, Height: 4}
		for {
			select {
			case <-stop:
				return
			case <-time.After(time.Millisecond):
				cfg.OnFrame(f)
			}
		}
	}()
	return stopFunc(func() {
		select {
		case <-stop:
		default:
			close(stop)
		}
		<-done
	}), nil
}

type stopFunc func()

func (f stopFunc) Stop() { f() }

func TestEncoderErrorTerminatesSession(t *testing.T) {
	ts := startTestSession(t, Config{Backend: badBackend{}})
	ts.connect(t, "", 0, 0)

	select {
	case err := <-ts.errCh:
		if !errors.Is(err, imaging.ErrInvalidFrame) {
			t.Fatalf("Run returned %v, want ErrInvalidFrame", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session kept running after encoder error")
	}
}

func TestMissingBackendTerminates(t *testing.T) {
	ts := startTestSession(t, Config{})
	ts.send(t, &protocol.ConnectRequest{ClientVersion: protocol.ClientVersion})

	select {
	case err := <-ts.errCh:
		if !errors.Is(err, ErrNoBackend) {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session kept running without backend")
	}

	// The client sees the connection close, not a Connected it can't use.
	ts.client.SetReadDeadline(time.Now().Add(5 * time.Second))
	msg, err := protocol.ReadMessage(ts.client)
	if err == nil {
		t.Fatalf("got %T before close", msg)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		t.Fatal("connection left open")
	}
}

func TestMaxPendingDropsFrames(t *testing.T) {
	ts := startTestSession(t, Config{Backend: synthetic(64, 64), MaxPending: 1})
	ts.connect(t, "", 0, 0)

	// Not reading lets the backlog build: at most one frame is queued at a
	// time and the rest are dropped.
	waitFor(t, "dropped frames", func() bool { return ts.s.Stats().FramesDropped > 0 })
	if f := ts.recvFrame(t); f.Width != 64 {
		t.Fatalf("frame width %d", f.Width)
	}
}

func TestStateString(t *testing.T) {
	for st, want := range map[State]string{
		StateAwaitingConnect: "awaiting-connect",
		StateStreaming:       "streaming",
		StateTerminated:      "terminated",
		State(9):             "State(9)",
	} {
		if st.String() != want {
			t.Errorf("%d: %q", int(st), st.String())
		}
	}
}

// recorder logs teardown events in the order they happen.
type recorder struct {
	mu     sync.Mutex
	events []string
	live   atomic.Int32
}

func (r *recorder) add(ev string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

type recordingConn struct {
	net.Conn
	rec *recorder
}

func (c *recordingConn) Close() error {
	c.rec.add("conn closed")
	return c.Conn.Close()
}

// recordingBackend wraps a backend and records when its handles stop.
type recordingBackend struct {
	capture.Backend
	rec *recorder
}

func (b *recordingBackend) Start(cfg capture.Config) (capture.Handle, error) {
	h, err := b.Backend.Start(cfg)
	if err != nil {
		return nil, err
	}
	b.rec.live.Add(1)
	return stopFunc(func() {
		h.Stop()
		b.rec.live.Add(-1)
		b.rec.add("capture released")
	}), nil
}

func TestCaptureReleasedBeforeConnClosed(t *testing.T) {
	for _, end := range []string{"stop", "disconnect"} {
		t.Run(end, func(t *testing.T) {
			rec := &recorder{}
			server, client := net.Pipe()
			ts := startTestSessionOn(t, &recordingConn{Conn: server, rec: rec}, client,
				Config{Backend: &recordingBackend{Backend: synthetic(16, 16), rec: rec}})
			ts.connect(t, "", 0, 0)
			ts.recvFrame(t)
			if rec.live.Load() != 1 {
				t.Fatalf("live handles %d, want 1", rec.live.Load())
			}

			if end == "stop" {
				ts.s.Stop()
			} else {
				ts.client.Close()
			}
			select {
			case <-ts.s.Done():
			case <-time.After(5 * time.Second):
				t.Fatal("session did not exit")
			}

			if rec.live.Load() != 0 {
				t.Fatalf("live handles %d after teardown", rec.live.Load())
			}
			ev := rec.snapshot()
			rel := slices.Index(ev, "capture released")
			closed := slices.Index(ev, "conn closed")
			if rel < 0 || closed < 0 || rel > closed {
				t.Fatalf("teardown order %v", ev)
			}
		})
	}
}

func TestReconnectReleasesPreviousCapture(t *testing.T) {
	rec := &recorder{}
	ts := startTestSession(t, Config{Backend: &recordingBackend{Backend: synthetic(16, 16), rec: rec}})
	ts.connect(t, "", 0, 0)
	ts.recvFrame(t)

	ts.send(t, &protocol.ConnectRequest{ClientVersion: protocol.ClientVersion})
	for {
		if _, ok := ts.recv(t).(*protocol.Connected); ok {
			break
		}
	}
	if got := rec.live.Load(); got != 1 {
		t.Fatalf("live handles %d after second connect, want 1", got)
	}
}
