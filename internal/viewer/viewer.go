// Package viewer is the client half of deskcast. It connects to a server,
// requests a capture target, and consumes the frame stream: keeping the
// newest frames in memory, optionally saving them as PNG files, and showing
// a live status line when stderr is a terminal.
package viewer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/chronologos/deskcast/internal/history"
	"github.com/chronologos/deskcast/internal/logging"
	"github.com/chronologos/deskcast/internal/protocol"
	"github.com/chronologos/deskcast/internal/transport"
)

const (
	handshakeTimeout = 10 * time.Second
	recvTimeout      = 15 * time.Second
	statusEvery      = 250 * time.Millisecond
)

var (
	ErrVersionMismatch   = errors.New("viewer: server version mismatch")
	ErrUnexpectedMessage = errors.New("viewer: unexpected message")
)

// Config holds viewer configuration.
type Config struct {
	Host     string
	Port     int
	Mode     transport.Mode
	Selector string
	// Width and Height are the requested frame size; 0 keeps the source size.
	Width  uint32
	Height uint32
	// Frames stops the viewer after this many frames; 0 runs until the
	// server disconnects or ctx ends.
	Frames int
	// OutDir receives the retained frames as PNG files on exit.
	OutDir string
	// Keep bounds the in-memory frame history in bytes.
	Keep   int
	Logger *slog.Logger
}

// Stats summarizes one viewing run.
type Stats struct {
	Frames   uint64
	Bytes    uint64
	Width    uint32
	Height   uint32
	Saved    int
	Elapsed  time.Duration
	LastSeen time.Duration // stream timestamp of the last frame
}

// FPS returns the average frame rate over the run.
func (s Stats) FPS() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Frames) / s.Elapsed.Seconds()
}

// Viewer consumes one frame stream.
type Viewer struct {
	cfg      Config
	log      *slog.Logger
	hist     *history.Ring
	stderr   io.Writer
	statusFd int // terminal fd for the status line; -1 disables it
}

// New creates a viewer writing its status line and summary to os.Stderr.
func New(cfg Config) *Viewer {
	fd := int(os.Stderr.Fd())
	if !term.IsTerminal(fd) {
		fd = -1
	}
	return newViewer(cfg, os.Stderr, fd)
}

func newViewer(cfg Config, stderr io.Writer, statusFd int) *Viewer {
	if cfg.Port == 0 {
		cfg.Port = transport.DefaultPort
	}
	return &Viewer{
		cfg:      cfg,
		log:      logging.OrDiscard(cfg.Logger),
		hist:     history.New(cfg.Keep),
		stderr:   stderr,
		statusFd: statusFd,
	}
}

// Run connects, performs the handshake and reads frames until the server
// closes the stream, Frames have arrived, or ctx ends. The last two are
// not errors.
func (v *Viewer) Run(ctx context.Context) (Stats, error) {
	var st Stats
	conn, err := transport.Dial(ctx, v.cfg.Mode, v.cfg.Host, v.cfg.Port)
	if err != nil {
		return st, err
	}
	defer conn.Close()
	stopClose := context.AfterFunc(ctx, func() { conn.Close() })
	defer stopClose()

	v.log.Info("connected", "mode", v.cfg.Mode, "remote", conn.RemoteAddr().String())
	if err := v.handshake(conn); err != nil {
		if ctx.Err() != nil {
			return st, ctx.Err()
		}
		return st, err
	}

	start := time.Now()
	err = v.readFrames(ctx, conn, &st)
	st.Elapsed = time.Since(start)
	if v.statusFd >= 0 && st.Frames > 0 {
		fmt.Fprintln(v.stderr)
	}

	if v.cfg.OutDir != "" {
		n, serr := v.Save(v.cfg.OutDir)
		st.Saved = n
		if serr != nil && err == nil {
			err = serr
		}
	}
	v.printSummary(conn, st)
	return st, err
}

func (v *Viewer) handshake(conn net.Conn) error {
	req := &protocol.ConnectRequest{
		ClientVersion: protocol.ClientVersion,
		Selector:      v.cfg.Selector,
		Width:         v.cfg.Width,
		Height:        v.cfg.Height,
	}
	if err := protocol.WriteMessage(conn, req); err != nil {
		return fmt.Errorf("send connect: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	msg, err := protocol.ReadMessage(conn)
	if err != nil {
		return fmt.Errorf("read connected: %w", err)
	}
	c, ok := msg.(*protocol.Connected)
	if !ok {
		return fmt.Errorf("%w: %v before connected", ErrUnexpectedMessage, msg.Type())
	}
	if c.ServerVersion != protocol.ServerVersion {
		return fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, c.ServerVersion, protocol.ServerVersion)
	}
	v.log.Debug("handshake complete", "server_version", c.ServerVersion)
	return nil
}

func (v *Viewer) readFrames(ctx context.Context, conn net.Conn, st *Stats) error {
	var lastStatus time.Time
	for v.cfg.Frames <= 0 || st.Frames < uint64(v.cfg.Frames) {
		conn.SetReadDeadline(time.Now().Add(recvTimeout))
		msg, err := protocol.ReadMessage(conn)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return nil
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				v.log.Info("server closed the stream")
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}

		f, ok := msg.(*protocol.Frame)
		if !ok {
			v.log.Debug("ignoring message", "type", msg.Type())
			continue
		}
		if f.Flags&protocol.FlagCompressed == 0 {
			v.log.Debug("skipping uncompressed frame", "flags", f.Flags)
			continue
		}

		st.Frames++
		st.Bytes += uint64(len(f.Payload))
		st.Width, st.Height = f.Width, f.Height
		st.LastSeen = time.Duration(f.TimestampNs)
		v.hist.Store(history.Frame{
			Seq:         st.Frames,
			TimestampNs: f.TimestampNs,
			Width:       f.Width,
			Height:      f.Height,
			PNG:         f.Payload,
		})

		if v.statusFd >= 0 && time.Since(lastStatus) >= statusEvery {
			lastStatus = time.Now()
			v.drawStatus(*st)
		}
	}
	return nil
}

// Save writes every retained frame to dir as frame-NNNNNN.png and returns
// how many were written.
func (v *Viewer) Save(dir string) (int, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create %s: %w", dir, err)
	}
	n := 0
	for _, f := range v.hist.Since(0) {
		name := filepath.Join(dir, fmt.Sprintf("frame-%06d.png", f.Seq))
		if err := os.WriteFile(name, f.PNG, 0o644); err != nil {
			return n, fmt.Errorf("write %s: %w", name, err)
		}
		n++
	}
	v.log.Info("saved frames", "dir", dir, "count", n)
	return n, nil
}

func (v *Viewer) drawStatus(st Stats) {
	line := fmt.Sprintf("%dx%d  frames %d  %s  t=%s",
		st.Width, st.Height, st.Frames, formatBytes(st.Bytes), formatDuration(st.LastSeen))
	if cols, _, err := term.GetSize(v.statusFd); err == nil && cols > 1 && len(line) >= cols {
		line = line[:cols-1]
	}
	fmt.Fprintf(v.stderr, "\r\033[K%s", line)
}

// ParseAddr splits host[:port], defaulting the port to transport.DefaultPort.
func ParseAddr(s string) (string, int, error) {
	if s == "" {
		return "", 0, errors.New("empty address")
	}
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
			return s[1 : len(s)-1], transport.DefaultPort, nil
		}
		if !strings.Contains(s, ":") {
			return s, transport.DefaultPort, nil
		}
		return "", 0, fmt.Errorf("parse address %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	if host == "" {
		return "", 0, fmt.Errorf("missing host in %q", s)
	}
	return host, port, nil
}
