package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/chronologos/deskcast/internal/capture"
	"github.com/chronologos/deskcast/internal/history"
	"github.com/chronologos/deskcast/internal/logging"
	"github.com/chronologos/deskcast/internal/server"
	"github.com/chronologos/deskcast/internal/transport"
	"github.com/chronologos/deskcast/internal/version"
	"github.com/chronologos/deskcast/internal/viewer"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "serve":
		os.Exit(runServe(os.Args[2:]))
	case "view":
		os.Exit(runView(os.Args[2:]))
	case "version", "--version":
		fmt.Printf("deskcast %s (%s)\n", version.VERSION, version.Commit)
	case "-h", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: deskcast serve [--port 11222] [--quic] [--backend screen|synthetic] [flags]")
	fmt.Fprintln(os.Stderr, "       deskcast view [--quic] [--width W] [--height H] [--selector S] [flags] host[:port]")
	fmt.Fprintln(os.Stderr, "       deskcast version")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "run 'deskcast serve --help' or 'deskcast view --help' for flags")
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	port := fs.IntP("port", "p", transport.DefaultPort, "port to listen on")
	useQUIC := fs.Bool("quic", false, "also accept QUIC on the same port")
	backendName := fs.String("backend", "screen", "capture backend: screen or synthetic")
	synthSize := fs.String("synthetic-size", "1280x720", "synthetic backend frame size WxH")
	interval := fs.Duration("interval", capture.DefaultInterval, "capture interval")
	maxPending := fs.Int("max-pending", 0, "max queued frame bytes per session (0 = unbounded)")
	grace := fs.Duration("grace", server.DefaultGrace, "pause before closing the listener on shutdown")
	joinTimeout := fs.Duration("join-timeout", server.DefaultJoinTimeout, "how long shutdown waits for sessions")
	verbose := fs.BoolP("verbose", "v", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	log := logging.New(os.Stderr, "server", *verbose)

	var backend capture.Backend
	switch *backendName {
	case "screen":
		backend = &capture.ScreenBackend{Interval: *interval, Logger: log}
	case "synthetic":
		w, h, err := parseSize(*synthSize)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: --synthetic-size: %v\n", err)
			return 2
		}
		backend = &capture.SyntheticBackend{Width: w, Height: h, Interval: *interval, Logger: log}
	default:
		fmt.Fprintf(os.Stderr, "error: unknown backend %q\n", *backendName)
		return 2
	}

	var ln transport.Listener
	var err error
	if *useQUIC {
		ln, err = transport.ListenDual(*port)
	} else {
		ln, err = transport.ListenTCP(*port)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	srv, err := server.New(server.Config{
		MaxPending:  *maxPending,
		JoinTimeout: *joinTimeout,
	}, ln, backend, log)
	if err != nil {
		ln.Close()
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(context.Background()) }()

	select {
	case <-ctx.Done():
		stop()
		log.Info("signal received")
		if err := srv.Shutdown(*grace); err != nil {
			log.Error("shutdown", "err", err)
			return 1
		}
		<-serveErr
		return 0
	case err := <-serveErr:
		srv.Shutdown(0)
		if err != nil {
			fmt.Fprintf(os.Stderr, "server exited: %v\n", err)
			return 1
		}
		return 0
	}
}

func runView(args []string) int {
	fs := flag.NewFlagSet("view", flag.ContinueOnError)
	useQUIC := fs.Bool("quic", false, "connect over QUIC")
	width := fs.Uint32("width", 0, "requested frame width (0 = source size)")
	height := fs.Uint32("height", 0, "requested frame height (0 = source size)")
	selector := fs.StringP("selector", "s", "", "window caption substring (empty = full screen)")
	frames := fs.IntP("frames", "n", 0, "stop after N frames (0 = until disconnect)")
	outDir := fs.StringP("out", "o", "", "save retained frames to this directory on exit")
	keep := fs.Int("keep", history.DefaultMaxBytes, "bytes of recent frames kept in memory")
	verbose := fs.BoolP("verbose", "v", false, "log to stderr")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "error: expected exactly one host[:port]")
		fs.Usage()
		return 2
	}
	host, port, err := viewer.ParseAddr(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}

	cfg := viewer.Config{
		Host:     host,
		Port:     port,
		Mode:     transport.ModeTCP,
		Selector: *selector,
		Width:    *width,
		Height:   *height,
		Frames:   *frames,
		OutDir:   *outDir,
		Keep:     *keep,
	}
	if *useQUIC {
		cfg.Mode = transport.ModeQUIC
	}
	if *verbose {
		cfg.Logger = logging.New(os.Stderr, "viewer", true)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, err := viewer.New(cfg).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "viewer exited: %v\n", err)
		return 1
	}
	return 0
}

// parseSize parses "WxH" with both sides positive.
func parseSize(s string) (int, int, error) {
	ws, hs, ok := strings.Cut(strings.ToLower(s), "x")
	if !ok {
		return 0, 0, fmt.Errorf("%q is not WxH", s)
	}
	w, err := strconv.Atoi(ws)
	if err != nil || w <= 0 {
		return 0, 0, fmt.Errorf("bad width in %q", s)
	}
	h, err := strconv.Atoi(hs)
	if err != nil || h <= 0 {
		return 0, 0, fmt.Errorf("bad height in %q", s)
	}
	return w, h, nil
}
