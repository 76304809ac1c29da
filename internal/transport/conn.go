// Package transport provides the byte-stream connections sessions run on:
// plain TCP, and optionally QUIC with one bidirectional stream per
// connection. Both surface as net.Conn so the session engine is transport
// agnostic.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/quic-go/quic-go"
)

// DefaultPort is the well-known server port.
const DefaultPort = 11222

// Mode selects which transport to use when dialing or listening.
type Mode int

const (
	ModeTCP Mode = iota
	ModeQUIC
)

func (m Mode) String() string {
	switch m {
	case ModeTCP:
		return "TCP"
	case ModeQUIC:
		return "QUIC"
	default:
		return "unknown"
	}
}

// ParseMode parses "tcp" or "quic", ignoring case.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "tcp":
		return ModeTCP, nil
	case "quic":
		return ModeQUIC, nil
	default:
		return 0, fmt.Errorf("unknown transport %q", s)
	}
}

// Listener accepts stream connections.
type Listener interface {
	Accept(ctx context.Context) (net.Conn, error)
	Port() int
	Close() error
}

// IsClosed reports whether err came from a listener that has been closed.
func IsClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, quic.ErrServerClosed)
}
