package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/quic-go/quic-go"
)

// Dial connects to a server with the given transport.
func Dial(ctx context.Context, mode Mode, host string, port int) (net.Conn, error) {
	switch mode {
	case ModeTCP:
		return dialTCP(ctx, host, port)
	case ModeQUIC:
		return dialQUIC(ctx, host, port)
	default:
		return nil, fmt.Errorf("dial: unsupported transport %v", mode)
	}
}

// dialQUIC connects over QUIC and opens the connection's single stream.
// The server sees the stream once the caller writes its first message.
func dialQUIC(ctx context.Context, host string, port int) (net.Conn, error) {
	addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("resolve %s:%d: %w", host, port, err)
	}

	// Use a fresh UDP socket for the client
	udpConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return nil, fmt.Errorf("listen UDP: %w", err)
	}

	tr := &quic.Transport{Conn: udpConn}
	qconn, err := tr.Dial(ctx, addr, ClientTLSConfig(), quicConfig())
	if err != nil {
		tr.Close()
		return nil, fmt.Errorf("QUIC dial: %w", err)
	}

	stream, err := qconn.OpenStreamSync(ctx)
	if err != nil {
		qconn.CloseWithError(1, "open stream failed")
		tr.Close()
		return nil, fmt.Errorf("open QUIC stream: %w", err)
	}

	return &streamConn{qconn: qconn, stream: stream, tr: tr}, nil
}
