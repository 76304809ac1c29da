package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

// streamAcceptTimeout bounds how long an accepted QUIC connection may take
// to open its stream. The client opens it lazily with its first write.
const streamAcceptTimeout = 5 * time.Second

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:    30 * time.Second,
		KeepAlivePeriod:   10 * time.Second,
		InitialPacketSize: 1200, // Tailscale MTU is 1280; default 1350 gets dropped
	}
}

// quicListener accepts QUIC connections and hands out their first stream.
type quicListener struct {
	tr   *quic.Transport
	ln   *quic.Listener
	port int
}

// ListenQUIC binds a QUIC listener on UDP port (0 picks a free port) with
// a fresh self-signed certificate.
func ListenQUIC(port int) (Listener, error) {
	cert, err := GenerateSelfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("generate TLS cert: %w", err)
	}
	return listenQUIC(port, cert)
}

func listenQUIC(port int, cert tls.Certificate) (*quicListener, error) {
	addr := &net.UDPAddr{IP: net.IPv4zero, Port: port}
	udpConn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("listen UDP: %w", err)
	}

	tr := &quic.Transport{Conn: udpConn}
	ln, err := tr.Listen(ServerTLSConfig(cert), quicConfig())
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("QUIC listen: %w", err)
	}

	return &quicListener{
		tr:   tr,
		ln:   ln,
		port: udpConn.LocalAddr().(*net.UDPAddr).Port,
	}, nil
}

// Port returns the UDP port the listener is bound to.
func (l *quicListener) Port() int {
	return l.port
}

// Accept waits for a QUIC connection and its first bidirectional stream.
func (l *quicListener) Accept(ctx context.Context) (net.Conn, error) {
	qconn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("accept QUIC connection: %w", err)
	}

	sctx, cancel := context.WithTimeout(ctx, streamAcceptTimeout)
	defer cancel()
	stream, err := qconn.AcceptStream(sctx)
	if err != nil {
		qconn.CloseWithError(1, "no stream")
		return nil, fmt.Errorf("accept QUIC stream: %w", err)
	}
	return &streamConn{qconn: qconn, stream: stream}, nil
}

// Close shuts down the listener and underlying transport.
func (l *quicListener) Close() error {
	l.ln.Close()
	return l.tr.Close()
}
