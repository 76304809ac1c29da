package transport

import (
	"context"
	"fmt"
	"net"
	"time"
)

// tcpListener accepts plain TCP connections on all IPv4 interfaces.
type tcpListener struct {
	ln   *net.TCPListener
	port int
}

// ListenTCP binds a TCP listener on port (0 picks a free port).
func ListenTCP(port int) (Listener, error) {
	return listenTCP(port)
}

func listenTCP(port int) (*tcpListener, error) {
	ln, err := net.ListenTCP("tcp4", &net.TCPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return nil, fmt.Errorf("TCP listen on port %d: %w", port, err)
	}
	return &tcpListener{ln: ln, port: ln.Addr().(*net.TCPAddr).Port}, nil
}

// Port returns the TCP port the listener is bound to.
func (l *tcpListener) Port() int {
	return l.port
}

// Accept waits for the next TCP connection or for ctx to end. A cancelled
// ctx interrupts the blocked accept by expiring the listener deadline,
// which is cleared again before returning.
func (l *tcpListener) Accept(ctx context.Context) (net.Conn, error) {
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		l.ln.SetDeadline(time.Now())
		close(fired)
	})

	conn, err := l.ln.AcceptTCP()
	if !stop() {
		<-fired
		l.ln.SetDeadline(time.Time{})
		if conn != nil {
			conn.Close()
		}
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, fmt.Errorf("accept TCP connection: %w", err)
	}
	conn.SetKeepAlive(true)
	conn.SetKeepAlivePeriod(10 * time.Second)
	return conn, nil
}

// Close shuts down the TCP listener.
func (l *tcpListener) Close() error {
	return l.ln.Close()
}
