package transport

import (
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// streamConn presents one QUIC stream as a net.Conn. Closing it closes the
// whole QUIC connection, and on the dialing side the UDP transport too.
type streamConn struct {
	qconn     *quic.Conn
	stream    *quic.Stream
	tr        *quic.Transport // dialer only; keeps the UDP socket alive
	closeOnce sync.Once
}

func (c *streamConn) Read(p []byte) (int, error)  { return c.stream.Read(p) }
func (c *streamConn) Write(p []byte) (int, error) { return c.stream.Write(p) }

func (c *streamConn) LocalAddr() net.Addr  { return c.qconn.LocalAddr() }
func (c *streamConn) RemoteAddr() net.Addr { return c.qconn.RemoteAddr() }

func (c *streamConn) SetDeadline(t time.Time) error      { return c.stream.SetDeadline(t) }
func (c *streamConn) SetReadDeadline(t time.Time) error  { return c.stream.SetReadDeadline(t) }
func (c *streamConn) SetWriteDeadline(t time.Time) error { return c.stream.SetWriteDeadline(t) }

// Close cancels the stream in both directions and closes the connection.
func (c *streamConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.stream.CancelRead(0)
		c.stream.Close()
		err = c.qconn.CloseWithError(0, "closed")
		if c.tr != nil {
			if terr := c.tr.Close(); err == nil {
				err = terr
			}
		}
	})
	return err
}

// ConnectionStats returns QUIC-level connection statistics.
func (c *streamConn) ConnectionStats() quic.ConnectionStats {
	return c.qconn.ConnectionStats()
}

// StatsConn is implemented by QUIC connections.
type StatsConn interface {
	ConnectionStats() quic.ConnectionStats
}
