package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
)

// dialTCP connects to a server's TCP listener.
func dialTCP(ctx context.Context, host string, port int) (net.Conn, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp4", addr)
	if err != nil {
		return nil, fmt.Errorf("TCP dial %s: %w", addr, err)
	}
	return conn, nil
}
