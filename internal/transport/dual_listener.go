package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
)

// dualListener serves TCP and QUIC on one port number. TCP and UDP port
// spaces are separate, so both can bind the same number.
type dualListener struct {
	tcp  *tcpListener
	quic *quicListener

	accepted chan accepted
	done     <-chan struct{}
	stop     context.CancelFunc
	loops    sync.WaitGroup
}

type accepted struct {
	conn net.Conn
	err  error
}

// ListenDual binds TCP first, letting the OS pick when port is 0, then QUIC
// on the same number.
func ListenDual(port int) (Listener, error) {
	cert, err := GenerateSelfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("generate TLS cert: %w", err)
	}
	tl, err := listenTCP(port)
	if err != nil {
		return nil, err
	}
	ql, err := listenQUIC(tl.Port(), cert)
	if err != nil {
		tl.Close()
		return nil, fmt.Errorf("QUIC listen on port %d: %w", tl.Port(), err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	dl := &dualListener{
		tcp:      tl,
		quic:     ql,
		accepted: make(chan accepted, 4),
		done:     ctx.Done(),
		stop:     cancel,
	}
	dl.loops.Add(2)
	go dl.forward(ctx, tl)
	go dl.forward(ctx, ql)
	return dl, nil
}

// forward feeds one listener's results into the shared channel until that
// listener closes or the dual listener stops. Per-client failures, such as
// a QUIC peer that never opens its stream, are passed on and the loop
// continues.
func (dl *dualListener) forward(ctx context.Context, ln Listener) {
	defer dl.loops.Done()
	for {
		conn, err := ln.Accept(ctx)
		if ctx.Err() != nil {
			if conn != nil {
				conn.Close()
			}
			return
		}
		select {
		case dl.accepted <- accepted{conn: conn, err: err}:
		case <-ctx.Done():
			if conn != nil {
				conn.Close()
			}
			return
		}
		if IsClosed(err) {
			return
		}
	}
}

// Accept returns the next connection from either transport, or
// net.ErrClosed once Close has been called.
func (dl *dualListener) Accept(ctx context.Context) (net.Conn, error) {
	select {
	case a := <-dl.accepted:
		return a.conn, a.err
	case <-dl.done:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Port returns the port number both listeners are bound to.
func (dl *dualListener) Port() int {
	return dl.tcp.Port()
}

// Close shuts down both listeners and waits for their accept loops.
func (dl *dualListener) Close() error {
	dl.stop()
	err := errors.Join(dl.quic.Close(), dl.tcp.Close())
	dl.loops.Wait()
	return err
}
