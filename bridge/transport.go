package bridge

import (
	"context"
	"errors"
)

// ErrConnClosed is returned by Conn.Receive after the connection was closed locally
var ErrConnClosed = errors.New("connection closed")

// Transport opens connections to a bridge
type Transport interface {
	// Dial blocks until the connection is open or ctx is done
	Dial(ctx context.Context) (Conn, error)
}

// Conn is one open bridge connection.
// Send is never called concurrently; Receive is called from a single
// goroutine and may run concurrently with Send and Close.
type Conn interface {
	Send(env Envelope) error
	// Receive blocks for the next inbound frame. Frames that cannot be
	// parsed are skipped by the transport.
	Receive() (Frame, error)
	Close() error
}
