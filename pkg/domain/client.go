package domain

import (
	"context"
)

// Conn represents one open bidirectional channel
type Conn interface {
	// ID returns the unique identifier of the connection
	ID() string

	// Send queues a frame for writing
	Send(ctx context.Context, message []byte) error

	// Receive sets the handler for incoming frames. It must be called before Start.
	Receive(handler MessageHandler)

	// Start starts the read and write pumps
	Start()

	// Close closes the connection. It is safe to call more than once.
	Close() error

	// Done is closed once the connection has stopped for any reason
	Done() <-chan struct{}

	// Err returns the reason the connection stopped, if any
	Err() error
}

// MessageHandler is a function that handles incoming frames. Frames are
// delivered one at a time in arrival order.
type MessageHandler func(message []byte) error

// Dialer opens connections to the realtime server. The token is presented
// as connection metadata; the handshake itself is driven by the caller.
type Dialer interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

// DialerFunc adapts a function to Dialer
type DialerFunc func(ctx context.Context, token string) (Conn, error)

// Dial implements Dialer
func (f DialerFunc) Dial(ctx context.Context, token string) (Conn, error) {
	return f(ctx, token)
}
