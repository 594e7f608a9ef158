package transport

import (
	"context"
	"errors"
)

// ErrConnClosed is returned by operations on a closed connection
var ErrConnClosed = errors.New("connection closed")

// Conn is one open stream connection. ReadMessage is called from a single
// goroutine; WriteMessage and Close may be called from any goroutine.
type Conn interface {
	// ReadMessage blocks until the next text frame arrives or the connection fails
	ReadMessage() ([]byte, error)
	// WriteMessage sends a text frame
	WriteMessage(data []byte) error
	// Close closes the connection without waiting for the peer
	Close() error
}

// Dialer opens connections
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}
