package connection

import (
	"errors"
	"fmt"
	"time"

	"livefeed/internal/keepalive"
)

// Errors
var (
	ErrClosed           = errors.New("connection manager closed")
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")
)

// State is the lifecycle state of a topic connection
type State int

const (
	Idle State = iota
	Connecting
	Open
	Closing
	Closed
	Reconnecting
)

// String implements fmt.Stringer
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	case Reconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// TransportError reports a failed dial or an unexpected drop
type TransportError struct {
	Topic   string
	Attempt int
	Err     error
}

// Error implements the error interface
func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error on %s (attempt %d): %v", e.Topic, e.Attempt, e.Err)
}

// Unwrap returns the underlying error
func (e *TransportError) Unwrap() error {
	return e.Err
}

// StateChange is delivered to the state observer on every transition
type StateChange struct {
	Topic   string
	From    State
	To      State
	Attempt int           // reconnect attempts made so far
	Delay   time.Duration // scheduled retry delay when To is Reconnecting
	Err     error         // cause of the transition, if any
}

// ReconnectState reports the retry bookkeeping of a manager
type ReconnectState struct {
	Attempt   int
	NextDelay time.Duration
	Cap       time.Duration
}

// Stats reports connection counters
type Stats struct {
	Topic        string
	State        State
	Attempt      int
	Connects     int64
	Drops        int64
	DialFailures int64
	Keepalive    keepalive.Stats
}
