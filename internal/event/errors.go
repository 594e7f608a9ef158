package event

import (
	"errors"
	"fmt"
)

// ErrKeepaliveReply is returned by Parse for a bare "pong" frame
var ErrKeepaliveReply = errors.New("keepalive reply is not an envelope")

// ErrUnknownKind is returned by Payload for kinds outside the known set
var ErrUnknownKind = errors.New("unknown event kind")

// ParseError reports a frame that is not a well-formed envelope
type ParseError struct {
	Reason string
	Err    error
}

// Error implements the error interface
func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse envelope: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("parse envelope: %s", e.Reason)
}

// Unwrap returns the underlying error
func (e *ParseError) Unwrap() error {
	return e.Err
}

// ProtocolError reports data of a known kind whose fields do not decode into
// that kind's payload. It is returned by Event.Payload only.
type ProtocolError struct {
	Kind Kind
	Err  error
}

// Error implements the error interface
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error for %s: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying error
func (e *ProtocolError) Unwrap() error {
	return e.Err
}
