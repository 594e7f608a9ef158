// Package transporttest provides in-memory stream connections for tests.
package transporttest

import (
	"context"
	"errors"
	"sync"

	"livefeed/internal/transport"
)

// ErrDialRefused is the default dial failure
var ErrDialRefused = errors.New("dial refused")

// Conn is an in-memory transport.Conn. Frames pushed with Push are returned
// by ReadMessage in order; Drop and Close end the read side.
type Conn struct {
	URL string

	frames chan []byte
	done   chan struct{}

	mu     sync.Mutex
	err    error
	closed bool
	writes [][]byte
}

// NewConn creates an open Conn
func NewConn(url string) *Conn {
	return &Conn{
		URL:    url,
		frames: make(chan []byte, 256),
		done:   make(chan struct{}),
	}
}

// Push queues an inbound frame
func (c *Conn) Push(frames ...string) {
	for _, f := range frames {
		c.frames <- []byte(f)
	}
}

// Drop fails the connection as if the network went away. Frames already
// pushed are delivered first.
func (c *Conn) Drop(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endLocked(err)
}

// ReadMessage implements transport.Conn
func (c *Conn) ReadMessage() ([]byte, error) {
	select {
	case f := <-c.frames:
		return f, nil
	default:
	}
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, c.err
	}
}

// WriteMessage implements transport.Conn
func (c *Conn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrConnClosed
	}
	c.writes = append(c.writes, append([]byte(nil), data...))
	return nil
}

// Close implements transport.Conn
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.endLocked(transport.ErrConnClosed)
	return nil
}

// Closed reports whether Close was called
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Writes returns the frames written so far
func (c *Conn) Writes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.writes))
	for i, w := range c.writes {
		out[i] = string(w)
	}
	return out
}

func (c *Conn) endLocked(err error) {
	if c.err != nil {
		return
	}
	c.err = err
	close(c.done)
}

// Dialer is a scripted transport.Dialer. Each Dial consumes the next queued
// result; once the queue is empty every dial succeeds, or fails with Fail
// when set.
type Dialer struct {
	// Dialed receives the connections handed out while it has room
	Dialed chan *Conn
	// Gate, when non-nil, holds every Dial until it is closed or receives
	Gate chan struct{}
	// Fail is returned when the queue is empty
	Fail error

	mu      sync.Mutex
	results []error
	urls    []string
}

// NewDialer creates a Dialer with the given queued results; nil means success
func NewDialer(results ...error) *Dialer {
	return &Dialer{
		Dialed:  make(chan *Conn, 256),
		results: results,
	}
}

// Queue appends dial results
func (d *Dialer) Queue(results ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.results = append(d.results, results...)
}

// Dial implements transport.Dialer. The context is ignored while gated so a
// test can complete a dial after its caller gave up on it.
func (d *Dialer) Dial(ctx context.Context, url string) (transport.Conn, error) {
	if d.Gate != nil {
		<-d.Gate
	}

	d.mu.Lock()
	d.urls = append(d.urls, url)
	var err error
	if len(d.results) > 0 {
		err = d.results[0]
		d.results = d.results[1:]
	} else {
		err = d.Fail
	}
	d.mu.Unlock()

	if err != nil {
		return nil, err
	}
	c := NewConn(url)
	select {
	case d.Dialed <- c:
	default:
	}
	return c, nil
}

// Calls returns the number of Dial calls that got past the gate
func (d *Dialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

// URLs returns the dialed URLs in call order
func (d *Dialer) URLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.urls))
	copy(out, d.urls)
	return out
}
