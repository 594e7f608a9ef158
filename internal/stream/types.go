package stream

import (
	"errors"
	"time"

	"livefeed/internal/backoff"
	"livefeed/internal/connection"
	"livefeed/internal/dispatch"
	"livefeed/internal/timer"
	"livefeed/internal/transport"
)

// Errors
var (
	ErrRegistryClosed    = errors.New("stream registry closed")
	ErrRegistryInvariant = errors.New("stream registry invariant violated")
)

// Options configures a Registry. Every topic shares the same host, policy
// and timer service.
type Options struct {
	Host   string
	Secure bool
	Root   string

	Dialer    transport.Dialer // nil selects a WebsocketDialer
	Scheduler timer.Scheduler  // nil selects timer.Real
	Policy    backoff.Policy

	KeepaliveInterval time.Duration
	DialTimeout       time.Duration

	// Backlog maps a topic to the number of recent events replayed on connect
	Backlog map[string]int
	// DedupSize bounds the replay deduplication window of topics with a backlog
	DedupSize int
	Filter    dispatch.Filter

	// OnStateChange observes every topic's connection transitions. It runs
	// with the registry lock held on Subscribe/unsubscribe paths and must
	// not call back into the Registry.
	OnStateChange func(connection.StateChange)
}

// TopicStats is a per-topic snapshot
type TopicStats struct {
	Topic       string
	URL         string
	Subscribers int
	Connection  connection.Stats
	Dispatch    dispatch.Stats
}

type subscriber struct {
	id       string
	handlers []dispatch.HandlerID
}

// topicStream is the shared connection of one topic
type topicStream struct {
	topic       string
	manager     *connection.Manager
	dispatcher  *dispatch.Dispatcher
	subscribers map[string]*subscriber
}
