// Package stream multiplexes subscribers onto one connection per topic.
package stream

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"livefeed/internal/connection"
	"livefeed/internal/dispatch"
	"livefeed/internal/event"
	"livefeed/internal/timer"
	"livefeed/internal/transport"
)

// Registry owns the live topic connections of an application. A topic has
// at most one connection no matter how many subscribers it has; the
// connection is closed when the last subscriber leaves.
type Registry struct {
	opts   Options
	logger zerolog.Logger

	mu     sync.Mutex
	topics map[string]*topicStream
	// every manager not yet closed, for invariant checks
	live   map[*connection.Manager]string
	closed bool
}

// NewRegistry creates a Registry
func NewRegistry(opts Options, logger zerolog.Logger) *Registry {
	if opts.Dialer == nil {
		opts.Dialer = transport.NewWebsocketDialer(0, 0, logger)
	}
	if opts.Scheduler == nil {
		opts.Scheduler = timer.Real{}
	}
	return &Registry{
		opts:   opts,
		logger: logger.With().Str("component", "stream-registry").Logger(),
		topics: make(map[string]*topicStream),
		live:   make(map[*connection.Manager]string),
	}
}

// Subscribe registers handler for events of topic, restricted to kinds when
// any are given. The first subscriber opens the topic connection. The
// returned function unsubscribes; it is safe to call more than once.
func (r *Registry) Subscribe(topic string, handler dispatch.Handler, kinds ...event.Kind) (func(), error) {
	if handler == nil {
		return nil, fmt.Errorf("subscribe %s: nil handler", topic)
	}
	if len(kinds) == 0 {
		kinds = []event.Kind{event.KindAny}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}

	ts, exists := r.topics[topic]
	open := !exists
	if !exists {
		var err error
		ts, err = r.createTopicStream(topic)
		if err != nil {
			return nil, err
		}
		r.topics[topic] = ts
	} else if ts.manager.State() == connection.Closed {
		// the previous connection gave up after its retry ceiling
		if err := r.replaceManager(ts); err != nil {
			return nil, err
		}
		open = true
	}

	sub := &subscriber{id: uuid.NewString()}
	for _, k := range kinds {
		sub.handlers = append(sub.handlers, ts.dispatcher.Register(k, handler))
	}
	ts.subscribers[sub.id] = sub

	if open {
		if err := ts.manager.Open(); err != nil {
			r.logger.Warn().Err(err).Str("topic", topic).Msg("failed to open stream")
		}
		r.logger.Info().
			Str("topic", topic).
			Str("url", ts.manager.URL()).
			Str("subscriberID", sub.id).
			Msg("opened topic stream")
	} else {
		r.logger.Debug().
			Str("topic", topic).
			Str("subscriberID", sub.id).
			Int("subscribers", len(ts.subscribers)).
			Msg("subscriber added to topic stream")
	}

	var once sync.Once
	return func() {
		once.Do(func() { r.unsubscribe(ts, sub.id) })
	}, nil
}

// Topics returns the topics with live subscribers, sorted
func (r *Registry) Topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	topics := make([]string, 0, len(r.topics))
	for t := range r.topics {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// Subscribers returns the subscriber count of topic
func (r *Registry) Subscribers(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ts, ok := r.topics[topic]; ok {
		return len(ts.subscribers)
	}
	return 0
}

// Stats returns a snapshot per topic, sorted by topic
func (r *Registry) Stats() []TopicStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]TopicStats, 0, len(r.topics))
	for _, ts := range r.topics {
		out = append(out, TopicStats{
			Topic:       ts.topic,
			URL:         ts.manager.URL(),
			Subscribers: len(ts.subscribers),
			Connection:  ts.manager.Stats(),
			Dispatch:    ts.dispatcher.Stats(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out
}

// Close tears down every topic connection. Later Subscribe calls fail with
// ErrRegistryClosed; outstanding unsubscribe functions become no-ops.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true

	for topic, ts := range r.topics {
		r.closeManagerLocked(ts.manager)
		delete(r.topics, topic)
	}

	r.logger.Info().Msg("stream registry closed")
}

// CheckInvariants verifies that every topic has exactly one live connection
// and a positive subscriber count
func (r *Registry) CheckInvariants() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	perTopic := make(map[string]int)
	for m, topic := range r.live {
		if m.State() != connection.Closed {
			perTopic[topic]++
		}
	}
	for topic, n := range perTopic {
		if n > 1 {
			return fmt.Errorf("%w: %d live connections for %s", ErrRegistryInvariant, n, topic)
		}
		if _, ok := r.topics[topic]; !ok {
			return fmt.Errorf("%w: live connection for %s without subscribers", ErrRegistryInvariant, topic)
		}
	}
	for topic, ts := range r.topics {
		if len(ts.subscribers) == 0 {
			return fmt.Errorf("%w: %s registered with no subscribers", ErrRegistryInvariant, topic)
		}
		if _, ok := r.live[ts.manager]; !ok {
			return fmt.Errorf("%w: %s has no tracked connection", ErrRegistryInvariant, topic)
		}
	}
	return nil
}

func (r *Registry) unsubscribe(ts *topicStream, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// the topic may have been torn down and recreated since
	if r.topics[ts.topic] != ts {
		return
	}
	sub, ok := ts.subscribers[id]
	if !ok {
		return
	}
	for _, h := range sub.handlers {
		ts.dispatcher.Unregister(h)
	}
	delete(ts.subscribers, id)

	if len(ts.subscribers) == 0 {
		r.closeManagerLocked(ts.manager)
		delete(r.topics, ts.topic)
		r.logger.Info().
			Str("topic", ts.topic).
			Msg("closed topic stream (no more subscribers)")
		return
	}

	r.logger.Debug().
		Str("topic", ts.topic).
		Str("subscriberID", id).
		Int("remainingSubscribers", len(ts.subscribers)).
		Msg("subscriber removed from topic stream")
}

func (r *Registry) createTopicStream(topic string) (*topicStream, error) {
	backlog := r.opts.Backlog[topic]

	dedupSize := 0
	if backlog > 0 {
		dedupSize = r.opts.DedupSize
	}
	dispatcher, err := dispatch.NewDispatcher(topic, dispatch.Options{
		Filter:    r.opts.Filter,
		DedupSize: dedupSize,
	}, r.logger)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	ts := &topicStream{
		topic:       topic,
		dispatcher:  dispatcher,
		subscribers: make(map[string]*subscriber),
	}
	if err := r.newManager(ts); err != nil {
		return nil, err
	}
	return ts, nil
}

func (r *Registry) replaceManager(ts *topicStream) error {
	old := ts.manager
	if err := r.newManager(ts); err != nil {
		return err
	}
	delete(r.live, old)
	r.logger.Info().Str("topic", ts.topic).Msg("replacing exhausted topic stream")
	return nil
}

func (r *Registry) newManager(ts *topicStream) error {
	manager, err := connection.NewManager(connection.Config{
		Endpoint: transport.Endpoint{
			Topic:   ts.topic,
			Host:    r.opts.Host,
			Secure:  r.opts.Secure,
			Root:    r.opts.Root,
			Backlog: r.opts.Backlog[ts.topic],
		},
		Dialer:            r.opts.Dialer,
		Dispatcher:        ts.dispatcher,
		Policy:            r.opts.Policy,
		Scheduler:         r.opts.Scheduler,
		KeepaliveInterval: r.opts.KeepaliveInterval,
		DialTimeout:       r.opts.DialTimeout,
		OnStateChange:     r.opts.OnStateChange,
	}, r.logger)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", ts.topic, err)
	}
	ts.manager = manager
	r.live[manager] = ts.topic
	return nil
}

func (r *Registry) closeManagerLocked(m *connection.Manager) {
	if err := m.Close(); err != nil {
		r.logger.Debug().Err(err).Str("topic", m.Topic()).Msg("error closing stream connection")
	}
	delete(r.live, m)
}
