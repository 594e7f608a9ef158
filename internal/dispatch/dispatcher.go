package dispatch

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"livefeed/internal/event"
)

// Handler receives delivered events
type Handler func(ev event.Event)

// HandlerID identifies a registration for Unregister
type HandlerID uint64

// Filter can veto an event before delivery
type Filter interface {
	Allow(ev event.Event) bool
}

// Options configures a Dispatcher
type Options struct {
	Filter    Filter // optional
	DedupSize int    // 0 disables deduplication
}

// Stats reports dispatch counters
type Stats struct {
	Delivered     int64
	Keepalive     int64
	Malformed     int64
	Ignored       int64 // unknown kinds and kinds with no handler
	Filtered      int64
	Duplicates    int64
	HandlerPanics int64
}

type registration struct {
	id      HandlerID
	kind    event.Kind
	handler Handler
}

// Dispatcher parses frames of one topic and routes events to handlers.
// Dispatch must be called from a single goroutine per topic; handlers run
// synchronously on that goroutine in registration order.
type Dispatcher struct {
	topic  string
	logger zerolog.Logger
	filter Filter
	dedup  *Deduplicator

	mu       sync.Mutex
	handlers []registration
	nextID   HandlerID
	stats    Stats
}

// NewDispatcher creates a Dispatcher for topic
func NewDispatcher(topic string, opts Options, logger zerolog.Logger) (*Dispatcher, error) {
	d := &Dispatcher{
		topic:  topic,
		logger: logger.With().Str("component", "dispatcher").Str("topic", topic).Logger(),
		filter: opts.Filter,
	}
	if opts.DedupSize > 0 {
		dedup, err := NewDeduplicator(opts.DedupSize)
		if err != nil {
			return nil, err
		}
		d.dedup = dedup
	}
	return d, nil
}

// Register adds a handler for kind. event.KindAny receives every known kind.
func (d *Dispatcher) Register(kind event.Kind, h Handler) HandlerID {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.handlers = append(d.handlers, registration{id: d.nextID, kind: kind, handler: h})
	return d.nextID
}

// Unregister removes a handler. Unknown ids are ignored.
func (d *Dispatcher) Unregister(id HandlerID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, r := range d.handlers {
		if r.id == id {
			d.handlers = append(d.handlers[:i:i], d.handlers[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered handlers
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.handlers)
}

// Stats returns a snapshot of the dispatch counters
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Dispatch parses one frame and delivers the resulting event. It never
// returns an error or panics: bad frames are logged and dropped.
func (d *Dispatcher) Dispatch(frame []byte, receivedAt time.Time) {
	ev, err := event.Parse(d.topic, frame, receivedAt)
	if err != nil {
		if errors.Is(err, event.ErrKeepaliveReply) {
			d.count(func(s *Stats) { s.Keepalive++ })
			return
		}
		d.count(func(s *Stats) { s.Malformed++ })
		d.logger.Warn().
			Err(err).
			Int("len", len(frame)).
			Msg("dropping malformed frame")
		return
	}

	if !ev.Kind.Known() {
		d.count(func(s *Stats) { s.Ignored++ })
		d.logger.Debug().Str("kind", string(ev.Kind)).Msg("ignoring unknown event kind")
		return
	}

	if d.filter != nil && !d.filter.Allow(ev) {
		d.count(func(s *Stats) { s.Filtered++ })
		return
	}

	d.mu.Lock()
	if d.dedup != nil && d.dedup.IsDuplicate(ev) {
		d.stats.Duplicates++
		d.mu.Unlock()
		d.logger.Debug().Str("kind", string(ev.Kind)).Msg("duplicate event, skipping")
		return
	}
	targets := make([]Handler, 0, len(d.handlers))
	for _, r := range d.handlers {
		if r.kind == ev.Kind || r.kind == event.KindAny {
			targets = append(targets, r.handler)
		}
	}
	if len(targets) == 0 {
		d.stats.Ignored++
	} else {
		d.stats.Delivered++
	}
	d.mu.Unlock()

	for _, h := range targets {
		d.invoke(h, ev)
	}
}

// invoke runs one handler, containing any panic
func (d *Dispatcher) invoke(h Handler, ev event.Event) {
	defer func() {
		if r := recover(); r != nil {
			d.count(func(s *Stats) { s.HandlerPanics++ })
			d.logger.Error().
				Interface("panic", r).
				Str("kind", string(ev.Kind)).
				Msg("event handler panic")
		}
	}()
	h(ev)
}

func (d *Dispatcher) count(fn func(s *Stats)) {
	d.mu.Lock()
	fn(&d.stats)
	d.mu.Unlock()
}
