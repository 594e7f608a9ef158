package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"livefeed/internal/backoff"
	"livefeed/internal/keepalive"
	"livefeed/internal/timer"
	"livefeed/internal/transport"
)

// defaultDialTimeout bounds one connection attempt
const defaultDialTimeout = 30 * time.Second

// FrameDispatcher consumes inbound frames in arrival order
type FrameDispatcher interface {
	Dispatch(frame []byte, receivedAt time.Time)
}

// Config configures a Manager
type Config struct {
	Endpoint          transport.Endpoint
	Dialer            transport.Dialer
	Dispatcher        FrameDispatcher
	Policy            backoff.Policy
	Scheduler         timer.Scheduler
	KeepaliveInterval time.Duration
	DialTimeout       time.Duration
	OnStateChange     func(StateChange) // must not block
}

// Manager owns the single connection of one topic: it dials, forwards
// frames to the dispatcher, and reconnects with backoff after drops.
// After Close it is terminal.
type Manager struct {
	topic      string
	url        string
	dialer     transport.Dialer
	dispatcher FrameDispatcher
	policy     backoff.Policy
	sched      timer.Scheduler
	keepalive  *keepalive.Monitor
	dialTO     time.Duration
	observer   func(StateChange)
	logger     zerolog.Logger
	now        func() time.Time

	mu          sync.Mutex
	state       State
	attempt     int
	nextDelay   time.Duration
	conn        transport.Conn
	gen         uint64
	cancelRetry timer.CancelFunc
	cancelDial  context.CancelFunc
	stats       Stats

	// state changes queued under mu and delivered in order by flush
	pending  []StateChange
	flushing bool
}

// NewManager creates a Manager in the Idle state. It fails only when the
// endpoint can never be dialed.
func NewManager(cfg Config, logger zerolog.Logger) (*Manager, error) {
	url, err := cfg.Endpoint.URL()
	if err != nil {
		return nil, err
	}
	if cfg.Dialer == nil || cfg.Dispatcher == nil {
		return nil, fmt.Errorf("connection manager for %s: dialer and dispatcher are required", cfg.Endpoint.Topic)
	}

	sched := cfg.Scheduler
	if sched == nil {
		sched = timer.Real{}
	}
	dialTO := cfg.DialTimeout
	if dialTO <= 0 {
		dialTO = defaultDialTimeout
	}

	log := logger.With().
		Str("component", "connection").
		Str("topic", cfg.Endpoint.Topic).
		Logger()

	return &Manager{
		topic:      cfg.Endpoint.Topic,
		url:        url,
		dialer:     cfg.Dialer,
		dispatcher: cfg.Dispatcher,
		policy:     cfg.Policy,
		sched:      sched,
		keepalive:  keepalive.NewMonitor(cfg.KeepaliveInterval, sched, log),
		dialTO:     dialTO,
		observer:   cfg.OnStateChange,
		logger:     log,
		now:        time.Now,
		state:      Idle,
		stats:      Stats{Topic: cfg.Endpoint.Topic},
	}, nil
}

// Topic returns the topic this manager serves
func (m *Manager) Topic() string {
	return m.topic
}

// URL returns the rendered stream URL
func (m *Manager) URL() string {
	return m.url
}

// State returns the current state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ReconnectState returns the retry bookkeeping
func (m *Manager) ReconnectState() ReconnectState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ReconnectState{
		Attempt:   m.attempt,
		NextDelay: m.nextDelay,
		Cap:       m.policy.Cap,
	}
}

// Stats returns a snapshot of the connection counters
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	st := m.stats
	st.State = m.state
	st.Attempt = m.attempt
	m.mu.Unlock()
	st.Keepalive = m.keepalive.Stats()
	return st
}

// Open starts connecting. It returns immediately; the dial completes in the
// background. Calling Open while connecting or open is a no-op, and calling it
// while a retry is pending dials right away.
func (m *Manager) Open() error {
	m.mu.Lock()
	switch m.state {
	case Closing, Closed:
		m.mu.Unlock()
		return ErrClosed
	case Connecting, Open:
		m.mu.Unlock()
		return nil
	case Reconnecting:
		m.stopRetryLocked()
	}
	m.startDialLocked()
	m.mu.Unlock()

	m.flush()
	return nil
}

// Close cancels any pending retry, stops keepalive and closes the
// connection. It does not wait for the peer to acknowledge. Close is idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.state == Closing || m.state == Closed {
		m.mu.Unlock()
		return nil
	}

	m.transitionLocked(Closing, 0, nil)
	m.gen++
	m.stopRetryLocked()
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	m.keepalive.Stop()
	conn := m.conn
	m.conn = nil
	m.transitionLocked(Closed, 0, nil)
	m.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	m.flush()

	m.logger.Info().Msg("stream connection closed")
	return err
}

// startDialLocked moves to Connecting and dials in the background
func (m *Manager) startDialLocked() {
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithTimeout(context.Background(), m.dialTO)
	m.cancelDial = cancel
	m.transitionLocked(Connecting, 0, nil)

	go m.dial(ctx, cancel, gen)
}

func (m *Manager) dial(ctx context.Context, cancel context.CancelFunc, gen uint64) {
	m.logger.Debug().Str("url", m.url).Int("attempt", m.ReconnectState().Attempt).Msg("stream connecting")
	conn, err := m.dialer.Dial(ctx, m.url)
	cancel()

	m.mu.Lock()
	if gen != m.gen || m.state != Connecting {
		m.mu.Unlock()
		// closed while dialing; the late connection is not kept
		if conn != nil {
			conn.Close()
		}
		return
	}
	m.cancelDial = nil

	if err != nil {
		m.stats.DialFailures++
		m.scheduleRetryLocked(gen, err)
		m.mu.Unlock()
		m.flush()
		return
	}

	m.conn = conn
	m.attempt = 0
	m.nextDelay = 0
	m.stats.Connects++
	m.keepalive.Start(conn)
	m.transitionLocked(Open, 0, nil)
	m.mu.Unlock()
	m.flush()

	m.logger.Info().Msg("stream connected")
	go m.readLoop(conn, gen)
}

// readLoop forwards frames to the dispatcher on a single goroutine, which
// keeps delivery in arrival order
func (m *Manager) readLoop(conn transport.Conn, gen uint64) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.handleDrop(conn, gen, err)
			return
		}
		receivedAt := m.now()

		m.mu.Lock()
		current := gen == m.gen && m.state == Open
		m.mu.Unlock()
		if !current {
			return
		}

		if m.keepalive.Observe(data) {
			continue
		}
		m.dispatcher.Dispatch(data, receivedAt)
	}
}

// handleDrop reacts to a read error. Drops after Close are expected and ignored.
func (m *Manager) handleDrop(conn transport.Conn, gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen || m.state != Open {
		m.mu.Unlock()
		return
	}
	m.stats.Drops++
	m.keepalive.Stop()
	m.conn = nil
	m.scheduleRetryLocked(gen, err)
	m.mu.Unlock()

	conn.Close()
	m.flush()

	m.logger.Warn().Err(err).Msg("stream connection lost, reconnecting")
}

// scheduleRetryLocked moves to Reconnecting and arms the retry timer, or to
// Closed when a retry ceiling is configured and reached
func (m *Manager) scheduleRetryLocked(gen uint64, cause error) {
	terr := &TransportError{Topic: m.topic, Attempt: m.attempt, Err: cause}

	if m.policy.Exhausted(m.attempt) {
		m.gen++
		m.transitionLocked(Closed, 0, fmt.Errorf("%w: %v", ErrRetriesExhausted, terr))
		m.logger.Error().Err(terr).Int("attempts", m.attempt).Msg("giving up on stream")
		return
	}

	delay := m.policy.NextDelay(m.attempt)
	m.nextDelay = delay
	m.attempt++
	m.transitionLocked(Reconnecting, delay, terr)
	m.cancelRetry = m.sched.Schedule(delay, func() { m.retry(gen) })

	m.logger.Debug().
		Err(cause).
		Int("attempt", m.attempt).
		Dur("delay", delay).
		Msg("reconnect scheduled")
}

func (m *Manager) retry(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != Reconnecting {
		m.mu.Unlock()
		return
	}
	m.cancelRetry = nil
	m.startDialLocked()
	m.mu.Unlock()
	m.flush()
}

func (m *Manager) stopRetryLocked() {
	if m.cancelRetry != nil {
		m.cancelRetry()
		m.cancelRetry = nil
	}
}

func (m *Manager) transitionLocked(to State, delay time.Duration, err error) {
	from := m.state
	m.state = to
	if m.observer == nil {
		return
	}
	m.pending = append(m.pending, StateChange{
		Topic:   m.topic,
		From:    from,
		To:      to,
		Attempt: m.attempt,
		Delay:   delay,
		Err:     err,
	})
}

// flush delivers queued state changes in transition order. Only one
// goroutine delivers at a time; an observer may call back into the manager.
func (m *Manager) flush() {
	m.mu.Lock()
	if m.flushing {
		m.mu.Unlock()
		return
	}
	m.flushing = true
	for len(m.pending) > 0 {
		changes := m.pending
		m.pending = nil
		m.mu.Unlock()
		for _, c := range changes {
			m.observer(c)
		}
		m.mu.Lock()
	}
	m.flushing = false
	m.mu.Unlock()
}
