package keepalive

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"livefeed/internal/event"
	"livefeed/internal/timer"
)

// DefaultInterval is how often a ping is written while a connection is open
const DefaultInterval = 30 * time.Second

// Sender is the part of a connection the monitor writes pings to
type Sender interface {
	WriteMessage(data []byte) error
}

// Stats reports ping counters
type Stats struct {
	PingsSent   int64
	PingsFailed int64
	PongsSeen   int64
	LastPong    time.Time
}

// Monitor writes a "ping" text frame on a fixed interval and recognizes the
// "pong" reply. It is advisory: it never declares a connection dead, that is
// left to the transport's read errors.
type Monitor struct {
	interval time.Duration
	sched    timer.Scheduler
	logger   zerolog.Logger
	now      func() time.Time

	mu      sync.Mutex
	conn    Sender
	cancel  timer.CancelFunc
	gen     uint64
	running bool
	stats   Stats
}

// NewMonitor creates a Monitor. A non-positive interval selects DefaultInterval.
func NewMonitor(interval time.Duration, sched timer.Scheduler, logger zerolog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		interval: interval,
		sched:    sched,
		logger:   logger.With().Str("component", "keepalive").Logger(),
		now:      time.Now,
	}
}

// Start begins probing conn. A running monitor is restarted on the new connection.
func (m *Monitor) Start(conn Sender) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopLocked()
	m.gen++
	m.conn = conn
	m.running = true
	m.scheduleLocked(m.gen)
}

// Stop cancels the ping timer. It is safe to call on a stopped monitor.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

// Running reports whether a ping timer is active
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Observe inspects an inbound frame. It returns true when the frame is a
// keepalive reply, which the caller must not dispatch.
func (m *Monitor) Observe(frame []byte) bool {
	if !event.IsPong(frame) {
		return false
	}
	m.mu.Lock()
	m.stats.PongsSeen++
	m.stats.LastPong = m.now()
	m.mu.Unlock()
	return true
}

// Stats returns a snapshot of the ping counters
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *Monitor) stopLocked() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.conn = nil
	m.running = false
}

func (m *Monitor) scheduleLocked(gen uint64) {
	m.cancel = m.sched.Schedule(m.interval, func() { m.tick(gen) })
}

func (m *Monitor) tick(gen uint64) {
	m.mu.Lock()
	if !m.running || gen != m.gen {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.scheduleLocked(gen)
	m.mu.Unlock()

	err := conn.WriteMessage([]byte(event.PingFrame))

	m.mu.Lock()
	if err != nil {
		m.stats.PingsFailed++
	} else {
		m.stats.PingsSent++
	}
	m.mu.Unlock()

	if err != nil {
		m.logger.Debug().Err(err).Msg("ping write failed")
	}
}
