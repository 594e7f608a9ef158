package timer

import (
	"sort"
	"sync"
	"time"
)

// CancelFunc cancels a scheduled callback. It is safe to call more than once
// and after the callback has already run.
type CancelFunc func()

// Scheduler runs callbacks after a delay
type Scheduler interface {
	Schedule(delay time.Duration, fn func()) CancelFunc
}

// Real schedules callbacks on the runtime timer heap
type Real struct{}

// Schedule implements Scheduler
func (Real) Schedule(delay time.Duration, fn func()) CancelFunc {
	t := time.AfterFunc(delay, fn)
	return func() { t.Stop() }
}

// Manual is a simulated clock. Callbacks run only when Advance moves the
// clock past their due time, on the goroutine calling Advance.
type Manual struct {
	mu      sync.Mutex
	now     time.Duration
	seq     int
	pending []*manualEntry
	history []time.Duration
}

type manualEntry struct {
	due      time.Duration
	seq      int
	fn       func()
	canceled bool
}

// NewManual creates a Manual clock at time zero
func NewManual() *Manual {
	return &Manual{}
}

// Schedule implements Scheduler
func (m *Manual) Schedule(delay time.Duration, fn func()) CancelFunc {
	m.mu.Lock()
	defer m.mu.Unlock()

	if delay < 0 {
		delay = 0
	}
	m.seq++
	e := &manualEntry{due: m.now + delay, seq: m.seq, fn: fn}
	m.pending = append(m.pending, e)
	m.history = append(m.history, delay)

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if e.canceled {
			return
		}
		e.canceled = true
		m.removeLocked(e)
	}
}

// Advance moves the clock forward by d and runs every callback that became due,
// in due-time order. Callbacks scheduled by a running callback fire in the same
// call when they fall inside the window.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now + d
	m.mu.Unlock()

	for {
		m.mu.Lock()
		e := m.nextDueLocked(target)
		if e == nil {
			m.now = target
			m.mu.Unlock()
			return
		}
		m.removeLocked(e)
		e.canceled = true
		if e.due > m.now {
			m.now = e.due
		}
		m.mu.Unlock()

		e.fn()
	}
}

// Pending returns the number of scheduled callbacks that have not fired or been canceled
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// NextDelay returns the time remaining until the earliest pending callback
func (m *Manual) NextDelay() (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 {
		return 0, false
	}
	e := m.earliestLocked()
	return e.due - m.now, true
}

// History returns every delay passed to Schedule, in call order
func (m *Manual) History() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]time.Duration, len(m.history))
	copy(out, m.history)
	return out
}

// Now returns the simulated elapsed time
func (m *Manual) Now() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) earliestLocked() *manualEntry {
	sort.Slice(m.pending, func(i, j int) bool {
		if m.pending[i].due == m.pending[j].due {
			return m.pending[i].seq < m.pending[j].seq
		}
		return m.pending[i].due < m.pending[j].due
	})
	return m.pending[0]
}

func (m *Manual) nextDueLocked(target time.Duration) *manualEntry {
	if len(m.pending) == 0 {
		return nil
	}
	e := m.earliestLocked()
	if e.due > target {
		return nil
	}
	return e
}

func (m *Manual) removeLocked(e *manualEntry) {
	for i, p := range m.pending {
		if p == e {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return
		}
	}
}
