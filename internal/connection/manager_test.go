package connection

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"livefeed/internal/backoff"
	"livefeed/internal/timer"
	"livefeed/internal/transport"
	"livefeed/internal/transport/transporttest"
)

type recordingDispatcher struct {
	frames chan string
}

func (d *recordingDispatcher) Dispatch(frame []byte, receivedAt time.Time) {
	d.frames <- string(frame)
}

type harness struct {
	m       *Manager
	dialer  *transporttest.Dialer
	clock   *timer.Manual
	changes chan StateChange
	frames  chan string
}

func newHarness(t *testing.T, policy backoff.Policy, results ...error) *harness {
	t.Helper()
	h := &harness{
		dialer:  transporttest.NewDialer(results...),
		clock:   timer.NewManual(),
		changes: make(chan StateChange, 256),
		frames:  make(chan string, 256),
	}
	m, err := NewManager(Config{
		Endpoint:          transport.Endpoint{Topic: "intel", Host: "example.test", Root: "ws/stream"},
		Dialer:            h.dialer,
		Dispatcher:        &recordingDispatcher{frames: h.frames},
		Policy:            policy,
		Scheduler:         h.clock,
		KeepaliveInterval: 30 * time.Second,
		OnStateChange:     func(c StateChange) { h.changes <- c },
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	h.m = m
	t.Cleanup(func() { m.Close() })
	return h
}

func testPolicy() backoff.Policy {
	return backoff.Policy{Base: time.Second, Cap: 30 * time.Second}
}

func (h *harness) waitState(t *testing.T, want State) StateChange {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case c := <-h.changes:
			if c.To == want {
				return c
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s (current %s)", want, h.m.State())
		}
	}
}

func (h *harness) waitConn(t *testing.T) *transporttest.Conn {
	t.Helper()
	select {
	case c := <-h.dialer.Dialed:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

func (h *harness) waitFrame(t *testing.T) string {
	t.Helper()
	select {
	case f := <-h.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return ""
	}
}

func TestNewManager_InvalidEndpoint(t *testing.T) {
	_, err := NewManager(Config{
		Endpoint:   transport.Endpoint{Topic: "intel"},
		Dialer:     transporttest.NewDialer(),
		Dispatcher: &recordingDispatcher{},
	}, zerolog.Nop())
	if !errors.Is(err, transport.ErrInvalidEndpoint) {
		t.Fatalf("err = %v, want ErrInvalidEndpoint", err)
	}
}

func TestManager_OpenConnects(t *testing.T) {
	h := newHarness(t, testPolicy())
	if h.m.State() != Idle {
		t.Fatalf("initial state = %s, want idle", h.m.State())
	}

	if err := h.m.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	h.waitState(t, Open)
	conn := h.waitConn(t)

	if conn.URL != "ws://example.test/ws/stream/intel" {
		t.Errorf("dialed %s", conn.URL)
	}
	if st := h.m.Stats(); st.Connects != 1 || st.State != Open {
		t.Errorf("stats = %+v", st)
	}

	// a second Open on a live connection does nothing
	if err := h.m.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if h.dialer.Calls() != 1 {
		t.Errorf("dial calls = %d, want 1", h.dialer.Calls())
	}
}

func TestManager_ReconnectBackoffAndReset(t *testing.T) {
	boom := errors.New("connection refused")
	h := newHarness(t, testPolicy(), nil, boom, boom, nil)

	h.m.Open()
	h.waitState(t, Open)
	conn := h.waitConn(t)

	conn.Drop(errors.New("connection reset"))
	c := h.waitState(t, Reconnecting)
	if c.Delay != time.Second {
		t.Fatalf("first delay = %v, want 1s", c.Delay)
	}
	var terr *TransportError
	if !errors.As(c.Err, &terr) {
		t.Errorf("cause = %v, want *TransportError", c.Err)
	}

	for _, want := range []time.Duration{2 * time.Second, 4 * time.Second} {
		h.clock.Advance(c.Delay)
		h.waitState(t, Connecting)
		c = h.waitState(t, Reconnecting)
		if c.Delay != want {
			t.Fatalf("delay = %v, want %v", c.Delay, want)
		}
	}
	if rs := h.m.ReconnectState(); rs.Attempt != 3 || rs.NextDelay != 4*time.Second {
		t.Errorf("reconnect state = %+v", rs)
	}

	h.clock.Advance(c.Delay)
	h.waitState(t, Open)
	conn = h.waitConn(t)
	if rs := h.m.ReconnectState(); rs.Attempt != 0 {
		t.Errorf("attempt after reconnect = %d, want 0", rs.Attempt)
	}

	conn.Drop(errors.New("connection reset"))
	c = h.waitState(t, Reconnecting)
	if c.Delay != time.Second {
		t.Errorf("delay after reset = %v, want 1s", c.Delay)
	}

	st := h.m.Stats()
	if st.Drops != 2 || st.DialFailures != 2 || st.Connects != 2 {
		t.Errorf("stats = %+v", st)
	}
}

func TestManager_UnboundedRetriesStayAtCap(t *testing.T) {
	h := newHarness(t, testPolicy())
	h.dialer.Fail = transporttest.ErrDialRefused

	h.m.Open()
	want := []time.Duration{1, 2, 4, 8, 16, 30, 30, 30, 30, 30}
	for i, w := range want {
		c := h.waitState(t, Reconnecting)
		if c.Delay != w*time.Second {
			t.Fatalf("retry %d delay = %v, want %v", i, c.Delay, w*time.Second)
		}
		h.clock.Advance(c.Delay)
	}
	if h.m.State() == Closed {
		t.Fatal("unbounded policy gave up")
	}

	// the dial started by the last Advance may already have scheduled another retry
	history := h.clock.History()
	if len(history) < len(want) {
		t.Fatalf("scheduled %v, want at least %d retries", history, len(want))
	}
	for i, w := range want {
		if history[i] != w*time.Second {
			t.Errorf("scheduled delay %d = %v, want %v", i, history[i], w*time.Second)
		}
	}
}

func TestManager_RetryCeilingCloses(t *testing.T) {
	policy := testPolicy()
	policy.MaxAttempts = 2
	h := newHarness(t, policy)
	h.dialer.Fail = transporttest.ErrDialRefused

	h.m.Open()
	for i := 0; i < 2; i++ {
		c := h.waitState(t, Reconnecting)
		h.clock.Advance(c.Delay)
	}
	c := h.waitState(t, Closed)
	if !errors.Is(c.Err, ErrRetriesExhausted) {
		t.Errorf("err = %v, want ErrRetriesExhausted", c.Err)
	}
	if h.clock.Pending() != 0 {
		t.Errorf("pending timers = %d, want 0", h.clock.Pending())
	}
	if err := h.m.Open(); !errors.Is(err, ErrClosed) {
		t.Errorf("Open after exhaustion = %v, want ErrClosed", err)
	}
}

func TestManager_CloseCancelsRetry(t *testing.T) {
	h := newHarness(t, testPolicy())

	h.m.Open()
	h.waitState(t, Open)
	conn := h.waitConn(t)
	conn.Drop(errors.New("connection reset"))
	h.waitState(t, Reconnecting)
	if h.clock.Pending() != 1 {
		t.Fatalf("pending timers = %d, want 1", h.clock.Pending())
	}

	if err := h.m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if h.m.State() != Closed {
		t.Errorf("state = %s, want closed", h.m.State())
	}
	if h.clock.Pending() != 0 {
		t.Errorf("pending timers after Close = %d, want 0", h.clock.Pending())
	}

	h.clock.Advance(time.Hour)
	if h.dialer.Calls() != 1 {
		t.Errorf("dial calls = %d, want 1", h.dialer.Calls())
	}
	if err := h.m.Open(); !errors.Is(err, ErrClosed) {
		t.Errorf("Open after Close = %v, want ErrClosed", err)
	}
	if err := h.m.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestManager_CloseWhileOpen(t *testing.T) {
	h := newHarness(t, testPolicy())

	h.m.Open()
	h.waitState(t, Open)
	conn := h.waitConn(t)

	h.m.Close()
	h.waitState(t, Closing)
	h.waitState(t, Closed)
	if !conn.Closed() {
		t.Error("connection not closed")
	}
	if h.clock.Pending() != 0 {
		t.Errorf("pending timers = %d, want 0", h.clock.Pending())
	}
	if st := h.m.Stats(); st.Drops != 0 {
		t.Errorf("drops = %d, want 0 for a requested close", st.Drops)
	}
}

func TestManager_DialCompletingAfterCloseIsDiscarded(t *testing.T) {
	h := newHarness(t, testPolicy())
	h.dialer.Gate = make(chan struct{})

	h.m.Open()
	h.waitState(t, Connecting)
	h.m.Close()
	close(h.dialer.Gate)

	conn := h.waitConn(t)
	deadline := time.Now().Add(2 * time.Second)
	for !conn.Closed() {
		if time.Now().After(deadline) {
			t.Fatal("late connection was not closed")
		}
		time.Sleep(time.Millisecond)
	}
	if h.m.State() != Closed {
		t.Errorf("state = %s, want closed", h.m.State())
	}
}

func TestManager_OpenWhileReconnectingDialsNow(t *testing.T) {
	h := newHarness(t, testPolicy(), transporttest.ErrDialRefused, nil)

	h.m.Open()
	h.waitState(t, Reconnecting)

	h.m.Open()
	h.waitState(t, Open)
	if h.clock.Pending() != 1 {
		// only the keepalive timer remains
		t.Errorf("pending timers = %d, want 1", h.clock.Pending())
	}
}

func TestManager_FramesInOrderAndPongsSwallowed(t *testing.T) {
	h := newHarness(t, testPolicy())

	h.m.Open()
	h.waitState(t, Open)
	conn := h.waitConn(t)

	conn.Push(`{"type":"flag.created","data":{"id":"A"}}`, "pong", `{"type":"flag.created","data":{"id":"B"}}`)
	for _, want := range []string{`{"type":"flag.created","data":{"id":"A"}}`, `{"type":"flag.created","data":{"id":"B"}}`} {
		if got := h.waitFrame(t); got != want {
			t.Errorf("frame = %s, want %s", got, want)
		}
	}
	if st := h.m.Stats(); st.Keepalive.PongsSeen != 1 {
		t.Errorf("pongs seen = %d, want 1", st.Keepalive.PongsSeen)
	}
}

func TestManager_KeepalivePings(t *testing.T) {
	h := newHarness(t, testPolicy())

	h.m.Open()
	h.waitState(t, Open)
	conn := h.waitConn(t)

	h.clock.Advance(30 * time.Second)
	h.clock.Advance(30 * time.Second)
	if got := conn.Writes(); len(got) != 2 || got[0] != "ping" {
		t.Errorf("writes = %v, want two pings", got)
	}
	if h.m.State() != Open {
		t.Errorf("state = %s, want open", h.m.State())
	}
}

func TestState_String(t *testing.T) {
	for s, want := range map[State]string{
		Idle: "idle", Connecting: "connecting", Open: "open",
		Closing: "closing", Closed: "closed", Reconnecting: "reconnecting",
	} {
		if s.String() != want {
			t.Errorf("%d.String() = %s, want %s", int(s), s.String(), want)
		}
	}
}
