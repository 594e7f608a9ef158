package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"livefeed/internal/config"
	"livefeed/internal/event"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// newDashboardServer pushes frames to every stream connection and records
// the requested paths
func newDashboardServer(t *testing.T, paths chan<- string, frames ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		select {
		case paths <- r.URL.RequestURI():
		default:
		}

		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(srv *httptest.Server) *config.Config {
	return &config.Config{
		LogLevel:          "info",
		Host:              strings.TrimPrefix(srv.URL, "http://"),
		StreamRoot:        "ws/stream",
		ReconnectBase:     10,
		ReconnectCap:      100,
		KeepaliveInterval: 30000,
		HandshakeTimeout:  2000,
		DedupCacheSize:    100,
		Topics: []config.TopicConfig{
			{Name: "intel", Backlog: 10},
		},
	}
}

func TestClient_DeliversConfiguredTopics(t *testing.T) {
	paths := make(chan string, 4)
	srv := newDashboardServer(t, paths,
		`{"type":"flag.created","data":{"id":"F1","confidence":0.9}}`,
		`{"type":"flag.created","data":{"id":"F1","confidence":0.9}}`,
		`{"type":"stats.updated","data":{"totalFlags":12}}`,
	)

	got := make(chan event.Event, 8)
	c, err := New(testConfig(srv), func(ev event.Event) { got <- ev }, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop(context.Background())

	select {
	case p := <-paths:
		if p != "/ws/stream/intel?backlog=10" {
			t.Errorf("path = %s", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("client never connected")
	}

	var kinds []event.Kind
	for i := 0; i < 2; i++ {
		select {
		case ev := <-got:
			kinds = append(kinds, ev.Kind)
		case <-time.After(2 * time.Second):
			t.Fatalf("received %v, want two events", kinds)
		}
	}
	if kinds[0] != event.KindFlagCreated || kinds[1] != event.KindStatsUpdated {
		t.Errorf("kinds = %v", kinds)
	}

	st := c.Registry().Stats()
	if len(st) != 1 || st[0].Dispatch.Duplicates != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestClient_FiltersFromDirectory(t *testing.T) {
	dir := t.TempDir()
	script := `// @kind flag.created
function filter(event) {
    return event.data.confidence >= 0.5;
}`
	if err := os.WriteFile(filepath.Join(dir, "confidence.js"), []byte(script), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	srv := newDashboardServer(t, make(chan string, 1),
		`{"type":"flag.created","data":{"id":"low","confidence":0.1}}`,
		`{"type":"flag.created","data":{"id":"high","confidence":0.9}}`,
	)

	cfg := testConfig(srv)
	cfg.Filters = &config.FilterConfig{Enabled: true, Directory: dir, Timeout: 500}

	got := make(chan event.Event, 8)
	c, err := New(cfg, func(ev event.Event) { got <- ev }, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop(context.Background())

	select {
	case ev := <-got:
		if !strings.Contains(string(ev.Data), `"high"`) {
			t.Errorf("delivered %s, want the high-confidence flag", ev.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}
}

func TestClient_StopClosesStreams(t *testing.T) {
	srv := newDashboardServer(t, make(chan string, 1))

	cfg := testConfig(srv)
	cfg.StatusLogInterval = 10
	c, err := New(cfg, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Start(); err == nil {
		t.Error("second Start succeeded")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if topics := c.Registry().Topics(); len(topics) != 0 {
		t.Errorf("topics after Stop = %v", topics)
	}
}

func TestClient_StartFailureUndoesSubscriptions(t *testing.T) {
	srv := newDashboardServer(t, make(chan string, 4))

	cfg := testConfig(srv)
	cfg.Topics = append(cfg.Topics, config.TopicConfig{Name: " "})
	c, err := New(cfg, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Stop(context.Background())

	if err := c.Start(); err == nil {
		t.Fatal("Start succeeded with an invalid topic")
	}
	if topics := c.Registry().Topics(); len(topics) != 0 {
		t.Errorf("topics after failed Start = %v, want none", topics)
	}

	cfg.Topics = cfg.Topics[:1]
	if err := c.Start(); err != nil {
		t.Fatalf("Start after fixing topics: %v", err)
	}
	if topics := c.Registry().Topics(); len(topics) != 1 || topics[0] != "intel" {
		t.Errorf("topics = %v, want [intel]", topics)
	}
}

func TestNew_FilterPathNotDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "filters.js")
	if err := os.WriteFile(path, []byte("function filter() { return true; }"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg := &config.Config{
		Host:    "localhost:1",
		Filters: &config.FilterConfig{Enabled: true, Directory: path},
		Topics:  []config.TopicConfig{{Name: "intel"}},
	}
	if _, err := New(cfg, nil, zerolog.Nop()); err == nil {
		t.Fatal("expected error for a filter path that is not a directory")
	}
}
