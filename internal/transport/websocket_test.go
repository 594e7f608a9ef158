package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// newStreamServer pushes frames on connect and answers ping with pong
func newStreamServer(t *testing.T, frames ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/stream/") {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if string(data) == "ping" {
				conn.WriteMessage(websocket.TextMessage, []byte("pong"))
			}
		}
	}))
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func TestWebsocketDialer_ReadWriteClose(t *testing.T) {
	srv := newStreamServer(t,
		`{"type":"flag.created","data":{"id":"1"}}`,
		`{"type":"stats.updated","data":{}}`,
	)
	defer srv.Close()

	d := NewWebsocketDialer(time.Second, 5*time.Second, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := d.Dial(ctx, wsURL(srv, "/stream/intel"))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	for _, want := range []string{`{"type":"flag.created","data":{"id":"1"}}`, `{"type":"stats.updated","data":{}}`} {
		got, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage: %v", err)
		}
		if string(got) != want {
			t.Errorf("frame = %s, want %s", got, want)
		}
	}

	if err := conn.WriteMessage([]byte("ping")); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	got, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if string(got) != "pong" {
		t.Errorf("reply = %s, want pong", got)
	}

	if err := conn.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	conn.Close()
	if _, err := conn.ReadMessage(); err == nil {
		t.Error("ReadMessage after Close succeeded")
	}
}

func TestWebsocketDialer_DialFailure(t *testing.T) {
	srv := newStreamServer(t)
	defer srv.Close()

	d := NewWebsocketDialer(time.Second, 0, zerolog.Nop())
	_, err := d.Dial(context.Background(), wsURL(srv, "/elsewhere"))
	if err == nil {
		t.Fatal("Dial to non-stream path succeeded")
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("err = %v, want status 404 in message", err)
	}
}
