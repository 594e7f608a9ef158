package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait        = 10 * time.Second
	closeWait        = time.Second
	maxMessageSize   = 10 * 1024 * 1024 // 10MB
	defaultHandshake = 10 * time.Second
)

// WebsocketDialer opens gorilla/websocket connections
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
	MessageTimeout   time.Duration // read deadline per frame; 0 disables it
	Header           http.Header
	logger           zerolog.Logger
}

// NewWebsocketDialer creates a WebsocketDialer
func NewWebsocketDialer(handshakeTimeout, messageTimeout time.Duration, logger zerolog.Logger) *WebsocketDialer {
	if handshakeTimeout <= 0 {
		handshakeTimeout = defaultHandshake
	}
	return &WebsocketDialer{
		HandshakeTimeout: handshakeTimeout,
		MessageTimeout:   messageTimeout,
		logger:           logger.With().Str("component", "transport").Logger(),
	}
}

// Dial implements Dialer
func (d *WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect WebSocket (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect WebSocket: %w", err)
	}

	conn.SetReadLimit(maxMessageSize)
	c := &wsConn{conn: conn, messageTimeout: d.MessageTimeout}
	if d.MessageTimeout > 0 {
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(d.MessageTimeout))
		})
	}

	d.logger.Debug().Str("url", url).Msg("WebSocket connected")
	return c, nil
}

// wsConn adapts *websocket.Conn to Conn
type wsConn struct {
	conn           *websocket.Conn
	messageTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// ReadMessage implements Conn
func (c *wsConn) ReadMessage() ([]byte, error) {
	if c.messageTimeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.messageTimeout))
	}
	_, data, err := c.conn.ReadMessage()
	return data, err
}

// WriteMessage implements Conn
func (c *wsConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close implements Conn. The close frame is best effort; the peer's
// acknowledgement is not awaited.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeWait),
		)
		c.writeMu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
