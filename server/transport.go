package server

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"livedata/core"
)

// Conn is the transport as the session layer sees it: an ordered,
// framed, bidirectional byte channel with request metadata.
type Conn interface {
	// Send writes one frame. Safe for concurrent use.
	Send(frame []byte) error
	// SetHandlers registers the inbound-data and close callbacks.
	// Must be called exactly once, before any data can arrive.
	SetHandlers(onData func([]byte), onClose func())
	Close() error
	RemoteAddr() string
	Headers() http.Header
}

// wsConn adapts a gorilla websocket connection to Conn.
type wsConn struct {
	conn    *websocket.Conn
	headers http.Header

	writeMu sync.Mutex
	closed  bool

	onData  func([]byte)
	onClose func()

	ctx    context.Context
	cancel context.CancelFunc
}

func newWSConn(conn *websocket.Conn, headers http.Header) *wsConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &wsConn{conn: conn, headers: headers, ctx: ctx, cancel: cancel}
}

func (c *wsConn) SetHandlers(onData func([]byte), onClose func()) {
	c.onData = onData
	c.onClose = onClose
	go c.readPump()
}

func (c *wsConn) readPump() {
	defer func() {
		c.cancel()
		_ = c.conn.Close()
		if c.onClose != nil {
			c.onClose()
		}
	}()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				core.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}
		if c.onData != nil {
			c.onData(data)
		}
	}
}

func (c *wsConn) Send(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *wsConn) Close() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.cancel()
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}

func (c *wsConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *wsConn) Headers() http.Header { return c.headers }

// WebSocketHandler upgrades HTTP requests and hands the resulting
// connections to the server.
func WebSocketHandler(s *Server) http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// The protocol carries its own session identity; origin
		// checking is the deployment proxy's concern.
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			core.Warn("WebSocket upgrade failed", zap.Error(err))
			return
		}
		s.HandleConnection(newWSConn(conn, r.Header))
	})
}

// ClientAddress derives the client IP honoring forwardedCount trusted
// proxies: with N trusted proxies the Nth-from-last entry of
// x-forwarded-for is the client. Fewer entries than trusted proxies
// means the address cannot be determined and yields "".
func ClientAddress(remoteAddr string, headers http.Header, forwardedCount int) string {
	if forwardedCount <= 0 {
		if host := strings.LastIndex(remoteAddr, ":"); host > 0 {
			return remoteAddr[:host]
		}
		return remoteAddr
	}
	forwarded := headers.Get("x-forwarded-for")
	if forwarded == "" {
		return ""
	}
	parts := strings.Split(forwarded, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	if len(parts) < forwardedCount {
		return ""
	}
	return parts[len(parts)-forwardedCount]
}
