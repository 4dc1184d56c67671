// ABOUTME: WebSocket observer endpoint and connection plumbing
// ABOUTME: Upgrades, subscribes the connection to the fanout registry, and pumps outbound frames

package httpapi

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second

	sendBuffer = 128
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin policy is enforced by the CORS layer for the REST surface;
	// observers connect from arbitrary frontends.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn adapts a websocket to the fanout registry. Outbound frames go
// through a buffered channel drained by a single write loop, so Send is safe
// to call concurrently.
type wsConn struct {
	id     string
	userID string

	ws    *websocket.Conn
	send  chan []byte
	once  sync.Once
	close chan struct{}
}

func newWSConn(userID string, ws *websocket.Conn) *wsConn {
	return &wsConn{
		id:     uuid.NewString(),
		userID: userID,
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
		close:  make(chan struct{}),
	}
}

func (c *wsConn) ID() string     { return c.id }
func (c *wsConn) UserID() string { return c.userID }

// Send enqueues a frame for delivery. A full buffer means the client is not
// keeping up; the connection is closed so backpressure stays bounded.
func (c *wsConn) Send(payload []byte) error {
	select {
	case <-c.close:
		return errors.New("connection closed")
	case c.send <- payload:
		return nil
	default:
		c.Close()
		return errors.New("send buffer full")
	}
}

// Close terminates the connection and stops the write loop. Idempotent.
func (c *wsConn) Close() {
	c.once.Do(func() {
		close(c.close)
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
			time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
}

// start launches the write loop. Call exactly once per connection.
func (c *wsConn) start() {
	go c.writeLoop()
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.close:
			return
		case frame := <-c.send:
			if err := c.writeFrame(frame); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.writePing(); err != nil {
				c.Close()
				return
			}
		}
	}
}

func (c *wsConn) writeFrame(payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsConn) writePing() error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.PingMessage, nil)
}

// ObserveResponses upgrades the request to a WebSocket, replays the user's
// latest thread, and streams live payloads until the client disconnects.
func (h *Handler) ObserveResponses(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written its own error response
		h.logger.Debug("websocket upgrade failed", "user_id", userID, "error", err)
		return
	}

	conn := newWSConn(userID, ws)
	conn.start()

	if err := h.registry.Subscribe(r.Context(), conn); err != nil {
		h.logger.Error("observer subscription failed", "user_id", userID, "error", err)
		conn.Close()
		return
	}

	h.readLoop(conn)
	h.registry.Unregister(conn)
}

// readLoop drains inbound frames until the peer goes away. Observers are
// receive-only; anything they send is discarded, but reading is what detects
// disconnects and services pong frames.
func (h *Handler) readLoop(conn *wsConn) {
	conn.ws.SetReadLimit(maxRequestBody)
	_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ws.ReadMessage(); err != nil {
			return
		}
	}
}
