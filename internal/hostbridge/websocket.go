package hostbridge

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loqalabs/loqa-readalong/internal/protocol"
)

const (
	writeWait   = 5 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = pongWait * 9 / 10
	sendBacklog = 256
)

// Hub serves the websocket endpoint. Each connection receives the events of
// the session named by its ?session= query parameter, or of every session
// when none is given, and may send commands that are answered in order.
type Hub struct {
	dispatcher Dispatcher
	log        *slog.Logger
	upgrader   websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool
}

type wsClient struct {
	conn    *websocket.Conn
	session string
	send    chan []byte
	done    chan struct{}
	once    sync.Once
}

func NewHub(d Dispatcher, log *slog.Logger) *Hub {
	return &Hub{
		dispatcher: d,
		log:        log.With(slog.String("component", "websocket")),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*wsClient]struct{}),
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", slogError(err))
		return
	}
	c := &wsClient{
		conn:    conn,
		session: r.URL.Query().Get("session"),
		send:    make(chan []byte, sendBacklog),
		done:    make(chan struct{}),
	}
	if !h.register(c) {
		_ = conn.Close()
		return
	}
	defer h.unregister(c)

	go h.writeLoop(c)
	h.readLoop(r, c)
}

// Publish queues an event for every interested client. Slow clients lose
// events rather than stall the engine.
func (h *Hub) Publish(kind, sessionID string, payload []byte) {
	data, err := json.Marshal(protocol.Envelope{Kind: kind, Payload: payload})
	if err != nil {
		h.log.Warn("failed to encode envelope", slogError(err))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.session != "" && c.session != sessionID {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.log.Debug("dropping event for slow client", slog.String("session", c.session), slog.String("kind", kind))
		}
	}
}

// Len reports the number of connected clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

func (h *Hub) register(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

func (h *Hub) readLoop(r *http.Request, c *wsClient) {
	c.conn.SetReadLimit(1 << 20)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var cmd protocol.Command
		if err := c.conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debug("websocket read failed", slogError(err))
			}
			return
		}
		if cmd.SessionID == "" {
			cmd.SessionID = c.session
		}
		reply := h.dispatcher.Dispatch(r.Context(), cmd)
		payload, err := json.Marshal(reply)
		if err != nil {
			h.log.Warn("failed to encode reply", slogError(err))
			continue
		}
		data, err := json.Marshal(protocol.Envelope{Kind: protocol.KindReply, Payload: payload})
		if err != nil {
			continue
		}
		select {
		case c.send <- data:
		case <-c.done:
			return
		}
	}
}

func (h *Hub) writeLoop(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.log.Debug("websocket write failed", slogError(err))
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
