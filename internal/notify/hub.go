package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/odyssey-erp/odyssey-pe/internal/shared"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 64
)

// client is one websocket connection of a recipient.
type client struct {
	hub       *Hub
	conn      *websocket.Conn
	recipient string
	send      chan []byte
}

// Hub keeps the live sockets per recipient and routes inbox events to them.
type Hub struct {
	upgrader   websocket.Upgrader
	logger     *slog.Logger
	register   chan *client
	unregister chan *client
	done       chan struct{}

	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
}

// NewHub constructs a Hub. allowOrigin decides cross-origin upgrades; nil
// only accepts same-origin requests.
func NewHub(logger *slog.Logger, allowOrigin func(*http.Request) bool) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     allowOrigin,
		},
		logger:     logger.With(slog.String("component", "notify.hub")),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		clients:    make(map[string]map[*client]struct{}),
	}
}

// Run dispatches events to connected recipients until ctx is done or events
// closes. It must be called once.
func (h *Hub) Run(ctx context.Context, events <-chan Event) {
	defer close(h.done)
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			h.mu.Lock()
			set, ok := h.clients[c.recipient]
			if !ok {
				set = make(map[*client]struct{})
				h.clients[c.recipient] = set
			}
			set[c] = struct{}{}
			h.mu.Unlock()
		case c := <-h.unregister:
			h.remove(c)
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.dispatch(ev)
		}
	}
}

// Connected reports how many sockets recipient holds.
func (h *Hub) Connected(recipient shared.Identity) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[recipient.String()])
}

func (h *Hub) dispatch(ev Event) {
	if ev.Recipient == "" {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn("marshal event", slog.Any("error", err))
		return
	}
	h.mu.RLock()
	var slow []*client
	for c := range h.clients[ev.Recipient] {
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range slow {
		h.remove(c)
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.recipient]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	close(c.send)
	if len(set) == 0 {
		delete(h.clients, c.recipient)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for recipient, set := range h.clients {
		for c := range set {
			close(c.send)
		}
		delete(h.clients, recipient)
	}
}

// ServeWS upgrades the request and streams the caller's events. The caller
// identity must already be in the request context.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	id, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade", slog.Any("error", err))
		return
	}
	c := &client{hub: h, conn: conn, recipient: id.String(), send: make(chan []byte, sendBuffer)}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only drains control frames; clients never send data.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("websocket closed", slog.String("recipient", c.recipient), slog.Any("error", err))
			}
			return
		}
	}
}
