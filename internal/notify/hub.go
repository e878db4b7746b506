// Package notify delivers escrow notices to users.
//
// A user can follow their escrow over a websocket stream; notices are also
// kept in a short per-user mailbox for clients that poll, and written to the
// structured log so operators see what each user was told.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/tonescrow/internal/escrow"
	"github.com/mbd888/tonescrow/internal/metrics"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// Notice is one message delivered to a user.
type Notice struct {
	UserID string    `json:"userId"`
	Text   string    `json:"text"`
	SentAt time.Time `json:"sentAt"`
}

// Client is one websocket connection following a single user.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID string
	send   chan []byte
}

// MaxClients is the maximum number of concurrent stream connections.
const MaxClients = 10000

const (
	sendBuffer = 64
	readLimit  = 4 * 1024
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

// Hub routes notices to the stream clients of the addressed user.
type Hub struct {
	clients    map[string]map[*Client]bool
	broadcast  chan *Notice
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits
	maxClients int
	count      int

	totalNotices atomic.Int64
	dropped      atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

var _ escrow.Notifier = (*Hub)(nil)

// NewHub creates a stream hub. Call Run before serving connections.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		broadcast:  make(chan *Notice, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run is the hub's main loop. It returns when ctx is done, closing every
// client connection.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("notification hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for userID, set := range h.clients {
				for client := range set {
					close(client.send) // writePump sends CloseMessage on closed channel
				}
				delete(h.clients, userID)
			}
			h.count = 0
			h.mu.Unlock()
			metrics.ActiveStreamClients.Set(0)
			h.logger.Info("notification hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			set, ok := h.clients[client.userID]
			if !ok {
				set = make(map[*Client]bool)
				h.clients[client.userID] = set
			}
			set[client] = true
			h.count++
			h.totalClients.Add(1)
			if current := int64(h.count); current > h.peakClients.Load() {
				h.peakClients.Store(current)
			}
			n := h.count
			h.mu.Unlock()
			metrics.ActiveStreamClients.Set(float64(n))
			h.logger.Debug("stream client connected", "user_id", client.userID, "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			h.remove(client)
			n := h.count
			h.mu.Unlock()
			metrics.ActiveStreamClients.Set(float64(n))
			h.logger.Debug("stream client disconnected", "user_id", client.userID, "total", n)

		case notice := <-h.broadcast:
			h.totalNotices.Add(1)
			payload, err := json.Marshal(notice)
			if err != nil {
				h.logger.Error("failed to encode notice", "user_id", notice.UserID, "error", err)
				continue
			}
			h.mu.RLock()
			var slow []*Client
			for client := range h.clients[notice.UserID] {
				select {
				case client.send <- payload:
				default:
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()
			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					h.remove(client)
				}
				n := h.count
				h.mu.Unlock()
				metrics.ActiveStreamClients.Set(float64(n))
			}
		}
	}
}

// remove drops client and closes its send channel. Caller holds h.mu.
func (h *Hub) remove(client *Client) {
	set, ok := h.clients[client.userID]
	if !ok || !set[client] {
		return
	}
	delete(set, client)
	if len(set) == 0 {
		delete(h.clients, client.userID)
	}
	close(client.send)
	h.count--
}

// Send queues text for every stream client of userID. A full queue drops
// the notice; the mailbox still has it.
func (h *Hub) Send(_ context.Context, userID, text string) {
	notice := &Notice{UserID: userID, Text: text, SentAt: time.Now().UTC()}
	select {
	case h.broadcast <- notice:
	default:
		h.dropped.Add(1)
		h.logger.Warn("notice queue full, dropping stream delivery", "user_id", userID)
	}
}

// Connected returns the number of stream clients following userID.
func (h *Hub) Connected(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// Stats returns hub statistics.
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]interface{}{
		"connectedClients": h.count,
		"connectedUsers":   len(h.clients),
		"totalNotices":     h.totalNotices.Load(),
		"droppedNotices":   h.dropped.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// HandleWebSocket upgrades the request to a stream of userID's notices.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request, userID string) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := h.count
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "user_id", userID, "error", err)
		return
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, sendBuffer),
	}

	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump only services control frames; clients have nothing to say.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "user_id", c.userID, "error", err)
			}
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write error", "user_id", c.userID, "error", err)
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
