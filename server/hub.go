package server

import (
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mbocsi/wattstream/metrics"
	"github.com/mbocsi/wattstream/proto"
)

const (
	writeTimeout = 10 * time.Second

	// pongWait is how long to wait for a pong before treating the
	// connection as dead.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	sendBufSize = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for now
	},
}

var (
	ErrHubClosed      = errors.New("hub closed")
	ErrTooManyClients = errors.New("too many clients")
)

// ClientInfo describes one subscriber of the feed.
type ClientInfo struct {
	Id          string    `json:"id"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
}

type subscriber struct {
	ClientInfo
	conn *websocket.Conn
	send chan []byte
}

// Hub fans published readings out to every connected WebSocket client.
type Hub struct {
	maxClients int
	metrics    *metrics.ServerMetrics
	pingPeriod time.Duration
	pongWait   time.Duration

	mu      sync.RWMutex
	clients map[string]*subscriber
	latest  []byte
	closed  bool
}

func NewHub() *Hub {
	return &Hub{
		maxClients: 16,
		pingPeriod: pingPeriod,
		pongWait:   pongWait,
		clients:    make(map[string]*subscriber),
	}
}

// SetMaxClients and SetMetrics must be called before the hub serves requests.
func (h *Hub) SetMaxClients(n int) {
	h.maxClients = n
}

func (h *Hub) SetMetrics(m *metrics.ServerMetrics) {
	h.metrics = m
}

func generateClientId(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// ServeHTTP upgrades the request and streams readings to it until either
// side closes. The latest reading, if any, is sent first.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	full := len(h.clients) >= h.maxClients
	closed := h.closed
	h.mu.RUnlock()

	if closed {
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}
	if full {
		slog.Warn("Max clients reached, rejecting connection", "remote_addr", r.RemoteAddr)
		http.Error(w, "Too many clients", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade connection", "error", err)
		return
	}

	sub := &subscriber{
		ClientInfo: ClientInfo{
			Id:          generateClientId("ws"),
			RemoteAddr:  r.RemoteAddr,
			ConnectedAt: time.Now(),
		},
		conn: conn,
		send: make(chan []byte, sendBufSize),
	}
	if err := h.register(sub); err != nil {
		slog.Warn("Rejecting connection", "remote_addr", r.RemoteAddr, "error", err)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}
	slog.Info("WebSocket client connected", "addr", sub.RemoteAddr, "id", sub.Id)

	defer func() {
		h.unregister(sub)
		slog.Info("WebSocket client disconnected", "addr", sub.RemoteAddr, "id", sub.Id)
	}()

	go h.writePump(sub)
	h.readPump(sub)
}

// Publish sends r to every client. Clients whose buffer is full are
// disconnected rather than allowed to stall the feed.
func (h *Hub) Publish(r proto.ConsumptionReading) {
	data, err := r.Marshal()
	if err != nil {
		slog.Error("Failed to marshal reading", "error", err)
		return
	}

	var slow []*subscriber
	sentCount := 0

	h.mu.Lock()
	h.latest = data
	h.mu.Unlock()

	h.mu.RLock()
	for _, sub := range h.clients {
		select {
		case sub.send <- data:
			sentCount++
		default:
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range slow {
		slog.Warn("Dropping slow client", "id", sub.Id, "addr", sub.RemoteAddr)
		if h.metrics != nil {
			h.metrics.ClientDropped()
		}
		h.unregister(sub)
	}

	if h.metrics != nil {
		h.metrics.Published(r)
	}
	slog.Debug("Reading published", "timestamp", r.Timestamp, "demand", r.Demand, "subscribers", sentCount)
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) Clients() []ClientInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	infos := make([]ClientInfo, 0, len(h.clients))
	for _, sub := range h.clients {
		infos = append(infos, sub.ClientInfo)
	}
	slices.SortFunc(infos, func(a, b ClientInfo) int {
		return a.ConnectedAt.Compare(b.ConnectedAt)
	})
	return infos
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, sub := range h.clients {
		close(sub.send)
		delete(h.clients, id)
		if h.metrics != nil {
			h.metrics.ClientDisconnected()
		}
	}
}

// register adds sub unless the hub is closed or full. The limit is checked
// under the same lock that adds the client.
func (h *Hub) register(sub *subscriber) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	if len(h.clients) >= h.maxClients {
		return ErrTooManyClients
	}
	h.clients[sub.Id] = sub
	if h.latest != nil {
		sub.send <- h.latest
	}
	if h.metrics != nil {
		h.metrics.ClientConnected()
	}
	return nil
}

func (h *Hub) unregister(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[sub.Id]; ok {
		delete(h.clients, sub.Id)
		close(sub.send)
		if h.metrics != nil {
			h.metrics.ClientDisconnected()
		}
	}
}

// writePump drains the client's send channel and pings periodically. The
// connection is closed when the channel is closed or a write fails.
func (h *Hub) writePump(sub *subscriber) {
	ticker := time.NewTicker(h.pingPeriod)
	defer func() {
		ticker.Stop()
		sub.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-sub.send:
			sub.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				sub.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := sub.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				slog.Debug("Write to client failed", "id", sub.Id, "error", err)
				return
			}
		case <-ticker.C:
			sub.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only processes control frames; the feed is write-only. It
// returns once the connection is gone.
func (h *Hub) readPump(sub *subscriber) {
	defer sub.conn.Close()
	sub.conn.SetReadLimit(512)
	sub.conn.SetReadDeadline(time.Now().Add(h.pongWait))
	sub.conn.SetPongHandler(func(string) error {
		sub.conn.SetReadDeadline(time.Now().Add(h.pongWait))
		return nil
	})
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("WebSocket connection error", "id", sub.Id, "error", err)
			}
			return
		}
	}
}
