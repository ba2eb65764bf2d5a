package api

import (
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/wellnest/backend/internal/logging"
	"github.com/kimhsiao/wellnest/backend/internal/sync/monitor"
	"github.com/kimhsiao/wellnest/backend/internal/uuid"
)

// EventSyncStatus carries a monitor.Status on every change.
const EventSyncStatus = "sync.status"

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     sameHostOrigin,
}

// sameHostOrigin accepts requests without an Origin header and requests
// whose origin is the loopback interface.
func sameHostOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Envelope wraps every websocket message.
type Envelope struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	// quit is closed when the hub drops the client; send is never closed.
	quit     chan struct{}
	quitOnce sync.Once
}

func (c *wsClient) stop() {
	c.quitOnce.Do(func() { close(c.quit) })
}

// Hub tracks websocket clients and fans status changes out to them.
type Hub struct {
	clients    map[string]*wsClient
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	closeOnce  sync.Once

	mu   sync.RWMutex
	last []byte
}

// NewHub creates a hub and starts its loop.
func NewHub() *Hub {
	h := &Hub{
		clients:    make(map[string]*wsClient),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
	}
	go h.run()
	return h
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and stops the loop.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for id, c := range h.clients {
				c.stop()
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.id] = c
			last := h.last
			n := len(h.clients)
			h.mu.Unlock()
			if last != nil {
				c.send <- last
			}
			logging.Debug("websocket client connected", map[string]interface{}{"client": c.id, "total": n})

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				c.stop()
			}
			n := len(h.clients)
			h.mu.Unlock()
			logging.Debug("websocket client disconnected", map[string]interface{}{"client": c.id, "total": n})

		case msg := <-h.broadcast:
			h.mu.Lock()
			for id, c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// Slow client.
					c.stop()
					delete(h.clients, id)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast sends an event to every client. It drops the event when the hub
// is closed or its buffer is full.
func (h *Hub) Broadcast(eventType string, data interface{}) {
	bytes, err := json.Marshal(Envelope{Type: eventType, Data: data, Timestamp: time.Now().Unix()})
	if err != nil {
		logging.Warn("failed to marshal websocket event", map[string]interface{}{"error": err.Error()})
		return
	}
	if eventType == EventSyncStatus {
		h.mu.Lock()
		h.last = bytes
		h.mu.Unlock()
	}
	select {
	case <-h.done:
	case h.broadcast <- bytes:
	default:
		logging.Warn("websocket broadcast dropped", map[string]interface{}{"type": eventType})
	}
}

// BroadcastStatus sends a status snapshot. New clients receive the latest one
// on connect.
func (h *Hub) BroadcastStatus(st monitor.Status) {
	h.Broadcast(EventSyncStatus, st)
}

// HandleWebSocket upgrades the request and registers the client.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("websocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	c := &wsClient{
		id:   uuid.New(),
		conn: conn,
		send: make(chan []byte, 16),
		hub:  h,
		quit: make(chan struct{}),
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump handles client pings and detects disconnects.
func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Debug("websocket read error", map[string]interface{}{"error": err.Error()})
			}
			return
		}

		var msg struct {
			Action string `json:"action"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Action == "ping" {
			pong, _ := json.Marshal(map[string]interface{}{"action": "pong", "timestamp": time.Now().Unix()})
			select {
			case c.send <- pong:
			case <-c.quit:
				return
			default:
			}
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.quit:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
