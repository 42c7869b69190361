package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zde37/kademlia/internal/routing"
	"github.com/zde37/kademlia/pkg"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512

	// Size of the send buffer per client
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

var _ routing.Broadcaster = (*WebSocketHub)(nil)

// client represents a connected WebSocket client.
type client struct {
	hub  *WebSocketHub
	conn *websocket.Conn
	send chan []byte // Buffered channel of outbound messages
}

// WebSocketHub fans routing table events out to connected WebSocket clients.
type WebSocketHub struct {
	// Registered clients, owned by Run
	clients map[*client]bool

	broadcast  chan []byte
	register   chan *client
	unregister chan *client

	shutdown     chan struct{}
	shutdownOnce sync.Once
	running      atomic.Bool
	done         chan struct{}

	count   int
	countMu sync.RWMutex

	logger *pkg.Logger
}

// NewWebSocketHub creates a new WebSocket hub.
func NewWebSocketHub(logger *pkg.Logger) *WebSocketHub {
	return &WebSocketHub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		shutdown:   make(chan struct{}),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run serves the hub until Stop is called.
func (h *WebSocketHub) Run() {
	if !h.running.CompareAndSwap(false, true) {
		return
	}
	defer close(h.done)

	for {
		select {
		case c := <-h.register:
			h.clients[c] = true
			h.setCount(len(h.clients))
			h.logger.Info().Int("total_clients", len(h.clients)).Msg("Client connected")

		case c := <-h.unregister:
			h.drop(c)

		case message := <-h.broadcast:
			var slow []*client
			for c := range h.clients {
				select {
				case c.send <- message:
				default:
					slow = append(slow, c)
				}
			}
			for _, c := range slow {
				h.logger.Warn().Msg("Client send buffer full, disconnecting slow client")
				h.drop(c)
			}

		case <-h.shutdown:
			h.logger.Info().Msg("Shutting down WebSocket hub")
			for c := range h.clients {
				close(c.send)
				c.conn.Close()
				delete(h.clients, c)
			}
			h.setCount(0)
			return
		}
	}
}

func (h *WebSocketHub) drop(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.setCount(len(h.clients))
	h.logger.Info().Int("total_clients", len(h.clients)).Msg("Client disconnected")
}

func (h *WebSocketHub) setCount(n int) {
	h.countMu.Lock()
	h.count = n
	h.countMu.Unlock()
}

// ClientCount returns the number of connected clients.
func (h *WebSocketHub) ClientCount() int {
	h.countMu.RLock()
	defer h.countMu.RUnlock()
	return h.count
}

// Stop shuts the hub down and closes every client. It waits for Run to
// return if Run was started.
func (h *WebSocketHub) Stop() {
	h.shutdownOnce.Do(func() {
		close(h.shutdown)
	})
	if h.running.Load() {
		<-h.done
	}
}

// readPump pumps messages from the WebSocket connection to the hub.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.shutdown:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// clients only listen; reads keep the pong deadline moving
	for {
		_, _, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error().Err(err).Msg("WebSocket unexpected close error")
			}
			break
		}
	}
}

// writePump pumps messages from the hub to the WebSocket connection.
// It is the only writer on the connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

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

// HandleWebSocket upgrades the request and registers the client.
func (h *WebSocketHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade to websocket")
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}

	select {
	case h.register <- c:
	case <-h.shutdown:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// BroadcastRoutingUpdate queues update for every connected client. It never
// blocks; updates are dropped when the queue is full.
func (h *WebSocketHub) BroadcastRoutingUpdate(update any) error {
	data, err := json.Marshal(update)
	if err != nil {
		return err
	}

	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn().Msg("Broadcast channel full, dropping message")
	}

	return nil
}
