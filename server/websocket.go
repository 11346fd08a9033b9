package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/teranos/vetta/logger"
	"github.com/teranos/vetta/module"
	"go.uber.org/zap"
)

// WebSocket timeouts following the gorilla chat example
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Clients only send control frames
	maxMessageSize = 512

	clientBuffer = 16
)

// Message types sent on /ws/modules
const (
	MessageSnapshot = "snapshot"
	MessageReload   = "reload"
)

// ModuleMessage is one frame of the /ws/modules stream. The first frame
// describes the snapshot current at connect time; every later frame is a
// completed reload.
type ModuleMessage struct {
	Type  string            `json:"type"`
	Event module.ReloadEvent `json:"event"`
}

// The endpoint is token guarded, origins are not restricted
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandleModuleEvents upgrades the connection and streams reload events
func (s *Server) HandleModuleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		s.logger.Debugw("WebSocket upgrade failed", "error", err)
		return
	}

	snap := s.deps.Registry.Snapshot()
	client := &wsClient{
		hub:  s.hub,
		conn: conn,
		send: make(chan ModuleMessage, clientBuffer),
		id:   uuid.NewString(),
	}
	client.send <- ModuleMessage{
		Type:  MessageSnapshot,
		Event: module.ReloadEvent{Version: snap.Version(), Loaded: snap.Names()},
	}

	if !s.hub.register(client) {
		conn.Close()
		return
	}
	logger.FromContext(r.Context(), s.logger).Debugw("Module event client connected", "client_id", client.id)

	go client.writePump()
	go client.readPump()
}

// moduleHub fans reload events out to websocket clients
type moduleHub struct {
	logger  *zap.SugaredLogger
	mu      sync.RWMutex
	clients map[*wsClient]bool
	closed  bool
}

func newModuleHub(log *zap.SugaredLogger) *moduleHub {
	return &moduleHub{
		logger:  log,
		clients: make(map[*wsClient]bool),
	}
}

func (h *moduleHub) register(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = true
	return true
}

func (h *moduleHub) unregister(c *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		c.closeSend()
	}
}

func (h *moduleHub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// broadcast never blocks the registry: a client whose buffer is full
// misses the event
func (h *moduleHub) broadcast(event module.ReloadEvent) {
	msg := ModuleMessage{Type: MessageReload, Event: event}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.logger.Warnw("Dropping reload event for slow client",
				"client_id", c.id,
				logger.FieldVersion, event.Version,
			)
		}
	}
}

// close disconnects every client and refuses new ones
func (h *moduleHub) close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
		delete(h.clients, c)
	}
	h.mu.Unlock()

	if len(clients) > 0 {
		h.logger.Infow("Closing websocket clients", logger.FieldCount, len(clients))
	}
	for _, c := range clients {
		c.closeSend()
	}
}

// wsClient is one /ws/modules connection
type wsClient struct {
	hub       *moduleHub
	conn      *websocket.Conn
	send      chan ModuleMessage
	id        string
	closeOnce sync.Once
}

func (c *wsClient) closeSend() {
	c.closeOnce.Do(func() { close(c.send) })
}

// readPump keeps the read deadline fresh and notices disconnects
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.hub.logger.Warnw("WebSocket read error", "client_id", c.id, "error", err)
			}
			return
		}
	}
}

// writePump writes queued messages and pings
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.hub.logger.Debugw("WebSocket write failed", "client_id", c.id, "error", err)
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
