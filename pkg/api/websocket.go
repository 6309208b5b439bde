package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/khryptorgraphics/clusterbackfill/internal/config"
	"github.com/khryptorgraphics/clusterbackfill/pkg/agent"
)

// diagnosticsMessage is the one payload shape the diagnostics stream
// pushes: a coordinator status snapshot. Grounded on pkg/api/websocket.go's
// WebSocketMessage{Type,Timestamp,Data}, trimmed to a single message
// type since this stream has nothing to subscribe/unsubscribe between.
type diagnosticsMessage struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// DiagnosticsHub periodically broadcasts the agent coordinator's
// status snapshot to every connected websocket client, grounded on
// pkg/api/websocket.go's WebSocketHub register/unregister/broadcast
// channel trio and heartbeat ticker.
type DiagnosticsHub struct {
	logger *slog.Logger
	coord  *agent.Coordinator
	cfgFn  func() config.BackfillConfig

	clients    map[*diagnosticsClient]bool
	register   chan *diagnosticsClient
	unregister chan *diagnosticsClient
	done       chan struct{}
	mu         sync.RWMutex
}

type diagnosticsClient struct {
	conn *websocket.Conn
	send chan diagnosticsMessage
}

// NewDiagnosticsHub builds a hub bound to a coordinator's snapshots.
func NewDiagnosticsHub(logger *slog.Logger, coord *agent.Coordinator) *DiagnosticsHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &DiagnosticsHub{
		logger:     logger,
		coord:      coord,
		cfgFn:      func() config.BackfillConfig { return config.BackfillConfig{} },
		clients:    make(map[*diagnosticsClient]bool),
		register:   make(chan *diagnosticsClient),
		unregister: make(chan *diagnosticsClient),
		done:       make(chan struct{}),
	}
}

// bindConfig lets the server supply the live configuration snapshot
// (the loop's own config mirror) once it's wired up, rather than
// threading it through the constructor before the Loop exists.
func (h *DiagnosticsHub) bindConfig(fn func() config.BackfillConfig) {
	h.cfgFn = fn
}

// Run drives the hub's register/unregister/tick loop until Stop is called.
func (h *DiagnosticsHub) Run() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case <-ticker.C:
			msg := diagnosticsMessage{
				Type:      "status",
				Timestamp: time.Now(),
				Data:      h.coord.Snapshot(h.cfgFn()),
			}
			h.broadcast(msg)
		}
	}
}

// Stop tears down every connected client and ends Run's loop.
func (h *DiagnosticsHub) Stop() {
	close(h.done)
}

func (h *DiagnosticsHub) broadcast(msg diagnosticsMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.logger.Warn("diagnostics client send buffer full, dropping message")
		}
	}
}

// handleDiagnosticsWebsocket upgrades a connection and streams
// coordinator status snapshots to it every tick.
func (s *Server) handleDiagnosticsWebsocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("failed to upgrade diagnostics websocket", "error", err)
		return
	}

	client := &diagnosticsClient{conn: conn, send: make(chan diagnosticsMessage, 16)}
	s.hub.register <- client

	go client.writePump()
	go client.readPump(s.hub)
}

func (c *diagnosticsClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only watches for client disconnects; this stream is
// server-push only and ignores any client-sent payloads.
func (c *diagnosticsClient) readPump(h *DiagnosticsHub) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
