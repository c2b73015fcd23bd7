package adminapi

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/knxcore/internal/knx/apci"
	"github.com/nerrad567/knxcore/internal/knx/telegram"
)

const wsSendBufferSize = 64

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// telegramEvent is the JSON shape broadcast to admin WebSocket clients for
// every telegram the queue processes.
type telegramEvent struct {
	Direction   string `json:"direction"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
	APCI        string `json:"apci"`       // concrete apci.Service type name
	PayloadHex  string `json:"payload_hex"` // raw APDU bytes
	DataSecure  *bool  `json:"data_secure,omitempty"`
	Timestamp   string `json:"timestamp"`
}

func telegramEventFor(tg telegram.Telegram) telegramEvent {
	return telegramEvent{
		Direction:   tg.Direction.String(),
		Source:      tg.Source.String(),
		Destination: tg.Destination.String(),
		APCI:        apciTypeName(tg.Payload),
		PayloadHex:  hex.EncodeToString(tg.Payload.ToKNX()),
		DataSecure:  tg.DataSecure,
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// apciTypeName renders svc's concrete type name (e.g. "apci.GroupValueWrite")
// — enough for an operator to distinguish telegram kinds on the wire without
// this package needing a decode switch over every apci.Service variant.
func apciTypeName(svc apci.Service) string {
	return fmt.Sprintf("%T", svc)
}

// hubClient is one connected admin WebSocket client.
type hubClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans out telegram events to every connected admin WebSocket client.
type Hub struct {
	log     Logger
	mu      sync.RWMutex
	clients map[*hubClient]struct{}
}

func newHub(log Logger) *Hub {
	return &Hub{log: log, clients: make(map[*hubClient]struct{})}
}

func (h *Hub) run(ctx context.Context) {
	<-ctx.Done()
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		_ = c.conn.Close()
	}
	h.clients = make(map[*hubClient]struct{})
}

func (h *Hub) register(c *hubClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *hubClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *Hub) broadcast(evt telegramEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		h.log.Error("adminapi: marshalling telegram event failed", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.log.Warn("adminapi: dropping telegram event, client send buffer full")
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("adminapi: websocket upgrade failed", "error", err)
		return
	}

	client := &hubClient{conn: conn, send: make(chan []byte, wsSendBufferSize)}
	s.hub.register(client)

	go client.writeLoop()
	client.readLoop(s.hub)
}

// readLoop discards inbound messages (this stream is read-only) and exists
// only to detect client disconnects.
func (c *hubClient) readLoop(hub *Hub) {
	defer hub.unregister(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *hubClient) writeLoop() {
	defer func() { _ = c.conn.Close() }()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}
