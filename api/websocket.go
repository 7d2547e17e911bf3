package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"bastion/events"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingInterval = 50 * time.Second
	wsSendBuffer   = 64
)

// Hub broadcasts execution lifecycle events to websocket subscribers.
// Clients only ever see their own firm's events. The hub implements
// events.Publisher so it can be fanned in next to the redis publisher.
type Hub struct {
	logger   *zap.SugaredLogger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]map[*wsClient]struct{}
	closed  bool
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

func NewHub(logger *zap.SugaredLogger) *Hub {
	if logger == nil {
		panic("hub requires a logger")
	}
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients: make(map[string]map[*wsClient]struct{}),
	}
}

// Publish sends the event to every subscriber of its firm. A slow
// client is dropped rather than allowed to stall the engine.
func (h *Hub) Publish(_ context.Context, ev events.ExecutionEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	h.mu.RLock()
	subscribers := make([]*wsClient, 0, len(h.clients[ev.FirmID]))
	for c := range h.clients[ev.FirmID] {
		subscribers = append(subscribers, c)
	}
	h.mu.RUnlock()

	for _, c := range subscribers {
		select {
		case c.send <- payload:
		default:
			h.remove(ev.FirmID, c)
			h.logger.Warnw("Dropped slow websocket subscriber", "firm_id", ev.FirmID)
		}
	}
	return nil
}

// Close disconnects every subscriber.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for _, firm := range h.clients {
		for c := range firm {
			close(c.send)
		}
	}
	h.clients = make(map[string]map[*wsClient]struct{})
	return nil
}

var _ events.Publisher = (*Hub)(nil)

func (h *Hub) add(firm string, c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	if h.clients[firm] == nil {
		h.clients[firm] = make(map[*wsClient]struct{})
	}
	h.clients[firm][c] = struct{}{}
	return true
}

func (h *Hub) remove(firm string, c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[firm][c]; !ok {
		return
	}
	delete(h.clients[firm], c)
	if len(h.clients[firm]) == 0 {
		delete(h.clients, firm)
	}
	close(c.send)
}

// handleExecutionStream upgrades the connection and streams the firm's
// execution events until the client disconnects.
func (s *Server) handleExecutionStream(w http.ResponseWriter, r *http.Request) {
	firm := firmID(r)
	conn, err := s.hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("Websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, wsSendBuffer)}
	if !s.hub.add(firm, client) {
		_ = conn.Close()
		return
	}
	s.logger.Debugw("Websocket subscriber connected", "firm_id", firm)

	go s.hub.writePump(client)
	s.hub.readPump(firm, client)
}

func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards inbound messages; the stream is one-way. It exists
// to notice disconnects and answer pings.
func (h *Hub) readPump(firm string, c *wsClient) {
	defer h.remove(firm, c)
	c.conn.SetReadLimit(1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
