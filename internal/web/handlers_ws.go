package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

const wsWriteTimeout = 10 * time.Second

// WSHub fans hub events out to connected WebSocket clients. Slow clients
// are evicted rather than allowed to back up the broadcast loop.
type WSHub struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
	logger  *slog.Logger

	queue    chan []byte
	done     chan struct{}
	stopOnce sync.Once
}

type wsClient struct {
	send chan []byte
}

// NewWSHub creates an idle hub; Run must be called to start delivery.
func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		clients: make(map[*wsClient]struct{}),
		logger:  logger,
		queue:   make(chan []byte, 256),
		done:    make(chan struct{}),
	}
}

// Run delivers queued messages until Stop is called.
func (h *WSHub) Run() {
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

		case data := <-h.queue:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- data:
				default:
					delete(h.clients, c)
					close(c.send)
					h.logger.Warn("ws client evicted, send buffer full")
				}
			}
			h.mu.Unlock()
		}
	}
}

// Stop shuts the hub down and disconnects all clients. Safe to call twice.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Broadcast queues a message for every connected client. Messages are
// dropped when the queue is full.
func (h *WSHub) Broadcast(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("ws marshal", "err", err)
		return
	}
	select {
	case h.queue <- data:
	default:
		h.logger.Warn("ws queue full, dropping message")
	}
}

func (h *WSHub) attach(c *wsClient) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("ws client connected", "total", total)
	return true
}

func (h *WSHub) detach(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("ws client disconnected", "total", total)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(4096)

	client := &wsClient{send: make(chan []byte, 64)}
	if !s.wsHub.attach(client) {
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		select {
		case <-s.wsHub.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	go func() {
		defer cancel()
		for msg := range client.send {
			wctx, wcancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Write(wctx, websocket.MessageText, msg)
			wcancel()
			if err != nil {
				return
			}
		}
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	// Clients only listen; the read loop exists to notice disconnects.
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			break
		}
	}
	s.wsHub.detach(client)
	conn.Close(websocket.StatusGoingAway, "")
}
