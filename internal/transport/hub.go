package transport

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Hub is the live socket table. It implements Sender for in-process
// delivery. The registry store remains the source of truth for connection
// bookkeeping; the hub only holds the transport handles.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]*peer
	logger zerolog.Logger
}

// peer wraps a websocket with a write lock; gorilla connections allow only
// one concurrent writer.
type peer struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		conns:  make(map[string]*peer),
		logger: logger.With().Str("component", "hub").Logger(),
	}
}

// Register attaches a websocket to a connection id. A second socket for the
// same id replaces the first and closes it.
func (h *Hub) Register(connectionID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.conns[connectionID]; ok {
		_ = old.conn.Close()
	}
	h.conns[connectionID] = &peer{conn: conn}
}

// Unregister drops the socket for a connection id. Sends to it afterwards
// report ErrGone.
func (h *Hub) Unregister(connectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, connectionID)
}

// Send writes a text message to the channel. A missing or closed socket
// yields ErrGone.
func (h *Hub) Send(_ context.Context, connectionID string, data []byte) error {
	h.mu.RLock()
	p, ok := h.conns[connectionID]
	h.mu.RUnlock()
	if !ok {
		return ErrGone
	}

	p.mu.Lock()
	err := p.conn.WriteMessage(websocket.TextMessage, data)
	p.mu.Unlock()
	if err != nil {
		// A write on a closed socket means the peer is gone; drop the
		// handle so later sends short-circuit.
		h.logger.Debug().Str("connection", connectionID).Err(err).Msg("Write failed, dropping socket")
		h.Unregister(connectionID)
		return ErrGone
	}
	return nil
}

// Size returns the number of live sockets.
func (h *Hub) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
