package server

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Hub owns the websocket clients of this process: it starts their pumps,
// reports their arrival and departure to the session handler, and waits for
// them on shutdown. Room membership and fan-out live in the chat core.
type Hub struct {
	handler SessionHandler
	clients map[*Client]struct{}
	mutex   sync.RWMutex
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	closed  bool
	logger  zerolog.Logger
}

// NewHub creates a Hub reporting to handler.
func NewHub(handler SessionHandler, logger zerolog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		handler: handler,
		clients: make(map[*Client]struct{}),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.With().Str("component", "hub").Logger(),
	}
}

// Register adopts client and launches its read and write pumps. After
// Shutdown the client is closed instead.
func (h *Hub) Register(client *Client) {
	if client == nil {
		h.logger.Warn().Msg("received nil client registration; skipping")
		return
	}

	h.mutex.Lock()
	if h.closed {
		h.mutex.Unlock()
		client.Close()
		_ = client.conn.Close()
		return
	}
	h.clients[client] = struct{}{}
	clientCount := len(h.clients)
	// Add under the lock so Shutdown cannot start waiting in between.
	h.wg.Add(2)
	h.mutex.Unlock()

	h.handler.OnConnect(client)
	h.logger.Info().Str("conn", client.ID()).Str("addr", client.addr).Int("clients", clientCount).Msg("client registered")

	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump(h.ctx, h.handler)
	}()
}

func (h *Hub) unregister(client *Client) {
	h.mutex.Lock()
	_, ok := h.clients[client]
	delete(h.clients, client)
	clientCount := len(h.clients)
	h.mutex.Unlock()

	if !ok {
		return
	}
	client.Close()
	h.handler.OnDisconnect(client)
	h.logger.Info().Str("conn", client.ID()).Str("addr", client.addr).Int("clients", clientCount).Msg("client unregistered")
}

// Count returns the number of registered clients.
func (h *Hub) Count() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// snapshot returns the registered clients.
func (h *Hub) snapshot() []*Client {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	return clients
}

// Shutdown refuses new clients and closes the existing ones, letting each
// write pump send a close frame. Sockets still open when timeout passes are
// closed forcibly.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info().Msg("initiating hub shutdown")

	h.mutex.Lock()
	h.closed = true
	h.mutex.Unlock()
	h.cancel()

	clients := h.snapshot()
	for _, client := range clients {
		client.Close()
	}
	h.logger.Info().Int("clients", len(clients)).Msg("closing client connections")

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info().Msg("hub shutdown completed")
		return nil
	case <-time.After(timeout):
	}

	for _, client := range h.snapshot() {
		if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
			h.logger.Warn().Err(err).Str("addr", client.addr).Msg("closing client connection")
		}
	}
	h.logger.Warn().Msg("hub shutdown timeout reached, some connections were closed forcibly")
	return context.DeadlineExceeded
}
