// Package ws implements the real-time event hub that pushes agent
// lifecycle transitions (created, starting, started, stopped, error,
// unhealthy) to connected WebSocket clients. The controller publishes into
// the hub; clients subscribe to the whole fleet or to individual agents.
package ws

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/aviary-run/aviary/internal/controller"
)

// Hub is the broker between the controller's event stream and connected
// WebSocket clients.
//
// Registry mutations (register, unregister) are serialised through the Run
// loop via channels. Publish is called from controller goroutines and only
// takes a short read-lock to snapshot the client set; the actual sends are
// non-blocking, so a slow consumer can never stall a lifecycle operation.
type Hub struct {
	clients map[*Client]struct{}

	// mu protects clients during Publish, which reads the map from
	// outside the Run goroutine.
	mu sync.RWMutex

	register   chan *Client
	unregister chan *Client
	stopped    chan struct{}

	logger *zap.Logger
}

// NewHub creates an idle Hub. Call Run in a goroutine to start it.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		stopped:    make(chan struct{}),
		logger:     logger.Named("ws"),
	}
}

// Run starts the hub's event loop. It must be called exactly once, in its
// own goroutine, and exits when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				// Signal the client's writePump to drain and exit.
				close(client.send)
			}
			h.mu.Unlock()

		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
			}
			h.clients = make(map[*Client]struct{})
			h.mu.Unlock()
			return
		}
	}
}

// Publish fans the event out to every subscribed client. It never blocks:
// clients whose send buffer is full are disconnected so backpressure from
// one slow consumer cannot stall the controller.
func (h *Hub) Publish(ev controller.Event) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if !c.wants(ev) {
			continue
		}
		select {
		case c.send <- ev:
		default:
			// Send buffer full: the client is too slow to keep up.
			h.logger.Warn("disconnecting slow websocket client")
			h.drop(c)
		}
	}
}

// drop queues c for unregistration without blocking the publisher. If the
// unregister channel is itself full the client is left for its readPump to
// reap when the connection dies.
func (h *Hub) drop(c *Client) {
	select {
	case h.unregister <- c:
	default:
	}
}

// Subscribe registers client with the hub. Called by the upgrade handler.
func (h *Hub) Subscribe(client *Client) {
	h.register <- client
}

// Unsubscribe removes client from the hub. Called by the client's readPump
// when the connection closes.
func (h *Hub) Unsubscribe(client *Client) {
	h.unregister <- client
}

// ConnectedCount returns the current number of connected clients.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Done is closed when the Run loop has exited.
func (h *Hub) Done() <-chan struct{} {
	return h.stopped
}
