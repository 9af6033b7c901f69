package websocket

import (
	"context"
	"log/slog"
	"sync"

	"xmdecrypt/types"
)

// AllBatches is the subscription key for clients that follow every batch.
const AllBatches = "all"

const broadcastBufferSize = 256

// Hub interface defines the methods for managing WebSocket connections
type Hub interface {
	Run(ctx context.Context)
	Broadcast(event types.Event)
	RegisterClient(client *Client)
	UnregisterClient(client *Client)
	ClientCount() int
}

// hub maintains the set of active clients and broadcasts events to them
type hub struct {
	// Registered clients mapped by batch ID
	clients map[string]map[*Client]bool

	broadcast  chan types.Event
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	mu     sync.RWMutex
	logger *slog.Logger
}

// NewHub creates a new WebSocket hub
func NewHub(logger *slog.Logger) Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &hub{
		clients:    make(map[string]map[*Client]bool),
		broadcast:  make(chan types.Event, broadcastBufferSize),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run starts the hub's main event loop until ctx is done
func (h *hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.batchID] == nil {
				h.clients[client.batchID] = make(map[*Client]bool)
			}
			h.clients[client.batchID][client] = true
			h.mu.Unlock()
			h.logger.Debug("websocket client connected", slog.String("batch_id", client.batchID))

		case client := <-h.unregister:
			h.mu.Lock()
			h.remove(client.batchID, client)
			h.mu.Unlock()
			h.logger.Debug("websocket client disconnected", slog.String("batch_id", client.batchID))

		case event := <-h.broadcast:
			h.mu.Lock()
			if event.BatchID != "" {
				h.deliver(event.BatchID, event)
			}
			h.deliver(AllBatches, event)
			h.mu.Unlock()
		}
	}
}

// deliver sends event to every client under key. Slow clients are dropped.
func (h *hub) deliver(key string, event types.Event) {
	for client := range h.clients[key] {
		select {
		case client.send <- event:
		default:
			h.logger.Warn("websocket client too slow, disconnecting", slog.String("batch_id", key))
			h.remove(key, client)
		}
	}
}

func (h *hub) remove(key string, client *Client) {
	clients, ok := h.clients[key]
	if !ok {
		return
	}
	if _, ok := clients[client]; ok {
		delete(clients, client)
		close(client.send)
	}
	if len(clients) == 0 {
		delete(h.clients, key)
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key, clients := range h.clients {
		for client := range clients {
			close(client.send)
		}
		delete(h.clients, key)
	}
}

// Broadcast queues an event for the clients of its batch and the "all" clients.
// Progress and result events are dropped when the queue is full; terminal
// events wait for room until the hub stops.
func (h *hub) Broadcast(event types.Event) {
	if event.Type == types.EventComplete || event.Type == types.EventError {
		select {
		case h.broadcast <- event:
		case <-h.done:
			h.logger.Warn("websocket hub stopped, dropping event",
				slog.String("batch_id", event.BatchID),
				slog.String("type", string(event.Type)))
		}
		return
	}

	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("websocket broadcast channel full, dropping event",
			slog.String("batch_id", event.BatchID),
			slog.String("type", string(event.Type)))
	}
}

// RegisterClient registers a new client with the hub
func (h *hub) RegisterClient(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		close(client.send)
	}
}

// UnregisterClient unregisters a client from the hub
func (h *hub) UnregisterClient(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// ClientCount returns the number of connected clients
func (h *hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, clients := range h.clients {
		n += len(clients)
	}
	return n
}
