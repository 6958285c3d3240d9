package ws

import (
	"github.com/Wyydra/duo/internal/core/domain"
	"github.com/rs/zerolog"
)

// Hub fans status updates out to feed subscribers. It implements
// port.StatusNotifier.
type Hub struct {
	clients    map[Client]bool
	broadcast  chan StatusEvent
	register   chan Client
	unregister chan Client
	quit       chan struct{}
	log        zerolog.Logger

	// last is replayed to new subscribers.
	last *StatusEvent
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[Client]bool),
		broadcast:  make(chan StatusEvent, 64),
		register:   make(chan Client),
		unregister: make(chan Client),
		quit:       make(chan struct{}),
		log:        log,
	}
}

// Publish never blocks the caller; updates are dropped when the hub
// falls behind.
func (h *Hub) Publish(status domain.Status, snap domain.Snapshot) {
	select {
	case h.broadcast <- StatusEvent{Status: status, Snapshot: snap}:
	default:
		h.log.Warn().Str("kind", string(status.Kind)).Msg("Broadcast channel full, dropping status")
	}
}

func (h *Hub) Run() {
	for {
		select {
		case <-h.quit:
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			return

		case client := <-h.register:
			h.clients[client] = true
			h.log.Info().Str("client_id", client.ID()).Msg("Client registered")
			if h.last != nil {
				h.send(client, *h.last)
			}

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
				h.log.Info().Str("client_id", client.ID()).Msg("Client unregistered")
			}

		case ev := <-h.broadcast:
			h.last = &ev
			for client := range h.clients {
				h.send(client, ev)
			}
		}
	}
}

func (h *Hub) send(client Client, ev StatusEvent) {
	if err := client.SendStatus(ev); err != nil {
		h.log.Error().Err(err).Str("client_id", client.ID()).Msg("Error sending status")
		client.Close()
		delete(h.clients, client)
	}
}

func (h *Hub) Register(c Client) {
	select {
	case h.register <- c:
	case <-h.quit:
	}
}

func (h *Hub) Unregister(c Client) {
	select {
	case h.unregister <- c:
	case <-h.quit:
	}
}

func (h *Hub) Stop() {
	close(h.quit)
}
