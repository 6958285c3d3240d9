package ws

import "github.com/Wyydra/duo/internal/core/domain"

// Client is one subscriber of the status feed.
type Client interface {
	ID() string
	SendStatus(ev StatusEvent) error
	Close() error
}

// StatusEvent is what the feed pushes to every subscriber.
type StatusEvent struct {
	Status   domain.Status   `json:"status"`
	Snapshot domain.Snapshot `json:"snapshot"`
}
