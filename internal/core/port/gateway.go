package port

import (
	"context"

	"github.com/Wyydra/duo/internal/core/domain"
)

// SignalGateway is the core's outbound view of the signal channel.
type SignalGateway interface {
	// Send enqueues msg. It returns domain.ErrChannelNotOpen when the
	// message was dropped because the channel is not open.
	Send(msg domain.Outbound) error
}

// StatusNotifier receives every status update together with the
// snapshot it produced.
type StatusNotifier interface {
	Publish(status domain.Status, snap domain.Snapshot)
}

// ChannelHandler receives the signal channel's events. Each method is
// called from the channel's own goroutine, one at a time.
type ChannelHandler interface {
	HandleMessage(msg domain.Inbound)
	ChannelOpened()
	ChannelClosed(err error)
	// ReconnectExhausted reports that the channel gave up retrying.
	ReconnectExhausted(err error)
}

// SignalChannel is the persistent connection to the matchmaking
// service.
type SignalChannel interface {
	SignalGateway
	// Connect starts connecting as identity and keeps the channel open
	// until Disconnect. It returns once the first attempt is scheduled.
	Connect(ctx context.Context, identity domain.Identity, h ChannelHandler) error
	// Disconnect closes the channel for good.
	Disconnect()
}
