package service

import (
	"time"

	"github.com/Wyydra/duo/internal/clock"
	"github.com/Wyydra/duo/internal/core/domain"
	"github.com/rs/zerolog"
)

// ConnectivityMonitor watches transport-state changes of the active
// peer resource. Only "failed" triggers corrective action: an ICE
// restart after a short delay, if the same session is still active.
type ConnectivityMonitor struct {
	clock  clock.Clock
	post   func(func()) bool
	delay  time.Duration
	log    zerolog.Logger
	notify func(kind domain.StatusKind, msg string)
	diag   func(event string, fields map[string]string)

	// restart is called on the loop with the session that failed.
	restart func(id domain.SessionID)

	state   domain.TransportState
	pending clock.Timer
	gen     uint64
}

func NewConnectivityMonitor(c clock.Clock, post func(func()) bool, delay time.Duration, log zerolog.Logger) *ConnectivityMonitor {
	return &ConnectivityMonitor{
		clock:  c,
		post:   post,
		delay:  delay,
		log:    log,
		notify: func(domain.StatusKind, string) {},
		diag:   func(string, map[string]string) {},
	}
}

// Observe records a transition of the session's transport.
func (m *ConnectivityMonitor) Observe(id domain.SessionID, state domain.TransportState) {
	prev := m.state
	m.state = state
	m.log.Info().
		Str("session_id", id.String()).
		Str("from", string(prev)).
		Str("to", string(state)).
		Msg("Transport state changed")
	m.diag("transport_state", map[string]string{
		"session_id": id.String(),
		"from":       string(prev),
		"to":         string(state),
	})

	switch state {
	case domain.TransportConnected:
		m.notify(domain.StatusTransport, "Connection established")
	case domain.TransportDisconnected:
		m.notify(domain.StatusTransport, "Connection interrupted")
	case domain.TransportConnecting:
		m.notify(domain.StatusTransport, "Establishing connection...")
	case domain.TransportFailed:
		m.notify(domain.StatusTransport, "Connection error")
		m.scheduleRestart(id)
	}
}

func (m *ConnectivityMonitor) scheduleRestart(id domain.SessionID) {
	if m.pending != nil {
		return
	}
	gen := m.gen
	m.pending = m.clock.AfterFunc(m.delay, func() {
		m.post(func() {
			if gen != m.gen {
				return
			}
			m.pending = nil
			if m.restart != nil {
				m.restart(id)
			}
		})
	})
}

// State is the last observed transport state.
func (m *ConnectivityMonitor) State() domain.TransportState { return m.state }

// Reset forgets the current transport and cancels a pending restart.
func (m *ConnectivityMonitor) Reset() {
	if m.pending != nil {
		m.pending.Stop()
		m.pending = nil
	}
	m.gen++
	m.state = ""
}
