package domain

import "time"

// StatusKind classifies a status update for whoever renders it.
type StatusKind string

const (
	StatusInfo               StatusKind = "info"
	StatusChannelOpen        StatusKind = "channel_open"
	StatusChannelClosed      StatusKind = "channel_closed"
	StatusReconnectExhausted StatusKind = "reconnect_exhausted"
	StatusSearching          StatusKind = "searching"
	StatusMatchFound         StatusKind = "match_found"
	StatusMatchSuccess       StatusKind = "match_success"
	StatusMatchEnded         StatusKind = "match_ended"
	StatusMediaDegraded      StatusKind = "media_degraded"
	StatusNegotiationFailed  StatusKind = "negotiation_failed"
	StatusTransport          StatusKind = "transport"
	StatusConnectionFailed   StatusKind = "connection_failed"
	StatusRemoteTrack        StatusKind = "remote_track"
	StatusTimer              StatusKind = "timer"
)

// Status is one user-visible status update.
type Status struct {
	Kind    StatusKind `json:"kind"`
	Message string     `json:"message"`
	At      time.Time  `json:"at"`
}

// Snapshot is the read model of the whole client.
type Snapshot struct {
	State          MatchState       `json:"state"`
	ChannelOpen    bool             `json:"channel_open"`
	Session        *MatchSession    `json:"session,omitempty"`
	Phase          Phase            `json:"phase"`
	Transport      TransportState   `json:"transport,omitempty"`
	Stats          NegotiationStats `json:"stats"`
	TimeLeft       int              `json:"time_left"`
	TimeLow        bool             `json:"time_low"`
	TimerRunning   bool             `json:"timer_running"`
	DecisionOpen   bool             `json:"decision_open"`
	LocalMedia     string           `json:"local_media"`
	RequeuePending bool             `json:"requeue_pending"`
	LastStatus     Status           `json:"last_status"`
}

// Diagnostic is one entry of the in-memory diagnostics log.
type Diagnostic struct {
	At     time.Time         `json:"at"`
	Source string            `json:"source"`
	Event  string            `json:"event"`
	Fields map[string]string `json:"fields,omitempty"`
}
