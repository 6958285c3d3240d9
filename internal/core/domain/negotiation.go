package domain

import "fmt"

// Phase is the signaling phase of the negotiation resource.
type Phase int

const (
	// PhaseClosed means no resource exists (or it was released).
	PhaseClosed Phase = iota
	// PhaseNegotiating covers ICE-server lookup and media acquisition,
	// before any description exists.
	PhaseNegotiating
	PhaseStable
	PhaseHaveLocalOffer
	PhaseHaveRemoteOffer
)

func (p Phase) String() string {
	switch p {
	case PhaseClosed:
		return "closed"
	case PhaseNegotiating:
		return "negotiating"
	case PhaseStable:
		return "stable"
	case PhaseHaveLocalOffer:
		return "have-local-offer"
	case PhaseHaveRemoteOffer:
		return "have-remote-offer"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Phase) UnmarshalText(b []byte) error {
	for v := PhaseClosed; v <= PhaseHaveRemoteOffer; v++ {
		if v.String() == string(b) {
			*p = v
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", b)
}

// TransportState is the peer connection's aggregate connection state.
type TransportState string

const (
	TransportNew          TransportState = "new"
	TransportConnecting   TransportState = "connecting"
	TransportConnected    TransportState = "connected"
	TransportDisconnected TransportState = "disconnected"
	TransportFailed       TransportState = "failed"
	TransportClosed       TransportState = "closed"
)

// CandidateType is the ICE candidate classification kept for
// diagnostics.
type CandidateType string

const (
	CandidateHost    CandidateType = "host"
	CandidateSrflx   CandidateType = "srflx"
	CandidatePrflx   CandidateType = "prflx"
	CandidateRelay   CandidateType = "relay"
	CandidateUnknown CandidateType = "unknown"
)

// NegotiationStats are the per-session candidate counters.
type NegotiationStats struct {
	Generated      int  `json:"generated"`
	GeneratedRelay int  `json:"generated_relay"`
	GeneratedSrflx int  `json:"generated_srflx"`
	GeneratedHost  int  `json:"generated_host"`
	Received       int  `json:"received"`
	Buffered       int  `json:"buffered"`
	Applied        int  `json:"applied"`
	Restarts       int  `json:"restarts"`
	TURNUsed       bool `json:"turn_used"`
}

// Count records one locally generated candidate.
func (s *NegotiationStats) Count(t CandidateType) {
	s.Generated++
	switch t {
	case CandidateRelay:
		s.GeneratedRelay++
		s.TURNUsed = true
	case CandidateSrflx:
		s.GeneratedSrflx++
	case CandidateHost:
		s.GeneratedHost++
	}
}
