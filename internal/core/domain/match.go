package domain

import (
	"fmt"
	"time"
)

// MatchState is the top-level matchmaking lifecycle state.
type MatchState int

const (
	StateIdle MatchState = iota
	StateSearching
	StateMatchedPendingDecision
	StateConnected
)

func (s MatchState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSearching:
		return "searching"
	case StateMatchedPendingDecision:
		return "matched_pending_decision"
	case StateConnected:
		return "connected"
	}
	return fmt.Sprintf("MatchState(%d)", int(s))
}

func (s MatchState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *MatchState) UnmarshalText(b []byte) error {
	for v := StateIdle; v <= StateConnected; v++ {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown match state %q", b)
}

// Decision is the local approve/reject action within one MatchSession.
type Decision int

const (
	DecisionNone Decision = iota
	DecisionApproved
	DecisionRejected
)

func (d Decision) String() string {
	switch d {
	case DecisionApproved:
		return "approved"
	case DecisionRejected:
		return "rejected"
	}
	return "none"
}

func (d Decision) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Decision) UnmarshalText(b []byte) error {
	for v := DecisionNone; v <= DecisionRejected; v++ {
		if v.String() == string(b) {
			*d = v
			return nil
		}
	}
	return fmt.Errorf("unknown decision %q", b)
}

// Identity is the authenticated principal the client acts as. It is
// issued elsewhere and only read here.
type Identity struct {
	UserID UserID
	Token  string
}

func (i Identity) Present() bool { return !i.UserID.IsZero() && i.Token != "" }

// Profile is the local user's matchable attributes.
type Profile struct {
	ID     UserID   `json:"id"`
	Age    int      `json:"age"`
	Gender string   `json:"gender"`
	Lat    *float64 `json:"location_lat"`
	Lng    *float64 `json:"location_lng"`
}

// Location used when the profile has none.
const (
	DefaultLat = 55.7558
	DefaultLng = 37.6173
)

// Filter builds the start_search attributes for p.
func (p Profile) Filter() SearchFilter {
	f := SearchFilter{Gender: p.Gender, Age: p.Age, Lat: DefaultLat, Lng: DefaultLng}
	if p.Lat != nil && p.Lng != nil {
		f.Lat, f.Lng = *p.Lat, *p.Lng
	}
	return f
}

// PartnerProfile is the public card of the matched partner.
type PartnerProfile struct {
	ID        UserID `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Age       int    `json:"age"`
	Gender    string `json:"gender"`
	Bio       string `json:"bio"`
	// Placeholder is set when the real profile could not be fetched.
	Placeholder bool `json:"placeholder,omitempty"`
}

// PlaceholderPartner stands in for a profile that failed to load.
func PlaceholderPartner(id UserID) PartnerProfile {
	return PartnerProfile{ID: id, FirstName: "Partner", Placeholder: true}
}

func (p PartnerProfile) DisplayName() string {
	name := p.FirstName
	if p.LastName != "" {
		name += " " + p.LastName
	}
	if name == "" {
		name = p.Username
	}
	return name
}

// MatchSession is one server-assigned pairing.
type MatchSession struct {
	ID        SessionID      `json:"session_id"`
	RoomID    RoomID         `json:"room_id"`
	PartnerID UserID         `json:"partner_id"`
	CreatedAt time.Time      `json:"created_at"`
	Partner   PartnerProfile `json:"partner"`
	Decision  Decision       `json:"decision"`
}

// NewMatchSession validates a match_found message and opens a session.
func NewMatchSession(msg Inbound, now time.Time) (*MatchSession, error) {
	if msg.RoomID == "" {
		return nil, fmt.Errorf("%w: missing room_id", ErrIncompleteMatch)
	}
	if msg.PartnerID.IsZero() {
		return nil, fmt.Errorf("%w: missing partner_id", ErrIncompleteMatch)
	}
	return &MatchSession{
		ID:        NewSessionID(),
		RoomID:    msg.RoomID,
		PartnerID: msg.PartnerID,
		CreatedAt: now,
		Partner:   PlaceholderPartner(msg.PartnerID),
	}, nil
}
