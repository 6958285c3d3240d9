package domain

// MessageType discriminates the JSON objects exchanged with the
// matchmaking service.
type MessageType string

// Inbound message types.
const (
	MsgSearchStarted MessageType = "search_started"
	MsgSearching     MessageType = "searching"
	MsgSearchStopped MessageType = "search_stopped"
	MsgMatchFound    MessageType = "match_found"
	MsgMatchSuccess  MessageType = "match_success"
	MsgMatchRejected MessageType = "match_rejected"
	MsgTimeExpired   MessageType = "time_expired"
)

// Outbound-only message types.
const (
	MsgStartSearch MessageType = "start_search"
	MsgStopSearch  MessageType = "stop_search"
	MsgApprove     MessageType = "approve"
	MsgReject      MessageType = "reject"
)

// Relayed in both directions.
const (
	MsgOffer     MessageType = "webrtc_offer"
	MsgAnswer    MessageType = "webrtc_answer"
	MsgCandidate MessageType = "ice_candidate"
)

// SDPType mirrors RTCSdpType.
type SDPType string

const (
	SDPOffer    SDPType = "offer"
	SDPAnswer   SDPType = "answer"
	SDPRollback SDPType = "rollback"
)

// SessionDescription is the browser-compatible {type, sdp} object.
type SessionDescription struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

// ICECandidate is the browser-compatible RTCIceCandidateInit object.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Inbound is any message the service delivers. Only the fields that
// belong to Type are populated.
type Inbound struct {
	Type       MessageType         `json:"type"`
	Message    string              `json:"message,omitempty"`
	RoomID     RoomID              `json:"room_id,omitempty"`
	PartnerID  UserID              `json:"partner_id,omitempty"`
	Offer      *SessionDescription `json:"offer,omitempty"`
	Answer     *SessionDescription `json:"answer,omitempty"`
	Candidate  *ICECandidate       `json:"candidate,omitempty"`
	FromUserID UserID              `json:"from_user_id,omitempty"`
}

// Known reports whether the core consumes messages of this type.
func (m Inbound) Known() bool {
	switch m.Type {
	case MsgSearchStarted, MsgSearching, MsgSearchStopped, MsgMatchFound,
		MsgMatchSuccess, MsgMatchRejected, MsgTimeExpired,
		MsgOffer, MsgAnswer, MsgCandidate:
		return true
	}
	return false
}

// SearchFilter carries the local profile attributes the matcher
// filters on.
type SearchFilter struct {
	Gender string  `json:"gender"`
	Age    int     `json:"age"`
	Lat    float64 `json:"lat"`
	Lng    float64 `json:"lng"`
}

// Outbound is any message the core sends. A nil embedded filter keeps
// the search fields out of the encoding.
type Outbound struct {
	Type         MessageType         `json:"type"`
	RoomID       RoomID              `json:"room_id,omitempty"`
	TargetUserID UserID              `json:"target_user_id,omitempty"`
	Offer        *SessionDescription `json:"offer,omitempty"`
	Answer       *SessionDescription `json:"answer,omitempty"`
	Candidate    *ICECandidate       `json:"candidate,omitempty"`
	*SearchFilter
}

func NewStartSearch(f SearchFilter) Outbound {
	return Outbound{Type: MsgStartSearch, SearchFilter: &f}
}

func NewStopSearch() Outbound {
	return Outbound{Type: MsgStopSearch}
}

func NewApprove(room RoomID) Outbound {
	return Outbound{Type: MsgApprove, RoomID: room}
}

func NewReject(room RoomID) Outbound {
	return Outbound{Type: MsgReject, RoomID: room}
}

func NewOfferMessage(target UserID, sd SessionDescription) Outbound {
	return Outbound{Type: MsgOffer, TargetUserID: target, Offer: &sd}
}

func NewAnswerMessage(target UserID, sd SessionDescription) Outbound {
	return Outbound{Type: MsgAnswer, TargetUserID: target, Answer: &sd}
}

func NewCandidateMessage(target UserID, c ICECandidate) Outbound {
	return Outbound{Type: MsgCandidate, TargetUserID: target, Candidate: &c}
}
