package port

import (
	"github.com/Wyydra/duo/internal/core/domain"
)

// PeerEvents are the callbacks a peer resource raises. They may be
// called from any goroutine.
type PeerEvents struct {
	OnCandidate      func(c domain.ICECandidate, typ domain.CandidateType)
	OnTransportState func(state domain.TransportState)
	OnRemoteTrack    func(kind string)
}

// Peer is one peer-connection resource.
type Peer interface {
	// AttachMedia adds local tracks (media may be nil) and makes sure
	// the resource can receive both audio and video.
	AttachMedia(media LocalMedia) error
	CreateOffer(iceRestart bool) (domain.SessionDescription, error)
	CreateAnswer() (domain.SessionDescription, error)
	SetLocalDescription(sd domain.SessionDescription) error
	SetRemoteDescription(sd domain.SessionDescription) error
	// Rollback discards a pending local offer.
	Rollback() error
	AddICECandidate(c domain.ICECandidate) error
	Close() error
}

// PeerFactory creates peer resources.
type PeerFactory interface {
	NewPeer(servers domain.IceServerSet, events PeerEvents) (Peer, error)
}
