package memory

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Wyydra/duo/internal/core/domain"
	"github.com/Wyydra/duo/internal/core/port"
)

var (
	ErrClosed         = errors.New("memory peer: closed")
	ErrNoRemote       = errors.New("memory peer: no remote description")
	ErrWrongState     = errors.New("memory peer: wrong signaling state")
	ErrRollbackDenied = errors.New("memory peer: rollback not supported")
)

// PeerFactory hands out in-memory peers and keeps every one it made.
type PeerFactory struct {
	mu    sync.Mutex
	peers []*Peer
	// Err fails the next NewPeer call.
	Err error
	// Rollback lets peers honour Rollback. Off by default, like pion.
	Rollback bool
}

func NewPeerFactory() *PeerFactory {
	return &PeerFactory{}
}

func (f *PeerFactory) NewPeer(servers domain.IceServerSet, events port.PeerEvents) (port.Peer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		err := f.Err
		f.Err = nil
		return nil, err
	}
	p := &Peer{
		servers:  servers,
		events:   events,
		rollback: f.Rollback,
		failures: make(map[string][]error),
	}
	f.peers = append(f.peers, p)
	return p, nil
}

// Peers returns every peer created so far, oldest first.
func (f *PeerFactory) Peers() []*Peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Peer(nil), f.peers...)
}

// Last returns the newest peer, or nil.
func (f *PeerFactory) Last() *Peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

// Peer is a port.Peer that tracks signaling state without any media.
type Peer struct {
	mu       sync.Mutex
	servers  domain.IceServerSet
	events   port.PeerEvents
	rollback bool
	failures map[string][]error

	media      port.LocalMedia
	attached   bool
	local      *domain.SessionDescription
	remote     *domain.SessionDescription
	offers     int
	answers    int
	restarts   int
	candidates []domain.ICECandidate
	closed     bool
	calls      []string
}

// FailNext makes the next call of method return err.
func (p *Peer) FailNext(method string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[method] = append(p.failures[method], err)
}

func (p *Peer) enter(method string) error {
	p.calls = append(p.calls, method)
	if p.closed {
		return ErrClosed
	}
	if q := p.failures[method]; len(q) > 0 {
		p.failures[method] = q[1:]
		return q[0]
	}
	return nil
}

func (p *Peer) AttachMedia(media port.LocalMedia) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("AttachMedia"); err != nil {
		return err
	}
	p.media = media
	p.attached = true
	return nil
}

func (p *Peer) CreateOffer(iceRestart bool) (domain.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("CreateOffer"); err != nil {
		return domain.SessionDescription{}, err
	}
	p.offers++
	if iceRestart {
		p.restarts++
	}
	return domain.SessionDescription{
		Type: domain.SDPOffer,
		SDP:  fmt.Sprintf("v=0 offer=%d restart=%d", p.offers, p.restarts),
	}, nil
}

func (p *Peer) CreateAnswer() (domain.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("CreateAnswer"); err != nil {
		return domain.SessionDescription{}, err
	}
	if p.remote == nil || p.remote.Type != domain.SDPOffer {
		return domain.SessionDescription{}, ErrWrongState
	}
	p.answers++
	return domain.SessionDescription{
		Type: domain.SDPAnswer,
		SDP:  fmt.Sprintf("v=0 answer=%d", p.answers),
	}, nil
}

func (p *Peer) SetLocalDescription(sd domain.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("SetLocalDescription"); err != nil {
		return err
	}
	p.local = &sd
	return nil
}

func (p *Peer) SetRemoteDescription(sd domain.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("SetRemoteDescription"); err != nil {
		return err
	}
	switch sd.Type {
	case domain.SDPOffer:
		if p.local != nil && p.local.Type == domain.SDPOffer {
			return ErrWrongState
		}
	case domain.SDPAnswer:
		if p.local == nil || p.local.Type != domain.SDPOffer {
			return ErrWrongState
		}
		// An applied answer settles the exchange.
		p.local = &domain.SessionDescription{Type: domain.SDPAnswer, SDP: p.local.SDP}
	}
	p.remote = &sd
	return nil
}

func (p *Peer) Rollback() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("Rollback"); err != nil {
		return err
	}
	if !p.rollback {
		return ErrRollbackDenied
	}
	p.local = nil
	return nil
}

func (p *Peer) AddICECandidate(c domain.ICECandidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("AddICECandidate"); err != nil {
		return err
	}
	if p.remote == nil {
		return ErrNoRemote
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *Peer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, "Close")
	p.closed = true
	return nil
}

// EmitCandidate raises a local candidate as the transport would.
func (p *Peer) EmitCandidate(c domain.ICECandidate, typ domain.CandidateType) {
	if p.events.OnCandidate != nil {
		p.events.OnCandidate(c, typ)
	}
}

func (p *Peer) EmitState(s domain.TransportState) {
	if p.events.OnTransportState != nil {
		p.events.OnTransportState(s)
	}
}

func (p *Peer) EmitTrack(kind string) {
	if p.events.OnRemoteTrack != nil {
		p.events.OnRemoteTrack(kind)
	}
}

// Applied returns the remote candidates added to the transport, in
// order.
func (p *Peer) Applied() []domain.ICECandidate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.ICECandidate(nil), p.candidates...)
}

func (p *Peer) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *Peer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Peer) Media() port.LocalMedia {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.media
}

func (p *Peer) Servers() domain.IceServerSet { return p.servers }

func (p *Peer) Local() *domain.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local
}

func (p *Peer) Remote() *domain.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}
