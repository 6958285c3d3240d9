package pion

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Wyydra/duo/internal/core/domain"
	"github.com/Wyydra/duo/internal/core/port"
	"github.com/rs/zerolog"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		raw  string
		want domain.CandidateType
	}{
		{"candidate:1 1 udp 2130706431 192.168.1.2 50000 typ host", domain.CandidateHost},
		{"candidate:2 1 udp 1694498815 203.0.113.7 50001 typ srflx raddr 192.168.1.2 rport 50000", domain.CandidateSrflx},
		{"candidate:3 1 udp 16777215 198.51.100.9 3478 typ relay raddr 203.0.113.7 rport 50001", domain.CandidateRelay},
		{"not a candidate", domain.CandidateUnknown},
		{"", domain.CandidateUnknown},
	}
	for _, tt := range tests {
		if got := Classify(tt.raw); got != tt.want {
			t.Errorf("Classify(%q) = %s, want %s", tt.raw, got, tt.want)
		}
	}
}

func TestSyntheticSourceDeny(t *testing.T) {
	tests := []struct {
		deny string
		want error
	}{
		{"permission", domain.ErrMediaPermission},
		{"notfound", domain.ErrMediaNotFound},
		{"busy", domain.ErrMediaBusy},
	}
	for _, tt := range tests {
		src := NewSyntheticSource(Devices{Audio: true, Video: true, Deny: tt.deny}, "test", zerolog.Nop())
		_, err := src.Acquire(context.Background(), domain.Constraints{Audio: true})
		if !errors.Is(err, tt.want) {
			t.Errorf("deny %q: err = %v, want %v", tt.deny, err, tt.want)
		}
	}
}

func TestSyntheticSourceMissingCamera(t *testing.T) {
	src := NewSyntheticSource(Devices{Audio: true}, "test", zerolog.Nop())
	if _, err := src.Acquire(context.Background(), domain.Constraints{Audio: true, Video: true}); !errors.Is(err, domain.ErrMediaNotFound) {
		t.Fatalf("video capture err = %v, want ErrMediaNotFound", err)
	}
	m, err := src.Acquire(context.Background(), domain.Constraints{Audio: true})
	if err != nil {
		t.Fatalf("audio capture: %v", err)
	}
	m.Stop()
	m.Stop()
}

func TestAttachMediaRejectsForeignMedia(t *testing.T) {
	f, err := NewPeerFactory(Options{Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("NewPeerFactory: %v", err)
	}
	p, err := f.NewPeer(domain.IceServerSet{}, port.PeerEvents{})
	if err != nil {
		t.Fatalf("NewPeer: %v", err)
	}
	defer p.Close()

	if err := p.AttachMedia(foreignMedia{}); !errors.Is(err, ErrForeignMedia) {
		t.Errorf("err = %v, want ErrForeignMedia", err)
	}
}

type foreignMedia struct{}

func (foreignMedia) Constraints() domain.Constraints { return domain.Constraints{} }
func (foreignMedia) Stop()                           {}

func TestOfferAlwaysReceivesAudioAndVideo(t *testing.T) {
	f, err := NewPeerFactory(Options{Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("NewPeerFactory: %v", err)
	}
	p, err := f.NewPeer(domain.StaticIceServers, port.PeerEvents{})
	if err != nil {
		t.Fatalf("NewPeer: %v", err)
	}
	defer p.Close()

	if err := p.AttachMedia(nil); err != nil {
		t.Fatalf("AttachMedia: %v", err)
	}
	offer, err := p.CreateOffer(false)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if offer.Type != domain.SDPOffer {
		t.Errorf("type = %q, want offer", offer.Type)
	}
	for _, want := range []string{"m=audio", "m=video", "a=recvonly"} {
		if !containsLine(offer.SDP, want) {
			t.Errorf("offer lacks %q", want)
		}
	}
}

func TestRollbackReportsUnsupported(t *testing.T) {
	f, err := NewPeerFactory(Options{Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("NewPeerFactory: %v", err)
	}
	p, err := f.NewPeer(domain.IceServerSet{}, port.PeerEvents{})
	if err != nil {
		t.Fatalf("NewPeer: %v", err)
	}
	defer p.Close()

	if err := p.AttachMedia(nil); err != nil {
		t.Fatalf("AttachMedia: %v", err)
	}
	offer, err := p.CreateOffer(false)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if err := p.SetLocalDescription(offer); err != nil {
		t.Fatalf("SetLocalDescription: %v", err)
	}
	if err := p.Rollback(); !errors.Is(err, ErrRollbackUnsupported) {
		t.Errorf("err = %v, want ErrRollbackUnsupported", err)
	}
}

// Two real peers on loopback: one sends audio, the other has no media.
func TestLoopbackNegotiation(t *testing.T) {
	if testing.Short() {
		t.Skip("network negotiation")
	}
	f, err := NewPeerFactory(Options{IncludeLoopback: true, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("NewPeerFactory: %v", err)
	}

	type endpoint struct {
		peer      port.Peer
		cands     chan domain.ICECandidate
		connected chan struct{}
		tracks    chan string
	}
	newEndpoint := func() *endpoint {
		e := &endpoint{
			cands:     make(chan domain.ICECandidate, 64),
			connected: make(chan struct{}, 1),
			tracks:    make(chan string, 4),
		}
		p, err := f.NewPeer(domain.IceServerSet{}, port.PeerEvents{
			OnCandidate: func(c domain.ICECandidate, _ domain.CandidateType) { e.cands <- c },
			OnTransportState: func(s domain.TransportState) {
				if s == domain.TransportConnected {
					select {
					case e.connected <- struct{}{}:
					default:
					}
				}
			},
			OnRemoteTrack: func(kind string) { e.tracks <- kind },
		})
		if err != nil {
			t.Fatalf("NewPeer: %v", err)
		}
		e.peer = p
		return e
	}
	caller, callee := newEndpoint(), newEndpoint()
	defer caller.peer.Close()
	defer callee.peer.Close()

	src := NewSyntheticSource(Devices{Audio: true}, "loopback", zerolog.Nop())
	mic, err := src.Acquire(context.Background(), domain.Constraints{Audio: true})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer mic.Stop()

	if err := caller.peer.AttachMedia(mic); err != nil {
		t.Fatalf("caller AttachMedia: %v", err)
	}
	if err := callee.peer.AttachMedia(nil); err != nil {
		t.Fatalf("callee AttachMedia: %v", err)
	}

	offer, err := caller.peer.CreateOffer(false)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if err := caller.peer.SetLocalDescription(offer); err != nil {
		t.Fatalf("caller SetLocalDescription: %v", err)
	}
	if err := callee.peer.SetRemoteDescription(offer); err != nil {
		t.Fatalf("callee SetRemoteDescription: %v", err)
	}
	answer, err := callee.peer.CreateAnswer()
	if err != nil {
		t.Fatalf("CreateAnswer: %v", err)
	}
	if err := callee.peer.SetLocalDescription(answer); err != nil {
		t.Fatalf("callee SetLocalDescription: %v", err)
	}
	if err := caller.peer.SetRemoteDescription(answer); err != nil {
		t.Fatalf("caller SetRemoteDescription: %v", err)
	}

	// Both descriptions are applied, so candidates can flow directly.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	relay := func(from, to *endpoint) {
		for {
			select {
			case c := <-from.cands:
				to.peer.AddICECandidate(c)
			case <-ctx.Done():
				return
			}
		}
	}
	go relay(caller, callee)
	go relay(callee, caller)

	for _, e := range []*endpoint{caller, callee} {
		select {
		case <-e.connected:
		case <-ctx.Done():
			t.Fatal("peers never connected")
		}
	}
	select {
	case kind := <-callee.tracks:
		if kind != "audio" {
			t.Errorf("callee received %q, want audio", kind)
		}
	case <-ctx.Done():
		t.Fatal("callee never received the audio track")
	}
}

func containsLine(sdp, prefix string) bool {
	for i := 0; i+len(prefix) <= len(sdp); i++ {
		if (i == 0 || sdp[i-1] == '\n') && sdp[i:i+len(prefix)] == prefix {
			return true
		}
	}
	return false
}
