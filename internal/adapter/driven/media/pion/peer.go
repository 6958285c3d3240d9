package pion

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Wyydra/duo/internal/core/domain"
	"github.com/Wyydra/duo/internal/core/port"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

const DefaultPLIInterval = 3 * time.Second

var (
	ErrForeignMedia        = errors.New("pion: local media was not captured by this adapter")
	ErrRollbackUnsupported = errors.New("pion: rollback not supported")
)

type Options struct {
	PLIInterval time.Duration
	// IncludeLoopback gathers 127.0.0.1 candidates, for tests on one
	// host.
	IncludeLoopback bool
	Logger          zerolog.Logger
}

// PeerFactory builds pion peer connections sharing one API.
type PeerFactory struct {
	api *webrtc.API
	log zerolog.Logger
}

func NewPeerFactory(opts Options) (*PeerFactory, error) {
	if opts.PLIInterval <= 0 {
		opts.PLIInterval = DefaultPLIInterval
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	pli, err := intervalpli.NewReceiverInterceptor(intervalpli.GeneratorInterval(opts.PLIInterval))
	if err != nil {
		return nil, fmt.Errorf("interval pli: %w", err)
	}
	i.Add(pli)

	s := webrtc.SettingEngine{
		LoggerFactory: NewLoggerFactory(opts.Logger),
	}
	s.SetIncludeLoopbackCandidate(opts.IncludeLoopback)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
		webrtc.WithSettingEngine(s),
	)
	return &PeerFactory{api: api, log: opts.Logger}, nil
}

func (f *PeerFactory) NewPeer(servers domain.IceServerSet, events port.PeerEvents) (port.Peer, error) {
	pc, err := f.api.NewPeerConnection(configuration(servers))
	if err != nil {
		return nil, err
	}
	p := &Peer{pc: pc, log: f.log}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || events.OnCandidate == nil {
			return
		}
		events.OnCandidate(fromInit(c.ToJSON()), candidateType(c.Typ))
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if events.OnTransportState != nil {
			events.OnTransportState(domain.TransportState(s.String()))
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		kind := track.Kind().String()
		p.log.Debug().Str("kind", kind).Str("codec", track.Codec().MimeType).Msg("Remote track")
		if events.OnRemoteTrack != nil {
			events.OnRemoteTrack(kind)
		}
		// Keep reading so the interceptors see the stream.
		for {
			if _, _, err := track.ReadRTP(); err != nil {
				return
			}
		}
	})
	return p, nil
}

func configuration(servers domain.IceServerSet) webrtc.Configuration {
	cfg := webrtc.Configuration{
		ICECandidatePoolSize: servers.CandidatePoolSize,
	}
	if servers.TransportPolicy != "" {
		cfg.ICETransportPolicy = webrtc.NewICETransportPolicy(servers.TransportPolicy)
	}
	for _, s := range servers.Servers {
		srv := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" || s.Credential != "" {
			srv.Username = s.Username
			srv.Credential = s.Credential
			srv.CredentialType = webrtc.ICECredentialTypePassword
		}
		cfg.ICEServers = append(cfg.ICEServers, srv)
	}
	return cfg
}

// Peer wraps one *webrtc.PeerConnection.
type Peer struct {
	pc  *webrtc.PeerConnection
	log zerolog.Logger

	mu     sync.Mutex
	closed bool
}

func (p *Peer) AttachMedia(media port.LocalMedia) error {
	has := map[webrtc.RTPCodecType]bool{}
	if media != nil {
		local, ok := media.(*LocalMedia)
		if !ok {
			return ErrForeignMedia
		}
		for _, track := range local.tracks {
			sender, err := p.pc.AddTrack(track)
			if err != nil {
				return fmt.Errorf("add %s track: %w", track.Kind(), err)
			}
			has[track.Kind()] = true
			go drainRTCP(sender)
		}
	}
	// The offer always asks to receive both kinds.
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if has[kind] {
			continue
		}
		if _, err := p.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}
	return nil
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (p *Peer) CreateOffer(iceRestart bool) (domain.SessionDescription, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	sd, err := p.pc.CreateOffer(opts)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	return fromPion(sd), nil
}

func (p *Peer) CreateAnswer() (domain.SessionDescription, error) {
	sd, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	return fromPion(sd), nil
}

func (p *Peer) SetLocalDescription(sd domain.SessionDescription) error {
	return p.pc.SetLocalDescription(toPion(sd))
}

func (p *Peer) SetRemoteDescription(sd domain.SessionDescription) error {
	return p.pc.SetRemoteDescription(toPion(sd))
}

// Rollback is not implemented by pion's SetLocalDescription; callers
// rebuild the peer instead.
func (p *Peer) Rollback() error {
	return ErrRollbackUnsupported
}

func (p *Peer) AddICECandidate(c domain.ICECandidate) error {
	if typ := Classify(c.Candidate); typ == domain.CandidateRelay {
		p.log.Debug().Msg("Partner offers a relay candidate")
	}
	return p.pc.AddICECandidate(toInit(c))
}

func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	return p.pc.Close()
}

func toPion(sd domain.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(string(sd.Type)), SDP: sd.SDP}
}

func fromPion(sd webrtc.SessionDescription) domain.SessionDescription {
	return domain.SessionDescription{Type: domain.SDPType(sd.Type.String()), SDP: sd.SDP}
}
