package service

import (
	"context"
	"fmt"
	"time"

	"github.com/Wyydra/duo/internal/clock"
	"github.com/Wyydra/duo/internal/core/domain"
	"github.com/Wyydra/duo/internal/core/port"
	"github.com/rs/zerolog"
)

type NegotiationConfig struct {
	IceFetchTimeout time.Duration
	MediaTimeout    time.Duration
	OfferRetryDelay time.Duration
	// MaxOfferRetries bounds retries of a failed inbound offer.
	MaxOfferRetries int
	MaxICERestarts  int
	Ladder          []domain.Constraints
}

// NegotiationEngine owns the single peer resource of the active
// MatchSession and keeps it in sync with the partner. It is not safe
// for concurrent use: every method runs on the session loop, and
// callbacks from the resource are posted back tagged with the
// generation they belong to.
type NegotiationEngine struct {
	self    domain.UserID
	peers   port.PeerFactory
	media   port.MediaSource
	ice     port.IceConfigProvider
	gateway port.SignalGateway
	clock   clock.Clock
	post    func(func()) bool
	spawn   func(func())
	log     zerolog.Logger
	cfg     NegotiationConfig
	base    zerolog.Logger

	notify      func(kind domain.StatusKind, msg string)
	diag        func(event string, fields map[string]string)
	onTransport func(id domain.SessionID, state domain.TransportState)

	session   *domain.MatchSession
	gen       uint64
	peer      port.Peer
	local     port.LocalMedia
	servers   domain.IceServerSet
	phase     domain.Phase
	remoteSet bool
	pending   []domain.ICECandidate
	deferred  *domain.SessionDescription
	stats     domain.NegotiationStats
	restarts  int
}

type EngineDeps struct {
	Self    domain.UserID
	Peers   port.PeerFactory
	Media   port.MediaSource
	Ice     port.IceConfigProvider
	Gateway port.SignalGateway
	Clock   clock.Clock
}

func NewNegotiationEngine(deps EngineDeps, post func(func()) bool, spawn func(func()), cfg NegotiationConfig, log zerolog.Logger) *NegotiationEngine {
	if len(cfg.Ladder) == 0 {
		cfg.Ladder = domain.ConstraintLadder
	}
	return &NegotiationEngine{
		self:        deps.Self,
		peers:       deps.Peers,
		media:       deps.Media,
		ice:         deps.Ice,
		gateway:     deps.Gateway,
		clock:       deps.Clock,
		post:        post,
		spawn:       spawn,
		cfg:         cfg,
		base:        log,
		log:         log,
		notify:      func(domain.StatusKind, string) {},
		diag:        func(string, map[string]string) {},
		onTransport: func(domain.SessionID, domain.TransportState) {},
	}
}

func (e *NegotiationEngine) Phase() domain.Phase            { return e.phase }
func (e *NegotiationEngine) Stats() domain.NegotiationStats { return e.stats }
func (e *NegotiationEngine) Active() bool                   { return e.session != nil }

// LocalMedia describes what is being sent to the partner.
func (e *NegotiationEngine) LocalMedia() string {
	if e.local == nil {
		return "none"
	}
	return e.local.Constraints().String()
}

// polite reports whether this side yields on glare.
func (e *NegotiationEngine) polite() bool {
	return e.session != nil && e.self.Less(e.session.PartnerID)
}

// Begin starts negotiating for s. ICE servers and local media are
// resolved off the loop; until they are, the engine is Negotiating and
// any offer from the partner is deferred.
func (e *NegotiationEngine) Begin(s *domain.MatchSession) {
	e.Close()
	e.session = s
	e.phase = domain.PhaseNegotiating
	e.log = e.base.With().
		Str("session_id", s.ID.String()).
		Str("room_id", s.RoomID.String()).
		Str("partner_id", s.PartnerID.String()).
		Logger()

	gen := e.gen
	e.spawn(func() {
		servers := e.fetchServers()
		media, err := e.acquire()
		ok := e.post(func() { e.prepared(gen, servers, media, err) })
		if !ok && media != nil {
			media.Stop()
		}
	})
}

func (e *NegotiationEngine) fetchServers() domain.IceServerSet {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.IceFetchTimeout)
	defer cancel()
	return e.ice.FetchServers(ctx)
}

// acquire walks the constraint ladder and returns the first capture
// that succeeds, or the last error.
func (e *NegotiationEngine) acquire() (port.LocalMedia, error) {
	var lastErr error
	for _, c := range e.cfg.Ladder {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.MediaTimeout)
		media, err := e.media.Acquire(ctx, c)
		cancel()
		if err == nil {
			return media, nil
		}
		e.log.Debug().Err(err).Str("constraints", c.String()).Msg("Media constraints failed")
		lastErr = err
	}
	return nil, lastErr
}

func (e *NegotiationEngine) prepared(gen uint64, servers domain.IceServerSet, media port.LocalMedia, mediaErr error) {
	if gen != e.gen || e.session == nil {
		if media != nil {
			media.Stop()
		}
		return
	}
	e.servers = servers
	e.local = media
	if mediaErr != nil {
		e.log.Warn().Err(mediaErr).Msg("No local media, continuing receive-only")
		e.notify(domain.StatusMediaDegraded, domain.MediaFailureText(mediaErr))
	} else {
		e.log.Info().Str("constraints", media.Constraints().String()).Msg("Local media acquired")
	}

	if err := e.createPeer(); err != nil {
		// A later offer from the partner gets a fresh attempt.
		e.phase = domain.PhaseClosed
		e.fail("Could not create peer connection", err)
		return
	}

	if e.deferred != nil {
		offer := *e.deferred
		e.deferred = nil
		e.log.Debug().Msg("Answering offer deferred during preparation")
		e.handleOffer(offer, 0)
		return
	}
	e.sendOffer(false)
}

func (e *NegotiationEngine) createPeer() error {
	gen := e.gen
	events := port.PeerEvents{
		OnCandidate: func(c domain.ICECandidate, typ domain.CandidateType) {
			e.post(func() { e.localCandidate(gen, c, typ) })
		},
		OnTransportState: func(state domain.TransportState) {
			e.post(func() { e.transportChanged(gen, state) })
		},
		OnRemoteTrack: func(kind string) {
			e.post(func() {
				if gen == e.gen {
					e.notify(domain.StatusRemoteTrack, "Receiving partner "+kind)
				}
			})
		},
	}
	p, err := e.peers.NewPeer(e.servers, events)
	if err != nil {
		return err
	}
	if err := p.AttachMedia(e.local); err != nil {
		p.Close()
		return err
	}
	e.peer = p
	e.phase = domain.PhaseStable
	e.remoteSet = false
	return nil
}

// rebuild replaces the resource with a fresh one carrying the same
// local media. Callbacks of the old resource are dropped by generation.
func (e *NegotiationEngine) rebuild() error {
	if e.peer != nil {
		e.peer.Close()
		e.peer = nil
	}
	e.gen++
	return e.createPeer()
}

func (e *NegotiationEngine) sendOffer(iceRestart bool) {
	sd, err := e.peer.CreateOffer(iceRestart)
	if err != nil {
		e.fail("Could not create offer", err)
		return
	}
	if err := e.peer.SetLocalDescription(sd); err != nil {
		e.fail("Could not apply local offer", err)
		return
	}
	e.phase = domain.PhaseHaveLocalOffer
	if iceRestart {
		// Candidates for the new ICE generation wait for the answer.
		e.remoteSet = false
	}
	e.send(domain.NewOfferMessage(e.session.PartnerID, sd))
	e.log.Info().Bool("ice_restart", iceRestart).Msg("Offer sent")
}

// HandleOffer processes a remote offer from the partner.
func (e *NegotiationEngine) HandleOffer(sd domain.SessionDescription) {
	e.handleOffer(sd, 0)
}

func (e *NegotiationEngine) handleOffer(sd domain.SessionDescription, attempt int) {
	if e.session == nil {
		e.log.Debug().Msg("Offer without active session ignored")
		return
	}

	switch e.phase {
	case domain.PhaseNegotiating:
		e.deferred = &sd
		e.diag("offer_deferred", nil)
		return
	case domain.PhaseClosed:
		if err := e.createPeer(); err != nil {
			e.fail("Could not create peer connection", err)
			return
		}
	case domain.PhaseHaveLocalOffer:
		if !e.polite() {
			e.log.Info().Msg("Glare: keeping own offer, ignoring remote offer")
			e.diag("glare_ignored", nil)
			return
		}
		e.log.Info().Msg("Glare: rolling back own offer")
		e.diag("glare_rollback", nil)
		if err := e.peer.Rollback(); err != nil {
			e.log.Warn().Err(err).Msg("Rollback unsupported, rebuilding peer connection")
			if err := e.rebuild(); err != nil {
				e.phase = domain.PhaseClosed
				e.fail("Could not rebuild peer connection", err)
				return
			}
		}
		e.phase = domain.PhaseStable
	case domain.PhaseHaveRemoteOffer:
		e.log.Debug().Msg("Offer while answering another one ignored")
		return
	}

	gen := e.gen
	if err := e.peer.SetRemoteDescription(sd); err != nil {
		e.offerFailed(sd, attempt, err)
		return
	}
	e.phase = domain.PhaseHaveRemoteOffer
	e.remoteSet = true
	e.flush()

	answer, err := e.peer.CreateAnswer()
	if err != nil {
		e.offerFailed(sd, attempt, err)
		return
	}
	if err := e.peer.SetLocalDescription(answer); err != nil {
		e.offerFailed(sd, attempt, err)
		return
	}
	if gen != e.gen {
		return
	}
	e.phase = domain.PhaseStable
	e.send(domain.NewAnswerMessage(e.session.PartnerID, answer))
	e.log.Info().Msg("Answer sent")
}

// offerFailed retries the same offer once after a short delay. A
// resource left holding the remote offer is replaced first, so the
// engine is back in stable whether or not a retry follows.
func (e *NegotiationEngine) offerFailed(sd domain.SessionDescription, attempt int, err error) {
	e.log.Error().Err(err).Int("attempt", attempt).Msg("Handling remote offer failed")
	if e.phase == domain.PhaseHaveRemoteOffer {
		if rerr := e.rebuild(); rerr != nil {
			e.phase = domain.PhaseClosed
			e.fail("Could not rebuild peer connection", rerr)
			return
		}
	}
	if attempt >= e.cfg.MaxOfferRetries {
		e.fail("Negotiation failed", err)
		return
	}
	gen := e.gen
	e.clock.AfterFunc(e.cfg.OfferRetryDelay, func() {
		e.post(func() {
			if gen != e.gen || e.session == nil {
				return
			}
			e.handleOffer(sd, attempt+1)
		})
	})
}

// HandleAnswer applies a remote answer to the pending local offer.
// Answers arriving in any other phase are stale and dropped.
func (e *NegotiationEngine) HandleAnswer(sd domain.SessionDescription) {
	if e.session == nil || e.phase != domain.PhaseHaveLocalOffer {
		e.log.Debug().Str("phase", e.phase.String()).Msg("Stale answer ignored")
		return
	}
	if err := e.peer.SetRemoteDescription(sd); err != nil {
		e.log.Error().Err(err).Msg("Applying remote answer failed")
		e.notify(domain.StatusNegotiationFailed, "Could not apply partner's answer")
		return
	}
	e.phase = domain.PhaseStable
	e.remoteSet = true
	e.flush()
	e.log.Info().Msg("Remote answer applied")
}

// HandleCandidate applies a remote candidate, or buffers it until a
// remote description has been applied.
func (e *NegotiationEngine) HandleCandidate(c domain.ICECandidate) {
	if e.session == nil {
		return
	}
	e.stats.Received++
	if e.peer == nil || !e.remoteSet {
		e.pending = append(e.pending, c)
		e.stats.Buffered++
		return
	}
	e.apply(c)
}

func (e *NegotiationEngine) apply(c domain.ICECandidate) {
	if err := e.peer.AddICECandidate(c); err != nil {
		e.log.Warn().Err(err).Msg("Adding remote candidate failed")
		return
	}
	e.stats.Applied++
}

// flush applies buffered candidates in arrival order.
func (e *NegotiationEngine) flush() {
	pending := e.pending
	e.pending = nil
	for _, c := range pending {
		e.apply(c)
	}
	if len(pending) > 0 {
		e.log.Debug().Int("count", len(pending)).Msg("Flushed buffered candidates")
	}
}

func (e *NegotiationEngine) localCandidate(gen uint64, c domain.ICECandidate, typ domain.CandidateType) {
	if gen != e.gen || e.session == nil {
		return
	}
	e.stats.Count(typ)
	e.diag("local_candidate", map[string]string{"type": string(typ)})
	if typ == domain.CandidateRelay {
		e.log.Debug().Msg("Relay candidate gathered, TURN is reachable")
	}
	e.send(domain.NewCandidateMessage(e.session.PartnerID, c))
}

func (e *NegotiationEngine) transportChanged(gen uint64, state domain.TransportState) {
	if gen != e.gen || e.session == nil {
		return
	}
	e.onTransport(e.session.ID, state)
}

// RestartICE re-offers with an ICE restart on the existing resource.
// After MaxICERestarts attempts the failure is surfaced instead.
func (e *NegotiationEngine) RestartICE() {
	if e.session == nil || e.peer == nil {
		return
	}
	if e.restarts >= e.cfg.MaxICERestarts {
		e.log.Warn().Int("restarts", e.restarts).Msg("Connection failed after ICE restart")
		e.notify(domain.StatusConnectionFailed, "Connection failed. End the conversation to find a new partner.")
		return
	}
	if e.phase != domain.PhaseStable && e.phase != domain.PhaseHaveLocalOffer {
		e.log.Debug().Str("phase", e.phase.String()).Msg("ICE restart skipped mid-negotiation")
		return
	}
	e.restarts++
	e.stats.Restarts++
	e.sendOffer(true)
}

// Close releases the resource and local media. Callbacks still in
// flight for it are discarded by generation.
func (e *NegotiationEngine) Close() {
	e.gen++
	if e.peer != nil {
		if err := e.peer.Close(); err != nil {
			e.log.Debug().Err(err).Msg("Closing peer")
		}
	}
	if e.local != nil {
		e.local.Stop()
	}
	e.session = nil
	e.peer = nil
	e.local = nil
	e.phase = domain.PhaseClosed
	e.remoteSet = false
	e.pending = nil
	e.deferred = nil
	e.stats = domain.NegotiationStats{}
	e.restarts = 0
}

func (e *NegotiationEngine) send(msg domain.Outbound) {
	if err := e.gateway.Send(msg); err != nil {
		e.log.Warn().Err(err).Str("type", string(msg.Type)).Msg("Signal dropped")
	}
}

func (e *NegotiationEngine) fail(text string, err error) {
	e.log.Error().Err(err).Msg(text)
	e.notify(domain.StatusNegotiationFailed, fmt.Sprintf("%s: %v", text, err))
}
