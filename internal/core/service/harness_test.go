package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Wyydra/duo/internal/adapter/driven/call/memory"
	diagmem "github.com/Wyydra/duo/internal/adapter/driven/persistence/memory"
	"github.com/Wyydra/duo/internal/clock"
	"github.com/Wyydra/duo/internal/core/domain"
	"github.com/Wyydra/duo/internal/core/port"
	"github.com/rs/zerolog"
)

type recordingGateway struct {
	mu      sync.Mutex
	closed  bool
	sent    []domain.Outbound
	forward func(domain.Outbound)
}

func (g *recordingGateway) Send(msg domain.Outbound) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return domain.ErrChannelNotOpen
	}
	g.sent = append(g.sent, msg)
	fwd := g.forward
	g.mu.Unlock()
	if fwd != nil {
		fwd(msg)
	}
	return nil
}

func (g *recordingGateway) ofType(t domain.MessageType) []domain.Outbound {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []domain.Outbound
	for _, m := range g.sent {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

type recordingNotifier struct {
	mu       sync.Mutex
	statuses []domain.Status
}

func (n *recordingNotifier) Publish(s domain.Status, _ domain.Snapshot) {
	n.mu.Lock()
	n.statuses = append(n.statuses, s)
	n.mu.Unlock()
}

func (n *recordingNotifier) has(kind domain.StatusKind) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, s := range n.statuses {
		if s.Kind == kind {
			return true
		}
	}
	return false
}

func (n *recordingNotifier) find(kind domain.StatusKind) (domain.Status, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, s := range n.statuses {
		if s.Kind == kind {
			return s, true
		}
	}
	return domain.Status{}, false
}

type stubIce struct {
	servers domain.IceServerSet
	calls   int
}

func (s *stubIce) FetchServers(ctx context.Context) domain.IceServerSet {
	s.calls++
	return s.servers
}

type stubProfiles struct {
	self    domain.Profile
	selfErr error
	partner map[domain.UserID]domain.PartnerProfile
}

func (s *stubProfiles) Self(ctx context.Context) (domain.Profile, error) {
	return s.self, s.selfErr
}

func (s *stubProfiles) Partner(ctx context.Context, id domain.UserID) (domain.PartnerProfile, error) {
	p, ok := s.partner[id]
	if !ok {
		return domain.PartnerProfile{}, errors.New("profile not found")
	}
	return p, nil
}

func testConfig() ControllerConfig {
	return ControllerConfig{
		RequeueDelay:    3 * time.Second,
		EndRequeueDelay: time.Second,
		ProfileTimeout:  time.Second,
		ICERestartDelay: 2 * time.Second,
		DecisionTick:    time.Second,
		DecisionWindow:  60,
		DecisionLow:     10,
		Negotiation: NegotiationConfig{
			IceFetchTimeout: time.Second,
			MediaTimeout:    time.Second,
			OfferRetryDelay: time.Second,
			MaxOfferRetries: 1,
			MaxICERestarts:  1,
		},
	}
}

// harness drives one controller deterministically: spawned work runs
// inline (or is held), timers only move on advance, and the loop only
// runs on drain.
type harness struct {
	t        *testing.T
	self     domain.UserID
	clock    *clock.Fake
	gw       *recordingGateway
	notes    *recordingNotifier
	peers    *memory.PeerFactory
	media    *memory.MediaSource
	ice      *stubIce
	profiles *stubProfiles
	diags    *diagmem.DiagnosticsRepository
	c        *MatchmakingController

	// factory replaces peers as the controller's peer factory.
	factory port.PeerFactory

	hold    bool
	spawned []func()
}

type harnessOption func(*harness, *ControllerConfig)

func withMedia(refuse func(domain.Constraints) error) harnessOption {
	return func(h *harness, _ *ControllerConfig) { h.media = memory.NewMediaSource(refuse) }
}

func withPeerFactory(f port.PeerFactory) harnessOption {
	return func(h *harness, _ *ControllerConfig) { h.factory = f }
}

func withConfig(fn func(*ControllerConfig)) harnessOption {
	return func(_ *harness, cfg *ControllerConfig) { fn(cfg) }
}

func newHarness(t *testing.T, self domain.UserID, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		self:  self,
		clock: clock.NewFake(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)),
		gw:    &recordingGateway{},
		notes: &recordingNotifier{},
		peers: memory.NewPeerFactory(),
		media: memory.NewMediaSource(nil),
		ice:   &stubIce{servers: domain.StaticIceServers},
		profiles: &stubProfiles{partner: map[domain.UserID]domain.PartnerProfile{
			"2": {ID: "2", FirstName: "Bob", Age: 30},
		}},
		diags: diagmem.NewDiagnosticsRepository(64),
	}
	cfg := testConfig()
	for _, opt := range opts {
		opt(h, &cfg)
	}
	var peers port.PeerFactory = h.peers
	if h.factory != nil {
		peers = h.factory
	}
	h.c = NewMatchmakingController(ControllerDeps{
		Self:     self,
		Gateway:  h.gw,
		Peers:    peers,
		Media:    h.media,
		Ice:      h.ice,
		Profiles: h.profiles,
		Notifier: h.notes,
		Diags:    h.diags,
		Clock:    h.clock,
		Spawn:    h.spawn,
	}, cfg, zerolog.Nop())
	return h
}

func (h *harness) spawn(fn func()) {
	if h.hold {
		h.spawned = append(h.spawned, fn)
		return
	}
	fn()
}

// release runs held background work and stops holding.
func (h *harness) release() {
	h.hold = false
	held := h.spawned
	h.spawned = nil
	for _, fn := range held {
		fn()
	}
	h.drain()
}

func (h *harness) drain() int { return h.c.loop.drain() }

// do runs fn on the loop, as the exported commands do.
func (h *harness) do(fn func() error) error {
	var err error
	h.c.loop.post(func() { err = fn() })
	h.drain()
	return err
}

func (h *harness) deliver(msg domain.Inbound) {
	h.c.HandleMessage(msg)
	h.drain()
}

// advance moves the clock in small steps so chained timers, which are
// re-armed on the loop, keep firing.
func (h *harness) advance(d time.Duration) {
	const step = 100 * time.Millisecond
	for d > 0 {
		s := step
		if d < s {
			s = d
		}
		h.clock.Advance(s)
		h.drain()
		d -= s
	}
}

func (h *harness) open() {
	h.c.ChannelOpened()
	h.drain()
}

// matched opens the channel, starts a search and delivers match_found
// for partner in room.
func (h *harness) matched(room domain.RoomID, partner domain.UserID) {
	h.t.Helper()
	h.open()
	if err := h.do(h.c.startSearch); err != nil {
		h.t.Fatalf("startSearch: %v", err)
	}
	h.deliver(domain.Inbound{Type: domain.MsgMatchFound, RoomID: room, PartnerID: partner})
	if got := h.c.state; got != domain.StateMatchedPendingDecision {
		h.t.Fatalf("state after match_found = %v, want matched_pending_decision", got)
	}
}

func (h *harness) peer() *memory.Peer {
	h.t.Helper()
	p := h.peers.Last()
	if p == nil {
		h.t.Fatal("no peer created")
	}
	return p
}

func (h *harness) from(partner domain.UserID, out domain.Outbound) domain.Inbound {
	return domain.Inbound{
		Type:       out.Type,
		FromUserID: partner,
		Offer:      out.Offer,
		Answer:     out.Answer,
		Candidate:  out.Candidate,
	}
}

func offerFrom(partner domain.UserID, sdp string) domain.Inbound {
	return domain.Inbound{
		Type:       domain.MsgOffer,
		FromUserID: partner,
		Offer:      &domain.SessionDescription{Type: domain.SDPOffer, SDP: sdp},
	}
}

func answerFrom(partner domain.UserID, sdp string) domain.Inbound {
	return domain.Inbound{
		Type:       domain.MsgAnswer,
		FromUserID: partner,
		Answer:     &domain.SessionDescription{Type: domain.SDPAnswer, SDP: sdp},
	}
}

func candidateFrom(partner domain.UserID, cand string) domain.Inbound {
	return domain.Inbound{
		Type:       domain.MsgCandidate,
		FromUserID: partner,
		Candidate:  &domain.ICECandidate{Candidate: cand},
	}
}

// link relays signaling between two harnesses. While held, relayed
// messages queue until flush.
type link struct {
	mu    sync.Mutex
	hold  bool
	queue []func()
}

func (l *link) connect(a, b *harness) {
	a.gw.forward = l.relay(a.self, b)
	b.gw.forward = l.relay(b.self, a)
}

func (l *link) relay(from domain.UserID, to *harness) func(domain.Outbound) {
	return func(out domain.Outbound) {
		switch out.Type {
		case domain.MsgOffer, domain.MsgAnswer, domain.MsgCandidate:
		default:
			return
		}
		msg := to.from(from, out)
		deliver := func() { to.c.HandleMessage(msg) }
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.hold {
			l.queue = append(l.queue, deliver)
			return
		}
		deliver()
	}
}

func (l *link) flush() {
	l.mu.Lock()
	q := l.queue
	l.queue = nil
	l.hold = false
	l.mu.Unlock()
	for _, fn := range q {
		fn()
	}
}

// pump drains both loops until neither has work.
func pump(hs ...*harness) {
	for {
		n := 0
		for _, h := range hs {
			n += h.drain()
		}
		if n == 0 {
			return
		}
	}
}
