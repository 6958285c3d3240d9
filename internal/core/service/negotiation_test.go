package service

import (
	"errors"
	"testing"
	"time"

	"github.com/Wyydra/duo/internal/core/domain"
)

func TestMatchSendsOfferToPartner(t *testing.T) {
	h := newHarness(t, "1")
	h.matched("r1", "2")

	offers := h.gw.ofType(domain.MsgOffer)
	if len(offers) != 1 {
		t.Fatalf("offers sent = %d, want 1", len(offers))
	}
	if offers[0].TargetUserID != "2" {
		t.Errorf("target_user_id = %q, want 2", offers[0].TargetUserID)
	}
	if h.c.engine.Phase() != domain.PhaseHaveLocalOffer {
		t.Errorf("phase = %v, want have-local-offer", h.c.engine.Phase())
	}
	if h.ice.calls != 1 {
		t.Errorf("ice fetches = %d, want 1", h.ice.calls)
	}
	if got := h.peer().Media(); got == nil || got.Constraints() != domain.ConstraintLadder[0] {
		t.Errorf("attached media = %v, want first ladder step", got)
	}
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	h := newHarness(t, "1")
	h.matched("r1", "2")

	for _, c := range []string{"c1", "c2", "c3"} {
		h.deliver(candidateFrom("2", c))
	}
	if n := len(h.peer().Applied()); n != 0 {
		t.Fatalf("applied before answer = %d, want 0", n)
	}

	h.deliver(answerFrom("2", "answer"))
	h.deliver(candidateFrom("2", "c4"))

	applied := h.peer().Applied()
	want := []string{"c1", "c2", "c3", "c4"}
	if len(applied) != len(want) {
		t.Fatalf("applied = %d candidates, want %d", len(applied), len(want))
	}
	for i, c := range applied {
		if c.Candidate != want[i] {
			t.Errorf("applied[%d] = %q, want %q", i, c.Candidate, want[i])
		}
	}

	stats := h.c.engine.Stats()
	if stats.Received != 4 || stats.Buffered != 3 || stats.Applied != 4 {
		t.Errorf("stats = %+v, want received 4 buffered 3 applied 4", stats)
	}
}

func TestCandidatesBeforePeerExists(t *testing.T) {
	h := newHarness(t, "1")
	h.hold = true
	h.matched("r1", "2")

	h.deliver(candidateFrom("2", "early"))
	h.release()
	h.deliver(answerFrom("2", "answer"))

	applied := h.peer().Applied()
	if len(applied) != 1 || applied[0].Candidate != "early" {
		t.Fatalf("applied = %v, want [early]", applied)
	}
}

func TestLocalCandidatesRelayedAndClassified(t *testing.T) {
	h := newHarness(t, "1")
	h.matched("r1", "2")
	p := h.peer()

	p.EmitCandidate(domain.ICECandidate{Candidate: "host"}, domain.CandidateHost)
	p.EmitCandidate(domain.ICECandidate{Candidate: "relay"}, domain.CandidateRelay)
	h.drain()

	sent := h.gw.ofType(domain.MsgCandidate)
	if len(sent) != 2 {
		t.Fatalf("candidates sent = %d, want 2", len(sent))
	}
	if sent[0].TargetUserID != "2" || sent[0].Candidate.Candidate != "host" {
		t.Errorf("first candidate = %+v", sent[0])
	}
	stats := h.c.engine.Stats()
	if stats.Generated != 2 || stats.GeneratedRelay != 1 || !stats.TURNUsed {
		t.Errorf("stats = %+v, want 2 generated with one relay", stats)
	}
}

func TestStaleAnswerIgnored(t *testing.T) {
	h := newHarness(t, "1")
	h.matched("r1", "2")
	h.deliver(answerFrom("2", "a1"))
	h.deliver(answerFrom("2", "a2"))

	if got := h.peer().Remote().SDP; got != "a1" {
		t.Errorf("remote sdp = %q, want a1", got)
	}
	if h.notes.has(domain.StatusNegotiationFailed) {
		t.Error("stale answer reported as failure")
	}
}

func TestGlarePoliteSideRollsBack(t *testing.T) {
	h := newHarness(t, "1")
	h.peers.Rollback = true
	h.matched("r1", "2")

	h.deliver(offerFrom("2", "their-offer"))

	answers := h.gw.ofType(domain.MsgAnswer)
	if len(answers) != 1 {
		t.Fatalf("answers sent = %d, want 1", len(answers))
	}
	p := h.peer()
	if !contains(p.Calls(), "Rollback") {
		t.Errorf("calls = %v, want a Rollback", p.Calls())
	}
	if got := p.Remote(); got == nil || got.SDP != "their-offer" {
		t.Errorf("remote = %v, want their-offer", got)
	}
	if h.c.engine.Phase() != domain.PhaseStable {
		t.Errorf("phase = %v, want stable", h.c.engine.Phase())
	}
}

func TestGlareImpoliteSideKeepsOffer(t *testing.T) {
	h := newHarness(t, "9")
	h.matched("r1", "2")

	h.deliver(offerFrom("2", "their-offer"))

	if n := len(h.gw.ofType(domain.MsgAnswer)); n != 0 {
		t.Fatalf("answers sent = %d, want 0", n)
	}
	if h.c.engine.Phase() != domain.PhaseHaveLocalOffer {
		t.Fatalf("phase = %v, want have-local-offer", h.c.engine.Phase())
	}

	h.deliver(answerFrom("2", "their-answer"))
	if h.c.engine.Phase() != domain.PhaseStable {
		t.Errorf("phase = %v, want stable", h.c.engine.Phase())
	}
}

func TestGlareTieBreakIsNumeric(t *testing.T) {
	// 10 > 9 numerically, so "10" is the impolite side.
	h := newHarness(t, "10")
	h.matched("r1", "9")
	h.deliver(offerFrom("9", "their-offer"))

	if n := len(h.gw.ofType(domain.MsgAnswer)); n != 0 {
		t.Errorf("answers sent = %d, want 0", n)
	}
}

func TestGlareRollbackFailureRebuildsPeer(t *testing.T) {
	h := newHarness(t, "1")
	h.matched("r1", "2")
	first := h.peer()

	h.deliver(offerFrom("2", "their-offer"))

	peers := h.peers.Peers()
	if len(peers) != 2 {
		t.Fatalf("peers created = %d, want 2", len(peers))
	}
	if !first.Closed() {
		t.Error("old peer not closed")
	}
	second := peers[1]
	if second.Media() == nil || second.Media() != first.Media() {
		t.Error("rebuilt peer does not carry the same local media")
	}
	if h.media.Live() != 1 {
		t.Errorf("live media = %d, want 1", h.media.Live())
	}
	if n := len(h.gw.ofType(domain.MsgAnswer)); n != 1 {
		t.Errorf("answers sent = %d, want 1", n)
	}

	// Callbacks of the replaced peer are stale.
	first.EmitCandidate(domain.ICECandidate{Candidate: "old"}, domain.CandidateHost)
	h.drain()
	if n := len(h.gw.ofType(domain.MsgCandidate)); n != 0 {
		t.Errorf("candidates from replaced peer sent = %d, want 0", n)
	}
}

func TestGlareBetweenTwoClientsConverges(t *testing.T) {
	a := newHarness(t, "1")
	b := newHarness(t, "2")
	b.profiles.partner["1"] = domain.PartnerProfile{ID: "1", FirstName: "Ann"}
	l := &link{hold: true}
	l.connect(a, b)

	a.matched("r1", "2")
	b.matched("r1", "1")
	if a.c.engine.Phase() != domain.PhaseHaveLocalOffer || b.c.engine.Phase() != domain.PhaseHaveLocalOffer {
		t.Fatal("both sides should have a pending offer")
	}

	// Both offers cross on the wire.
	l.flush()
	pump(a, b)

	if a.c.engine.Phase() != domain.PhaseStable || b.c.engine.Phase() != domain.PhaseStable {
		t.Fatalf("phases = %v / %v, want stable / stable", a.c.engine.Phase(), b.c.engine.Phase())
	}
	bOffer := b.gw.ofType(domain.MsgOffer)[0].Offer.SDP
	if got := a.peer().Remote().SDP; got != bOffer {
		t.Errorf("a applied %q, want b's offer %q", got, bOffer)
	}
	if got := b.peer().Remote(); got == nil || got.Type != domain.SDPAnswer {
		t.Errorf("b remote = %v, want an answer", got)
	}
}

func TestOfferDeferredDuringPreparation(t *testing.T) {
	h := newHarness(t, "1")
	h.hold = true
	h.matched("r1", "2")

	if h.c.engine.Phase() != domain.PhaseNegotiating {
		t.Fatalf("phase = %v, want negotiating", h.c.engine.Phase())
	}
	h.deliver(offerFrom("2", "first"))
	h.deliver(offerFrom("2", "second"))
	h.release()

	if n := len(h.gw.ofType(domain.MsgOffer)); n != 0 {
		t.Errorf("own offers sent = %d, want 0", n)
	}
	if n := len(h.gw.ofType(domain.MsgAnswer)); n != 1 {
		t.Fatalf("answers sent = %d, want 1", n)
	}
	if got := h.peer().Remote().SDP; got != "second" {
		t.Errorf("answered %q, want the latest offer", got)
	}
}

func TestStalePreparationReleasesMedia(t *testing.T) {
	h := newHarness(t, "1")
	h.hold = true
	h.matched("r1", "2")

	h.deliver(domain.Inbound{Type: domain.MsgMatchRejected, RoomID: "r1"})
	h.release()

	if n := len(h.peers.Peers()); n != 0 {
		t.Errorf("peers created = %d, want 0", n)
	}
	if len(h.media.Acquired()) != 1 || h.media.Live() != 0 {
		t.Errorf("acquired %d, live %d; want 1 acquired and released", len(h.media.Acquired()), h.media.Live())
	}
}

func TestOfferRetriedOnceAfterDelay(t *testing.T) {
	h := newHarness(t, "1")
	h.matched("r1", "2")
	h.deliver(answerFrom("2", "answer"))

	h.peer().FailNext("SetRemoteDescription", errors.New("m-lines mismatch"))
	h.deliver(offerFrom("2", "renegotiate"))
	if n := len(h.gw.ofType(domain.MsgAnswer)); n != 0 {
		t.Fatalf("answers before retry = %d, want 0", n)
	}

	h.advance(time.Second)
	if n := len(h.gw.ofType(domain.MsgAnswer)); n != 1 {
		t.Fatalf("answers after retry = %d, want 1", n)
	}
	if h.notes.has(domain.StatusNegotiationFailed) {
		t.Error("successful retry reported as failure")
	}
}

func TestOfferRetryAfterAnswerFailureRebuildsPeer(t *testing.T) {
	h := newHarness(t, "1")
	h.matched("r1", "2")
	h.deliver(answerFrom("2", "answer"))
	first := h.peer()

	first.FailNext("CreateAnswer", errors.New("codec mismatch"))
	h.deliver(offerFrom("2", "renegotiate"))
	if h.c.engine.Phase() != domain.PhaseStable {
		t.Fatalf("phase after failed answer = %v, want stable", h.c.engine.Phase())
	}
	if !first.Closed() {
		t.Error("peer holding the failed offer not replaced")
	}

	h.advance(time.Second)
	if n := len(h.gw.ofType(domain.MsgAnswer)); n != 1 {
		t.Fatalf("answers after retry = %d, want 1", n)
	}
	if got := h.peer().Remote(); got == nil || got.SDP != "renegotiate" {
		t.Errorf("remote = %v, want renegotiate", got)
	}
	if h.c.engine.Phase() != domain.PhaseStable {
		t.Errorf("phase = %v, want stable", h.c.engine.Phase())
	}
	if h.notes.has(domain.StatusNegotiationFailed) {
		t.Error("successful retry reported as failure")
	}

	// The engine keeps working afterwards.
	h.do(func() error {
		h.c.engine.RestartICE()
		return nil
	})
	if n := len(h.gw.ofType(domain.MsgOffer)); n != 2 {
		t.Errorf("offers after restart = %d, want 2", n)
	}
}

func TestAnswerFailureExhaustedLeavesEngineUsable(t *testing.T) {
	h := newHarness(t, "1", withConfig(func(cfg *ControllerConfig) {
		cfg.Negotiation.MaxOfferRetries = 0
	}))
	h.matched("r1", "2")
	h.deliver(answerFrom("2", "answer"))

	h.peer().FailNext("SetLocalDescription", errors.New("bad answer"))
	h.deliver(offerFrom("2", "renegotiate"))
	if !h.notes.has(domain.StatusNegotiationFailed) {
		t.Fatal("failed offer not reported")
	}
	if h.c.engine.Phase() != domain.PhaseStable {
		t.Fatalf("phase = %v, want stable", h.c.engine.Phase())
	}

	h.deliver(offerFrom("2", "again"))
	if n := len(h.gw.ofType(domain.MsgAnswer)); n != 1 {
		t.Errorf("answers to later offer = %d, want 1", n)
	}
}

func TestPeerCreationFailureAllowsLaterOffer(t *testing.T) {
	h := newHarness(t, "1")
	h.peers.Err = errors.New("no sockets")
	h.matched("r1", "2")

	if !h.notes.has(domain.StatusNegotiationFailed) {
		t.Fatal("peer creation failure not reported")
	}
	if h.c.engine.Phase() != domain.PhaseClosed {
		t.Fatalf("phase = %v, want closed", h.c.engine.Phase())
	}

	h.deliver(offerFrom("2", "their-offer"))
	if n := len(h.gw.ofType(domain.MsgAnswer)); n != 1 {
		t.Errorf("answers = %d, want 1", n)
	}
	if h.c.engine.Phase() != domain.PhaseStable {
		t.Errorf("phase = %v, want stable", h.c.engine.Phase())
	}
}

func TestOfferRetryExhausted(t *testing.T) {
	h := newHarness(t, "1")
	h.matched("r1", "2")
	h.deliver(answerFrom("2", "answer"))

	p := h.peer()
	p.FailNext("SetRemoteDescription", errors.New("m-lines mismatch"))
	p.FailNext("SetRemoteDescription", errors.New("m-lines mismatch"))
	h.deliver(offerFrom("2", "renegotiate"))
	h.advance(5 * time.Second)

	if n := len(h.gw.ofType(domain.MsgAnswer)); n != 0 {
		t.Errorf("answers = %d, want 0", n)
	}
	if !h.notes.has(domain.StatusNegotiationFailed) {
		t.Error("exhausted retry not reported")
	}
}

func TestICERestartBoundedByMaxRestarts(t *testing.T) {
	h := newHarness(t, "1")
	h.matched("r1", "2")
	h.deliver(answerFrom("2", "answer"))
	p := h.peer()

	p.EmitState(domain.TransportFailed)
	h.drain()
	h.advance(time.Second)
	if n := len(h.gw.ofType(domain.MsgOffer)); n != 1 {
		t.Fatalf("restart before delay: offers = %d, want 1", n)
	}
	h.advance(time.Second)

	offers := h.gw.ofType(domain.MsgOffer)
	if len(offers) != 2 {
		t.Fatalf("offers after restart = %d, want 2", len(offers))
	}
	if len(h.peers.Peers()) != 1 {
		t.Error("ICE restart rebuilt the peer")
	}
	if h.c.engine.Stats().Restarts != 1 {
		t.Errorf("restarts = %d, want 1", h.c.engine.Stats().Restarts)
	}

	h.deliver(answerFrom("2", "answer-2"))
	p.EmitState(domain.TransportFailed)
	h.drain()
	h.advance(2 * time.Second)

	if n := len(h.gw.ofType(domain.MsgOffer)); n != 2 {
		t.Errorf("offers after cap = %d, want 2", n)
	}
	if !h.notes.has(domain.StatusConnectionFailed) {
		t.Error("connection failure not surfaced after restart cap")
	}
}

func TestICERestartCancelledByTeardown(t *testing.T) {
	h := newHarness(t, "1")
	h.matched("r1", "2")
	h.deliver(answerFrom("2", "answer"))

	h.peer().EmitState(domain.TransportFailed)
	h.drain()
	h.deliver(domain.Inbound{Type: domain.MsgTimeExpired, RoomID: "r1"})
	h.advance(2 * time.Second)

	if n := len(h.gw.ofType(domain.MsgOffer)); n != 1 {
		t.Errorf("offers = %d, want 1", n)
	}
}

func TestMediaFailureStillOffers(t *testing.T) {
	h := newHarness(t, "1", withMedia(func(domain.Constraints) error {
		return domain.ErrMediaPermission
	}))
	h.matched("r1", "2")

	if n := len(h.gw.ofType(domain.MsgOffer)); n != 1 {
		t.Fatalf("offers = %d, want 1", n)
	}
	if h.peer().Media() != nil {
		t.Error("peer has local media after every capture failed")
	}
	st, ok := h.notes.find(domain.StatusMediaDegraded)
	if !ok {
		t.Fatal("no media_degraded status")
	}
	if st.Message != domain.MediaFailureText(domain.ErrMediaPermission) {
		t.Errorf("status = %q", st.Message)
	}
	if got := h.c.Snapshot().LocalMedia; got != "none" {
		t.Errorf("local media = %q, want none", got)
	}

	h.peer().EmitTrack("video")
	h.drain()
	if !h.notes.has(domain.StatusRemoteTrack) {
		t.Error("remote track not reported")
	}
}

func TestMediaLadderFallsBackToAudio(t *testing.T) {
	h := newHarness(t, "1", withMedia(func(c domain.Constraints) error {
		if c.Video {
			return domain.ErrMediaNotFound
		}
		return nil
	}))
	h.matched("r1", "2")

	m := h.peer().Media()
	if m == nil || m.Constraints().Video || !m.Constraints().Audio {
		t.Fatalf("media = %v, want audio only", m)
	}
	if h.notes.has(domain.StatusMediaDegraded) {
		t.Error("audio fallback reported as degraded")
	}
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}
