package service

import (
	"context"
	"testing"

	"github.com/Wyydra/duo/internal/adapter/driven/media/pion"
	diagmem "github.com/Wyydra/duo/internal/adapter/driven/persistence/memory"
	"github.com/Wyydra/duo/internal/core/domain"
	"github.com/rs/zerolog"
)

func newPionHarness(t *testing.T, self domain.UserID) *harness {
	t.Helper()
	f, err := pion.NewPeerFactory(pion.Options{IncludeLoopback: true, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("NewPeerFactory: %v", err)
	}
	// No capture: both sides offer receive-only, which is all glare needs.
	h := newHarness(t, self,
		withPeerFactory(f),
		withMedia(func(domain.Constraints) error { return domain.ErrMediaNotFound }),
		// Candidate diagnostics would push the glare events out of the
		// default ring.
		func(h *harness, _ *ControllerConfig) { h.diags = diagmem.NewDiagnosticsRepository(1024) },
	)
	h.ice.servers = domain.IceServerSet{}
	t.Cleanup(func() {
		h.do(func() error {
			h.c.teardown()
			return nil
		})
	})
	return h
}

func diagEvents(t *testing.T, h *harness) []string {
	t.Helper()
	items, err := h.diags.Recent(context.Background(), 0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	var events []string
	for _, d := range items {
		events = append(events, d.Event)
	}
	return events
}

func TestGlareConvergesOnPionPeers(t *testing.T) {
	if testing.Short() {
		t.Skip("creates real peer connections")
	}
	a := newPionHarness(t, "1")
	b := newPionHarness(t, "2")
	b.profiles.partner["1"] = domain.PartnerProfile{ID: "1", FirstName: "Ann"}
	l := &link{hold: true}
	l.connect(a, b)

	a.matched("r1", "2")
	b.matched("r1", "1")
	if a.c.engine.Phase() != domain.PhaseHaveLocalOffer || b.c.engine.Phase() != domain.PhaseHaveLocalOffer {
		t.Fatalf("phases = %v / %v, want both have-local-offer", a.c.engine.Phase(), b.c.engine.Phase())
	}

	l.flush()
	pump(a, b)

	if a.c.engine.Phase() != domain.PhaseStable || b.c.engine.Phase() != domain.PhaseStable {
		t.Fatalf("phases = %v / %v, want stable / stable", a.c.engine.Phase(), b.c.engine.Phase())
	}
	// Only b's offer is applied: a answers it, b answers nothing.
	if n := len(a.gw.ofType(domain.MsgAnswer)); n != 1 {
		t.Errorf("answers from polite side = %d, want 1", n)
	}
	if n := len(b.gw.ofType(domain.MsgAnswer)); n != 0 {
		t.Errorf("answers from impolite side = %d, want 0", n)
	}
	if !contains(diagEvents(t, a), "glare_rollback") {
		t.Errorf("polite side events = %v, want glare_rollback", diagEvents(t, a))
	}
	if !contains(diagEvents(t, b), "glare_ignored") {
		t.Errorf("impolite side events = %v, want glare_ignored", diagEvents(t, b))
	}
	if a.notes.has(domain.StatusNegotiationFailed) || b.notes.has(domain.StatusNegotiationFailed) {
		t.Error("glare reported as a negotiation failure")
	}
}
