package service

import (
	"time"

	"github.com/Wyydra/duo/internal/clock"
)

// DecisionTimer is the advisory countdown of the decision window. It
// never ends a session: at zero it holds until the server says so.
type DecisionTimer struct {
	clock  clock.Clock
	post   func(func()) bool
	tick   time.Duration
	window int
	low    int

	remaining int
	running   bool
	gen       uint64
	pending   clock.Timer

	// onTick runs on the loop after every decrement.
	onTick func(remaining int, low bool)
}

func NewDecisionTimer(c clock.Clock, post func(func()) bool, tick time.Duration, window, low int) *DecisionTimer {
	return &DecisionTimer{
		clock:     c,
		post:      post,
		tick:      tick,
		window:    window,
		low:       low,
		remaining: window,
	}
}

// Start (re)starts the countdown from the full window.
func (t *DecisionTimer) Start() {
	t.Cancel()
	t.remaining = t.window
	t.running = true
	t.schedule()
}

func (t *DecisionTimer) schedule() {
	gen := t.gen
	t.pending = t.clock.AfterFunc(t.tick, func() {
		t.post(func() { t.fire(gen) })
	})
}

func (t *DecisionTimer) fire(gen uint64) {
	if gen != t.gen || !t.running {
		return
	}
	t.remaining--
	if t.remaining <= 0 {
		t.remaining = 0
		t.running = false
	} else {
		t.schedule()
	}
	if t.onTick != nil {
		t.onTick(t.remaining, t.Low())
	}
}

// Cancel stops the countdown where it is. Safe to call repeatedly.
func (t *DecisionTimer) Cancel() {
	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
	t.gen++
	t.running = false
}

// Reset cancels and restores the full window for display.
func (t *DecisionTimer) Reset() {
	t.Cancel()
	t.remaining = t.window
}

func (t *DecisionTimer) Remaining() int { return t.remaining }
func (t *DecisionTimer) Running() bool  { return t.running }
func (t *DecisionTimer) Low() bool      { return t.remaining <= t.low }
