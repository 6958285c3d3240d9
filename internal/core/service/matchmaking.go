package service

import (
	"context"
	"sync"
	"time"

	"github.com/Wyydra/duo/internal/clock"
	"github.com/Wyydra/duo/internal/core/domain"
	"github.com/Wyydra/duo/internal/core/port"
	"github.com/rs/zerolog"
)

type ControllerConfig struct {
	// RequeueDelay separates a rejected or expired match from the next
	// search.
	RequeueDelay time.Duration
	// EndRequeueDelay separates an ended conversation from the next
	// search.
	EndRequeueDelay time.Duration
	ProfileTimeout  time.Duration
	ICERestartDelay time.Duration

	DecisionTick   time.Duration
	DecisionWindow int
	DecisionLow    int

	Negotiation NegotiationConfig
}

// MatchmakingController is the top-level session state machine. All of
// its state lives on one loop goroutine; the exported methods are safe
// to call from anywhere and hand their work to that loop.
type MatchmakingController struct {
	self     domain.UserID
	gateway  port.SignalGateway
	profiles port.ProfileDirectory
	notifier port.StatusNotifier
	diags    port.DiagnosticsRepository
	clock    clock.Clock
	spawn    func(func())
	log      zerolog.Logger
	cfg      ControllerConfig

	loop    *loop
	engine  *NegotiationEngine
	timer   *DecisionTimer
	monitor *ConnectivityMonitor

	filter      domain.SearchFilter
	state       domain.MatchState
	session     *domain.MatchSession
	channelOpen bool
	// wantSearch is the user's intent to be matched. Only an explicit
	// stop clears it; it survives teardown and channel drops.
	wantSearch bool
	requeue    clock.Timer
	requeueGen uint64
	last       domain.Status

	snapMu sync.RWMutex
	snap   domain.Snapshot
}

type ControllerDeps struct {
	Self     domain.UserID
	Gateway  port.SignalGateway
	Peers    port.PeerFactory
	Media    port.MediaSource
	Ice      port.IceConfigProvider
	Profiles port.ProfileDirectory
	Notifier port.StatusNotifier
	Diags    port.DiagnosticsRepository
	Clock    clock.Clock
	// Spawn runs blocking work off the loop. Defaults to a goroutine.
	Spawn func(func())
}

func NewMatchmakingController(deps ControllerDeps, cfg ControllerConfig, log zerolog.Logger) *MatchmakingController {
	if deps.Spawn == nil {
		deps.Spawn = func(fn func()) { go fn() }
	}
	c := &MatchmakingController{
		self:     deps.Self,
		gateway:  deps.Gateway,
		profiles: deps.Profiles,
		notifier: deps.Notifier,
		diags:    deps.Diags,
		clock:    deps.Clock,
		spawn:    deps.Spawn,
		log:      log,
		cfg:      cfg,
		loop:     newLoop(),
	}
	post := c.loop.post

	c.engine = NewNegotiationEngine(EngineDeps{
		Self:    deps.Self,
		Peers:   deps.Peers,
		Media:   deps.Media,
		Ice:     deps.Ice,
		Gateway: deps.Gateway,
		Clock:   deps.Clock,
	}, post, deps.Spawn, cfg.Negotiation, log.With().Str("component", "negotiation").Logger())
	c.engine.notify = c.status
	c.engine.diag = c.diagFunc("negotiation")

	c.monitor = NewConnectivityMonitor(deps.Clock, post, cfg.ICERestartDelay, log.With().Str("component", "connectivity").Logger())
	c.monitor.notify = c.status
	c.monitor.diag = c.diagFunc("connectivity")
	c.monitor.restart = func(id domain.SessionID) {
		if c.session != nil && c.session.ID == id {
			c.engine.RestartICE()
		}
	}
	c.engine.onTransport = c.monitor.Observe

	c.timer = NewDecisionTimer(deps.Clock, post, cfg.DecisionTick, cfg.DecisionWindow, cfg.DecisionLow)
	c.timer.onTick = c.onTimerTick

	c.loop.after = c.refresh
	c.refresh()
	return c
}

// Run processes events until ctx is cancelled, then releases the
// active session.
func (c *MatchmakingController) Run(ctx context.Context) {
	c.loop.run(ctx)
	c.teardown()
	c.cancelRequeue()
	c.refresh()
}

// Snapshot returns the state as of the last processed event.
func (c *MatchmakingController) Snapshot() domain.Snapshot {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snap
}

// SetFilter replaces the attributes sent with start_search.
func (c *MatchmakingController) SetFilter(f domain.SearchFilter) {
	c.loop.post(func() { c.filter = f })
}

// HandleMessage is the signal channel's message handler.
func (c *MatchmakingController) HandleMessage(msg domain.Inbound) {
	c.loop.post(func() { c.handleMessage(msg) })
}

// ChannelOpened is the signal channel's open handler.
func (c *MatchmakingController) ChannelOpened() {
	c.loop.post(c.channelOpened)
}

// ChannelClosed is the signal channel's close handler.
func (c *MatchmakingController) ChannelClosed(err error) {
	c.loop.post(func() { c.channelClosed(err) })
}

// ReconnectExhausted is called when the channel stops retrying.
func (c *MatchmakingController) ReconnectExhausted(err error) {
	c.loop.post(func() {
		c.log.Error().Err(err).Msg("Reconnect attempts exhausted")
		c.status(domain.StatusReconnectExhausted, "Could not reconnect to the server")
	})
}

func (c *MatchmakingController) StartSearch(ctx context.Context) error {
	return c.exec(ctx, c.startSearch)
}

func (c *MatchmakingController) StopSearch(ctx context.Context) error {
	return c.exec(ctx, c.stopSearch)
}

func (c *MatchmakingController) Approve(ctx context.Context) error {
	return c.exec(ctx, func() error { return c.decide(domain.DecisionApproved) })
}

func (c *MatchmakingController) Reject(ctx context.Context) error {
	return c.exec(ctx, func() error { return c.decide(domain.DecisionRejected) })
}

func (c *MatchmakingController) EndConversation(ctx context.Context) error {
	return c.exec(ctx, c.endConversation)
}

// RestartICE re-offers with an ICE restart on the active call. Manual
// restarts count toward the same cap as automatic ones.
func (c *MatchmakingController) RestartICE(ctx context.Context) error {
	return c.exec(ctx, c.restartICE)
}

// exec runs fn on the loop and waits for its result.
func (c *MatchmakingController) exec(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	if !c.loop.post(func() { result <- fn() }) {
		return ErrStopped
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *MatchmakingController) handleMessage(msg domain.Inbound) {
	switch msg.Type {
	case domain.MsgSearchStarted:
		c.status(domain.StatusSearching, orDefault(msg.Message, "Searching for a partner..."))
	case domain.MsgSearching:
		c.status(domain.StatusSearching, msg.Message)
	case domain.MsgSearchStopped:
		c.status(domain.StatusInfo, orDefault(msg.Message, "Search stopped"))
	case domain.MsgMatchFound:
		c.matchFound(msg)
	case domain.MsgMatchSuccess:
		c.matchSuccess(msg)
	case domain.MsgMatchRejected, domain.MsgTimeExpired:
		c.matchEnded(msg)
	case domain.MsgOffer, domain.MsgAnswer, domain.MsgCandidate:
		c.relay(msg)
	default:
		c.log.Debug().Str("type", string(msg.Type)).Msg("Ignoring unknown message")
	}
}

func (c *MatchmakingController) matchFound(msg domain.Inbound) {
	if c.state != domain.StateSearching {
		c.log.Warn().Str("state", c.state.String()).Str("room_id", msg.RoomID.String()).Msg("match_found outside search ignored")
		return
	}
	s, err := domain.NewMatchSession(msg, c.clock.Now())
	if err != nil {
		c.log.Warn().Err(err).Msg("Malformed match_found ignored")
		return
	}
	c.session = s
	c.state = domain.StateMatchedPendingDecision
	c.log.Info().
		Str("session_id", s.ID.String()).
		Str("room_id", s.RoomID.String()).
		Str("partner_id", s.PartnerID.String()).
		Msg("Match found")
	c.status(domain.StatusMatchFound, orDefault(msg.Message, "Partner found! Preparing the call..."))

	c.fetchPartner(s.ID, s.PartnerID)
	c.engine.Begin(s)
	c.timer.Start()
}

// fetchPartner loads the partner card without holding up the call.
func (c *MatchmakingController) fetchPartner(id domain.SessionID, partner domain.UserID) {
	c.spawn(func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ProfileTimeout)
		defer cancel()
		profile, err := c.profiles.Partner(ctx, partner)
		c.loop.post(func() {
			if c.session == nil || c.session.ID != id {
				return
			}
			if err != nil {
				c.log.Warn().Err(err).Str("partner_id", partner.String()).Msg("Partner profile unavailable")
				return
			}
			c.session.Partner = profile
		})
	})
}

func (c *MatchmakingController) matchSuccess(msg domain.Inbound) {
	if c.state != domain.StateMatchedPendingDecision || !c.sameRoom(msg.RoomID) {
		c.log.Warn().Str("state", c.state.String()).Msg("match_success without pending decision ignored")
		return
	}
	c.timer.Cancel()
	c.state = domain.StateConnected
	c.log.Info().Str("room_id", c.session.RoomID.String()).Msg("Mutual match")
	c.status(domain.StatusMatchSuccess, orDefault(msg.Message, "You liked each other! The call continues."))
}

func (c *MatchmakingController) matchEnded(msg domain.Inbound) {
	if c.state != domain.StateMatchedPendingDecision || !c.sameRoom(msg.RoomID) {
		c.log.Warn().Str("type", string(msg.Type)).Str("state", c.state.String()).Msg("Terminal event without pending decision ignored")
		return
	}
	c.log.Info().Str("type", string(msg.Type)).Str("room_id", c.session.RoomID.String()).Msg("Match ended")
	c.teardown()
	c.state = domain.StateIdle
	c.status(domain.StatusMatchEnded, orDefault(msg.Message, endedText(msg.Type)))
	c.scheduleRequeue(c.cfg.RequeueDelay)
}

// sameRoom accepts messages that carry no room id.
func (c *MatchmakingController) sameRoom(room domain.RoomID) bool {
	return room == "" || (c.session != nil && c.session.RoomID == room)
}

func (c *MatchmakingController) relay(msg domain.Inbound) {
	if c.session == nil || msg.FromUserID != c.session.PartnerID {
		c.log.Debug().
			Str("type", string(msg.Type)).
			Str("from_user_id", msg.FromUserID.String()).
			Msg("Signal outside active session dropped")
		return
	}
	switch msg.Type {
	case domain.MsgOffer:
		if msg.Offer != nil {
			c.engine.HandleOffer(*msg.Offer)
		}
	case domain.MsgAnswer:
		if msg.Answer != nil {
			c.engine.HandleAnswer(*msg.Answer)
		}
	case domain.MsgCandidate:
		if msg.Candidate != nil {
			c.engine.HandleCandidate(*msg.Candidate)
		}
	}
}

func (c *MatchmakingController) startSearch() error {
	switch c.state {
	case domain.StateSearching:
		return nil
	case domain.StateIdle:
	default:
		return domain.ErrInvalidState
	}
	c.wantSearch = true
	c.cancelRequeue()
	c.beginSearch()
	return nil
}

func (c *MatchmakingController) beginSearch() {
	if !c.channelOpen {
		c.status(domain.StatusInfo, "Not connected, search starts when the connection is back")
		return
	}
	if err := c.gateway.Send(domain.NewStartSearch(c.filter)); err != nil {
		c.log.Warn().Err(err).Msg("start_search dropped")
		return
	}
	c.state = domain.StateSearching
	c.status(domain.StatusSearching, "Preparing search...")
}

func (c *MatchmakingController) stopSearch() error {
	wasActive := c.state != domain.StateIdle || c.requeue != nil
	c.wantSearch = false
	c.cancelRequeue()
	if !wasActive {
		return nil
	}
	c.teardown()
	c.state = domain.StateIdle
	if err := c.gateway.Send(domain.NewStopSearch()); err != nil {
		c.log.Debug().Err(err).Msg("stop_search dropped")
	}
	c.status(domain.StatusInfo, "Search stopped")
	return nil
}

// decide records the first local decision of the session and forwards
// it. Later calls are no-ops; the server alone decides the outcome.
func (c *MatchmakingController) decide(d domain.Decision) error {
	if c.state != domain.StateMatchedPendingDecision || c.session == nil {
		return domain.ErrInvalidState
	}
	if c.session.Decision != domain.DecisionNone {
		return nil
	}
	c.session.Decision = d
	msg := domain.NewApprove(c.session.RoomID)
	if d == domain.DecisionRejected {
		msg = domain.NewReject(c.session.RoomID)
	}
	if err := c.gateway.Send(msg); err != nil {
		c.log.Warn().Err(err).Str("decision", d.String()).Msg("Decision dropped")
	}
	c.log.Info().Str("decision", d.String()).Str("room_id", c.session.RoomID.String()).Msg("Decision sent")
	c.diag("matchmaking", "decision", map[string]string{"decision": d.String()})
	return nil
}

func (c *MatchmakingController) endConversation() error {
	if c.state != domain.StateConnected && c.state != domain.StateMatchedPendingDecision {
		return domain.ErrInvalidState
	}
	if c.state == domain.StateMatchedPendingDecision {
		// Leaving during the decision window counts as a rejection so
		// the partner is released. An earlier decision stands.
		if err := c.decide(domain.DecisionRejected); err != nil {
			c.log.Debug().Err(err).Msg("Reject on end not sent")
		}
	}
	c.teardown()
	c.state = domain.StateIdle
	c.wantSearch = true
	c.status(domain.StatusMatchEnded, "Conversation ended. Starting a new search...")
	c.scheduleRequeue(c.cfg.EndRequeueDelay)
	return nil
}

func (c *MatchmakingController) restartICE() error {
	if c.session == nil || !c.engine.Active() {
		return domain.ErrInvalidState
	}
	if c.state != domain.StateMatchedPendingDecision && c.state != domain.StateConnected {
		return domain.ErrInvalidState
	}
	c.log.Info().Msg("Manual ICE restart")
	c.diag("matchmaking", "manual_ice_restart", nil)
	c.engine.RestartICE()
	return nil
}

func (c *MatchmakingController) channelOpened() {
	c.channelOpen = true
	c.status(domain.StatusChannelOpen, "Connected to server")
	if c.wantSearch && c.state == domain.StateIdle && c.requeue == nil {
		c.beginSearch()
	}
}

func (c *MatchmakingController) channelClosed(err error) {
	c.channelOpen = false
	if c.session != nil {
		c.log.Warn().Str("room_id", c.session.RoomID.String()).Msg("Channel lost mid-session, releasing call")
	}
	c.teardown()
	c.cancelRequeue()
	c.state = domain.StateIdle
	ev := c.log.Warn()
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg("Signal channel closed")
	c.status(domain.StatusChannelClosed, "Disconnected from server")
}

// teardown releases everything tied to the current session.
func (c *MatchmakingController) teardown() {
	c.engine.Close()
	c.timer.Reset()
	c.monitor.Reset()
	c.session = nil
}

func (c *MatchmakingController) scheduleRequeue(d time.Duration) {
	c.cancelRequeue()
	if !c.wantSearch {
		return
	}
	gen := c.requeueGen
	c.requeue = c.clock.AfterFunc(d, func() {
		c.loop.post(func() {
			if gen != c.requeueGen {
				return
			}
			c.requeue = nil
			if c.wantSearch && c.state == domain.StateIdle {
				c.beginSearch()
			}
		})
	})
}

func (c *MatchmakingController) cancelRequeue() {
	if c.requeue != nil {
		c.requeue.Stop()
		c.requeue = nil
	}
	c.requeueGen++
}

func (c *MatchmakingController) onTimerTick(remaining int, low bool) {
	switch {
	case remaining == 0:
		c.status(domain.StatusTimer, "Decision time is up, waiting for the server")
	case remaining == c.cfg.DecisionLow:
		c.status(domain.StatusTimer, "Little time left to decide")
	}
}

func (c *MatchmakingController) status(kind domain.StatusKind, msg string) {
	c.last = domain.Status{Kind: kind, Message: msg, At: c.clock.Now()}
	c.log.Debug().Str("kind", string(kind)).Msg(msg)
	c.refresh()
	if c.notifier != nil {
		c.notifier.Publish(c.last, c.Snapshot())
	}
}

func (c *MatchmakingController) diagFunc(source string) func(string, map[string]string) {
	return func(event string, fields map[string]string) {
		c.diag(source, event, fields)
	}
}

func (c *MatchmakingController) diag(source, event string, fields map[string]string) {
	if c.diags == nil {
		return
	}
	d := domain.Diagnostic{At: c.clock.Now(), Source: source, Event: event, Fields: fields}
	if err := c.diags.Save(context.Background(), d); err != nil {
		c.log.Debug().Err(err).Msg("Diagnostic not saved")
	}
}

// refresh rebuilds the published snapshot. Loop goroutine only.
func (c *MatchmakingController) refresh() {
	snap := domain.Snapshot{
		State:          c.state,
		ChannelOpen:    c.channelOpen,
		Phase:          c.engine.Phase(),
		Transport:      c.monitor.State(),
		Stats:          c.engine.Stats(),
		TimeLeft:       c.timer.Remaining(),
		TimeLow:        c.timer.Low(),
		TimerRunning:   c.timer.Running(),
		DecisionOpen:   c.state == domain.StateMatchedPendingDecision && c.session != nil && c.session.Decision == domain.DecisionNone,
		LocalMedia:     c.engine.LocalMedia(),
		RequeuePending: c.requeue != nil,
		LastStatus:     c.last,
	}
	if c.session != nil {
		s := *c.session
		snap.Session = &s
	}
	c.snapMu.Lock()
	c.snap = snap
	c.snapMu.Unlock()
}

func endedText(t domain.MessageType) string {
	if t == domain.MsgTimeExpired {
		return "Time is up"
	}
	return "Your partner decided to keep searching"
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
