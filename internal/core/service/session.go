package service

import (
	"context"
	"fmt"

	"github.com/Wyydra/duo/internal/core/domain"
	"github.com/Wyydra/duo/internal/core/port"
	"github.com/rs/zerolog"
)

var _ port.ChannelHandler = (*MatchmakingController)(nil)

// Session is everything that exists for one logged-in identity: the
// signal channel, the controller and the collaborators they share.
// It replaces process-wide state; logging out discards it.
type Session struct {
	identity   domain.Identity
	channel    port.SignalChannel
	profiles   port.ProfileDirectory
	fallback   domain.SearchFilter
	controller *MatchmakingController
	cfg        ControllerConfig
	log        zerolog.Logger
}

type SessionDeps struct {
	Identity domain.Identity
	Channel  port.SignalChannel
	ControllerDeps
	// Fallback is used when the own profile cannot be loaded.
	Fallback domain.SearchFilter
}

func NewSession(deps SessionDeps, cfg ControllerConfig, log zerolog.Logger) (*Session, error) {
	if !deps.Identity.Present() {
		return nil, domain.ErrNoIdentity
	}
	cd := deps.ControllerDeps
	cd.Self = deps.Identity.UserID
	cd.Gateway = deps.Channel

	log = log.With().Str("user_id", deps.Identity.UserID.String()).Logger()
	return &Session{
		identity:   deps.Identity,
		channel:    deps.Channel,
		profiles:   deps.Profiles,
		fallback:   deps.Fallback,
		controller: NewMatchmakingController(cd, cfg, log.With().Str("component", "matchmaking").Logger()),
		cfg:        cfg,
		log:        log,
	}, nil
}

func (s *Session) Controller() *MatchmakingController { return s.controller }

// Run loads the search filter, connects the channel and processes
// events until ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	s.controller.SetFilter(s.bootstrapFilter(ctx))

	if err := s.channel.Connect(ctx, s.identity, s.controller); err != nil {
		return fmt.Errorf("connect signal channel: %w", err)
	}
	s.log.Info().Msg("Session started")

	s.controller.Run(ctx)
	s.channel.Disconnect()
	s.log.Info().Msg("Session ended")
	return nil
}

// Logout stops any search and closes the channel without reconnecting.
func (s *Session) Logout(ctx context.Context) {
	if err := s.controller.StopSearch(ctx); err != nil {
		s.log.Debug().Err(err).Msg("Stop search on logout")
	}
	s.channel.Disconnect()
}

func (s *Session) bootstrapFilter(ctx context.Context) domain.SearchFilter {
	if s.profiles == nil {
		return s.fallback
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ProfileTimeout)
	defer cancel()
	profile, err := s.profiles.Self(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("Own profile unavailable, using configured search filter")
		return s.fallback
	}
	f := profile.Filter()
	if f.Gender == "" {
		f.Gender = s.fallback.Gender
	}
	if f.Age == 0 {
		f.Age = s.fallback.Age
	}
	if profile.Lat == nil || profile.Lng == nil {
		if s.fallback.Lat != 0 || s.fallback.Lng != 0 {
			f.Lat, f.Lng = s.fallback.Lat, s.fallback.Lng
		}
	}
	return f
}
