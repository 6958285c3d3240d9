package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Wyydra/duo/internal/adapter/driven/api"
	"github.com/Wyydra/duo/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/duo/internal/adapter/driven/media/pion"
	repo "github.com/Wyydra/duo/internal/adapter/driven/persistence/memory"
	handler "github.com/Wyydra/duo/internal/adapter/driving/http"
	"github.com/Wyydra/duo/internal/clock"
	"github.com/Wyydra/duo/internal/config"
	"github.com/Wyydra/duo/internal/core/service"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fl := zerolog.New(os.Stderr)
		fl.Fatal().Err(err).Msg("Invalid configuration")
	}

	level, _ := zerolog.ParseLevel(cfg.Log.Level)
	zerolog.SetGlobalLevel(level)
	var l zerolog.Logger
	if cfg.Log.Console {
		l = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Caller().Logger()
	} else {
		l = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	l = l.With().Str("user_id", cfg.Identity.UserID).Logger()

	diags := repo.NewDiagnosticsRepository(256)
	hub := ws.NewHub(l.With().Str("component", "hub").Logger())

	hc := &http.Client{Timeout: cfg.Timing.ProfileFetchTimeout}
	iceServers := api.NewIceServers(cfg.Server.APIURL, hc, l.With().Str("component", "ice").Logger())
	profiles := api.NewProfiles(cfg.Server.APIURL, cfg.Identity.Token, hc)

	peers, err := pion.NewPeerFactory(pion.Options{
		PLIInterval: 3 * time.Second,
		Logger:      l.With().Str("component", "pion").Logger(),
	})
	if err != nil {
		l.Fatal().Err(err).Msg("Failed to build WebRTC API")
	}
	media := pion.NewSyntheticSource(pion.Devices{
		Audio: cfg.Media.Audio,
		Video: cfg.Media.Video,
		Deny:  cfg.Media.Deny,
	}, "duo-"+cfg.Identity.UserID, l.With().Str("component", "media").Logger())

	channel := ws.NewChannel(ws.ChannelConfig{
		URL:               cfg.Server.WSURL,
		ReconnectDelay:    cfg.Timing.ReconnectDelay,
		ReconnectMaxDelay: cfg.Timing.ReconnectMaxDelay,
		MaxAttempts:       cfg.Timing.ReconnectMaxAttempts,
		PingInterval:      cfg.Timing.PingInterval,
	}, diags, l.With().Str("component", "channel").Logger())

	session, err := service.NewSession(service.SessionDeps{
		Identity: cfg.IdentityValue(),
		Channel:  channel,
		Fallback: cfg.Filter(),
		ControllerDeps: service.ControllerDeps{
			Peers:    peers,
			Media:    media,
			Ice:      iceServers,
			Profiles: profiles,
			Notifier: hub,
			Diags:    diags,
			Clock:    clock.Real(),
		},
	}, service.ControllerConfig{
		RequeueDelay:    cfg.Timing.RequeueDelay,
		EndRequeueDelay: cfg.Timing.EndRequeueDelay,
		ProfileTimeout:  cfg.Timing.ProfileFetchTimeout,
		ICERestartDelay: cfg.Timing.ICERestartDelay,
		DecisionTick:    time.Second,
		DecisionWindow:  cfg.Timing.DecisionWindow,
		DecisionLow:     cfg.Timing.DecisionLow,
		Negotiation: service.NegotiationConfig{
			IceFetchTimeout: cfg.Timing.ICEFetchTimeout,
			MediaTimeout:    cfg.Timing.MediaTimeout,
			OfferRetryDelay: cfg.Timing.OfferRetryDelay,
			MaxOfferRetries: 1,
			MaxICERestarts:  cfg.Timing.MaxICERestarts,
		},
	}, l)
	if err != nil {
		l.Fatal().Err(err).Msg("Failed to create session")
	}

	go hub.Run()

	h := handler.NewHandler(session.Controller(), diags, hub, cfg.Control.Origins, l.With().Str("component", "control").Logger())
	srv := &http.Server{
		Addr:    cfg.Control.Listen,
		Handler: h.NewRouter(),
	}

	go func() {
		l.Info().Str("addr", cfg.Control.Listen).Msg("Starting control API")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			l.Fatal().Err(err).Msg("Failed to start control API")
		}
	}()

	ctx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	done := make(chan error, 1)
	go func() { done <- session.Run(ctx) }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case <-quit:
		l.Info().Msg("Shutting down client...")
		logoutCtx, cancelLogout := context.WithTimeout(context.Background(), 2*time.Second)
		session.Logout(logoutCtx)
		cancelLogout()
		cancelRun()
		<-done
	case err := <-done:
		if err != nil {
			l.Error().Err(err).Msg("Session failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		l.Error().Err(err).Msg("Control API forced to shutdown")
	}

	hub.Stop()
	l.Info().Msg("Client exited")
}
