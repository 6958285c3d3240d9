// Package config loads the client configuration: a YAML file overlaid
// by command-line flags. Flags win over the file, the file over the
// defaults.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/Wyydra/duo/internal/core/domain"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Identity IdentityConfig `yaml:"identity"`
	// Search is used when the own profile cannot be loaded.
	Search  SearchConfig  `yaml:"search"`
	Timing  TimingConfig  `yaml:"timing"`
	Media   MediaConfig   `yaml:"media"`
	Control ControlConfig `yaml:"control"`
	Log     LogConfig     `yaml:"log"`
}

type ServerConfig struct {
	APIURL string `yaml:"api_url"`
	WSURL  string `yaml:"ws_url"`
}

type IdentityConfig struct {
	UserID string `yaml:"user_id"`
	Token  string `yaml:"token"`
}

type SearchConfig struct {
	Gender string  `yaml:"gender"`
	Age    int     `yaml:"age"`
	Lat    float64 `yaml:"lat"`
	Lng    float64 `yaml:"lng"`
}

type TimingConfig struct {
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	ReconnectMaxAttempts int           `yaml:"reconnect_max_attempts"`
	RequeueDelay         time.Duration `yaml:"requeue_delay"`
	EndRequeueDelay      time.Duration `yaml:"end_requeue_delay"`
	ICERestartDelay      time.Duration `yaml:"ice_restart_delay"`
	MaxICERestarts       int           `yaml:"max_ice_restarts"`
	OfferRetryDelay      time.Duration `yaml:"offer_retry_delay"`
	ICEFetchTimeout      time.Duration `yaml:"ice_fetch_timeout"`
	ProfileFetchTimeout  time.Duration `yaml:"profile_fetch_timeout"`
	MediaTimeout         time.Duration `yaml:"media_timeout"`
	DecisionWindow       int           `yaml:"decision_window"`
	DecisionLow          int           `yaml:"decision_low"`
	PingInterval         time.Duration `yaml:"ping_interval"`
}

type MediaConfig struct {
	Audio bool `yaml:"audio"`
	Video bool `yaml:"video"`
	// Deny simulates a capture failure: "", "permission", "notfound"
	// or "busy".
	Deny string `yaml:"deny"`
}

type ControlConfig struct {
	Listen  string   `yaml:"listen"`
	Origins []string `yaml:"origins"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			APIURL: "http://localhost:8000",
			WSURL:  "ws://localhost:8000",
		},
		Search: SearchConfig{
			Lat: domain.DefaultLat,
			Lng: domain.DefaultLng,
		},
		Timing: TimingConfig{
			ReconnectDelay:       3 * time.Second,
			ReconnectMaxDelay:    30 * time.Second,
			ReconnectMaxAttempts: 10,
			RequeueDelay:         3 * time.Second,
			EndRequeueDelay:      time.Second,
			ICERestartDelay:      2 * time.Second,
			MaxICERestarts:       1,
			OfferRetryDelay:      time.Second,
			ICEFetchTimeout:      3 * time.Second,
			ProfileFetchTimeout:  3 * time.Second,
			MediaTimeout:         10 * time.Second,
			DecisionWindow:       60,
			DecisionLow:          10,
			PingInterval:         30 * time.Second,
		},
		Media: MediaConfig{
			Audio: true,
			Video: true,
		},
		Control: ControlConfig{
			Listen:  "127.0.0.1:8090",
			Origins: []string{"http://localhost:3000"},
		},
		Log: LogConfig{
			Level:   "info",
			Console: true,
		},
	}
}

// Flags registers one flag per scalar setting, bound to c.
func (c *Config) Flags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Server.APIURL, "api-url", c.Server.APIURL, "REST base URL of the matchmaking service")
	fs.StringVar(&c.Server.WSURL, "ws-url", c.Server.WSURL, "WebSocket base URL of the matchmaking service")
	fs.StringVar(&c.Identity.UserID, "user-id", c.Identity.UserID, "user id to connect as")
	fs.StringVar(&c.Identity.Token, "token", c.Identity.Token, "bearer token for the user")
	fs.StringVar(&c.Search.Gender, "gender", c.Search.Gender, "fallback gender for start_search")
	fs.IntVar(&c.Search.Age, "age", c.Search.Age, "fallback age for start_search")
	fs.Float64Var(&c.Search.Lat, "lat", c.Search.Lat, "fallback latitude for start_search")
	fs.Float64Var(&c.Search.Lng, "lng", c.Search.Lng, "fallback longitude for start_search")
	fs.DurationVar(&c.Timing.ReconnectDelay, "reconnect-delay", c.Timing.ReconnectDelay, "first reconnect delay")
	fs.DurationVar(&c.Timing.ReconnectMaxDelay, "reconnect-max-delay", c.Timing.ReconnectMaxDelay, "longest reconnect delay")
	fs.IntVar(&c.Timing.ReconnectMaxAttempts, "reconnect-max-attempts", c.Timing.ReconnectMaxAttempts, "reconnect attempts before giving up")
	fs.DurationVar(&c.Timing.RequeueDelay, "requeue-delay", c.Timing.RequeueDelay, "delay before searching again after a rejected or expired match")
	fs.DurationVar(&c.Timing.EndRequeueDelay, "end-requeue-delay", c.Timing.EndRequeueDelay, "delay before searching again after ending a conversation")
	fs.IntVar(&c.Timing.MaxICERestarts, "max-ice-restarts", c.Timing.MaxICERestarts, "ICE restarts per call before reporting failure")
	fs.IntVar(&c.Timing.DecisionWindow, "decision-window", c.Timing.DecisionWindow, "seconds shown on the decision countdown")
	fs.DurationVar(&c.Timing.PingInterval, "ping-interval", c.Timing.PingInterval, "signal channel keepalive interval")
	fs.BoolVar(&c.Media.Audio, "audio", c.Media.Audio, "pretend a microphone is present")
	fs.BoolVar(&c.Media.Video, "video", c.Media.Video, "pretend a camera is present")
	fs.StringVar(&c.Media.Deny, "media-deny", c.Media.Deny, "simulate a capture failure: permission, notfound or busy")
	fs.StringVar(&c.Control.Listen, "listen", c.Control.Listen, "control API listen address")
	fs.StringVar(&c.Log.Level, "log-level", c.Log.Level, "log level")
	fs.BoolVar(&c.Log.Console, "log-console", c.Log.Console, "human-readable console logging")
}

// Load parses args. A --config file is applied over the defaults and
// every flag given explicitly is applied over the file.
func Load(args []string) (*Config, error) {
	cfg := Default()
	fs := pflag.NewFlagSet("duo", pflag.ContinueOnError)
	path := fs.String("config", "", "path to a YAML configuration file")
	cfg.Flags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *path != "" {
		explicit := map[string]string{}
		fs.Visit(func(f *pflag.Flag) { explicit[f.Name] = f.Value.String() })

		if err := cfg.ReadFile(*path); err != nil {
			return nil, err
		}
		for name, value := range explicit {
			if err := fs.Set(name, value); err != nil {
				return nil, fmt.Errorf("reapply --%s: %w", name, err)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ReadFile overlays the YAML file at path onto c.
func (c *Config) ReadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Identity.UserID == "" || c.Identity.Token == "" {
		return fmt.Errorf("%w: identity.user_id and identity.token are required", ErrInvalid)
	}
	for name, raw := range map[string]string{"server.api_url": c.Server.APIURL, "server.ws_url": c.Server.WSURL} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%w: %s %q is not an absolute URL", ErrInvalid, name, raw)
		}
	}

	t := c.Timing
	for name, d := range map[string]time.Duration{
		"reconnect_delay":       t.ReconnectDelay,
		"reconnect_max_delay":   t.ReconnectMaxDelay,
		"requeue_delay":         t.RequeueDelay,
		"end_requeue_delay":     t.EndRequeueDelay,
		"ice_restart_delay":     t.ICERestartDelay,
		"offer_retry_delay":     t.OfferRetryDelay,
		"ice_fetch_timeout":     t.ICEFetchTimeout,
		"profile_fetch_timeout": t.ProfileFetchTimeout,
		"media_timeout":         t.MediaTimeout,
		"ping_interval":         t.PingInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: timing.%s must be positive", ErrInvalid, name)
		}
	}
	if t.ReconnectMaxDelay < t.ReconnectDelay {
		return fmt.Errorf("%w: timing.reconnect_max_delay is below reconnect_delay", ErrInvalid)
	}
	if t.ReconnectMaxAttempts < 1 || t.MaxICERestarts < 0 {
		return fmt.Errorf("%w: reconnect_max_attempts must be >= 1 and max_ice_restarts >= 0", ErrInvalid)
	}
	if t.DecisionWindow < 1 || t.DecisionLow < 0 || t.DecisionLow > t.DecisionWindow {
		return fmt.Errorf("%w: decision_low must lie within decision_window", ErrInvalid)
	}

	switch c.Media.Deny {
	case "", "permission", "notfound", "busy":
	default:
		return fmt.Errorf("%w: media.deny %q", ErrInvalid, c.Media.Deny)
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log.level: %v", ErrInvalid, err)
	}
	return nil
}

func (c *Config) IdentityValue() domain.Identity {
	return domain.Identity{UserID: domain.UserID(c.Identity.UserID), Token: c.Identity.Token}
}

func (c *Config) Filter() domain.SearchFilter {
	return domain.SearchFilter{
		Gender: c.Search.Gender,
		Age:    c.Search.Age,
		Lat:    c.Search.Lat,
		Lng:    c.Search.Lng,
	}
}
