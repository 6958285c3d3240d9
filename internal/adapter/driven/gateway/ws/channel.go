package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Wyydra/duo/internal/core/domain"
	"github.com/Wyydra/duo/internal/core/port"
	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	ErrAlreadyConnected = errors.New("signal channel already connected")
	ErrSendQueueFull    = errors.New("signal channel send queue full")
)

const writeWait = 10 * time.Second

type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	}
	return "closed"
}

type ChannelConfig struct {
	// URL is the service base, e.g. ws://localhost:8000.
	URL               string
	ReconnectDelay    time.Duration
	ReconnectMaxDelay time.Duration
	// MaxAttempts bounds consecutive failed attempts before giving up.
	MaxAttempts  int
	PingInterval time.Duration
	QueueSize    int
}

// Channel is the client side of the signaling WebSocket. It redials
// with exponential backoff until Disconnect.
type Channel struct {
	cfg    ChannelConfig
	dialer *websocket.Dialer
	diags  port.DiagnosticsRepository
	log    zerolog.Logger

	mu     sync.Mutex
	state  State
	out    chan domain.Outbound
	cancel context.CancelFunc
	done   chan struct{}
}

func NewChannel(cfg ChannelConfig, diags port.DiagnosticsRepository, log zerolog.Logger) *Channel {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	return &Channel{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		diags:  diags,
		log:    log,
	}
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) Connect(ctx context.Context, identity domain.Identity, h port.ChannelHandler) error {
	if !identity.Present() {
		return domain.ErrNoIdentity
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return ErrAlreadyConnected
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.state = StateConnecting
	go c.run(ctx, c.endpoint(identity), h, c.done)
	return nil
}

func (c *Channel) endpoint(identity domain.Identity) string {
	return fmt.Sprintf("%s/ws/%s?token=%s",
		strings.TrimRight(c.cfg.URL, "/"),
		url.PathEscape(identity.UserID.String()),
		url.QueryEscape(identity.Token))
}

// Disconnect closes the channel and stops reconnecting. It waits for
// the connection goroutine to exit.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Send queues msg for the writer. Messages are dropped, not queued,
// while the channel is not open.
func (c *Channel) Send(msg domain.Outbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOpen {
		c.dropped(msg, "not_open")
		return domain.ErrChannelNotOpen
	}
	select {
	case c.out <- msg:
		return nil
	default:
		c.dropped(msg, "queue_full")
		return ErrSendQueueFull
	}
}

func (c *Channel) dropped(msg domain.Outbound, reason string) {
	c.log.Warn().Str("type", string(msg.Type)).Str("reason", reason).Msg("Send dropped")
	if c.diags == nil {
		return
	}
	c.diags.Save(context.Background(), domain.Diagnostic{
		At:     time.Now(),
		Source: "signal_channel",
		Event:  "send_dropped",
		Fields: map[string]string{"type": string(msg.Type), "reason": reason},
	})
}

func (c *Channel) policy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.ReconnectDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = c.cfg.ReconnectMaxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	if c.cfg.MaxAttempts > 0 {
		return backoff.WithMaxRetries(b, uint64(c.cfg.MaxAttempts))
	}
	return b
}

func (c *Channel) run(ctx context.Context, endpoint string, h port.ChannelHandler, done chan struct{}) {
	defer close(done)
	defer c.setState(StateClosed)

	policy := c.policy()
	for {
		c.setState(StateConnecting)
		opened, err := c.serve(ctx, endpoint, h)
		if ctx.Err() != nil {
			return
		}
		if opened {
			policy.Reset()
		}

		delay := policy.NextBackOff()
		if delay == backoff.Stop {
			c.log.Error().Err(err).Msg("Giving up reconnecting")
			c.setState(StateClosed)
			h.ReconnectExhausted(err)
			return
		}
		c.log.Warn().Err(err).Dur("delay", delay).Msg("Signal channel down, reconnecting")

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
}

// serve dials once and pumps the connection until it fails or ctx is
// cancelled. opened reports whether the dial succeeded.
func (c *Channel) serve(ctx context.Context, endpoint string, h port.ChannelHandler) (opened bool, err error) {
	conn, _, err := c.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return false, err
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	out := make(chan domain.Outbound, c.cfg.QueueSize)
	c.mu.Lock()
	c.out = out
	c.state = StateOpen
	c.mu.Unlock()

	c.log.Info().Msg("Signal channel open")
	h.ChannelOpened()

	writerDone := make(chan struct{})
	go c.writePump(conn, out, writerDone)

	err = c.readPump(conn, h)

	c.mu.Lock()
	c.state = StateConnecting
	c.out = nil
	close(out)
	c.mu.Unlock()
	<-writerDone
	conn.Close()

	if ctx.Err() != nil {
		h.ChannelClosed(nil)
		return true, ctx.Err()
	}
	h.ChannelClosed(err)
	return true, err
}

func (c *Channel) readTimeout() time.Duration {
	if c.cfg.PingInterval <= 0 {
		return 0
	}
	return 2 * c.cfg.PingInterval
}

func (c *Channel) extendDeadline(conn *websocket.Conn) {
	if d := c.readTimeout(); d > 0 {
		conn.SetReadDeadline(time.Now().Add(d))
	}
}

func (c *Channel) readPump(conn *websocket.Conn, h port.ChannelHandler) error {
	c.extendDeadline(conn)
	conn.SetPongHandler(func(string) error {
		c.extendDeadline(conn)
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.extendDeadline(conn)

		var msg domain.Inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn().Err(err).Msg("Malformed message ignored")
			continue
		}
		if !msg.Known() {
			c.log.Debug().Str("type", string(msg.Type)).Msg("Unknown message type ignored")
			continue
		}
		h.HandleMessage(msg)
	}
}

// writePump is the only writer of conn.
func (c *Channel) writePump(conn *websocket.Conn, out <-chan domain.Outbound, done chan struct{}) {
	defer close(done)

	var ping <-chan time.Time
	if c.cfg.PingInterval > 0 {
		ticker := time.NewTicker(c.cfg.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case msg, ok := <-out:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				c.log.Error().Err(err).Str("type", string(msg.Type)).Msg("Write failed")
				conn.Close()
				drain(out)
				return
			}
		case <-ping:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.log.Debug().Err(err).Msg("Ping failed")
				conn.Close()
				drain(out)
				return
			}
		}
	}
}

// drain discards queued messages until out is closed.
func drain(out <-chan domain.Outbound) {
	for range out {
	}
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}
