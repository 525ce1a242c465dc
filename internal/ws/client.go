// Package ws maintains one logical subscription set over an unreliable
// websocket connection: it re-authenticates, re-subscribes, and pings on a
// timer, reconnecting with exponential backoff up to a configured attempt cap.
package ws

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/spekrealism/tradebox/internal/metrics"
	"github.com/spekrealism/tradebox/internal/ratelimit"
)

// State tracks the connection lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAuthenticating
	StateReady
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	default:
		return "disconnected"
	}
}

var (
	// ErrReconnectExhausted marks the standing fatal condition after the
	// attempt budget is spent; callers must poll State and intervene.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	// ErrNotConnected is returned for writes while no session is up.
	ErrNotConnected = errors.New("websocket not connected")
)

// Handler consumes one inbound data message for a topic.
type Handler func(topic string, data []byte)

// DialFunc lets tests swap the transport.
type DialFunc func(ctx context.Context, url string) (*websocket.Conn, error)

// Config shapes one client. APISecret non-empty marks the private stream.
type Config struct {
	URL          string
	Name         string // "public" or "private", used in logs and metrics
	APIKey       string
	APISecret    string
	PingInterval time.Duration
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
	AuthWindow   time.Duration
}

// Client is a reconnecting websocket client with a replayable topic registry.
type Client struct {
	cfg     Config
	log     zerolog.Logger
	limiter *ratelimit.Limiter
	dial    DialFunc
	now     func() time.Time

	mu       sync.Mutex
	state    State
	lastErr  error
	attempts int
	topics   []string             // registration order, drives replay
	handlers map[string][]Handler

	writeMu sync.Mutex
	conn    *websocket.Conn
}

// NewClient wires a client; Run must be called to start it.
func NewClient(cfg Config, limiter *ratelimit.Limiter, log zerolog.Logger) *Client {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.AuthWindow <= 0 {
		cfg.AuthWindow = 10 * time.Second
	}
	return &Client{
		cfg:     cfg,
		log:     log.With().Str("component", "ws").Str("client", cfg.Name).Logger(),
		limiter: limiter,
		dial: func(ctx context.Context, url string) (*websocket.Conn, error) {
			dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
			conn, _, err := dialer.DialContext(ctx, url, nil)
			return conn, err
		},
		now:      time.Now,
		handlers: make(map[string][]Handler),
	}
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the last transport error, or the exhaustion sentinel once the
// attempt budget is spent.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Healthy reports whether the client is serving its subscription set.
func (c *Client) Healthy() bool { return c.State() == StateReady }

// Subscribe registers a handler for a topic. The registration is immediate
// and survives reconnects; if a session is live the subscribe message is also
// sent right away.
func (c *Client) Subscribe(ctx context.Context, topic string, h Handler) error {
	c.mu.Lock()
	if _, known := c.handlers[topic]; !known {
		c.topics = append(c.topics, topic)
	}
	c.handlers[topic] = append(c.handlers[topic], h)
	ready := c.state == StateReady
	c.mu.Unlock()

	if !ready {
		return nil
	}
	return c.sendOp(ctx, "subscribe", []string{topic})
}

// Unsubscribe removes the topic and all its handlers.
func (c *Client) Unsubscribe(ctx context.Context, topic string) error {
	c.mu.Lock()
	delete(c.handlers, topic)
	for i, t := range c.topics {
		if t == topic {
			c.topics = append(c.topics[:i], c.topics[i+1:]...)
			break
		}
	}
	ready := c.state == StateReady
	c.mu.Unlock()

	if !ready {
		return nil
	}
	return c.sendOp(ctx, "unsubscribe", []string{topic})
}

// Run drives the connect/serve/reconnect loop until the context is canceled
// or the attempt budget is exhausted.
func (c *Client) Run(ctx context.Context) error {
	for {
		c.mu.Lock()
		c.attempts++
		attempt := c.attempts
		c.mu.Unlock()

		if attempt > c.cfg.MaxAttempts {
			c.setFatal(ErrReconnectExhausted)
			c.log.Error().Int("attempts", attempt-1).Msg("reconnect budget exhausted, staying disconnected")
			return fmt.Errorf("%s stream: %w", c.cfg.Name, ErrReconnectExhausted)
		}
		if attempt > 1 {
			delay := backoffDelay(c.cfg.BaseDelay, c.cfg.MaxDelay, attempt)
			c.log.Warn().Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting")
			metrics.ReconnectsTotal.WithLabelValues(c.cfg.Name).Inc()
			select {
			case <-ctx.Done():
				c.setState(StateDisconnected)
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := c.session(ctx)
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return ctx.Err()
		}
		c.mu.Lock()
		c.state = StateDisconnected
		c.lastErr = err
		c.mu.Unlock()
		c.log.Warn().Err(err).Msg("session ended")
	}
}

// backoffDelay returns baseDelay × 2^(attempt−2) for attempt ≥ 2, capped.
// attempt 2 is the first retry and waits exactly baseDelay.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	delay := base
	for i := 2; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// session runs one connection from dial to transport error.
func (c *Client) session(ctx context.Context) error {
	c.setState(StateConnecting)

	conn, err := c.dial(ctx, c.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.mu.Unlock()
	defer func() {
		conn.Close()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	if c.private() {
		// The signature is time-bound, so it is recomputed on every
		// reconnect rather than cached.
		c.setState(StateAuthenticating)
		if err := c.sendAuth(ctx); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	} else {
		if err := c.becomeReady(ctx); err != nil {
			return err
		}
	}

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go c.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(c.now().Add(2 * c.cfg.PingInterval))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if err := c.dispatch(ctx, data); err != nil {
			return err
		}
	}
}

// becomeReady resets the attempt counter, replays the topic set as one
// batched subscribe, and flips to READY.
func (c *Client) becomeReady(ctx context.Context) error {
	c.mu.Lock()
	c.attempts = 0
	c.lastErr = nil
	c.state = StateReady
	// Replay works off a snapshot so concurrent Subscribe calls cannot
	// race the iteration.
	topics := make([]string, len(c.topics))
	copy(topics, c.topics)
	c.mu.Unlock()

	c.log.Info().Int("topics", len(topics)).Msg("stream ready")
	if len(topics) == 0 {
		return nil
	}
	return c.sendOp(ctx, "subscribe", topics)
}

func (c *Client) private() bool { return c.cfg.APISecret != "" }

// outbound op frame, Bybit v5 shape.
type opMessage struct {
	Op   string `json:"op"`
	Args []any  `json:"args,omitempty"`
}

// envelope covers both control acks and topic data frames.
type envelope struct {
	Op      string          `json:"op,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	Success *bool           `json:"success,omitempty"`
	RetMsg  string          `json:"ret_msg,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// sendOp emits a subscribe/unsubscribe control frame, limiter admitted.
func (c *Client) sendOp(ctx context.Context, op string, topics []string) error {
	if err := c.limiter.Admit(ctx, ratelimit.ChannelWS); err != nil {
		return err
	}
	args := make([]any, len(topics))
	for i, t := range topics {
		args[i] = t
	}
	return c.writeJSON(opMessage{Op: op, Args: args})
}

// sendAuth signs the short-lived expiry with the API secret.
func (c *Client) sendAuth(ctx context.Context) error {
	if err := c.limiter.Admit(ctx, ratelimit.ChannelWS); err != nil {
		return err
	}
	expires := c.now().Add(c.cfg.AuthWindow).UnixMilli()
	sig := signAuth(c.cfg.APISecret, expires)
	return c.writeJSON(opMessage{Op: "auth", Args: []any{c.cfg.APIKey, expires, sig}})
}

// signAuth computes the keyed-hash signature over the expiry timestamp.
func signAuth(secret string, expires int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("GET/realtime" + strconv.FormatInt(expires, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) writeJSON(v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(c.now().Add(5 * time.Second))
	return conn.WriteJSON(v)
}

// pingLoop sends keepalives on a timer. Pings only book-keep against the WS
// window: under load they are skipped, never queued.
func (c *Client) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.limiter.TryAdmit(ratelimit.ChannelWS) {
				c.log.Debug().Msg("ws window full, skipping keepalive")
				continue
			}
			if err := c.writeJSON(opMessage{Op: "ping"}); err != nil {
				c.log.Warn().Err(err).Msg("keepalive failed")
				return
			}
		}
	}
}

// dispatch routes one inbound frame: control acks are handled internally,
// data frames fan out to every handler registered for the topic.
func (c *Client) dispatch(ctx context.Context, data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.log.Warn().Err(err).Msg("undecodable frame")
		return nil
	}

	switch env.Op {
	case "ping":
		// Server-initiated ping; the reply is bookkeeping only.
		c.limiter.TryAdmit(ratelimit.ChannelWS)
		return c.writeJSON(opMessage{Op: "pong"})
	case "pong":
		c.log.Debug().Msg("pong")
		return nil
	case "auth":
		if env.Success == nil || !*env.Success {
			return fmt.Errorf("auth rejected: %s", env.RetMsg)
		}
		return c.becomeReady(ctx)
	case "subscribe", "unsubscribe":
		if env.Success != nil && !*env.Success {
			c.log.Warn().Str("op", env.Op).Str("ret_msg", env.RetMsg).Msg("control op rejected")
		} else {
			c.log.Debug().Str("op", env.Op).Msg("control op acknowledged")
		}
		return nil
	}

	if env.Topic == "" {
		return nil
	}
	c.mu.Lock()
	handlers := make([]Handler, len(c.handlers[env.Topic]))
	copy(handlers, c.handlers[env.Topic])
	c.mu.Unlock()

	for _, h := range handlers {
		c.invoke(h, env.Topic, env.Data)
	}
	return nil
}

// invoke shields sibling handlers from one handler's panic.
func (c *Client) invoke(h Handler, topic string, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Str("topic", topic).Interface("panic", r).Msg("handler panicked")
		}
	}()
	h(topic, data)
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) setFatal(err error) {
	c.mu.Lock()
	c.state = StateDisconnected
	c.lastErr = err
	c.mu.Unlock()
}
