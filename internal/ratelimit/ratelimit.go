// Package ratelimit provides sliding-window admission control for outbound
// exchange traffic plus a shared exponential backoff used after rate-limit
// rejections. It only ever delays callers; it never fails a call.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/spekrealism/tradebox/internal/metrics"
)

// Channel identifies an independent quota bucket.
type Channel string

const (
	// ChannelHTTP throttles REST calls.
	ChannelHTTP Channel = "http"
	// ChannelWS throttles websocket control messages.
	ChannelWS Channel = "ws"
)

// Config bundles the per-channel window shapes and the shared backoff bounds.
type Config struct {
	HTTPMaxCalls int
	HTTPWindow   time.Duration
	WSMaxCalls   int
	WSWindow     time.Duration
	SafetyMargin time.Duration
	BackoffFloor time.Duration
	BackoffCeil  time.Duration
}

// DefaultConfig mirrors the exchange's published public limits with headroom.
func DefaultConfig() Config {
	return Config{
		HTTPMaxCalls: 100,
		HTTPWindow:   5 * time.Second,
		WSMaxCalls:   10,
		WSWindow:     time.Second,
		SafetyMargin: 100 * time.Millisecond,
		BackoffFloor: time.Second,
		BackoffCeil:  30 * time.Second,
	}
}

type window struct {
	max    int
	size   time.Duration
	stamps []time.Time
}

// purge drops timestamps older than the rolling window.
func (w *window) purge(now time.Time) {
	cutoff := now.Add(-w.size)
	idx := 0
	for idx < len(w.stamps) && !w.stamps[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		w.stamps = w.stamps[idx:]
	}
}

// Limiter guards two independent call windows and one shared backoff delay.
type Limiter struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	windows map[Channel]*window
	backoff time.Duration
}

// New builds a limiter; zero-valued config fields fall back to defaults.
func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.HTTPMaxCalls <= 0 {
		cfg.HTTPMaxCalls = def.HTTPMaxCalls
	}
	if cfg.HTTPWindow <= 0 {
		cfg.HTTPWindow = def.HTTPWindow
	}
	if cfg.WSMaxCalls <= 0 {
		cfg.WSMaxCalls = def.WSMaxCalls
	}
	if cfg.WSWindow <= 0 {
		cfg.WSWindow = def.WSWindow
	}
	if cfg.SafetyMargin < 0 {
		cfg.SafetyMargin = def.SafetyMargin
	}
	if cfg.BackoffFloor <= 0 {
		cfg.BackoffFloor = def.BackoffFloor
	}
	if cfg.BackoffCeil < cfg.BackoffFloor {
		cfg.BackoffCeil = def.BackoffCeil
	}
	return &Limiter{
		cfg: cfg,
		now: time.Now,
		windows: map[Channel]*window{
			ChannelHTTP: {max: cfg.HTTPMaxCalls, size: cfg.HTTPWindow},
			ChannelWS:   {max: cfg.WSMaxCalls, size: cfg.WSWindow},
		},
		backoff: cfg.BackoffFloor,
	}
}

// Admit blocks until a slot is free in the channel's rolling window, then
// records the call. The only error it returns is context cancellation.
func (l *Limiter) Admit(ctx context.Context, ch Channel) error {
	waited := false
	for {
		l.mu.Lock()
		w := l.windows[ch]
		now := l.now()
		w.purge(now)
		if len(w.stamps) < w.max {
			w.stamps = append(w.stamps, now)
			l.mu.Unlock()
			return nil
		}
		wait := w.size - now.Sub(w.stamps[0]) + l.cfg.SafetyMargin
		l.mu.Unlock()

		if !waited {
			metrics.RateLimitWaitsTotal.WithLabelValues(string(ch)).Inc()
			waited = true
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// TryAdmit records the call only if a slot is free right now. Keepalive
// traffic uses this so pings are skipped under load instead of queued.
func (l *Limiter) TryAdmit(ch Channel) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	w := l.windows[ch]
	now := l.now()
	w.purge(now)
	if len(w.stamps) >= w.max {
		return false
	}
	w.stamps = append(w.stamps, now)
	return true
}

// Backoff doubles the shared penalty delay (capped at the ceiling) and
// suspends the caller for the doubled value. Shared across every call made
// through one gateway.
func (l *Limiter) Backoff(ctx context.Context) error {
	l.mu.Lock()
	l.backoff *= 2
	if l.backoff > l.cfg.BackoffCeil {
		l.backoff = l.cfg.BackoffCeil
	}
	delay := l.backoff
	l.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

// Reset returns the shared backoff delay to its floor after a success.
func (l *Limiter) Reset() {
	l.mu.Lock()
	l.backoff = l.cfg.BackoffFloor
	l.mu.Unlock()
}

// Delay reports the current backoff value without mutating it.
func (l *Limiter) Delay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.backoff
}
