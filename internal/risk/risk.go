// Package risk enforces hard guard-rails in front of the executor: per-trade
// notional caps and a daily realized-loss cut-off.
package risk

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/spekrealism/tradebox/internal/config"
)

var (
	// ErrMaxNotional rejects a single order above the per-trade cap.
	ErrMaxNotional = errors.New("order notional above per-trade cap")
	// ErrDailyLoss rejects all new risk once the day's realized loss cap is hit.
	ErrDailyLoss = errors.New("daily loss cap reached")
)

// Manager tracks realized PnL per UTC day and vets order notionals. A zero
// cap disables the corresponding check.
type Manager struct {
	maxNotional  float64
	maxDailyLoss float64
	log          zerolog.Logger
	now          func() time.Time

	mu       sync.Mutex
	day      time.Time
	realized float64
}

// New builds a manager from risk config.
func New(cfg config.Risk, log zerolog.Logger) *Manager {
	return &Manager{
		maxNotional:  cfg.MaxNotionalPerTrade,
		maxDailyLoss: cfg.MaxDailyLoss,
		log:          log.With().Str("component", "risk").Logger(),
		now:          time.Now,
	}
}

// CheckOrder vets one prospective order's notional against both caps.
func (m *Manager) CheckOrder(symbol string, notional float64) error {
	if m.maxNotional > 0 && notional > m.maxNotional {
		return fmt.Errorf("%s notional %.2f: %w (cap %.2f)", symbol, notional, ErrMaxNotional, m.maxNotional)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollover()
	if m.maxDailyLoss > 0 && -m.realized >= m.maxDailyLoss {
		return fmt.Errorf("realized %.2f today: %w (cap %.2f)", m.realized, ErrDailyLoss, m.maxDailyLoss)
	}
	return nil
}

// RecordPnL books a realized profit (positive) or loss (negative) against
// the current UTC day.
func (m *Manager) RecordPnL(delta float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollover()
	m.realized += delta
	if m.maxDailyLoss > 0 && -m.realized >= m.maxDailyLoss {
		m.log.Warn().Float64("realized", m.realized).Float64("cap", m.maxDailyLoss).Msg("daily loss cap reached, trading halted for the day")
	}
}

// DailyPnL returns today's realized PnL.
func (m *Manager) DailyPnL() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollover()
	return m.realized
}

// rollover resets the realized counter when the UTC day changes.
// Callers hold m.mu.
func (m *Manager) rollover() {
	today := m.now().UTC().Truncate(24 * time.Hour)
	if !today.Equal(m.day) {
		m.day = today
		m.realized = 0
	}
}
