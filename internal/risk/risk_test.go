package risk

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/spekrealism/tradebox/internal/config"
)

func testManager(maxNotional, maxDailyLoss float64) *Manager {
	return New(config.Risk{
		MaxNotionalPerTrade: maxNotional,
		MaxDailyLoss:        maxDailyLoss,
	}, zerolog.Nop())
}

func TestNotionalCap(t *testing.T) {
	m := testManager(1000, 0)
	if err := m.CheckOrder("BTCUSDT", 999); err != nil {
		t.Fatalf("order under the cap rejected: %v", err)
	}
	if err := m.CheckOrder("BTCUSDT", 1001); !errors.Is(err, ErrMaxNotional) {
		t.Fatalf("expected ErrMaxNotional, got %v", err)
	}
}

func TestZeroCapsDisableChecks(t *testing.T) {
	m := testManager(0, 0)
	m.RecordPnL(-1e9)
	if err := m.CheckOrder("BTCUSDT", 1e9); err != nil {
		t.Fatalf("zero caps must disable all checks, got %v", err)
	}
}

func TestDailyLossHaltsTrading(t *testing.T) {
	m := testManager(0, 500)
	m.RecordPnL(-200)
	if err := m.CheckOrder("BTCUSDT", 100); err != nil {
		t.Fatalf("under the loss cap trading must continue: %v", err)
	}
	m.RecordPnL(-300)
	if err := m.CheckOrder("BTCUSDT", 100); !errors.Is(err, ErrDailyLoss) {
		t.Fatalf("expected ErrDailyLoss, got %v", err)
	}
}

func TestProfitOffsetsLoss(t *testing.T) {
	m := testManager(0, 500)
	m.RecordPnL(-800)
	m.RecordPnL(200)
	if err := m.CheckOrder("BTCUSDT", 100); !errors.Is(err, ErrDailyLoss) {
		t.Fatalf("net -600 must still halt, got %v", err)
	}
	m.RecordPnL(200)
	if err := m.CheckOrder("BTCUSDT", 100); err != nil {
		t.Fatalf("net -400 is under the cap, got %v", err)
	}
}

func TestLossCounterResetsNextDay(t *testing.T) {
	m := testManager(0, 500)
	current := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return current }

	m.RecordPnL(-600)
	if err := m.CheckOrder("BTCUSDT", 100); !errors.Is(err, ErrDailyLoss) {
		t.Fatalf("expected halt, got %v", err)
	}

	current = current.Add(24 * time.Hour)
	if err := m.CheckOrder("BTCUSDT", 100); err != nil {
		t.Fatalf("new day must reset the counter, got %v", err)
	}
	if m.DailyPnL() != 0 {
		t.Fatalf("realized must reset on rollover, got %v", m.DailyPnL())
	}
}
