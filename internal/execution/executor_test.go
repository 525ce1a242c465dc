package execution

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/rs/zerolog"

	"github.com/spekrealism/tradebox/internal/config"
	"github.com/spekrealism/tradebox/internal/exchange"
	"github.com/spekrealism/tradebox/internal/risk"
	"github.com/spekrealism/tradebox/internal/strategy"
)

type fakePlacer struct {
	reqs []exchange.OrderRequest
	err  error
}

func (f *fakePlacer) CreateOrder(_ context.Context, req exchange.OrderRequest) (exchange.Order, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return exchange.Order{}, f.err
	}
	return exchange.Order{ID: "live-1", ClientID: req.ClientID, Symbol: req.Symbol, Side: req.Side}, nil
}

func paperExecutor(orderSize float64, limits config.Risk) (*Executor, *risk.Manager) {
	rm := risk.New(limits, zerolog.Nop())
	e := New(config.Trading{Mode: "paper", OrderSize: orderSize}, nil, rm, zerolog.Nop())
	return e, rm
}

func decision(sig strategy.Signal) strategy.Decision {
	return strategy.Decision{Symbol: "BTCUSDT", Signal: sig, Confidence: 0.9}
}

func TestHoldIsNoOp(t *testing.T) {
	e, _ := paperExecutor(1, config.Risk{})
	order, err := e.Execute(context.Background(), decision(strategy.SignalHold), 50000)
	if err != nil || order != nil {
		t.Fatalf("HOLD must be a no-op, got order=%v err=%v", order, err)
	}
}

func TestPaperFillTracksPosition(t *testing.T) {
	e, _ := paperExecutor(0.5, config.Risk{})
	order, err := e.Execute(context.Background(), decision(strategy.SignalBuy), 50000)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if order == nil || order.Status != "Filled" || order.ClientID == "" {
		t.Fatalf("paper order must fill with a client id, got %+v", order)
	}
	size, entry := e.PaperPosition("BTCUSDT")
	if size != 0.5 || entry != 50000 {
		t.Fatalf("expected 0.5@50000, got %v@%v", size, entry)
	}
}

func TestPaperRoundTripRealizesPnL(t *testing.T) {
	e, rm := paperExecutor(1, config.Risk{})
	if _, err := e.Execute(context.Background(), decision(strategy.SignalBuy), 50000); err != nil {
		t.Fatalf("buy failed: %v", err)
	}
	if _, err := e.Execute(context.Background(), decision(strategy.SignalSell), 51000); err != nil {
		t.Fatalf("sell failed: %v", err)
	}
	if pnl := rm.DailyPnL(); math.Abs(pnl-1000) > 1e-9 {
		t.Fatalf("expected +1000 realized, got %v", pnl)
	}
	if size, _ := e.PaperPosition("BTCUSDT"); size != 0 {
		t.Fatalf("position should be flat, got %v", size)
	}
}

func TestPaperAveragesEntryOnAdds(t *testing.T) {
	e, _ := paperExecutor(1, config.Risk{})
	e.Execute(context.Background(), decision(strategy.SignalBuy), 50000)
	e.Execute(context.Background(), decision(strategy.SignalBuy), 52000)
	size, entry := e.PaperPosition("BTCUSDT")
	if size != 2 || entry != 51000 {
		t.Fatalf("expected 2@51000, got %v@%v", size, entry)
	}
}

func TestRiskGateBlocksOrder(t *testing.T) {
	e, _ := paperExecutor(1, config.Risk{MaxNotionalPerTrade: 1000})
	_, err := e.Execute(context.Background(), decision(strategy.SignalBuy), 50000)
	if !errors.Is(err, risk.ErrMaxNotional) {
		t.Fatalf("expected notional rejection, got %v", err)
	}
	if size, _ := e.PaperPosition("BTCUSDT"); size != 0 {
		t.Fatalf("blocked order must not touch the book, got %v", size)
	}
}

func TestDailyLossHaltBlocksNewOrders(t *testing.T) {
	e, rm := paperExecutor(1, config.Risk{MaxDailyLoss: 500})
	rm.RecordPnL(-600)
	_, err := e.Execute(context.Background(), decision(strategy.SignalBuy), 100)
	if !errors.Is(err, risk.ErrDailyLoss) {
		t.Fatalf("expected daily loss halt, got %v", err)
	}
}

func TestLiveModeRoutesThroughPlacer(t *testing.T) {
	placer := &fakePlacer{}
	rm := risk.New(config.Risk{}, zerolog.Nop())
	e := New(config.Trading{Mode: "live", OrderSize: 0.25}, placer, rm, zerolog.Nop())

	order, err := e.Execute(context.Background(), decision(strategy.SignalSell), 50000)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if len(placer.reqs) != 1 {
		t.Fatalf("expected one placed order, got %d", len(placer.reqs))
	}
	req := placer.reqs[0]
	if req.Side != exchange.Sell || req.Amount != 0.25 || req.ClientID == "" {
		t.Fatalf("unexpected order request %+v", req)
	}
	if order.ClientID != req.ClientID {
		t.Fatalf("returned order must echo the client id")
	}
}

func TestLiveModePropagatesGatewayError(t *testing.T) {
	placer := &fakePlacer{err: errors.New("venue down")}
	rm := risk.New(config.Risk{}, zerolog.Nop())
	e := New(config.Trading{Mode: "live", OrderSize: 1}, placer, rm, zerolog.Nop())

	if _, err := e.Execute(context.Background(), decision(strategy.SignalBuy), 100); err == nil {
		t.Fatalf("gateway error must propagate")
	}
}
