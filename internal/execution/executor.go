// Package execution turns decisions into orders. Paper mode fills against an
// in-memory book at the observed price; live mode routes through the exchange
// gateway. Both paths share the risk gate and the audit log.
package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/spekrealism/tradebox/internal/config"
	"github.com/spekrealism/tradebox/internal/exchange"
	"github.com/spekrealism/tradebox/internal/metrics"
	"github.com/spekrealism/tradebox/internal/risk"
	"github.com/spekrealism/tradebox/internal/strategy"
)

// OrderPlacer is the slice of the gateway the executor needs.
type OrderPlacer interface {
	CreateOrder(ctx context.Context, req exchange.OrderRequest) (exchange.Order, error)
}

// position is one paper holding; signed size, negative is short.
type position struct {
	size  float64
	entry float64
}

// Executor sizes and routes orders for decided signals.
type Executor struct {
	mode      string
	orderSize float64
	placer    OrderPlacer
	risk      *risk.Manager
	log       zerolog.Logger

	mu        sync.Mutex
	positions map[string]*position
}

// New builds an executor; mode comes from trading config.
func New(cfg config.Trading, placer OrderPlacer, riskMgr *risk.Manager, log zerolog.Logger) *Executor {
	return &Executor{
		mode:      cfg.Mode,
		orderSize: cfg.OrderSize,
		placer:    placer,
		risk:      riskMgr,
		log:       log.With().Str("component", "execution").Str("mode", cfg.Mode).Logger(),
		positions: make(map[string]*position),
	}
}

// Live reports whether orders leave the process.
func (e *Executor) Live() bool { return e.mode == "live" }

// Execute acts on one decision at the given reference price. HOLD is a no-op
// returning a nil order. Every order carries a fresh client ID so fills can
// be reconciled against the audit log.
func (e *Executor) Execute(ctx context.Context, dec strategy.Decision, price float64) (*exchange.Order, error) {
	if dec.Signal == strategy.SignalHold {
		return nil, nil
	}
	if price <= 0 {
		return nil, fmt.Errorf("execute %s: no reference price", dec.Symbol)
	}

	side := exchange.Buy
	if dec.Signal == strategy.SignalSell {
		side = exchange.Sell
	}
	qty := e.orderSize
	if qty <= 0 {
		return nil, fmt.Errorf("execute %s: order size not configured", dec.Symbol)
	}

	if err := e.risk.CheckOrder(dec.Symbol, qty*price); err != nil {
		e.log.Warn().Str("symbol", dec.Symbol).Err(err).Msg("order blocked by risk gate")
		return nil, err
	}

	req := exchange.OrderRequest{
		Symbol:   dec.Symbol,
		Side:     side,
		Type:     exchange.MarketOrder,
		Amount:   qty,
		ClientID: uuid.NewString(),
	}
	e.log.Info().
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Float64("qty", qty).
		Float64("price", price).
		Float64("confidence", dec.Confidence).
		Str("client_id", req.ClientID).
		Msg("executing decision")

	if e.Live() {
		order, err := e.placer.CreateOrder(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("create order: %w", err)
		}
		return &order, nil
	}
	return e.fillPaper(req, price), nil
}

// fillPaper applies the order to the in-memory book at the reference price
// and books realized PnL for the reduced portion into the risk manager.
func (e *Executor) fillPaper(req exchange.OrderRequest, price float64) *exchange.Order {
	signed := req.Amount
	if req.Side == exchange.Sell {
		signed = -signed
	}

	e.mu.Lock()
	pos, ok := e.positions[req.Symbol]
	if !ok {
		pos = &position{}
		e.positions[req.Symbol] = pos
	}

	var realized float64
	switch {
	case pos.size == 0 || sameSign(pos.size, signed):
		// Opening or adding; blend the entry.
		total := pos.size + signed
		pos.entry = (pos.entry*abs(pos.size) + price*abs(signed)) / abs(total)
		pos.size = total
	default:
		closed := min(abs(pos.size), abs(signed))
		direction := 1.0
		if pos.size < 0 {
			direction = -1
		}
		realized = (price - pos.entry) * closed * direction
		pos.size += signed
		if pos.size == 0 {
			pos.entry = 0
		} else if !sameSign(pos.size, pos.size-signed) {
			// Flipped through flat; the remainder opens at the fill price.
			pos.entry = price
		}
	}
	e.mu.Unlock()

	if realized != 0 {
		e.risk.RecordPnL(realized)
		e.log.Info().Str("symbol", req.Symbol).Float64("realized", realized).Msg("paper pnl realized")
	}

	metrics.OrdersTotal.WithLabelValues(req.Symbol, string(req.Side)).Inc()
	return &exchange.Order{
		ID:       "paper-" + req.ClientID,
		ClientID: req.ClientID,
		Symbol:   req.Symbol,
		Side:     req.Side,
		Type:     req.Type,
		Amount:   req.Amount,
		Price:    price,
		Status:   "Filled",
		Created:  time.Now().UTC(),
	}
}

// PaperPosition returns the simulated signed size and entry for a symbol.
func (e *Executor) PaperPosition(symbol string) (size, entry float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if pos, ok := e.positions[symbol]; ok {
		return pos.size, pos.entry
	}
	return 0, 0
}

func sameSign(a, b float64) bool { return (a > 0) == (b > 0) }

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
