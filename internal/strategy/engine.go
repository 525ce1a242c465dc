package strategy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/spekrealism/tradebox/internal/config"
	"github.com/spekrealism/tradebox/internal/market"
	"github.com/spekrealism/tradebox/internal/metrics"
)

// Engine fans one snapshot out to every adapter and merges the opinions into
// a decision. Decide never fails: with zero usable opinions the decision is a
// zero-confidence HOLD, so the trading loop always has a verdict to act on.
type Engine struct {
	mode       string
	primary    string
	comparison bool
	floor      float64
	adapters   []Adapter
	log        zerolog.Logger
}

// NewEngine wires the engine from strategy config and the adapter set.
func NewEngine(cfg config.Strategy, adapters []Adapter, log zerolog.Logger) *Engine {
	return &Engine{
		mode:       cfg.Mode,
		primary:    cfg.Primary,
		comparison: cfg.Comparison,
		floor:      cfg.ConfidenceFloor,
		adapters:   adapters,
		log:        log.With().Str("component", "strategy").Logger(),
	}
}

// Decide scores the snapshot and returns the merged decision.
func (e *Engine) Decide(ctx context.Context, snap market.Snapshot) Decision {
	var dec Decision
	if e.mode == "primary" && e.primary != "" {
		dec = e.decidePrimary(ctx, snap)
	} else {
		dec = e.merge(snap, e.collect(ctx, snap, e.adapters))
	}

	metrics.DecisionsTotal.WithLabelValues(string(dec.Signal)).Inc()
	e.log.Info().
		Str("symbol", dec.Symbol).
		Str("signal", string(dec.Signal)).
		Float64("confidence", dec.Confidence).
		Str("tally", dec.Tally.String()).
		Msg("decision")
	return dec
}

// collect runs the given adapters concurrently; a hung adapter is bounded by
// its own HTTP timeout, not by its siblings.
func (e *Engine) collect(ctx context.Context, snap market.Snapshot, adapters []Adapter) []Opinion {
	opinions := make([]Opinion, len(adapters))
	var wg sync.WaitGroup
	for i, a := range adapters {
		wg.Add(1)
		go func(i int, a Adapter) {
			defer wg.Done()
			op := a.Score(ctx, snap)
			op.Source = a.Name()
			opinions[i] = op
		}(i, a)
	}
	wg.Wait()

	for _, op := range opinions {
		metrics.OpinionsTotal.WithLabelValues(op.Source, string(op.Signal)).Inc()
		if op.Err != nil {
			e.log.Warn().Str("source", op.Source).Err(op.Err).Msg("opinion failed")
		}
	}
	return opinions
}

// decidePrimary scores only the named adapter. Secondaries are invoked
// solely for comparison logging when that is enabled, or for the consensus
// fallback when the primary fails; with comparison off a healthy primary
// round costs exactly one adapter call.
func (e *Engine) decidePrimary(ctx context.Context, snap market.Snapshot) Decision {
	var primary Adapter
	secondaries := make([]Adapter, 0, len(e.adapters))
	for _, a := range e.adapters {
		if a.Name() == e.primary {
			primary = a
			continue
		}
		secondaries = append(secondaries, a)
	}
	if primary == nil {
		e.log.Warn().Str("primary", e.primary).Msg("primary not configured, falling back to consensus")
		return e.merge(snap, e.collect(ctx, snap, e.adapters))
	}

	pop := e.collect(ctx, snap, []Adapter{primary})[0]
	if !pop.OK() {
		e.log.Warn().Str("primary", e.primary).Msg("primary unavailable, falling back to consensus")
		rest := e.collect(ctx, snap, secondaries)
		return e.merge(snap, append([]Opinion{pop}, rest...))
	}

	opinions := []Opinion{pop}
	if e.comparison {
		others := e.collect(ctx, snap, secondaries)
		for _, op := range others {
			if !op.OK() {
				continue
			}
			e.log.Info().
				Str("source", op.Source).
				Str("signal", string(op.Signal)).
				Float64("confidence", op.Confidence).
				Bool("agrees", op.Signal == pop.Signal).
				Msg("comparison opinion")
		}
		opinions = append(opinions, others...)
	}

	dec := Decision{
		Symbol:     snap.Symbol,
		Signal:     pop.Signal,
		Confidence: pop.Confidence,
		StopLoss:   pop.StopLoss,
		TakeProfit: pop.TakeProfit,
		Rationale:  fmt.Sprintf("%s: %s", pop.Source, pop.Reasoning),
		Tally:      tallyOf(opinions),
		Opinions:   opinions,
		TakenAt:    time.Now().UTC(),
	}
	return e.applyFloor(dec)
}

// merge is the consensus path: plurality of the successful opinions with
// HOLD winning ties, confidence averaged over every successful opinion.
func (e *Engine) merge(snap market.Snapshot, opinions []Opinion) Decision {
	dec := Decision{
		Symbol:   snap.Symbol,
		Tally:    tallyOf(opinions),
		Opinions: opinions,
		TakenAt:  time.Now().UTC(),
	}
	if dec.Tally.total() == 0 {
		dec.Signal = SignalHold
		dec.Rationale = "all strategies failed"
		return dec
	}

	dec.Signal = pluralitySignal(dec.Tally)

	var confSum, stopSum, takeSum float64
	var stops, takes int
	reasons := make([]string, 0, len(opinions))
	for _, op := range opinions {
		if !op.OK() {
			continue
		}
		confSum += op.Confidence
		if op.Signal == dec.Signal {
			if op.StopLoss > 0 {
				stopSum += op.StopLoss
				stops++
			}
			if op.TakeProfit > 0 {
				takeSum += op.TakeProfit
				takes++
			}
		}
		if op.Reasoning != "" {
			reasons = append(reasons, fmt.Sprintf("%s: %s", op.Source, op.Reasoning))
		}
	}
	dec.Confidence = confSum / float64(dec.Tally.total())
	if stops > 0 {
		dec.StopLoss = stopSum / float64(stops)
	}
	if takes > 0 {
		dec.TakeProfit = takeSum / float64(takes)
	}
	dec.Rationale = strings.Join(reasons, " | ")
	return e.applyFloor(dec)
}

// applyFloor forces HOLD when confidence sits below the configured floor.
// The tally keeps the raw vote so the override stays auditable.
func (e *Engine) applyFloor(dec Decision) Decision {
	if dec.Signal == SignalHold || dec.Confidence >= e.floor {
		return dec
	}
	suffix := fmt.Sprintf("confidence %.2f below floor %.2f, holding", dec.Confidence, e.floor)
	if dec.Rationale == "" {
		dec.Rationale = suffix
	} else {
		dec.Rationale += " | " + suffix
	}
	dec.Signal = SignalHold
	return dec
}

// tallyOf counts the successful opinions per signal.
func tallyOf(opinions []Opinion) Tally {
	var t Tally
	for _, op := range opinions {
		if !op.OK() {
			continue
		}
		switch op.Signal {
		case SignalBuy:
			t.Buy++
		case SignalSell:
			t.Sell++
		default:
			t.Hold++
		}
	}
	return t
}

// pluralitySignal picks the most voted signal; every tie resolves to HOLD.
func pluralitySignal(t Tally) Signal {
	switch {
	case t.Buy > t.Sell && t.Buy > t.Hold:
		return SignalBuy
	case t.Sell > t.Buy && t.Sell > t.Hold:
		return SignalSell
	default:
		return SignalHold
	}
}
