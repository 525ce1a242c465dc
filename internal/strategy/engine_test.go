package strategy

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"github.com/spekrealism/tradebox/internal/config"
	"github.com/spekrealism/tradebox/internal/market"
)

type stubAdapter struct {
	name string
	op   Opinion
}

func (s stubAdapter) Name() string { return s.name }

func (s stubAdapter) Score(context.Context, market.Snapshot) Opinion { return s.op }

func (s stubAdapter) Healthy(context.Context) bool { return true }

type countingAdapter struct {
	name  string
	op    Opinion
	calls atomic.Int32
}

func (c *countingAdapter) Name() string { return c.name }

func (c *countingAdapter) Score(context.Context, market.Snapshot) Opinion {
	c.calls.Add(1)
	return c.op
}

func (c *countingAdapter) Healthy(context.Context) bool { return true }

func opine(sig Signal, conf float64) Opinion {
	return Opinion{Signal: sig, Confidence: conf}
}

func consensusEngine(floor float64, adapters ...Adapter) *Engine {
	return NewEngine(config.Strategy{Mode: "consensus", ConfidenceFloor: floor}, adapters, zerolog.Nop())
}

func snap() market.Snapshot {
	return market.Snapshot{Symbol: "BTCUSDT", Price: 50000}
}

func TestConsensusMajorityWithMeanConfidence(t *testing.T) {
	e := consensusEngine(0,
		stubAdapter{"a", opine(SignalBuy, 0.9)},
		stubAdapter{"b", opine(SignalBuy, 0.8)},
		stubAdapter{"c", opine(SignalSell, 0.6)},
	)
	dec := e.Decide(context.Background(), snap())
	if dec.Signal != SignalBuy {
		t.Fatalf("expected BUY, got %s", dec.Signal)
	}
	if math.Abs(dec.Confidence-(0.9+0.8+0.6)/3) > 1e-9 {
		t.Fatalf("confidence must average all successful opinions, got %v", dec.Confidence)
	}
	if dec.Tally != (Tally{Buy: 2, Sell: 1}) {
		t.Fatalf("unexpected tally %+v", dec.Tally)
	}
}

func TestConsensusTieHolds(t *testing.T) {
	e := consensusEngine(0,
		stubAdapter{"a", opine(SignalBuy, 0.9)},
		stubAdapter{"b", opine(SignalSell, 0.9)},
	)
	dec := e.Decide(context.Background(), snap())
	if dec.Signal != SignalHold {
		t.Fatalf("tie must resolve to HOLD, got %s", dec.Signal)
	}
	if dec.Tally != (Tally{Buy: 1, Sell: 1}) {
		t.Fatalf("raw tally must survive the tie break, got %+v", dec.Tally)
	}
}

func TestConsensusIgnoresFailedOpinions(t *testing.T) {
	e := consensusEngine(0,
		stubAdapter{"a", failedOpinion("a", errors.New("down"))},
		stubAdapter{"b", opine(SignalSell, 0.8)},
	)
	dec := e.Decide(context.Background(), snap())
	if dec.Signal != SignalSell {
		t.Fatalf("failed opinion must not vote, got %s", dec.Signal)
	}
	if dec.Confidence != 0.8 {
		t.Fatalf("failed opinion must not dilute confidence, got %v", dec.Confidence)
	}
}

func TestConsensusAllFailedHolds(t *testing.T) {
	e := consensusEngine(0,
		stubAdapter{"a", failedOpinion("a", errors.New("down"))},
		stubAdapter{"b", failedOpinion("b", errors.New("down"))},
	)
	dec := e.Decide(context.Background(), snap())
	if dec.Signal != SignalHold || dec.Confidence != 0 {
		t.Fatalf("expected zero-confidence HOLD, got %s@%v", dec.Signal, dec.Confidence)
	}
	if dec.Rationale != "all strategies failed" {
		t.Fatalf("unexpected rationale %q", dec.Rationale)
	}
}

func TestConfidenceFloorForcesHold(t *testing.T) {
	e := consensusEngine(0.5,
		stubAdapter{"a", Opinion{Signal: SignalBuy, Confidence: 0.3, Reasoning: "weak breakout"}},
	)
	dec := e.Decide(context.Background(), snap())
	if dec.Signal != SignalHold {
		t.Fatalf("sub-floor confidence must hold, got %s", dec.Signal)
	}
	if dec.Tally.Buy != 1 {
		t.Fatalf("raw tally must keep the overridden vote, got %+v", dec.Tally)
	}
	if !strings.Contains(dec.Rationale, "below floor") {
		t.Fatalf("rationale must explain the override, got %q", dec.Rationale)
	}
}

func TestConsensusOrderIndependent(t *testing.T) {
	ops := []Opinion{
		opine(SignalBuy, 0.9),
		opine(SignalSell, 0.7),
		opine(SignalBuy, 0.6),
	}
	perms := [][]int{{0, 1, 2}, {2, 0, 1}, {1, 2, 0}}
	var first *Decision
	for _, p := range perms {
		e := consensusEngine(0,
			stubAdapter{"a", ops[p[0]]},
			stubAdapter{"b", ops[p[1]]},
			stubAdapter{"c", ops[p[2]]},
		)
		dec := e.Decide(context.Background(), snap())
		if first == nil {
			first = &dec
			continue
		}
		if dec.Signal != first.Signal || math.Abs(dec.Confidence-first.Confidence) > 1e-9 {
			t.Fatalf("merge must be order independent: %s@%v vs %s@%v",
				first.Signal, first.Confidence, dec.Signal, dec.Confidence)
		}
	}
}

func TestPrimaryModeTrustsPrimary(t *testing.T) {
	e := NewEngine(config.Strategy{Mode: "primary", Primary: "ml", Comparison: true}, []Adapter{
		stubAdapter{"ml", Opinion{Signal: SignalBuy, Confidence: 0.9, StopLoss: 49000}},
		stubAdapter{"llm", opine(SignalSell, 0.95)},
	}, zerolog.Nop())

	dec := e.Decide(context.Background(), snap())
	if dec.Signal != SignalBuy || dec.Confidence != 0.9 {
		t.Fatalf("primary mode must use the primary opinion, got %s@%v", dec.Signal, dec.Confidence)
	}
	if dec.StopLoss != 49000 {
		t.Fatalf("primary stop loss must carry through, got %v", dec.StopLoss)
	}
}

func TestPrimaryWithoutComparisonSkipsSecondaries(t *testing.T) {
	primary := &countingAdapter{name: "ml", op: opine(SignalBuy, 0.9)}
	secondary := &countingAdapter{name: "llm", op: opine(SignalSell, 0.95)}
	e := NewEngine(config.Strategy{Mode: "primary", Primary: "ml"}, []Adapter{primary, secondary}, zerolog.Nop())

	dec := e.Decide(context.Background(), snap())
	if dec.Signal != SignalBuy {
		t.Fatalf("expected the primary verdict, got %s", dec.Signal)
	}
	if got := primary.calls.Load(); got != 1 {
		t.Fatalf("primary should score exactly once, scored %d times", got)
	}
	if got := secondary.calls.Load(); got != 0 {
		t.Fatalf("secondary must not score with comparison disabled, scored %d times", got)
	}
}

func TestPrimaryComparisonScoresSecondaries(t *testing.T) {
	primary := &countingAdapter{name: "ml", op: opine(SignalBuy, 0.9)}
	secondary := &countingAdapter{name: "llm", op: opine(SignalSell, 0.95)}
	e := NewEngine(config.Strategy{Mode: "primary", Primary: "ml", Comparison: true}, []Adapter{primary, secondary}, zerolog.Nop())

	dec := e.Decide(context.Background(), snap())
	if dec.Signal != SignalBuy {
		t.Fatalf("comparison must not change the verdict, got %s", dec.Signal)
	}
	if got := secondary.calls.Load(); got != 1 {
		t.Fatalf("comparison should score the secondary once, scored %d times", got)
	}
	if dec.Tally != (Tally{Buy: 1, Sell: 1}) {
		t.Fatalf("comparison opinions belong in the tally, got %+v", dec.Tally)
	}
}

func TestPrimaryFailureScoresSecondariesForFallback(t *testing.T) {
	primary := &countingAdapter{name: "ml", op: failedOpinion("ml", errors.New("service down"))}
	secondary := &countingAdapter{name: "llm", op: opine(SignalSell, 0.8)}
	e := NewEngine(config.Strategy{Mode: "primary", Primary: "ml"}, []Adapter{primary, secondary}, zerolog.Nop())

	dec := e.Decide(context.Background(), snap())
	if dec.Signal != SignalSell {
		t.Fatalf("fallback must use the secondary verdict, got %s", dec.Signal)
	}
	if got := secondary.calls.Load(); got != 1 {
		t.Fatalf("fallback should score the secondary once, scored %d times", got)
	}
}

func TestFailedOpinionCarriesErrorRationale(t *testing.T) {
	op := failedOpinion("ml", errors.New("service down"))
	if op.OK() {
		t.Fatalf("failed opinion must not be usable")
	}
	if op.Reasoning != "service down" {
		t.Fatalf("the error must double as the rationale, got %q", op.Reasoning)
	}
	if op.TakenAt.IsZero() {
		t.Fatalf("failed opinion must be timestamped")
	}
}

func TestPrimaryFallsBackToConsensus(t *testing.T) {
	e := NewEngine(config.Strategy{Mode: "primary", Primary: "ml"}, []Adapter{
		stubAdapter{"ml", failedOpinion("ml", errors.New("service down"))},
		stubAdapter{"llm", opine(SignalSell, 0.8)},
	}, zerolog.Nop())

	dec := e.Decide(context.Background(), snap())
	if dec.Signal != SignalSell {
		t.Fatalf("failed primary must fall back to consensus, got %s", dec.Signal)
	}
}

func TestStopLossAveragedFromAgreeingOpinions(t *testing.T) {
	e := consensusEngine(0,
		stubAdapter{"a", Opinion{Signal: SignalBuy, Confidence: 0.9, StopLoss: 48000}},
		stubAdapter{"b", Opinion{Signal: SignalBuy, Confidence: 0.8, StopLoss: 50000}},
		stubAdapter{"c", Opinion{Signal: SignalSell, Confidence: 0.6, StopLoss: 60000}},
	)
	dec := e.Decide(context.Background(), snap())
	if dec.StopLoss != 49000 {
		t.Fatalf("stop loss must average the winning side only, got %v", dec.StopLoss)
	}
}
