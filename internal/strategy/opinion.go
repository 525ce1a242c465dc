// Package strategy scores market snapshots through pluggable adapters and
// merges their opinions into one trading decision.
package strategy

import (
	"fmt"
	"time"
)

// Signal is a directional trading recommendation.
type Signal string

const (
	SignalBuy  Signal = "BUY"
	SignalSell Signal = "SELL"
	SignalHold Signal = "HOLD"
)

// Opinion is one adapter's verdict for one snapshot. A non-nil Err marks the
// opinion failed; failed opinions never influence a decision.
type Opinion struct {
	Source     string
	Signal     Signal
	Confidence float64 // 0..1
	StopLoss   float64
	TakeProfit float64
	Reasoning  string
	Latency    time.Duration
	TakenAt    time.Time
	Err        error
}

// OK reports whether the opinion may participate in a merge.
func (o Opinion) OK() bool { return o.Err == nil }

// failedOpinion builds the standard failure marker for a source; the error
// doubles as the rationale so it survives into logs and decision audits.
func failedOpinion(source string, err error) Opinion {
	return Opinion{
		Source:    source,
		Signal:    SignalHold,
		Reasoning: err.Error(),
		TakenAt:   time.Now().UTC(),
		Err:       err,
	}
}

// Tally counts votes per signal across the successful opinions of one round.
type Tally struct {
	Buy  int
	Sell int
	Hold int
}

func (t Tally) String() string {
	return fmt.Sprintf("buy=%d sell=%d hold=%d", t.Buy, t.Sell, t.Hold)
}

// total is the number of successful opinions behind the tally.
func (t Tally) total() int { return t.Buy + t.Sell + t.Hold }

// Decision is the merged outcome of one scoring round. The tally always
// reflects the raw vote, even when the confidence floor forces HOLD.
type Decision struct {
	Symbol     string
	Signal     Signal
	Confidence float64
	StopLoss   float64
	TakeProfit float64
	Rationale  string
	Tally      Tally
	Opinions   []Opinion
	TakenAt    time.Time
}
