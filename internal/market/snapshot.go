// Package market standardizes the price/volume payloads shared between the
// exchange gateway and the strategy layer.
package market

import "time"

// Candle is one OHLCV bar.
type Candle struct {
	Ts     time.Time `json:"timestamp"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Ticker is the rolled-up 24h market view for a symbol.
type Ticker struct {
	Symbol     string  `json:"symbol"`
	Last       float64 `json:"last"`
	Bid        float64 `json:"bid"`
	Ask        float64 `json:"ask"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Volume     float64 `json:"volume"`
	Change     float64 `json:"change"`
	Percentage float64 `json:"percentage"`
}

// Indicators carries technical features precomputed once per decision round
// so every strategy adapter scores the same view.
type Indicators struct {
	RSI           float64 `json:"rsi"`
	EMA1          float64 `json:"ema1"`
	EMA20         float64 `json:"ema20"`
	EMA50         float64 `json:"ema50"`
	EMA100        float64 `json:"ema100"`
	BBUpper       float64 `json:"bbUpper"`
	BBMiddle      float64 `json:"bbMiddle"`
	BBLower       float64 `json:"bbLower"`
	ZScore        float64 `json:"zScore"`
	VolumeRatio   float64 `json:"volumeRatio"`
	EMA1Above20   bool    `json:"ema1Above20"`
	EMA20Above50  bool    `json:"ema20Above50"`
	EMA50Above100 bool    `json:"ema50Above100"`
}

// Snapshot bundles everything a strategy needs for one decision round.
// It is passed by value and never mutated after construction.
type Snapshot struct {
	Symbol     string
	Price      float64
	Candles    []Candle // oldest → newest
	Indicators *Indicators
	TakenAt    time.Time
}

// NewSnapshot copies the candle slice so later appends by the caller cannot
// leak into an in-flight round.
func NewSnapshot(symbol string, price float64, candles []Candle) Snapshot {
	owned := make([]Candle, len(candles))
	copy(owned, candles)
	snap := Snapshot{
		Symbol:  symbol,
		Price:   price,
		Candles: owned,
		TakenAt: time.Now().UTC(),
	}
	if ind, ok := ComputeIndicators(owned); ok {
		snap.Indicators = &ind
	}
	return snap
}

// LastClose returns the newest close, or zero when the snapshot holds no candles.
func (s Snapshot) LastClose() float64 {
	if len(s.Candles) == 0 {
		return 0
	}
	return s.Candles[len(s.Candles)-1].Close
}
