package market

import "math"

const (
	rsiPeriod       = 14
	bollingerPeriod = 20
	bollingerWidth  = 2.0
	zScorePeriod    = 30
	volumePeriod    = 20
)

// minIndicatorDepth is the shortest candle history that yields a full feature
// set (bounded by the slowest EMA).
const minIndicatorDepth = 100

// ComputeIndicators derives the technical feature set from a candle series.
// Returns ok=false when the series is too short for the slowest feature.
func ComputeIndicators(candles []Candle) (Indicators, bool) {
	if len(candles) < minIndicatorDepth {
		return Indicators{}, false
	}

	closes := make([]float64, len(candles))
	volumes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
		volumes[i] = c.Volume
	}

	ema1 := lastEMA(closes, 1)
	ema20 := lastEMA(closes, 20)
	ema50 := lastEMA(closes, 50)
	ema100 := lastEMA(closes, 100)
	mid, std := meanStd(closes[len(closes)-bollingerPeriod:])
	zMean, zStd := meanStd(closes[len(closes)-zScorePeriod:])

	ind := Indicators{
		RSI:           lastRSI(closes, rsiPeriod),
		EMA1:          ema1,
		EMA20:         ema20,
		EMA50:         ema50,
		EMA100:        ema100,
		BBUpper:       mid + bollingerWidth*std,
		BBMiddle:      mid,
		BBLower:       mid - bollingerWidth*std,
		EMA1Above20:   ema1 > ema20,
		EMA20Above50:  ema20 > ema50,
		EMA50Above100: ema50 > ema100,
	}
	if zStd > 0 {
		ind.ZScore = (closes[len(closes)-1] - zMean) / zStd
	}
	if volSMA := mean(volumes[len(volumes)-volumePeriod:]); volSMA > 0 {
		ind.VolumeRatio = volumes[len(volumes)-1] / volSMA
	}
	return ind, true
}

// lastRSI computes Wilder-smoothed RSI and returns the newest value.
func lastRSI(prices []float64, period int) float64 {
	if len(prices) <= period {
		return 50
	}
	var gain, loss float64
	for i := 1; i <= period; i++ {
		change := prices[i] - prices[i-1]
		if change > 0 {
			gain += change
		} else {
			loss += -change
		}
	}
	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)
	for i := period + 1; i < len(prices); i++ {
		change := prices[i] - prices[i-1]
		gain, loss = 0, 0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// lastEMA seeds with an SMA over the first period values, then smooths forward.
func lastEMA(prices []float64, period int) float64 {
	if len(prices) < period || period <= 0 {
		return 0
	}
	ema := mean(prices[:period])
	k := 2.0 / (float64(period) + 1.0)
	for _, p := range prices[period:] {
		ema = p*k + ema*(1-k)
	}
	return ema
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func meanStd(xs []float64) (float64, float64) {
	m := mean(xs)
	var sq float64
	for _, x := range xs {
		d := x - m
		sq += d * d
	}
	return m, math.Sqrt(sq / float64(len(xs)))
}
