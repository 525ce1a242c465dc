package strategy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/spekrealism/tradebox/internal/config"
	"github.com/spekrealism/tradebox/internal/market"
)

// MLAdapter scores snapshots against the external statistical model service.
type MLAdapter struct {
	baseURL string
	httpc   *http.Client
	log     zerolog.Logger
}

// NewML builds the adapter from ML config.
func NewML(cfg config.ML, log zerolog.Logger) *MLAdapter {
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &MLAdapter{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpc:   &http.Client{Timeout: timeout},
		log:     log.With().Str("component", "strategy").Str("adapter", "ml").Logger(),
	}
}

// Name identifies the adapter in opinions, config, and metrics.
func (m *MLAdapter) Name() string { return "ml" }

type mlPredictRequest struct {
	Symbol string      `json:"symbol"`
	OHLCV  [][]float64 `json:"ohlcv"` // [tsMs, open, high, low, close, volume]
}

type mlPredictResponse struct {
	Signal     string  `json:"signal"`
	Confidence float64 `json:"confidence"`
	StopLoss   float64 `json:"stop_loss"`
	Reasoning  string  `json:"reasoning"`
}

// Score posts the candle history to the prediction endpoint.
func (m *MLAdapter) Score(ctx context.Context, snap market.Snapshot) Opinion {
	start := time.Now()

	rows := make([][]float64, len(snap.Candles))
	for i, c := range snap.Candles {
		rows[i] = []float64{float64(c.Ts.UnixMilli()), c.Open, c.High, c.Low, c.Close, c.Volume}
	}
	payload, err := json.Marshal(mlPredictRequest{Symbol: snap.Symbol, OHLCV: rows})
	if err != nil {
		return failedOpinion(m.Name(), err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/predict", bytes.NewReader(payload))
	if err != nil {
		return failedOpinion(m.Name(), err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpc.Do(req)
	if err != nil {
		return failedOpinion(m.Name(), fmt.Errorf("ml predict: %w", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return failedOpinion(m.Name(), fmt.Errorf("ml predict: status %d", resp.StatusCode))
	}

	var out mlPredictResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return failedOpinion(m.Name(), fmt.Errorf("ml predict: decode: %w", err))
	}

	return Opinion{
		Source:     m.Name(),
		Signal:     normalizeSignal(out.Signal),
		Confidence: clamp01(out.Confidence),
		StopLoss:   out.StopLoss,
		Reasoning:  out.Reasoning,
		Latency:    time.Since(start),
		TakenAt:    time.Now().UTC(),
	}
}

// Healthy probes the service health endpoint.
func (m *MLAdapter) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := m.httpc.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// normalizeSignal folds service spellings into the canonical set; anything
// unrecognized is HOLD.
func normalizeSignal(s string) Signal {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY", "LONG":
		return SignalBuy
	case "SELL", "SHORT":
		return SignalSell
	default:
		return SignalHold
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
