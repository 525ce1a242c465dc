package strategy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/spekrealism/tradebox/internal/config"
	"github.com/spekrealism/tradebox/internal/market"
)

// LLMAdapter scores snapshots through a chat-completion endpoint. Each
// configured variation runs the same prompt at its own temperature and risk
// tolerance; the variation verdicts are pre-averaged into one opinion so the
// consensus engine sees the language model as a single voter.
type LLMAdapter struct {
	cfg   config.LLM
	httpc *http.Client
	log   zerolog.Logger
}

// NewLLM builds the adapter; with no variations configured a single moderate
// one is assumed.
func NewLLM(cfg config.LLM, log zerolog.Logger) *LLMAdapter {
	if len(cfg.Variations) == 0 {
		cfg.Variations = []config.LLMVariation{{Temperature: 0.7, RiskTolerance: "moderate"}}
	}
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &LLMAdapter{
		cfg:   cfg,
		httpc: &http.Client{Timeout: timeout},
		log:   log.With().Str("component", "strategy").Str("adapter", "llm").Logger(),
	}
}

// Name identifies the adapter in opinions, config, and metrics.
func (l *LLMAdapter) Name() string { return "llm" }

// Score fans the prompt out to every variation and merges the verdicts.
func (l *LLMAdapter) Score(ctx context.Context, snap market.Snapshot) Opinion {
	start := time.Now()
	verdicts := make([]llmVerdict, len(l.cfg.Variations))

	var wg sync.WaitGroup
	for i, v := range l.cfg.Variations {
		wg.Add(1)
		go func(i int, v config.LLMVariation) {
			defer wg.Done()
			verdicts[i] = l.scoreVariation(ctx, snap, v)
		}(i, v)
	}
	wg.Wait()

	ok := make([]llmVerdict, 0, len(verdicts))
	for _, v := range verdicts {
		if v.err == nil {
			ok = append(ok, v)
		}
	}
	if len(ok) == 0 {
		return failedOpinion(l.Name(), fmt.Errorf("llm: all %d variations failed: %w", len(verdicts), verdicts[0].err))
	}

	// Majority signal across variations, HOLD on a tie, mean confidence.
	var tally Tally
	var confSum, stopSum, takeSum float64
	var stops, takes int
	reasons := make([]string, 0, len(ok))
	for _, v := range ok {
		switch v.signal {
		case SignalBuy:
			tally.Buy++
		case SignalSell:
			tally.Sell++
		default:
			tally.Hold++
		}
		confSum += v.confidence
		if v.stopLoss > 0 {
			stopSum += v.stopLoss
			stops++
		}
		if v.takeProfit > 0 {
			takeSum += v.takeProfit
			takes++
		}
		if v.reasoning != "" {
			reasons = append(reasons, v.reasoning)
		}
	}

	op := Opinion{
		Source:     l.Name(),
		Signal:     pluralitySignal(tally),
		Confidence: confSum / float64(len(ok)),
		Reasoning:  strings.Join(reasons, " | "),
		Latency:    time.Since(start),
		TakenAt:    time.Now().UTC(),
	}
	if stops > 0 {
		op.StopLoss = stopSum / float64(stops)
	}
	if takes > 0 {
		op.TakeProfit = takeSum / float64(takes)
	}
	return op
}

// Healthy probes the models listing, the cheapest unbilled call the API
// offers; the context bounds the wait.
func (l *LLMAdapter) Healthy(ctx context.Context) bool {
	if l.cfg.BaseURL == "" || l.cfg.APIKey == "" {
		return false
	}
	url := strings.TrimRight(l.cfg.BaseURL, "/") + "/models"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+l.cfg.APIKey)
	resp, err := l.httpc.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

type llmVerdict struct {
	signal     Signal
	confidence float64
	stopLoss   float64
	takeProfit float64
	reasoning  string
	err        error
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// verdictPayload is the JSON shape the prompt instructs the model to emit.
type verdictPayload struct {
	Signal     string  `json:"signal"`
	Confidence float64 `json:"confidence"`
	StopLoss   float64 `json:"stopLoss"`
	TakeProfit float64 `json:"takeProfit"`
	Reasoning  string  `json:"reasoning"`
	RiskLevel  string  `json:"riskLevel"`
	Timeframe  string  `json:"timeframe"`
}

func (l *LLMAdapter) scoreVariation(ctx context.Context, snap market.Snapshot, v config.LLMVariation) llmVerdict {
	body, err := json.Marshal(chatRequest{
		Model: l.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt(v.RiskTolerance)},
			{Role: "user", Content: renderSnapshot(snap)},
		},
		Temperature: v.Temperature,
		MaxTokens:   l.cfg.MaxTokens,
	})
	if err != nil {
		return llmVerdict{err: err}
	}

	url := strings.TrimRight(l.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return llmVerdict{err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+l.cfg.APIKey)

	resp, err := l.httpc.Do(req)
	if err != nil {
		return llmVerdict{err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return llmVerdict{err: fmt.Errorf("chat completion: status %d", resp.StatusCode)}
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return llmVerdict{err: fmt.Errorf("chat completion: decode: %w", err)}
	}
	if out.Error != nil {
		return llmVerdict{err: fmt.Errorf("chat completion: %s", out.Error.Message)}
	}
	if len(out.Choices) == 0 {
		return llmVerdict{err: fmt.Errorf("chat completion: no choices")}
	}

	return parseVerdict(out.Choices[0].Message.Content)
}

// parseVerdict decodes the model's JSON answer. An answer that does not parse
// yields a conservative HOLD rather than a failure; the model responded, it
// just rambled.
func parseVerdict(content string) llmVerdict {
	var payload verdictPayload
	if err := json.Unmarshal([]byte(stripFences(content)), &payload); err != nil {
		return llmVerdict{
			signal:    SignalHold,
			reasoning: "unparseable model response, holding",
		}
	}
	return llmVerdict{
		signal:     normalizeSignal(payload.Signal),
		confidence: clamp01(payload.Confidence),
		stopLoss:   payload.StopLoss,
		takeProfit: payload.TakeProfit,
		reasoning:  payload.Reasoning,
	}
}

// stripFences removes a markdown code fence wrapper if present.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func systemPrompt(riskTolerance string) string {
	if riskTolerance == "" {
		riskTolerance = "moderate"
	}
	return fmt.Sprintf(`You are a cryptocurrency trading analyst with a %s risk tolerance.
Analyze the market data and answer with JSON only, no prose, in this exact shape:
{"signal":"BUY|SELL|HOLD","confidence":0.0,"stopLoss":0.0,"takeProfit":0.0,"reasoning":"...","riskLevel":"low|medium|high","timeframe":"..."}`, riskTolerance)
}

// renderSnapshot flattens the snapshot into the prompt's market block.
func renderSnapshot(snap market.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Symbol: %s\nPrice: %.8g\nCandles: %d\n", snap.Symbol, snap.Price, len(snap.Candles))
	if ind := snap.Indicators; ind != nil {
		fmt.Fprintf(&b, "RSI(14): %.2f\n", ind.RSI)
		fmt.Fprintf(&b, "EMA 1/20/50/100: %.8g / %.8g / %.8g / %.8g\n", ind.EMA1, ind.EMA20, ind.EMA50, ind.EMA100)
		fmt.Fprintf(&b, "Bollinger upper/middle/lower: %.8g / %.8g / %.8g\n", ind.BBUpper, ind.BBMiddle, ind.BBLower)
		fmt.Fprintf(&b, "Z-score: %.4f\nVolume ratio: %.4f\n", ind.ZScore, ind.VolumeRatio)
		fmt.Fprintf(&b, "EMA1>EMA20: %t, EMA20>EMA50: %t, EMA50>EMA100: %t\n", ind.EMA1Above20, ind.EMA20Above50, ind.EMA50Above100)
	}
	if n := len(snap.Candles); n > 0 {
		last := snap.Candles[n-1]
		fmt.Fprintf(&b, "Last candle O/H/L/C/V: %.8g / %.8g / %.8g / %.8g / %.8g\n", last.Open, last.High, last.Low, last.Close, last.Volume)
	}
	return b.String()
}
