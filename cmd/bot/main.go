// Command bot runs the trading loop: it snapshots the market per symbol,
// asks the strategy engine for a decision, and routes the result through the
// risk-gated executor.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/spekrealism/tradebox/internal/config"
	"github.com/spekrealism/tradebox/internal/exchange"
	"github.com/spekrealism/tradebox/internal/execution"
	"github.com/spekrealism/tradebox/internal/market"
	"github.com/spekrealism/tradebox/internal/metrics"
	"github.com/spekrealism/tradebox/internal/notifier"
	"github.com/spekrealism/tradebox/internal/ratelimit"
	"github.com/spekrealism/tradebox/internal/risk"
	"github.com/spekrealism/tradebox/internal/strategy"
	"github.com/spekrealism/tradebox/internal/util"
)

func main() {
	_ = godotenv.Load()
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := util.NewLogger(cfg.App.LogLevel)
	log.Info().Str("env", cfg.App.Env).Str("mode", cfg.Trading.Mode).Msg("starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	limiter := ratelimit.New(ratelimit.Config{
		HTTPMaxCalls: cfg.Exchange.RateLimit.HTTPMaxCalls,
		HTTPWindow:   cfg.Exchange.RateLimit.HTTPWindow(),
		WSMaxCalls:   cfg.Exchange.RateLimit.WSMaxCalls,
		WSWindow:     cfg.Exchange.RateLimit.WSWindow(),
		SafetyMargin: cfg.Exchange.RateLimit.SafetyMargin(),
		BackoffFloor: cfg.Exchange.RateLimit.BackoffFloor(),
		BackoffCeil:  cfg.Exchange.RateLimit.BackoffCeil(),
	})
	gw := exchange.New(cfg.Exchange, limiter, log)

	var adapters []strategy.Adapter
	if cfg.Strategy.ML.BaseURL != "" {
		adapters = append(adapters, strategy.NewML(cfg.Strategy.ML, log))
	}
	if cfg.Strategy.LLM.BaseURL != "" {
		adapters = append(adapters, strategy.NewLLM(cfg.Strategy.LLM, log))
	}
	if len(adapters) == 0 {
		log.Fatal().Msg("no strategy adapters configured")
	}
	engine := strategy.NewEngine(cfg.Strategy, adapters, log)

	riskMgr := risk.New(cfg.Risk, log)
	executor := execution.New(cfg.Trading, gw, riskMgr, log)

	notify, err := notifier.New(cfg.Notify, log)
	if err != nil {
		log.Fatal().Err(err).Msg("notifier setup failed")
	}

	srv := metrics.Serve(cfg.App.MetricsAddr, func() map[string]bool {
		status := map[string]bool{"streams": gw.StreamsHealthy()}
		for _, a := range adapters {
			probe, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			status[a.Name()] = a.Healthy(probe)
			cancel()
		}
		return status
	})
	defer func() {
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdown)
	}()

	gw.StartStreams(ctx)
	prices := newPriceCache()
	for _, symbol := range cfg.Exchange.Symbols {
		if err := gw.SubscribeTicker(ctx, symbol, prices.handle); err != nil {
			log.Warn().Str("symbol", symbol).Err(err).Msg("ticker stream unavailable, falling back to REST prices")
		}
	}

	notify.Notify(ctx, fmt.Sprintf("bot up: %s mode, %d symbols", cfg.Trading.Mode, len(cfg.Exchange.Symbols)))
	go watchStreams(ctx, log, gw, notify)
	runLoop(ctx, cfg, log, gw, engine, executor, notify, prices)

	notify.Notify(context.Background(), "bot shutting down")
	log.Info().Msg("stopped")
}

// watchStreams alerts the operator once when a websocket client abandons its
// reconnect loop; the bot keeps trading on REST data until someone intervenes.
func watchStreams(ctx context.Context, log zerolog.Logger, gw *exchange.Gateway, notify notifier.Notifier) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	alerted := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := gw.StreamErr()
			if err == nil {
				alerted = false
				continue
			}
			if !alerted {
				log.Error().Err(err).Msg("stream abandoned")
				notify.Notify(ctx, fmt.Sprintf("stream down: %v", err))
				alerted = true
			}
		}
	}
}

// runLoop drives one decision round per symbol per interval until shutdown.
func runLoop(
	ctx context.Context,
	cfg *config.Config,
	log zerolog.Logger,
	gw *exchange.Gateway,
	engine *strategy.Engine,
	executor *execution.Executor,
	notify notifier.Notifier,
	prices *priceCache,
) {
	interval := time.Duration(cfg.Trading.IntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		for _, symbol := range cfg.Exchange.Symbols {
			round(ctx, cfg, log, gw, engine, executor, notify, prices, symbol)
			if ctx.Err() != nil {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// round snapshots one symbol, decides, and executes.
func round(
	ctx context.Context,
	cfg *config.Config,
	log zerolog.Logger,
	gw *exchange.Gateway,
	engine *strategy.Engine,
	executor *execution.Executor,
	notify notifier.Notifier,
	prices *priceCache,
	symbol string,
) {
	candles, err := gw.GetCandles(ctx, symbol, cfg.Trading.Timeframe, cfg.Trading.CandleDepth)
	if err != nil {
		log.Error().Str("symbol", symbol).Err(err).Msg("candle fetch failed, skipping round")
		return
	}

	price, ok := prices.get(symbol)
	if !ok {
		ticker, err := gw.GetTicker(ctx, symbol)
		if err != nil {
			log.Error().Str("symbol", symbol).Err(err).Msg("ticker fetch failed, skipping round")
			return
		}
		price = ticker.Last
	}

	snap := market.NewSnapshot(symbol, price, candles)
	dec := engine.Decide(ctx, snap)

	order, err := executor.Execute(ctx, dec, snap.Price)
	if err != nil {
		log.Error().Str("symbol", symbol).Err(err).Msg("execution failed")
		notify.Notify(ctx, fmt.Sprintf("%s %s blocked: %v", symbol, dec.Signal, err))
		return
	}
	if order != nil {
		notify.Notify(ctx, fmt.Sprintf("%s %s %.6f @ %.2f (confidence %.2f)",
			order.Symbol, order.Side, order.Amount, order.Price, dec.Confidence))
	}
}

// priceCache keeps the latest streamed price per symbol so decision rounds
// prefer live prices over an extra REST round trip.
type priceCache struct {
	mu     sync.RWMutex
	prices map[string]float64
}

func newPriceCache() *priceCache {
	return &priceCache{prices: make(map[string]float64)}
}

type tickerFrame struct {
	Symbol    string `json:"symbol"`
	LastPrice string `json:"lastPrice"`
}

func (p *priceCache) handle(topic string, data []byte) {
	var frame tickerFrame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Symbol == "" {
		return
	}
	var price float64
	if _, err := fmt.Sscanf(frame.LastPrice, "%f", &price); err != nil || price <= 0 {
		return
	}
	p.mu.Lock()
	p.prices[frame.Symbol] = price
	p.mu.Unlock()
}

func (p *priceCache) get(symbol string) (float64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	price, ok := p.prices[symbol]
	return price, ok
}
