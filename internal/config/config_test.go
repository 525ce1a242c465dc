package config

import (
	"path/filepath"
	"testing"
)

func TestLoad(t *testing.T) {
	path := filepath.Join("testdata", "config.yaml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.App.Name != "tradebox-test" {
		t.Fatalf("unexpected App.Name: %s", cfg.App.Name)
	}
	if len(cfg.Exchange.Symbols) != 1 || cfg.Exchange.Symbols[0] != "BTCUSDT" {
		t.Fatalf("expected BTCUSDT symbol, got %+v", cfg.Exchange.Symbols)
	}
	if cfg.Exchange.RateLimit.HTTPMaxCalls != 100 {
		t.Fatalf("unexpected HTTP max calls: %d", cfg.Exchange.RateLimit.HTTPMaxCalls)
	}
	if cfg.Exchange.RateLimit.WSMaxCalls != 10 {
		t.Fatalf("unexpected WS max calls: %d", cfg.Exchange.RateLimit.WSMaxCalls)
	}
	if cfg.Exchange.Socket.MaxReconnects != 5 {
		t.Fatalf("unexpected max reconnects: %d", cfg.Exchange.Socket.MaxReconnects)
	}
	if cfg.Exchange.Socket.ReconnectBase != 500 {
		t.Fatalf("unexpected reconnect base: %d", cfg.Exchange.Socket.ReconnectBase)
	}
	if cfg.Strategy.Mode != "consensus" {
		t.Fatalf("unexpected strategy mode: %s", cfg.Strategy.Mode)
	}
	if cfg.Strategy.Primary != "ml" {
		t.Fatalf("unexpected primary adapter: %s", cfg.Strategy.Primary)
	}
	if !cfg.Strategy.Comparison {
		t.Fatalf("expected comparison enabled")
	}
	if cfg.Strategy.ConfidenceFloor != 0.6 {
		t.Fatalf("unexpected confidence floor: %.2f", cfg.Strategy.ConfidenceFloor)
	}
	if cfg.Strategy.ML.BaseURL != "http://localhost:5000" {
		t.Fatalf("unexpected ML base URL: %s", cfg.Strategy.ML.BaseURL)
	}
	if len(cfg.Strategy.LLM.Variations) != 3 {
		t.Fatalf("expected 3 LLM variations, got %d", len(cfg.Strategy.LLM.Variations))
	}
	if cfg.Strategy.LLM.Variations[2].RiskTolerance != "aggressive" {
		t.Fatalf("unexpected variation: %+v", cfg.Strategy.LLM.Variations[2])
	}
	if cfg.Risk.MaxNotionalPerTrade != 250 {
		t.Fatalf("unexpected max notional: %.2f", cfg.Risk.MaxNotionalPerTrade)
	}
	if cfg.Trading.Mode != "paper" {
		t.Fatalf("unexpected trading mode: %s", cfg.Trading.Mode)
	}
	if cfg.Trading.CandleDepth != 150 {
		t.Fatalf("unexpected candle depth: %d", cfg.Trading.CandleDepth)
	}
	if cfg.Notify.SendRetries != 2 {
		t.Fatalf("unexpected notify retries: %d", cfg.Notify.SendRetries)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join("testdata", "config.yaml"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	// Fields absent from the file keep their defaults.
	if cfg.Strategy.LLM.TimeoutMs != 30000 {
		t.Fatalf("unexpected LLM timeout: %d", cfg.Strategy.LLM.TimeoutMs)
	}
	if cfg.Exchange.RateLimit.BackoffFloorMs != 1000 {
		t.Fatalf("unexpected backoff floor: %d", cfg.Exchange.RateLimit.BackoffFloorMs)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("EXCHANGE_API_KEY", "env-key")
	t.Setenv("LLM_API_KEY", "env-llm")

	cfg, err := Load(filepath.Join("testdata", "config.yaml"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Exchange.APIKey != "env-key" {
		t.Fatalf("expected env override for API key, got %q", cfg.Exchange.APIKey)
	}
	if cfg.Strategy.LLM.APIKey != "env-llm" {
		t.Fatalf("expected env override for LLM key, got %q", cfg.Strategy.LLM.APIKey)
	}
}
