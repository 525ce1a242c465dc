// Package config exposes strongly typed application configuration structs loaded from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// App captures process-wide runtime settings such as name, environment, metrics, and logging levels.
type App struct {
	Name        string `yaml:"name"`
	Env         string `yaml:"env"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
}

// RateLimit tunes the dual-channel sliding-window limiter shared by all outbound exchange traffic.
type RateLimit struct {
	HTTPMaxCalls   int `yaml:"http_max_calls"`
	HTTPWindowMs   int `yaml:"http_window_ms"`
	WSMaxCalls     int `yaml:"ws_max_calls"`
	WSWindowMs     int `yaml:"ws_window_ms"`
	SafetyMarginMs int `yaml:"safety_margin_ms"`
	BackoffFloorMs int `yaml:"backoff_floor_ms"`
	BackoffCeilMs  int `yaml:"backoff_ceil_ms"`
}

// Socket configures the reconnecting websocket clients.
type Socket struct {
	PublicURL      string `yaml:"public_url"`
	PrivateURL     string `yaml:"private_url"`
	PingIntervalMs int    `yaml:"ping_interval_ms"`
	ReconnectBase  int    `yaml:"reconnect_base_ms"`
	MaxReconnects  int    `yaml:"max_reconnects"`
	AuthWindowMs   int    `yaml:"auth_window_ms"`
}

// Exchange describes the centralized exchange connectivity parameters the bot expects.
type Exchange struct {
	Name      string    `yaml:"name"`
	RESTURL   string    `yaml:"rest_url"`
	Symbols   []string  `yaml:"symbols"`
	APIKey    string    `yaml:"api_key"`
	APISecret string    `yaml:"api_secret"`
	Testnet   bool      `yaml:"testnet"`
	RateLimit RateLimit `yaml:"rate_limit"`
	Socket    Socket    `yaml:"socket"`
}

// ML configures the external statistical scoring service.
type ML struct {
	BaseURL   string `yaml:"base_url"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

// LLMVariation is one temperature/risk setting of the language-model ensemble.
type LLMVariation struct {
	Temperature   float64 `yaml:"temperature"`
	RiskTolerance string  `yaml:"risk_tolerance"`
}

// LLM configures the language-model scorer.
type LLM struct {
	BaseURL    string         `yaml:"base_url"`
	APIKey     string         `yaml:"api_key"`
	Model      string         `yaml:"model"`
	MaxTokens  int            `yaml:"max_tokens"`
	TimeoutMs  int            `yaml:"timeout_ms"`
	Variations []LLMVariation `yaml:"variations"`
}

// Strategy selects which opinion sources run and how their results merge.
type Strategy struct {
	Mode            string  `yaml:"mode"`    // "primary" or "consensus"
	Primary         string  `yaml:"primary"` // adapter name used in primary mode
	Comparison      bool    `yaml:"comparison"`
	ConfidenceFloor float64 `yaml:"confidence_floor"`
	ML              ML      `yaml:"ml"`
	LLM             LLM     `yaml:"llm"`
}

// Risk encodes guard-rails for how much size the executor may take on.
type Risk struct {
	MaxNotionalPerTrade float64 `yaml:"max_notional_per_trade"`
	MaxDailyLoss        float64 `yaml:"max_daily_loss"`
}

// Trading holds the execution loop settings.
type Trading struct {
	Mode        string  `yaml:"mode"` // "paper" or "live"
	OrderSize   float64 `yaml:"order_size"`
	Timeframe   string  `yaml:"timeframe"`
	CandleDepth int     `yaml:"candle_depth"`
	IntervalMs  int     `yaml:"interval_ms"`
}

// Notify configures the telegram notifier; empty token disables it.
type Notify struct {
	TelegramToken  string `yaml:"telegram_token"`
	TelegramChatID int64  `yaml:"telegram_chat_id"`
	SendRetries    int    `yaml:"send_retries"`
}

// Config collects every configuration leaf for easy marshaling from YAML.
type Config struct {
	App      App      `yaml:"app"`
	Exchange Exchange `yaml:"exchange"`
	Strategy Strategy `yaml:"strategy"`
	Risk     Risk     `yaml:"risk"`
	Trading  Trading  `yaml:"trading"`
	Notify   Notify   `yaml:"notify"`
}

// Load reads a YAML file from disk and hydrates a Config struct.
// Secrets may be supplied via environment instead of the file.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var config Config
	config.applyDefaults()
	if err := yaml.NewDecoder(file).Decode(&config); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	config.applyEnv()
	return &config, nil
}

// Save persists a Config struct to disk as YAML.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal yaml: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	c.App.LogLevel = "info"
	c.App.MetricsAddr = ":9100"
	c.Exchange.RateLimit = RateLimit{
		HTTPMaxCalls:   100,
		HTTPWindowMs:   5000,
		WSMaxCalls:     10,
		WSWindowMs:     1000,
		SafetyMarginMs: 100,
		BackoffFloorMs: 1000,
		BackoffCeilMs:  30000,
	}
	c.Exchange.Socket = Socket{
		PingIntervalMs: 20000,
		ReconnectBase:  1000,
		MaxReconnects:  10,
		AuthWindowMs:   10000,
	}
	c.Strategy.Mode = "consensus"
	c.Strategy.ConfidenceFloor = 0.5
	c.Strategy.ML.TimeoutMs = 10000
	c.Strategy.LLM.TimeoutMs = 30000
	c.Strategy.LLM.MaxTokens = 600
	c.Trading.Mode = "paper"
	c.Trading.Timeframe = "1h"
	c.Trading.CandleDepth = 200
	c.Trading.IntervalMs = 60000
	c.Notify.SendRetries = 3
}

// applyEnv lets secrets come from the environment so they stay out of config files.
func (c *Config) applyEnv() {
	if v := os.Getenv("EXCHANGE_API_KEY"); v != "" {
		c.Exchange.APIKey = v
	}
	if v := os.Getenv("EXCHANGE_API_SECRET"); v != "" {
		c.Exchange.APISecret = v
	}
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		c.Strategy.LLM.APIKey = v
	}
	if v := os.Getenv("TELEGRAM_TOKEN"); v != "" {
		c.Notify.TelegramToken = v
	}
}

// HTTPWindow returns the HTTP channel window as a duration.
func (r RateLimit) HTTPWindow() time.Duration { return time.Duration(r.HTTPWindowMs) * time.Millisecond }

// WSWindow returns the websocket channel window as a duration.
func (r RateLimit) WSWindow() time.Duration { return time.Duration(r.WSWindowMs) * time.Millisecond }

// SafetyMargin returns the extra wait added after window math.
func (r RateLimit) SafetyMargin() time.Duration {
	return time.Duration(r.SafetyMarginMs) * time.Millisecond
}

// BackoffFloor returns the reset value of the shared retry backoff.
func (r RateLimit) BackoffFloor() time.Duration {
	return time.Duration(r.BackoffFloorMs) * time.Millisecond
}

// BackoffCeil returns the cap of the shared retry backoff.
func (r RateLimit) BackoffCeil() time.Duration {
	return time.Duration(r.BackoffCeilMs) * time.Millisecond
}
