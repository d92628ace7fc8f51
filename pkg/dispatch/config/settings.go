package config

import (
	"os"
	"time"

	"github.com/randalmurphal/flowdispatch/pkg/dispatch"
	"github.com/randalmurphal/flowdispatch/pkg/dispatch/stream"
	"github.com/randalmurphal/flowdispatch/pkg/dispatch/usage"
)

// DefaultHistoryDepth is how many history items a turn loads.
const DefaultHistoryDepth = 30

// OpenAI configures the OpenAI-compatible model gateway.
type OpenAI struct {
	BaseURL      string
	APIKeyEnv    string
	DefaultModel string
}

// APIKey reads the key from the configured environment variable.
func (o OpenAI) APIKey() string {
	if o.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(o.APIKeyEnv)
}

// Settings are the engine settings of a deployment.
type Settings struct {
	MaxRunTimes  int
	FanOut       int
	StreamBuffer int
	HistoryDepth int
	NodeTimeout  time.Duration
	Pricing      usage.Pricing
	OpenAI       OpenAI
	HistoryDSN   string
	LedgerDSN    string
}

// SettingsFrom reads Settings from cfg, applying defaults.
func SettingsFrom(cfg Config) Settings {
	s := Settings{
		MaxRunTimes:  cfg.Int("engine.max_run_times", dispatch.DefaultMaxRunTimes),
		FanOut:       cfg.Int("engine.fan_out", 1),
		HistoryDepth: cfg.Int("engine.history_depth", DefaultHistoryDepth),
		NodeTimeout:  cfg.Duration("engine.node_timeout", 0),
		StreamBuffer: cfg.Int("stream.buffer", stream.DefaultBuffer),
		OpenAI: OpenAI{
			BaseURL:      cfg.String("openai.base_url", ""),
			APIKeyEnv:    cfg.String("openai.api_key_env", "OPENAI_API_KEY"),
			DefaultModel: cfg.String("openai.default_model", ""),
		},
		HistoryDSN: cfg.String("storage.history_dsn", ""),
		LedgerDSN:  cfg.String("storage.ledger_dsn", ""),
		Pricing:    usage.Pricing{},
	}

	prices := cfg.Sub("pricing")
	for _, model := range prices.Keys() {
		p := prices.Sub(model)
		s.Pricing[model] = usage.Price{
			InputPer1K:  p.Float("input_per_1k", 0),
			OutputPer1K: p.Float("output_per_1k", 0),
		}
	}
	return s
}

// RunOptions returns the per-dispatch options these settings imply.
func (s Settings) RunOptions() []dispatch.RunOption {
	opts := []dispatch.RunOption{
		dispatch.WithMaxRunTimes(s.MaxRunTimes),
		dispatch.WithFanOut(s.FanOut),
	}
	if s.NodeTimeout > 0 {
		opts = append(opts, dispatch.WithNodeTimeout(s.NodeTimeout))
	}
	return opts
}

// EngineOptions returns the engine options these settings imply, with the
// run options installed as defaults.
func (s Settings) EngineOptions() []dispatch.EngineOption {
	return []dispatch.EngineOption{
		dispatch.WithPricing(s.Pricing),
		dispatch.WithDefaultRunOptions(s.RunOptions()...),
	}
}
