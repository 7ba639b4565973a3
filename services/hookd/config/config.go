package config

import (
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	hook "pricehook/native/hook"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for hookd.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	DatabasePath  string          `yaml:"database"`
	PolicyFile    string          `yaml:"policy_file"`
	BearerToken   string          `yaml:"bearer_token"`
	Logging       LoggingConfig   `yaml:"logging"`
	Telemetry     TelemetryConfig `yaml:"telemetry"`
	Oracle        OracleConfig    `yaml:"oracle"`
	Hook          HookConfig      `yaml:"hook"`
	Sources       []Source        `yaml:"sources"`
	Feeds         []Feed          `yaml:"feeds"`
}

// LoggingConfig tunes the structured log sink.
type LoggingConfig struct {
	Environment string `yaml:"environment"`
	File        string `yaml:"file"`
	MaxSizeMB   int    `yaml:"max_size_mb"`
	MaxBackups  int    `yaml:"max_backups"`
	MaxAgeDays  int    `yaml:"max_age_days"`
}

// TelemetryConfig tunes trace export.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
	Headers  string `yaml:"headers"`
}

// OracleConfig tunes aggregation and the refresh loop.
type OracleConfig struct {
	Interval     Duration          `yaml:"interval"`
	MinSources   int               `yaml:"min_sources"`
	DeviationCap string            `yaml:"deviation_cap"`
	Combine      string            `yaml:"combine"`
	Weights      map[string]string `yaml:"weights"`
}

// HookConfig tunes the lifecycle driver.
type HookConfig struct {
	FallbackMode    string  `yaml:"fallback_mode"`
	ToleranceBps    uint64  `yaml:"tolerance_bps"`
	OracleRateRPS   float64 `yaml:"oracle_rate_rps"`
	OracleRateBurst int     `yaml:"oracle_rate_burst"`
}

// Source describes an upstream quote vendor.
type Source struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
}

// Feed binds a symbol to a source with its freshness contract.
type Feed struct {
	Symbol       string   `yaml:"symbol"`
	Source       string   `yaml:"source"`
	MaxStaleness Duration `yaml:"max_staleness"`
	DeviationCap string   `yaml:"deviation_cap"`
}

// Load reads and validates the YAML configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate applies structural checks that do not require touching the network.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config required")
	}
	if strings.TrimSpace(c.ListenAddress) == "" {
		return fmt.Errorf("listen address required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database path required")
	}
	if len(c.Sources) == 0 {
		return fmt.Errorf("at least one source required")
	}
	if len(c.Feeds) == 0 {
		return fmt.Errorf("at least one feed required")
	}
	names := make(map[string]struct{}, len(c.Sources))
	for _, source := range c.Sources {
		name := strings.ToLower(strings.TrimSpace(source.Name))
		if name == "" {
			return fmt.Errorf("source name required")
		}
		if _, dup := names[name]; dup {
			return fmt.Errorf("duplicate source %q", name)
		}
		names[name] = struct{}{}
	}
	for _, feed := range c.Feeds {
		if strings.TrimSpace(feed.Symbol) == "" {
			return fmt.Errorf("feed symbol required")
		}
		source := strings.ToLower(strings.TrimSpace(feed.Source))
		if _, ok := names[source]; !ok {
			return fmt.Errorf("feed %s references unknown source %q", feed.Symbol, feed.Source)
		}
		if feed.MaxStaleness.Duration <= 0 {
			return fmt.Errorf("feed %s requires a positive max_staleness", feed.Symbol)
		}
	}
	switch strings.ToLower(strings.TrimSpace(c.Hook.FallbackMode)) {
	case "", string(hook.FallbackFailClosed), string(hook.FallbackFailOpen):
	default:
		return fmt.Errorf("unknown fallback mode %q", c.Hook.FallbackMode)
	}
	return nil
}

// FallbackMode resolves the configured fallback, defaulting to fail-closed.
func (c *Config) FallbackMode() hook.FallbackMode {
	switch strings.ToLower(strings.TrimSpace(c.Hook.FallbackMode)) {
	case string(hook.FallbackFailOpen):
		return hook.FallbackFailOpen
	default:
		return hook.FallbackFailClosed
	}
}

// AggregatorConfig converts the oracle section into runtime aggregator
// settings.
func (c *Config) AggregatorConfig() (hook.AggregatorConfig, error) {
	cfg := hook.AggregatorConfig{MinSources: c.Oracle.MinSources}
	if cap := strings.TrimSpace(c.Oracle.DeviationCap); cap != "" {
		rat, ok := new(big.Rat).SetString(cap)
		if !ok {
			return hook.AggregatorConfig{}, fmt.Errorf("invalid deviation_cap %q", cap)
		}
		cfg.DeviationCap = rat
	}
	switch strings.ToLower(strings.TrimSpace(c.Oracle.Combine)) {
	case "", "median":
		cfg.Combine = hook.CombineMedian
	case "weighted":
		cfg.Combine = hook.CombineWeighted
	default:
		return hook.AggregatorConfig{}, fmt.Errorf("unknown combine mode %q", c.Oracle.Combine)
	}
	if len(c.Oracle.Weights) > 0 {
		cfg.Weights = make(map[string]*big.Rat, len(c.Oracle.Weights))
		for source, weight := range c.Oracle.Weights {
			rat, ok := new(big.Rat).SetString(strings.TrimSpace(weight))
			if !ok {
				return hook.AggregatorConfig{}, fmt.Errorf("invalid weight %q for %s", weight, source)
			}
			cfg.Weights[source] = rat
		}
	}
	return cfg, nil
}

// FeedConfigs groups the per-source feed contracts.
func (c *Config) FeedConfigs() map[string][]hook.FeedConfig {
	grouped := make(map[string][]hook.FeedConfig)
	for _, feed := range c.Feeds {
		source := strings.ToLower(strings.TrimSpace(feed.Source))
		cfg := hook.FeedConfig{
			Symbol:       feed.Symbol,
			Source:       source,
			MaxStaleness: feed.MaxStaleness.Duration,
		}
		if cap := strings.TrimSpace(feed.DeviationCap); cap != "" {
			if rat, ok := new(big.Rat).SetString(cap); ok {
				cfg.DeviationCap = rat
			}
		}
		grouped[source] = append(grouped[source], cfg)
	}
	return grouped
}

// Symbols lists the distinct configured symbols in input order.
func (c *Config) Symbols() []string {
	seen := make(map[string]struct{}, len(c.Feeds))
	symbols := make([]string, 0, len(c.Feeds))
	for _, feed := range c.Feeds {
		symbol := strings.ToUpper(strings.TrimSpace(feed.Symbol))
		if _, dup := seen[symbol]; dup {
			continue
		}
		seen[symbol] = struct{}{}
		symbols = append(symbols, symbol)
	}
	return symbols
}

// LoadPolicy parses the TOML policy file into runtime parameters.
func LoadPolicy(path string) (hook.PolicyParams, error) {
	var cfg hook.PolicyConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return hook.PolicyParams{}, fmt.Errorf("parse policy file: %w", err)
	}
	params, err := cfg.Parameters()
	if err != nil {
		return hook.PolicyParams{}, fmt.Errorf("policy file %s: %w", path, err)
	}
	return params, nil
}
