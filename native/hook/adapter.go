package hook

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"
)

// Adapter resolves the latest usable reading for a configured symbol. Readings
// older than the per-feed staleness window are reported as errors, never
// silently substituted.
type Adapter interface {
	Source() string
	Latest(ctx context.Context, symbol string) (PriceReading, error)
}

// FeedClient abstracts the transport that actually talks to an external feed.
// Implementations live outside the core (HTTP vendors, manual overrides) and
// must not retry internally.
type FeedClient interface {
	Name() string
	Fetch(ctx context.Context, symbol string) (PriceReading, error)
}

// defaultFutureTolerance bounds clock skew accepted on upstream timestamps.
const defaultFutureTolerance = 5 * time.Second

// FeedAdapter wraps a single FeedClient and enforces the freshness contract for
// every symbol it is configured for. It keeps an optional last-known-good cache,
// overwritten atomically per symbol, which is only consulted by fallback logic
// and deviation checks, never returned as current data.
type FeedAdapter struct {
	client  FeedClient
	configs map[string]FeedConfig

	mu       sync.RWMutex
	lastGood map[string]PriceReading

	now             func() time.Time
	futureTolerance time.Duration
}

// NewFeedAdapter constructs an adapter for the supplied client and feed
// configurations. Configurations are normalised and keyed by symbol; a config
// whose source does not match the client is rejected.
func NewFeedAdapter(client FeedClient, configs []FeedConfig) (*FeedAdapter, error) {
	if client == nil {
		return nil, fmt.Errorf("hook: feed client required")
	}
	name := strings.ToLower(strings.TrimSpace(client.Name()))
	if name == "" {
		return nil, fmt.Errorf("hook: feed client name required")
	}
	adapter := &FeedAdapter{
		client:          client,
		configs:         make(map[string]FeedConfig, len(configs)),
		lastGood:        make(map[string]PriceReading),
		now:             time.Now,
		futureTolerance: defaultFutureTolerance,
	}
	for _, cfg := range configs {
		normalised := cfg.Normalise()
		if normalised.Symbol == "" {
			return nil, fmt.Errorf("hook: feed config missing symbol")
		}
		if normalised.Source != "" && normalised.Source != name {
			return nil, fmt.Errorf("hook: feed config source %q does not match client %q", normalised.Source, name)
		}
		normalised.Source = name
		adapter.configs[normalised.Symbol] = normalised
	}
	return adapter, nil
}

// SetClock overrides the adapter clock, primarily for deterministic testing.
func (a *FeedAdapter) SetClock(now func() time.Time) {
	if a == nil || now == nil {
		return
	}
	a.now = now
}

// Source returns the canonical identifier of the wrapped feed.
func (a *FeedAdapter) Source() string {
	if a == nil || a.client == nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(a.client.Name()))
}

// Config returns the normalised feed configuration for the symbol.
func (a *FeedAdapter) Config(symbol string) (FeedConfig, bool) {
	if a == nil {
		return FeedConfig{}, false
	}
	cfg, ok := a.configs[normaliseSymbol(symbol)]
	return cfg, ok
}

// Latest fetches the current reading for the symbol and applies the ingestion,
// staleness and jump contracts. A stale reading fails with ErrStale rather than
// returning degraded data; a reading moving further than the per-feed deviation
// cap from the last accepted one fails with ErrDeviationRejected and leaves the
// cache untouched. Callers decide fallback policy.
func (a *FeedAdapter) Latest(ctx context.Context, symbol string) (PriceReading, error) {
	if a == nil {
		return PriceReading{}, fmt.Errorf("hook: feed adapter not configured")
	}
	key := normaliseSymbol(symbol)
	cfg, ok := a.configs[key]
	if !ok {
		return PriceReading{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, key)
	}
	reading, err := a.client.Fetch(ctx, key)
	if err != nil {
		return PriceReading{}, fmt.Errorf("%w: %s: %v", ErrUnavailable, a.Source(), err)
	}
	now := a.now()
	if err := reading.Validate(now, a.futureTolerance); err != nil {
		return PriceReading{}, fmt.Errorf("%w: source %s symbol %s", ErrInvalidReading, a.Source(), key)
	}
	if cfg.MaxStaleness > 0 {
		if age := now.Sub(reading.ObservedAt); age > cfg.MaxStaleness {
			return PriceReading{}, fmt.Errorf("%w: %s age %s exceeds %s", ErrStale, key, age, cfg.MaxStaleness)
		}
	}
	if cfg.DeviationCap != nil && cfg.DeviationCap.Sign() > 0 {
		if prev, ok := a.LastKnownGood(key); ok && prev.Price.Sign() > 0 {
			diff := new(big.Rat).Sub(reading.Price, prev.Price)
			if diff.Sign() < 0 {
				diff.Neg(diff)
			}
			threshold := new(big.Rat).Mul(prev.Price, cfg.DeviationCap)
			if diff.Cmp(threshold) > 0 {
				return PriceReading{}, fmt.Errorf("%w: %s moved %s from last accepted %s",
					ErrDeviationRejected, key, reading.Price.FloatString(4), prev.Price.FloatString(4))
			}
		}
	}
	accepted := reading.Clone()
	accepted.Symbol = key
	if strings.TrimSpace(accepted.Source) == "" {
		accepted.Source = a.Source()
	}
	a.mu.Lock()
	a.lastGood[key] = accepted.Clone()
	a.mu.Unlock()
	return accepted, nil
}

// LastKnownGood returns the most recent accepted reading for the symbol, if any.
// The copy is defensive; mutating it does not affect the cache.
func (a *FeedAdapter) LastKnownGood(symbol string) (PriceReading, bool) {
	if a == nil {
		return PriceReading{}, false
	}
	a.mu.RLock()
	reading, ok := a.lastGood[normaliseSymbol(symbol)]
	a.mu.RUnlock()
	if !ok {
		return PriceReading{}, false
	}
	return reading.Clone(), true
}

// SeedLastKnownGood primes the cache with a previously persisted reading, used
// when a daemon restarts and replays its durable cache. The reading still has
// to pass the ingestion contract.
func (a *FeedAdapter) SeedLastKnownGood(reading PriceReading) error {
	if a == nil {
		return fmt.Errorf("hook: feed adapter not configured")
	}
	key := normaliseSymbol(reading.Symbol)
	if _, ok := a.configs[key]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSymbol, key)
	}
	if err := reading.Validate(a.now(), a.futureTolerance); err != nil {
		return err
	}
	seeded := reading.Clone()
	seeded.Symbol = key
	a.mu.Lock()
	a.lastGood[key] = seeded
	a.mu.Unlock()
	return nil
}

// ManualFeed provides an in-memory feed implementation used for tests and
// operator overrides during incident response.
type ManualFeed struct {
	name string

	mu       sync.RWMutex
	readings map[string]PriceReading
}

// NewManualFeed constructs an empty manual feed under the supplied name.
func NewManualFeed(name string) *ManualFeed {
	trimmed := strings.ToLower(strings.TrimSpace(name))
	if trimmed == "" {
		trimmed = "manual"
	}
	return &ManualFeed{name: trimmed, readings: make(map[string]PriceReading)}
}

// Name implements FeedClient.
func (m *ManualFeed) Name() string {
	if m == nil {
		return ""
	}
	return m.name
}

// SetDecimal records the supplied decimal price for the symbol using the
// provided timestamp.
func (m *ManualFeed) SetDecimal(symbol, price string, ts time.Time) error {
	if m == nil {
		return fmt.Errorf("hook: manual feed not configured")
	}
	trimmed := strings.TrimSpace(price)
	if trimmed == "" {
		return fmt.Errorf("hook: manual feed price required")
	}
	rat, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return fmt.Errorf("hook: manual feed invalid price %q", price)
	}
	if rat.Sign() <= 0 {
		return fmt.Errorf("hook: manual feed price must be positive")
	}
	m.Set(symbol, rat, ts)
	return nil
}

// Set stores the provided price for the symbol.
func (m *ManualFeed) Set(symbol string, price *big.Rat, ts time.Time) {
	if m == nil || price == nil {
		return
	}
	key := normaliseSymbol(symbol)
	if key == "" {
		return
	}
	reading := PriceReading{Symbol: key, ObservedAt: ts, Source: m.name}
	reading.Price = new(big.Rat).Set(price)
	m.mu.Lock()
	m.readings[key] = reading
	m.mu.Unlock()
}

// Fetch implements FeedClient.
func (m *ManualFeed) Fetch(_ context.Context, symbol string) (PriceReading, error) {
	if m == nil {
		return PriceReading{}, fmt.Errorf("hook: manual feed not configured")
	}
	key := normaliseSymbol(symbol)
	m.mu.RLock()
	stored, ok := m.readings[key]
	m.mu.RUnlock()
	if !ok {
		return PriceReading{}, fmt.Errorf("hook: manual feed has no reading for %s", key)
	}
	return stored.Clone(), nil
}
