package hook

import (
	"math/big"
	"strings"
	"time"
)

// PriceReading captures a single observation from an external reference feed: the
// instrument symbol, the observed price, the timestamp reported by the upstream
// source and the source identifier.
type PriceReading struct {
	Symbol     string
	Price      *big.Rat
	ObservedAt time.Time
	Source     string
}

// Clone returns a deep copy of the reading to prevent accidental mutation of
// shared state by callers.
func (r PriceReading) Clone() PriceReading {
	clone := PriceReading{Symbol: r.Symbol, ObservedAt: r.ObservedAt, Source: r.Source}
	if r.Price != nil {
		clone.Price = new(big.Rat).Set(r.Price)
	}
	return clone
}

// PriceString renders the price using the supplied precision. Negative precision
// falls back to the canonical accounting precision.
func (r PriceReading) PriceString(precision int) string {
	if r.Price == nil {
		return ""
	}
	if precision < 0 {
		precision = AccountingDecimals
	}
	return r.Price.FloatString(precision)
}

// Validate applies the ingestion contract: a reading must carry a symbol, a
// strictly positive price, and an observation timestamp that is not in the
// future beyond the supplied tolerance.
func (r PriceReading) Validate(now time.Time, futureTolerance time.Duration) error {
	if normaliseSymbol(r.Symbol) == "" {
		return ErrInvalidReading
	}
	if r.Price == nil || r.Price.Sign() <= 0 {
		return ErrInvalidReading
	}
	if r.ObservedAt.IsZero() {
		return ErrInvalidReading
	}
	if futureTolerance >= 0 && r.ObservedAt.After(now.Add(futureTolerance)) {
		return ErrInvalidReading
	}
	return nil
}

// AccountingDecimals is the fixed fractional precision shared with the external
// ledger. All rendered prices and deltas truncate toward zero at this scale.
const AccountingDecimals = 18

// FeedConfig describes the trust contract for one symbol on one source: how long
// a reading remains usable and the maximum permitted jump from the last accepted
// reading. Instances are immutable once handed to an adapter.
type FeedConfig struct {
	Symbol       string
	Source       string
	MaxStaleness time.Duration
	DeviationCap *big.Rat
}

// Normalise trims identifiers and returns a defensive copy with canonical
// lowercase source naming.
func (fc FeedConfig) Normalise() FeedConfig {
	cfg := FeedConfig{
		Symbol:       normaliseSymbol(fc.Symbol),
		Source:       strings.ToLower(strings.TrimSpace(fc.Source)),
		MaxStaleness: fc.MaxStaleness,
	}
	if cfg.MaxStaleness < 0 {
		cfg.MaxStaleness = 0
	}
	if fc.DeviationCap != nil {
		cfg.DeviationCap = new(big.Rat).Set(fc.DeviationCap)
	}
	return cfg
}

// Confidence describes how an aggregated price was produced.
type Confidence string

const (
	// ConfidenceSingle marks an aggregate backed by exactly one surviving source.
	ConfidenceSingle Confidence = "single"
	// ConfidenceMedian marks an aggregate combined as the median of survivors.
	ConfidenceMedian Confidence = "median"
	// ConfidenceWeighted marks an aggregate combined as a weighted average.
	ConfidenceWeighted Confidence = "weighted"
)

// AggregatedPrice is the single trusted price handed to the policy engine. It is
// produced fresh on every hook invocation and never persisted by the core.
type AggregatedPrice struct {
	Symbol       string
	TrustedPrice *big.Rat
	AsOf         time.Time
	Sources      []string
	Confidence   Confidence
}

// Clone returns a deep copy of the aggregate.
func (a AggregatedPrice) Clone() AggregatedPrice {
	clone := AggregatedPrice{Symbol: a.Symbol, AsOf: a.AsOf, Confidence: a.Confidence}
	if a.TrustedPrice != nil {
		clone.TrustedPrice = new(big.Rat).Set(a.TrustedPrice)
	}
	if len(a.Sources) > 0 {
		clone.Sources = append([]string{}, a.Sources...)
	}
	return clone
}

// Age reports how old the aggregate is relative to the supplied clock reading.
func (a AggregatedPrice) Age(now time.Time) time.Duration {
	if a.AsOf.IsZero() {
		return 0
	}
	return now.Sub(a.AsOf)
}

func normaliseSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
