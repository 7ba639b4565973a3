package hook

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
)

// CombineMode selects how surviving readings are folded into one trusted price.
type CombineMode string

const (
	// CombineMedian folds survivors by their median.
	CombineMedian CombineMode = "median"
	// CombineWeighted folds survivors by a weight-weighted average.
	CombineWeighted CombineMode = "weighted"
)

// AggregatorConfig tunes quorum, outlier rejection and the combine step.
type AggregatorConfig struct {
	// MinSources is the quorum of usable readings required before a trusted
	// price is produced. Zero selects a majority of configured adapters.
	MinSources int
	// DeviationCap is the maximum relative distance from the peer median a
	// reading may have before it is excluded. Nil disables the filter.
	DeviationCap *big.Rat
	// Combine selects the fold applied to survivors. Empty defaults to median.
	Combine CombineMode
	// Weights carries optional per-source weights for CombineWeighted. Sources
	// without an entry weigh 1.
	Weights map[string]*big.Rat
}

// Aggregator fans a symbol query out to every configured adapter and combines
// the usable readings into a single trusted price with outlier rejection. It is
// deterministic and writes no state.
type Aggregator struct {
	adapters []Adapter
	quorum   int
	devCap   *big.Rat
	combine  CombineMode
	weights  map[string]*big.Rat
}

// NewAggregator constructs an aggregator over the supplied adapters.
func NewAggregator(adapters []Adapter, cfg AggregatorConfig) (*Aggregator, error) {
	if len(adapters) == 0 {
		return nil, fmt.Errorf("hook: at least one adapter required")
	}
	quorum := cfg.MinSources
	if quorum <= 0 {
		quorum = len(adapters)/2 + 1
	}
	if quorum > len(adapters) {
		return nil, fmt.Errorf("hook: quorum %d exceeds %d configured adapters", quorum, len(adapters))
	}
	combine := cfg.Combine
	switch combine {
	case "":
		combine = CombineMedian
	case CombineMedian, CombineWeighted:
	default:
		return nil, fmt.Errorf("hook: unknown combine mode %q", combine)
	}
	agg := &Aggregator{
		adapters: append([]Adapter{}, adapters...),
		quorum:   quorum,
		combine:  combine,
	}
	if cfg.DeviationCap != nil {
		if cfg.DeviationCap.Sign() < 0 {
			return nil, fmt.Errorf("hook: deviation cap must not be negative")
		}
		agg.devCap = new(big.Rat).Set(cfg.DeviationCap)
	}
	if len(cfg.Weights) > 0 {
		agg.weights = make(map[string]*big.Rat, len(cfg.Weights))
		for source, weight := range cfg.Weights {
			if weight == nil || weight.Sign() <= 0 {
				return nil, fmt.Errorf("hook: weight for %q must be positive", source)
			}
			agg.weights[strings.ToLower(strings.TrimSpace(source))] = new(big.Rat).Set(weight)
		}
	}
	return agg, nil
}

// Quorum reports the effective minimum number of usable readings.
func (g *Aggregator) Quorum() int {
	if g == nil {
		return 0
	}
	return g.quorum
}

// Trusted queries every adapter for the symbol and combines the results. The
// returned aggregate is freshly built per call; its AsOf is the earliest
// observation time among survivors so aggregate freshness never overstates its
// stalest input.
func (g *Aggregator) Trusted(ctx context.Context, symbol string) (AggregatedPrice, error) {
	if g == nil {
		return AggregatedPrice{}, fmt.Errorf("hook: aggregator not configured")
	}
	key := normaliseSymbol(symbol)
	if key == "" {
		return AggregatedPrice{}, fmt.Errorf("%w: empty symbol", ErrUnknownSymbol)
	}

	readings := make([]PriceReading, 0, len(g.adapters))
	unknown := 0
	var lastErr error
	for _, adapter := range g.adapters {
		if adapter == nil {
			continue
		}
		reading, err := adapter.Latest(ctx, key)
		if err != nil {
			if errors.Is(err, ErrUnknownSymbol) {
				unknown++
			}
			lastErr = err
			continue
		}
		readings = append(readings, reading)
	}
	if unknown == len(g.adapters) {
		return AggregatedPrice{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, key)
	}
	if len(readings) < g.quorum {
		if lastErr != nil {
			return AggregatedPrice{}, fmt.Errorf("%w: %s: %d/%d usable: %v", ErrInsufficientQuorum, key, len(readings), g.quorum, lastErr)
		}
		return AggregatedPrice{}, fmt.Errorf("%w: %s: %d/%d usable", ErrInsufficientQuorum, key, len(readings), g.quorum)
	}

	survivors := g.filterOutliers(readings)
	if len(survivors) == 0 {
		return AggregatedPrice{}, fmt.Errorf("%w: %s: all readings excluded", ErrDeviationRejected, key)
	}

	trusted, confidence := g.fold(survivors)
	if trusted == nil || trusted.Sign() <= 0 {
		return AggregatedPrice{}, fmt.Errorf("%w: %s: degenerate aggregate", ErrInvalidReading, key)
	}

	asOf := survivors[0].ObservedAt
	sources := make([]string, 0, len(survivors))
	for _, reading := range survivors {
		if reading.ObservedAt.Before(asOf) {
			asOf = reading.ObservedAt
		}
		sources = append(sources, reading.Source)
	}
	sort.Strings(sources)

	return AggregatedPrice{
		Symbol:       key,
		TrustedPrice: trusted,
		AsOf:         asOf,
		Sources:      sources,
		Confidence:   confidence,
	}, nil
}

// filterOutliers drops readings whose relative distance from the peer median
// exceeds the deviation cap. With fewer than three readings the filter is a
// no-op: there is no meaningful peer set to measure against.
func (g *Aggregator) filterOutliers(readings []PriceReading) []PriceReading {
	if g.devCap == nil || g.devCap.Sign() == 0 || len(readings) < 3 {
		return readings
	}
	median := medianPrice(readings)
	if median == nil || median.Sign() <= 0 {
		return readings
	}
	threshold := new(big.Rat).Mul(median, g.devCap)
	survivors := make([]PriceReading, 0, len(readings))
	for _, reading := range readings {
		diff := new(big.Rat).Sub(reading.Price, median)
		if diff.Sign() < 0 {
			diff.Neg(diff)
		}
		if diff.Cmp(threshold) > 0 {
			continue
		}
		survivors = append(survivors, reading)
	}
	return survivors
}

func (g *Aggregator) fold(survivors []PriceReading) (*big.Rat, Confidence) {
	if len(survivors) == 1 {
		return new(big.Rat).Set(survivors[0].Price), ConfidenceSingle
	}
	if g.combine == CombineWeighted {
		return g.weightedAverage(survivors), ConfidenceWeighted
	}
	return medianPrice(survivors), ConfidenceMedian
}

func (g *Aggregator) weightedAverage(readings []PriceReading) *big.Rat {
	sum := new(big.Rat)
	total := new(big.Rat)
	one := big.NewRat(1, 1)
	for _, reading := range readings {
		weight := one
		if g.weights != nil {
			if w, ok := g.weights[strings.ToLower(reading.Source)]; ok {
				weight = w
			}
		}
		term := new(big.Rat).Mul(reading.Price, weight)
		sum.Add(sum, term)
		total.Add(total, weight)
	}
	if total.Sign() == 0 {
		return nil
	}
	return sum.Quo(sum, total)
}

func medianPrice(readings []PriceReading) *big.Rat {
	if len(readings) == 0 {
		return nil
	}
	sorted := make([]*big.Rat, 0, len(readings))
	for _, reading := range readings {
		if reading.Price == nil {
			continue
		}
		sorted = append(sorted, new(big.Rat).Set(reading.Price))
	}
	if len(sorted) == 0 {
		return nil
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Cmp(sorted[j]) < 0
	})
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return new(big.Rat).Set(sorted[mid])
	}
	sum := new(big.Rat).Add(sorted[mid-1], sorted[mid])
	return sum.Quo(sum, big.NewRat(2, 1))
}
