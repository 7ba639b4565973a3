package hook

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"math/rand"
	"testing"
	"time"
)

type fakeAdapter struct {
	source  string
	reading PriceReading
	err     error
}

func (f *fakeAdapter) Source() string { return f.source }

func (f *fakeAdapter) Latest(ctx context.Context, symbol string) (PriceReading, error) {
	_ = ctx
	_ = symbol
	if f.err != nil {
		return PriceReading{}, f.err
	}
	return f.reading.Clone(), nil
}

func readingAt(source, price string, at time.Time) PriceReading {
	return PriceReading{Symbol: "SPX", Price: mustRat(price), ObservedAt: at, Source: source}
}

func TestAggregatorDeviationFilter(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	adapters := []Adapter{
		&fakeAdapter{source: "alpha", reading: readingAt("alpha", "100", now)},
		&fakeAdapter{source: "beta", reading: readingAt("beta", "102", now)},
		&fakeAdapter{source: "gamma", reading: readingAt("gamma", "140", now)},
	}
	agg, err := NewAggregator(adapters, AggregatorConfig{DeviationCap: mustRat("0.05")})
	if err != nil {
		t.Fatalf("new aggregator: %v", err)
	}
	trusted, err := agg.Trusted(context.Background(), "SPX")
	if err != nil {
		t.Fatalf("trusted: %v", err)
	}
	// 140 deviates 38% from the 102 median and must be excluded; the aggregate
	// is the median of {100, 102}.
	if trusted.TrustedPrice.Cmp(mustRat("101")) != 0 {
		t.Fatalf("unexpected trusted price %s", trusted.TrustedPrice.FloatString(2))
	}
	if trusted.Confidence != ConfidenceMedian {
		t.Fatalf("expected median confidence, got %s", trusted.Confidence)
	}
	if len(trusted.Sources) != 2 || trusted.Sources[0] != "alpha" || trusted.Sources[1] != "beta" {
		t.Fatalf("unexpected surviving sources %v", trusted.Sources)
	}
}

func TestAggregatorQuorum(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	adapters := []Adapter{
		&fakeAdapter{source: "alpha", reading: readingAt("alpha", "100", now)},
		&fakeAdapter{source: "beta", err: fmt.Errorf("%w: beta timed out", ErrUnavailable)},
		&fakeAdapter{source: "gamma", err: fmt.Errorf("%w: gamma stale", ErrStale)},
	}
	agg, err := NewAggregator(adapters, AggregatorConfig{})
	if err != nil {
		t.Fatalf("new aggregator: %v", err)
	}
	if agg.Quorum() != 2 {
		t.Fatalf("expected default majority quorum 2, got %d", agg.Quorum())
	}
	if _, err := agg.Trusted(context.Background(), "SPX"); !errors.Is(err, ErrInsufficientQuorum) {
		t.Fatalf("expected ErrInsufficientQuorum, got %v", err)
	}
}

func TestAggregatorSingleSourceTimeout(t *testing.T) {
	adapters := []Adapter{
		&fakeAdapter{source: "alpha", err: fmt.Errorf("%w: alpha timed out", ErrUnavailable)},
	}
	agg, err := NewAggregator(adapters, AggregatorConfig{})
	if err != nil {
		t.Fatalf("new aggregator: %v", err)
	}
	if _, err := agg.Trusted(context.Background(), "SPX"); !errors.Is(err, ErrInsufficientQuorum) {
		t.Fatalf("expected ErrInsufficientQuorum, got %v", err)
	}
}

func TestAggregatorUnknownSymbolWhenNoAdapterKnowsIt(t *testing.T) {
	adapters := []Adapter{
		&fakeAdapter{source: "alpha", err: fmt.Errorf("%w: NDX", ErrUnknownSymbol)},
		&fakeAdapter{source: "beta", err: fmt.Errorf("%w: NDX", ErrUnknownSymbol)},
	}
	agg, err := NewAggregator(adapters, AggregatorConfig{MinSources: 1})
	if err != nil {
		t.Fatalf("new aggregator: %v", err)
	}
	if _, err := agg.Trusted(context.Background(), "NDX"); !errors.Is(err, ErrUnknownSymbol) {
		t.Fatalf("expected ErrUnknownSymbol, got %v", err)
	}
}

func TestAggregatorSingleSurvivorConfidence(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	adapters := []Adapter{
		&fakeAdapter{source: "alpha", reading: readingAt("alpha", "100", now)},
		&fakeAdapter{source: "beta", err: fmt.Errorf("%w", ErrUnavailable)},
	}
	agg, err := NewAggregator(adapters, AggregatorConfig{MinSources: 1})
	if err != nil {
		t.Fatalf("new aggregator: %v", err)
	}
	trusted, err := agg.Trusted(context.Background(), "SPX")
	if err != nil {
		t.Fatalf("trusted: %v", err)
	}
	if trusted.Confidence != ConfidenceSingle {
		t.Fatalf("expected single confidence, got %s", trusted.Confidence)
	}
}

func TestAggregatorAsOfIsEarliestSurvivor(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	adapters := []Adapter{
		&fakeAdapter{source: "alpha", reading: readingAt("alpha", "100", now.Add(-30*time.Second))},
		&fakeAdapter{source: "beta", reading: readingAt("beta", "101", now)},
	}
	agg, err := NewAggregator(adapters, AggregatorConfig{MinSources: 2})
	if err != nil {
		t.Fatalf("new aggregator: %v", err)
	}
	trusted, err := agg.Trusted(context.Background(), "SPX")
	if err != nil {
		t.Fatalf("trusted: %v", err)
	}
	if !trusted.AsOf.Equal(now.Add(-30 * time.Second)) {
		t.Fatalf("asOf must be the earliest surviving observation, got %s", trusted.AsOf)
	}
}

func TestAggregatorWeightedAverage(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	adapters := []Adapter{
		&fakeAdapter{source: "alpha", reading: readingAt("alpha", "100", now)},
		&fakeAdapter{source: "beta", reading: readingAt("beta", "110", now)},
	}
	agg, err := NewAggregator(adapters, AggregatorConfig{
		MinSources: 2,
		Combine:    CombineWeighted,
		Weights:    map[string]*big.Rat{"alpha": mustRat("3"), "beta": mustRat("1")},
	})
	if err != nil {
		t.Fatalf("new aggregator: %v", err)
	}
	trusted, err := agg.Trusted(context.Background(), "SPX")
	if err != nil {
		t.Fatalf("trusted: %v", err)
	}
	// (100*3 + 110*1) / 4 = 102.5
	if trusted.TrustedPrice.Cmp(mustRat("102.5")) != 0 {
		t.Fatalf("unexpected weighted price %s", trusted.TrustedPrice.FloatString(2))
	}
	if trusted.Confidence != ConfidenceWeighted {
		t.Fatalf("expected weighted confidence, got %s", trusted.Confidence)
	}
}

func TestAggregatorFilterKeepsMedianWithinCap(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	adapters := []Adapter{
		&fakeAdapter{source: "alpha", reading: readingAt("alpha", "100", now)},
		&fakeAdapter{source: "beta", reading: readingAt("beta", "100", now)},
		&fakeAdapter{source: "gamma", reading: readingAt("gamma", "100", now)},
	}
	devCap := mustRat("1/10")
	agg, err := NewAggregator(adapters, AggregatorConfig{DeviationCap: devCap})
	if err != nil {
		t.Fatalf("new aggregator: %v", err)
	}

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		base := int64(5000 + rng.Intn(10_000))
		count := 3 + rng.Intn(5)
		readings := make([]PriceReading, 0, count)
		for j := 0; j < count; j++ {
			// Each reading lands within 30% of the base in either direction.
			offset := rng.Int63n(2*base*3/10+1) - base*3/10
			readings = append(readings, PriceReading{
				Symbol:     "SPX",
				Source:     fmt.Sprintf("src%d", j),
				Price:      big.NewRat(base+offset, 100),
				ObservedAt: now,
			})
		}

		full := medianPrice(readings)
		survivors := agg.filterOutliers(readings)
		if len(survivors) == 0 {
			continue
		}
		filtered := medianPrice(survivors)

		diff := new(big.Rat).Sub(filtered, full)
		if diff.Sign() < 0 {
			diff.Neg(diff)
		}
		bound := new(big.Rat).Mul(full, devCap)
		if diff.Cmp(bound) > 0 {
			t.Fatalf("filtering moved median beyond the cap: full %s filtered %s (set %d of %d readings)",
				full.FloatString(4), filtered.FloatString(4), i, count)
		}
	}
}
