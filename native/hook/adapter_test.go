package hook

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"
)

type fakeFeed struct {
	name    string
	reading PriceReading
	err     error
	calls   int
}

func (f *fakeFeed) Name() string { return f.name }

func (f *fakeFeed) Fetch(ctx context.Context, symbol string) (PriceReading, error) {
	_ = ctx
	f.calls++
	if f.err != nil {
		return PriceReading{}, f.err
	}
	return f.reading.Clone(), nil
}

func mustRat(value string) *big.Rat {
	rat, ok := new(big.Rat).SetString(value)
	if !ok {
		panic("invalid rat: " + value)
	}
	return rat
}

func testConfig(symbol, source string, staleness time.Duration) FeedConfig {
	return FeedConfig{Symbol: symbol, Source: source, MaxStaleness: staleness}
}

func TestFeedAdapterReturnsFreshReading(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	feed := &fakeFeed{name: "alpha", reading: PriceReading{
		Symbol: "SPX", Price: mustRat("4700.25"), ObservedAt: now.Add(-10 * time.Second),
	}}
	adapter, err := NewFeedAdapter(feed, []FeedConfig{testConfig("SPX", "alpha", time.Minute)})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	adapter.SetClock(func() time.Time { return now })

	reading, err := adapter.Latest(context.Background(), "spx")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if reading.Symbol != "SPX" {
		t.Fatalf("expected normalised symbol, got %q", reading.Symbol)
	}
	if reading.Source != "alpha" {
		t.Fatalf("expected source alpha, got %q", reading.Source)
	}
	if reading.Price.Cmp(mustRat("4700.25")) != 0 {
		t.Fatalf("unexpected price %s", reading.PriceString(2))
	}
	cached, ok := adapter.LastKnownGood("SPX")
	if !ok {
		t.Fatalf("expected last known good cache to be populated")
	}
	if cached.Price.Cmp(reading.Price) != 0 {
		t.Fatalf("cache price mismatch")
	}
}

func TestFeedAdapterRejectsStaleReading(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	feed := &fakeFeed{name: "alpha", reading: PriceReading{
		Symbol: "SPX", Price: mustRat("4700"), ObservedAt: now.Add(-2 * time.Minute),
	}}
	adapter, err := NewFeedAdapter(feed, []FeedConfig{testConfig("SPX", "alpha", time.Minute)})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	adapter.SetClock(func() time.Time { return now })

	if _, err := adapter.Latest(context.Background(), "SPX"); !errors.Is(err, ErrStale) {
		t.Fatalf("expected ErrStale, got %v", err)
	}
	if _, ok := adapter.LastKnownGood("SPX"); ok {
		t.Fatalf("stale reading must not populate the cache")
	}
}

func TestFeedAdapterRejectsFutureAndNonPositiveReadings(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cases := []struct {
		name    string
		reading PriceReading
	}{
		{"future", PriceReading{Symbol: "SPX", Price: mustRat("4700"), ObservedAt: now.Add(time.Minute)}},
		{"zero price", PriceReading{Symbol: "SPX", Price: new(big.Rat), ObservedAt: now}},
		{"negative price", PriceReading{Symbol: "SPX", Price: mustRat("-1"), ObservedAt: now}},
		{"nil price", PriceReading{Symbol: "SPX", ObservedAt: now}},
	}
	for _, tc := range cases {
		feed := &fakeFeed{name: "alpha", reading: tc.reading}
		adapter, err := NewFeedAdapter(feed, []FeedConfig{testConfig("SPX", "alpha", time.Hour)})
		if err != nil {
			t.Fatalf("%s: new adapter: %v", tc.name, err)
		}
		adapter.SetClock(func() time.Time { return now })
		if _, err := adapter.Latest(context.Background(), "SPX"); !errors.Is(err, ErrInvalidReading) {
			t.Fatalf("%s: expected ErrInvalidReading, got %v", tc.name, err)
		}
	}
}

func TestFeedAdapterUnknownSymbol(t *testing.T) {
	feed := &fakeFeed{name: "alpha"}
	adapter, err := NewFeedAdapter(feed, []FeedConfig{testConfig("SPX", "alpha", time.Minute)})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	if _, err := adapter.Latest(context.Background(), "NDX"); !errors.Is(err, ErrUnknownSymbol) {
		t.Fatalf("expected ErrUnknownSymbol, got %v", err)
	}
	if feed.calls != 0 {
		t.Fatalf("unknown symbol must not hit the feed")
	}
}

func TestFeedAdapterMapsTransportFailure(t *testing.T) {
	feed := &fakeFeed{name: "alpha", err: fmt.Errorf("connection refused")}
	adapter, err := NewFeedAdapter(feed, []FeedConfig{testConfig("SPX", "alpha", time.Minute)})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	if _, err := adapter.Latest(context.Background(), "SPX"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestFeedAdapterSeedLastKnownGood(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	feed := &fakeFeed{name: "alpha"}
	adapter, err := NewFeedAdapter(feed, []FeedConfig{testConfig("SPX", "alpha", time.Minute)})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	adapter.SetClock(func() time.Time { return now })
	seed := PriceReading{Symbol: "SPX", Price: mustRat("4650"), ObservedAt: now.Add(-time.Hour), Source: "alpha"}
	if err := adapter.SeedLastKnownGood(seed); err != nil {
		t.Fatalf("seed: %v", err)
	}
	cached, ok := adapter.LastKnownGood("SPX")
	if !ok || cached.Price.Cmp(seed.Price) != 0 {
		t.Fatalf("expected seeded cache entry")
	}
	if err := adapter.SeedLastKnownGood(PriceReading{Symbol: "NDX", Price: mustRat("1"), ObservedAt: now}); !errors.Is(err, ErrUnknownSymbol) {
		t.Fatalf("expected ErrUnknownSymbol for unconfigured seed, got %v", err)
	}
}

func TestManualFeedRoundTrip(t *testing.T) {
	manual := NewManualFeed("override")
	ts := time.Unix(1_700_000_000, 0)
	if err := manual.SetDecimal("spx", "4701.50", ts); err != nil {
		t.Fatalf("set decimal: %v", err)
	}
	reading, err := manual.Fetch(context.Background(), "SPX")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if reading.Price.Cmp(mustRat("4701.5")) != 0 {
		t.Fatalf("unexpected price %s", reading.PriceString(2))
	}
	if reading.Source != "override" {
		t.Fatalf("unexpected source %q", reading.Source)
	}
	if err := manual.SetDecimal("SPX", "-3", ts); err == nil {
		t.Fatalf("expected rejection of non-positive manual price")
	}
	if _, err := manual.Fetch(context.Background(), "NDX"); err == nil {
		t.Fatalf("expected missing reading error")
	}
}

func TestFeedAdapterRejectsJumpBeyondDeviationCap(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	feed := &fakeFeed{name: "alpha", reading: PriceReading{
		Symbol: "SPX", Price: mustRat("100"), ObservedAt: now.Add(-10 * time.Second),
	}}
	cfg := FeedConfig{Symbol: "SPX", Source: "alpha", MaxStaleness: time.Minute, DeviationCap: mustRat("1/20")}
	adapter, err := NewFeedAdapter(feed, []FeedConfig{cfg})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	adapter.SetClock(func() time.Time { return now })

	if _, err := adapter.Latest(context.Background(), "SPX"); err != nil {
		t.Fatalf("first reading: %v", err)
	}

	feed.reading.Price = mustRat("200")
	if _, err := adapter.Latest(context.Background(), "SPX"); !errors.Is(err, ErrDeviationRejected) {
		t.Fatalf("expected ErrDeviationRejected for 100%% jump, got %v", err)
	}
	cached, ok := adapter.LastKnownGood("SPX")
	if !ok || cached.Price.Cmp(mustRat("100")) != 0 {
		t.Fatalf("rejected jump must not overwrite the cache, got %v %v", cached.Price, ok)
	}

	// A move at the cap boundary is still acceptable.
	feed.reading.Price = mustRat("105")
	reading, err := adapter.Latest(context.Background(), "SPX")
	if err != nil {
		t.Fatalf("in-cap reading: %v", err)
	}
	if reading.Price.Cmp(mustRat("105")) != 0 {
		t.Fatalf("unexpected price %s", reading.PriceString(2))
	}
	if cached, _ := adapter.LastKnownGood("SPX"); cached.Price.Cmp(mustRat("105")) != 0 {
		t.Fatalf("accepted reading must advance the cache, got %s", cached.Price.RatString())
	}
}

func TestFeedAdapterDeviationCapAppliesToSeededCache(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	feed := &fakeFeed{name: "alpha", reading: PriceReading{
		Symbol: "SPX", Price: mustRat("140"), ObservedAt: now.Add(-10 * time.Second),
	}}
	cfg := FeedConfig{Symbol: "SPX", Source: "alpha", MaxStaleness: time.Minute, DeviationCap: mustRat("1/20")}
	adapter, err := NewFeedAdapter(feed, []FeedConfig{cfg})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	adapter.SetClock(func() time.Time { return now })
	seeded := PriceReading{Symbol: "SPX", Source: "alpha", Price: mustRat("100"), ObservedAt: now.Add(-time.Minute)}
	if err := adapter.SeedLastKnownGood(seeded); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := adapter.Latest(context.Background(), "SPX"); !errors.Is(err, ErrDeviationRejected) {
		t.Fatalf("expected jump against seeded reading rejected, got %v", err)
	}
}
