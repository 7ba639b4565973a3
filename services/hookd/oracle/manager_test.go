package oracle

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"pricehook/services/hookd/storage"

	hook "pricehook/native/hook"
)

func mustRat(t *testing.T, value string) *big.Rat {
	t.Helper()
	rat, ok := new(big.Rat).SetString(value)
	if !ok {
		t.Fatalf("invalid rat %q", value)
	}
	return rat
}

func openTestStorage(t *testing.T) *storage.Storage {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "hookd.db"))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newManualAdapter(t *testing.T, name string, symbols []string, clock func() time.Time) (*hook.ManualFeed, *hook.FeedAdapter) {
	t.Helper()
	feed := hook.NewManualFeed(name)
	configs := make([]hook.FeedConfig, 0, len(symbols))
	for _, symbol := range symbols {
		configs = append(configs, hook.FeedConfig{Symbol: symbol, MaxStaleness: 5 * time.Minute})
	}
	adapter, err := hook.NewFeedAdapter(feed, configs)
	if err != nil {
		t.Fatalf("build adapter %s: %v", name, err)
	}
	adapter.SetClock(clock)
	return feed, adapter
}

func TestManagerTickPersistsSnapshotAndCache(t *testing.T) {
	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	alpha, alphaAdapter := newManualAdapter(t, "alpha", []string{"ZNHB"}, clock)
	beta, betaAdapter := newManualAdapter(t, "beta", []string{"ZNHB"}, clock)
	alpha.Set("ZNHB", mustRat(t, "100"), now.Add(-time.Minute))
	beta.Set("ZNHB", mustRat(t, "102"), now.Add(-30*time.Second))

	aggregator, err := hook.NewAggregator(
		[]hook.Adapter{alphaAdapter, betaAdapter},
		hook.AggregatorConfig{MinSources: 2},
	)
	if err != nil {
		t.Fatalf("build aggregator: %v", err)
	}

	store := openTestStorage(t)
	mgr, err := New(store, aggregator, []*hook.FeedAdapter{alphaAdapter, betaAdapter},
		[]string{"ZNHB"}, time.Minute, WithClock(clock))
	if err != nil {
		t.Fatalf("build manager: %v", err)
	}
	if err := mgr.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	snap, err := store.LatestSnapshot(context.Background(), "ZNHB")
	if err != nil {
		t.Fatalf("latest snapshot: %v", err)
	}
	if snap.TrustedPrice != mustRat(t, "101").FloatString(hook.AccountingDecimals) {
		t.Fatalf("expected median 101, got %q", snap.TrustedPrice)
	}
	readings, err := store.LastGood(context.Background(), "ZNHB")
	if err != nil {
		t.Fatalf("last good: %v", err)
	}
	if len(readings) != 2 {
		t.Fatalf("expected both sources persisted, got %d", len(readings))
	}
}

func TestManagerTickContinuesOnSymbolFailure(t *testing.T) {
	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	alpha, adapter := newManualAdapter(t, "alpha", []string{"ZNHB", "NHB"}, clock)
	alpha.Set("NHB", mustRat(t, "1"), now.Add(-time.Minute))

	aggregator, err := hook.NewAggregator([]hook.Adapter{adapter}, hook.AggregatorConfig{MinSources: 1})
	if err != nil {
		t.Fatalf("build aggregator: %v", err)
	}

	store := openTestStorage(t)
	mgr, err := New(store, aggregator, []*hook.FeedAdapter{adapter},
		[]string{"ZNHB", "NHB"}, time.Minute, WithClock(clock))
	if err != nil {
		t.Fatalf("build manager: %v", err)
	}
	if err := mgr.Tick(context.Background()); err == nil {
		t.Fatal("expected first symbol to fail")
	}
	if _, err := store.LatestSnapshot(context.Background(), "NHB"); err != nil {
		t.Fatalf("expected surviving symbol persisted: %v", err)
	}
}

func TestManagerWarmReplaysDurableCache(t *testing.T) {
	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	store := openTestStorage(t)
	persisted := hook.PriceReading{
		Symbol:     "ZNHB",
		Source:     "alpha",
		Price:      mustRat(t, "101"),
		ObservedAt: now.Add(-time.Minute),
	}
	if err := store.UpsertLastGood(context.Background(), persisted, now); err != nil {
		t.Fatalf("seed storage: %v", err)
	}

	_, adapter := newManualAdapter(t, "alpha", []string{"ZNHB"}, clock)
	aggregator, err := hook.NewAggregator([]hook.Adapter{adapter}, hook.AggregatorConfig{MinSources: 1})
	if err != nil {
		t.Fatalf("build aggregator: %v", err)
	}
	mgr, err := New(store, aggregator, []*hook.FeedAdapter{adapter},
		[]string{"ZNHB"}, time.Minute, WithClock(clock))
	if err != nil {
		t.Fatalf("build manager: %v", err)
	}
	if err := mgr.Warm(context.Background()); err != nil {
		t.Fatalf("warm: %v", err)
	}
	reading, ok := adapter.LastKnownGood("ZNHB")
	if !ok {
		t.Fatal("expected cache seeded from storage")
	}
	if reading.Price.Cmp(mustRat(t, "101")) != 0 {
		t.Fatalf("unexpected seeded price %s", reading.Price.RatString())
	}
}
