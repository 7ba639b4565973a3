package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pricehook/observability"
	"pricehook/services/hookd/storage"

	hook "pricehook/native/hook"
)

// Manager keeps the oracle pipeline warm: it periodically aggregates every
// configured symbol, persists snapshots and the per-source last-known-good
// cache, and replays the durable cache into the adapters after a restart.
type Manager struct {
	logger     *slog.Logger
	storage    *storage.Storage
	aggregator *hook.Aggregator
	adapters   []*hook.FeedAdapter
	symbols    []string
	interval   time.Duration
	now        func() time.Time
	once       sync.Once
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger installs a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock overrides the manager clock for deterministic testing.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// New constructs a manager instance.
func New(store *storage.Storage, aggregator *hook.Aggregator, adapters []*hook.FeedAdapter, symbols []string, interval time.Duration, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("storage required")
	}
	if aggregator == nil {
		return nil, fmt.Errorf("aggregator required")
	}
	if len(symbols) == 0 {
		return nil, fmt.Errorf("at least one symbol required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be positive")
	}
	mgr := &Manager{
		logger:     slog.Default(),
		storage:    store,
		aggregator: aggregator,
		adapters:   append([]*hook.FeedAdapter{}, adapters...),
		symbols:    append([]string{}, symbols...),
		interval:   interval,
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(mgr)
		}
	}
	return mgr, nil
}

// Warm replays the durable last-known-good cache into the adapters. Entries
// that no longer pass the ingestion contract are skipped.
func (m *Manager) Warm(ctx context.Context) error {
	if m == nil {
		return fmt.Errorf("manager not configured")
	}
	bySource := make(map[string]*hook.FeedAdapter, len(m.adapters))
	for _, adapter := range m.adapters {
		if adapter != nil {
			bySource[adapter.Source()] = adapter
		}
	}
	for _, symbol := range m.symbols {
		readings, err := m.storage.LastGood(ctx, symbol)
		if err != nil {
			return fmt.Errorf("load last good for %s: %w", symbol, err)
		}
		for _, reading := range readings {
			adapter, ok := bySource[reading.Source]
			if !ok {
				continue
			}
			if err := adapter.SeedLastKnownGood(reading); err != nil {
				m.logger.Warn("skipping stale cache entry",
					"symbol", symbol, "source", reading.Source, "err", err.Error())
			}
		}
	}
	return nil
}

// Run blocks, periodically refreshing all symbols until the context is
// cancelled.
func (m *Manager) Run(ctx context.Context) error {
	if m == nil {
		return fmt.Errorf("manager not configured")
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.once.Do(func() {
		m.logger.Info("oracle refresh started",
			"symbols", len(m.symbols), "adapters", len(m.adapters), "interval", m.interval.String())
	})
	for {
		if err := m.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.Warn("refresh tick failed", "err", err.Error())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick performs a single refresh cycle across all configured symbols. The
// cycle keeps going when individual symbols fail; the first error is returned
// after the sweep completes.
func (m *Manager) Tick(ctx context.Context) error {
	if m == nil {
		return fmt.Errorf("manager not configured")
	}
	var firstErr error
	for _, symbol := range m.symbols {
		if err := m.refreshSymbol(ctx, symbol); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			m.logger.Warn("symbol refresh failed", "symbol", symbol, "err", err.Error())
		}
	}
	return firstErr
}

func (m *Manager) refreshSymbol(ctx context.Context, symbol string) error {
	now := m.now()
	aggregate, err := m.aggregator.Trusted(ctx, symbol)
	if err != nil {
		observability.Metrics().ObserveAggregation(symbol, "error", 0)
		return err
	}
	observability.Metrics().ObserveAggregation(symbol, "ok", aggregate.Age(now))

	if err := m.storage.RecordSnapshot(ctx, aggregate, now); err != nil {
		return fmt.Errorf("record snapshot: %w", err)
	}
	for _, adapter := range m.adapters {
		if adapter == nil {
			continue
		}
		reading, ok := adapter.LastKnownGood(symbol)
		if !ok {
			continue
		}
		if err := m.storage.RecordSample(ctx, reading, now); err != nil {
			m.logger.Warn("record sample failed", "symbol", symbol, "source", reading.Source, "err", err.Error())
		}
		if err := m.storage.UpsertLastGood(ctx, reading, now); err != nil {
			m.logger.Warn("persist last good failed", "symbol", symbol, "source", reading.Source, "err", err.Error())
		}
	}
	return nil
}
