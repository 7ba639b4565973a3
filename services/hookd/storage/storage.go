package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	_ "github.com/glebarez/sqlite"
	"github.com/google/uuid"

	hook "pricehook/native/hook"
)

// Storage wraps the hookd persistence layer.
type Storage struct {
	db *sql.DB
}

// ErrPathRequired is returned when the backing store path is missing.
var ErrPathRequired = errors.New("hookd storage path must be configured")

// ErrNotFound is returned when a lookup matches no rows.
var ErrNotFound = errors.New("hookd storage: not found")

const schema = `
CREATE TABLE IF NOT EXISTS oracle_samples (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    symbol TEXT NOT NULL,
    source TEXT NOT NULL,
    price TEXT NOT NULL,
    observed_at INTEGER NOT NULL,
    recorded_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_samples_symbol ON oracle_samples(symbol, recorded_at);
CREATE TABLE IF NOT EXISTS oracle_snapshots (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    symbol TEXT NOT NULL,
    trusted_price TEXT NOT NULL,
    confidence TEXT NOT NULL,
    sources TEXT NOT NULL,
    as_of INTEGER NOT NULL,
    recorded_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_symbol ON oracle_snapshots(symbol, recorded_at);
CREATE TABLE IF NOT EXISTS last_good (
    symbol TEXT NOT NULL,
    source TEXT NOT NULL,
    price TEXT NOT NULL,
    observed_at INTEGER NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (symbol, source)
);
CREATE TABLE IF NOT EXISTS decisions (
    id TEXT PRIMARY KEY,
    action_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    fee_bps INTEGER NOT NULL,
    curve_shift_bps INTEGER NOT NULL,
    rejected INTEGER NOT NULL,
    reason TEXT NOT NULL,
    confidence TEXT NOT NULL,
    trusted_price TEXT NOT NULL,
    realized_fee_bps INTEGER NOT NULL,
    realized_rejected INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decisions_symbol ON decisions(symbol, created_at);
`

// Open initialises the backing store using a sqlite-compatible DSN.
func Open(path string) (*Storage, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Storage{db: db}, nil
}

// Close releases database resources.
func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordSample persists one raw feed reading.
func (s *Storage) RecordSample(ctx context.Context, reading hook.PriceReading, recorded time.Time) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if reading.Price == nil {
		return fmt.Errorf("reading missing price")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO oracle_samples(symbol, source, price, observed_at, recorded_at)
        VALUES(?, ?, ?, ?, ?)
    `, strings.ToUpper(reading.Symbol), strings.ToLower(reading.Source),
		reading.Price.FloatString(hook.AccountingDecimals), reading.ObservedAt.UTC().Unix(), recorded.UTC())
	if err != nil {
		return fmt.Errorf("insert sample: %w", err)
	}
	return nil
}

// Snapshot is a persisted aggregated price.
type Snapshot struct {
	Symbol       string
	TrustedPrice string
	Confidence   string
	Sources      []string
	AsOf         time.Time
	RecordedAt   time.Time
}

// RecordSnapshot stores one aggregated trusted price.
func (s *Storage) RecordSnapshot(ctx context.Context, aggregate hook.AggregatedPrice, recorded time.Time) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if aggregate.TrustedPrice == nil {
		return fmt.Errorf("aggregate missing trusted price")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO oracle_snapshots(symbol, trusted_price, confidence, sources, as_of, recorded_at)
        VALUES(?, ?, ?, ?, ?, ?)
    `, strings.ToUpper(aggregate.Symbol), aggregate.TrustedPrice.FloatString(hook.AccountingDecimals),
		string(aggregate.Confidence), strings.Join(aggregate.Sources, ","), aggregate.AsOf.UTC().Unix(), recorded.UTC())
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the most recently recorded aggregate for the symbol.
func (s *Storage) LatestSnapshot(ctx context.Context, symbol string) (Snapshot, error) {
	if s == nil {
		return Snapshot{}, fmt.Errorf("storage not configured")
	}
	row := s.db.QueryRowContext(ctx, `
        SELECT symbol, trusted_price, confidence, sources, as_of, recorded_at
        FROM oracle_snapshots WHERE symbol = ?
        ORDER BY id DESC LIMIT 1
    `, strings.ToUpper(strings.TrimSpace(symbol)))
	var snap Snapshot
	var sources string
	var asOf int64
	if err := row.Scan(&snap.Symbol, &snap.TrustedPrice, &snap.Confidence, &sources, &asOf, &snap.RecordedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Snapshot{}, ErrNotFound
		}
		return Snapshot{}, fmt.Errorf("query snapshot: %w", err)
	}
	if sources != "" {
		snap.Sources = strings.Split(sources, ",")
	}
	snap.AsOf = time.Unix(asOf, 0).UTC()
	return snap, nil
}

// UpsertLastGood overwrites the durable last-known-good reading for the
// symbol/source pair atomically.
func (s *Storage) UpsertLastGood(ctx context.Context, reading hook.PriceReading, updated time.Time) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if reading.Price == nil {
		return fmt.Errorf("reading missing price")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO last_good(symbol, source, price, observed_at, updated_at)
        VALUES(?, ?, ?, ?, ?)
        ON CONFLICT(symbol, source) DO UPDATE SET
            price = excluded.price,
            observed_at = excluded.observed_at,
            updated_at = excluded.updated_at
    `, strings.ToUpper(reading.Symbol), strings.ToLower(reading.Source),
		reading.Price.FloatString(hook.AccountingDecimals), reading.ObservedAt.UTC().Unix(), updated.UTC())
	if err != nil {
		return fmt.Errorf("upsert last good: %w", err)
	}
	return nil
}

// LastGood returns the persisted last-known-good readings for the symbol.
func (s *Storage) LastGood(ctx context.Context, symbol string) ([]hook.PriceReading, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT symbol, source, price, observed_at FROM last_good WHERE symbol = ?
    `, strings.ToUpper(strings.TrimSpace(symbol)))
	if err != nil {
		return nil, fmt.Errorf("query last good: %w", err)
	}
	defer rows.Close()
	var readings []hook.PriceReading
	for rows.Next() {
		var reading hook.PriceReading
		var price string
		var observed int64
		if err := rows.Scan(&reading.Symbol, &reading.Source, &price, &observed); err != nil {
			return nil, fmt.Errorf("scan last good: %w", err)
		}
		rat, ok := new(big.Rat).SetString(price)
		if !ok {
			return nil, fmt.Errorf("corrupt price %q for %s", price, reading.Symbol)
		}
		reading.Price = rat
		reading.ObservedAt = time.Unix(observed, 0).UTC()
		readings = append(readings, reading)
	}
	return readings, rows.Err()
}

// DecisionRecord is one reconciled lifecycle entry in the audit log.
type DecisionRecord struct {
	ID               string
	ActionID         string
	Symbol           string
	FeeBps           int64
	CurveShiftBps    int64
	Rejected         bool
	Reason           string
	Confidence       string
	TrustedPrice     string
	RealizedFeeBps   int64
	RealizedRejected bool
	CreatedAt        time.Time
}

// RecordDecision implements hook.Recorder, appending a reconciled decision to
// the audit log.
func (s *Storage) RecordDecision(ctx context.Context, action hook.ActionContext, aggregate hook.AggregatedPrice, decision hook.AdjustmentDecision, outcome hook.RealizedOutcome) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	price := ""
	if aggregate.TrustedPrice != nil {
		price = aggregate.TrustedPrice.FloatString(hook.AccountingDecimals)
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO decisions(id, action_id, symbol, fee_bps, curve_shift_bps, rejected, reason,
            confidence, trusted_price, realized_fee_bps, realized_rejected, created_at)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `, uuid.NewString(), action.ID, strings.ToUpper(action.Symbol), decision.FeeBps, decision.CurveShiftBps,
		boolToInt(decision.RejectSwap), string(decision.Reason), string(aggregate.Confidence), price,
		outcome.FeeBps, boolToInt(outcome.Rejected), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

// RecentDecisions lists the newest audit entries, newest first.
func (s *Storage) RecentDecisions(ctx context.Context, limit int) ([]DecisionRecord, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, action_id, symbol, fee_bps, curve_shift_bps, rejected, reason,
            confidence, trusted_price, realized_fee_bps, realized_rejected, created_at
        FROM decisions ORDER BY created_at DESC, id DESC LIMIT ?
    `, limit)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()
	var records []DecisionRecord
	for rows.Next() {
		var rec DecisionRecord
		var rejected, realizedRejected int
		if err := rows.Scan(&rec.ID, &rec.ActionID, &rec.Symbol, &rec.FeeBps, &rec.CurveShiftBps,
			&rejected, &rec.Reason, &rec.Confidence, &rec.TrustedPrice,
			&rec.RealizedFeeBps, &realizedRejected, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		rec.Rejected = rejected != 0
		rec.RealizedRejected = realizedRejected != 0
		records = append(records, rec)
	}
	return records, rows.Err()
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
