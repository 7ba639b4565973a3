package hook

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
)

// MemoryLedger is a reference NettingLedger used in tests and local harnesses.
// It accumulates signed per-asset deltas during a transaction and performs a
// single settlement check at transaction end: every asset must net to zero,
// otherwise settlement fails and nothing is applied.
type MemoryLedger struct {
	mu     sync.Mutex
	open   bool
	deltas map[string]*big.Int
	byAct  map[string][]BalanceDelta
}

// NewMemoryLedger constructs an empty ledger with an open accumulation window.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		open:   true,
		deltas: make(map[string]*big.Int),
		byAct:  make(map[string][]BalanceDelta),
	}
}

// Accumulate records the signed deltas for one action. Amounts are copied
// defensively; accumulation after settlement fails.
func (l *MemoryLedger) Accumulate(_ context.Context, actionID string, deltas []BalanceDelta) error {
	if l == nil {
		return fmt.Errorf("hook: ledger not configured")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.open {
		return fmt.Errorf("hook: ledger already settled")
	}
	for _, delta := range deltas {
		asset := strings.ToUpper(strings.TrimSpace(delta.Asset))
		if asset == "" || delta.Amount == nil {
			return fmt.Errorf("hook: malformed delta for action %s", actionID)
		}
		current, ok := l.deltas[asset]
		if !ok {
			current = new(big.Int)
			l.deltas[asset] = current
		}
		current.Add(current, delta.Amount)
		l.byAct[actionID] = append(l.byAct[actionID], BalanceDelta{Asset: asset, Amount: new(big.Int).Set(delta.Amount)})
	}
	return nil
}

// Settle closes the accumulation window and verifies every asset nets to zero.
func (l *MemoryLedger) Settle(_ context.Context) error {
	if l == nil {
		return fmt.Errorf("hook: ledger not configured")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.open {
		return fmt.Errorf("hook: ledger already settled")
	}
	assets := make([]string, 0, len(l.deltas))
	for asset := range l.deltas {
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	for _, asset := range assets {
		if l.deltas[asset].Sign() != 0 {
			return fmt.Errorf("hook: asset %s nets to %s, not zero", asset, l.deltas[asset].String())
		}
	}
	l.open = false
	return nil
}

// Net returns the current accumulated delta for the asset.
func (l *MemoryLedger) Net(asset string) *big.Int {
	if l == nil {
		return new(big.Int)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	current, ok := l.deltas[strings.ToUpper(strings.TrimSpace(asset))]
	if !ok {
		return new(big.Int)
	}
	return new(big.Int).Set(current)
}
