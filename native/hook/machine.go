package hook

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// State enumerates the lifecycle positions of the machine for one action.
type State string

const (
	// StateIdle means no action is in flight.
	StateIdle State = "idle"
	// StatePreActionPending means BeforeAction is computing a decision.
	StatePreActionPending State = "pre_action_pending"
	// StateDecided means a decision was returned and AfterAction is awaited.
	StateDecided State = "decided"
	// StatePostActionPending means AfterAction is verifying the realized outcome.
	StatePostActionPending State = "post_action_pending"
)

// FallbackMode selects how aggregation failures during BeforeAction are
// handled. The mode is an explicit deployment parameter and is never guessed.
type FallbackMode string

const (
	// FallbackFailClosed aborts the action on any aggregation failure.
	FallbackFailClosed FallbackMode = "fail-closed"
	// FallbackFailOpen replays the last accepted decision for the symbol when
	// aggregation fails, aborting only when no prior decision exists.
	FallbackFailOpen FallbackMode = "fail-open"
)

// ActionContext identifies one balance-affecting action in the host ledger's
// transaction. The ID ties the BeforeAction and AfterAction invocations of the
// same action together.
type ActionContext struct {
	ID       string
	Symbol   string
	Notional *big.Rat
}

// NewActionContext builds a context with a fresh unique identifier.
func NewActionContext(symbol string, notional *big.Rat) ActionContext {
	action := ActionContext{ID: uuid.NewString(), Symbol: normaliseSymbol(symbol)}
	if notional != nil {
		action.Notional = new(big.Rat).Set(notional)
	}
	return action
}

// BalanceDelta is one signed balance instruction accumulated by the netting
// ledger. The core only ever emits and inspects these; it never transfers.
type BalanceDelta struct {
	Asset  string
	Amount *big.Int
}

// RealizedOutcome reports what the ledger actually applied for an action.
type RealizedOutcome struct {
	FeeBps        int64
	CurveShiftBps int64
	Rejected      bool
	Deltas        []BalanceDelta
}

// NettingLedger is the collaborator that accumulates signed deltas during the
// transaction and settles them once at transaction end. It invokes the Hook at
// the lifecycle points; the core never calls a transfer primitive.
type NettingLedger interface {
	Accumulate(ctx context.Context, actionID string, deltas []BalanceDelta) error
	Settle(ctx context.Context) error
}

// Hook is the surface the host ledger drives. Both calls are synchronous and
// must be invoked exactly once per action, in order.
type Hook interface {
	BeforeAction(ctx context.Context, action ActionContext) (AdjustmentDecision, error)
	AfterAction(ctx context.Context, action ActionContext, outcome RealizedOutcome) error
}

// Recorder receives reconciled lifecycle records for audit. Implementations
// must not fail the transaction; errors are logged and dropped.
type Recorder interface {
	RecordDecision(ctx context.Context, action ActionContext, aggregate AggregatedPrice, decision AdjustmentDecision, outcome RealizedOutcome) error
}

// MetricsSink receives lifecycle observations. The zero sink is a no-op.
type MetricsSink interface {
	ObserveDecision(reason string, rejected bool)
	ObserveFallback(mode string)
	ObserveViolation(kind string)
}

type accepted struct {
	aggregate AggregatedPrice
	decision  AdjustmentDecision
}

// StateMachine drives the oracle→policy→ledger pipeline for one pool. A single
// decision is produced per action, enforced by the state field rather than by
// caller convention; nested lifecycle calls fail with ErrReentrantAction.
type StateMachine struct {
	aggregator *Aggregator
	engine     *PolicyEngine
	fallback   FallbackMode
	tolerance  uint64

	mu       sync.Mutex
	state    State
	actionID string
	pending  *accepted

	lastMu       sync.RWMutex
	lastAccepted map[string]accepted

	limiter  *rate.Limiter
	recorder Recorder
	metrics  MetricsSink
	logger   *slog.Logger
	now      func() time.Time
}

// MachineOption configures a StateMachine.
type MachineOption func(*StateMachine)

// WithClock overrides the machine clock for deterministic testing.
func WithClock(now func() time.Time) MachineOption {
	return func(m *StateMachine) {
		if now != nil {
			m.now = now
		}
	}
}

// WithRecorder installs an audit recorder.
func WithRecorder(r Recorder) MachineOption {
	return func(m *StateMachine) { m.recorder = r }
}

// WithMetrics installs a metrics sink.
func WithMetrics(sink MetricsSink) MachineOption {
	return func(m *StateMachine) { m.metrics = sink }
}

// WithLogger installs a structured logger.
func WithLogger(logger *slog.Logger) MachineOption {
	return func(m *StateMachine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithOracleRateLimit bounds how often BeforeAction may hit the upstream
// feeds. When the limit is exhausted the invocation follows the fallback mode
// as if aggregation had failed.
func WithOracleRateLimit(limit rate.Limit, burst int) MachineOption {
	return func(m *StateMachine) {
		if limit > 0 && burst > 0 {
			m.limiter = rate.NewLimiter(limit, burst)
		}
	}
}

// NewStateMachine constructs the lifecycle driver.
func NewStateMachine(aggregator *Aggregator, engine *PolicyEngine, fallback FallbackMode, toleranceBps uint64, opts ...MachineOption) (*StateMachine, error) {
	if aggregator == nil {
		return nil, fmt.Errorf("hook: aggregator required")
	}
	if engine == nil {
		return nil, fmt.Errorf("hook: policy engine required")
	}
	switch fallback {
	case FallbackFailClosed, FallbackFailOpen:
	default:
		return nil, fmt.Errorf("hook: unknown fallback mode %q", fallback)
	}
	machine := &StateMachine{
		aggregator:   aggregator,
		engine:       engine,
		fallback:     fallback,
		tolerance:    toleranceBps,
		state:        StateIdle,
		lastAccepted: make(map[string]accepted),
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(machine)
		}
	}
	return machine, nil
}

// State reports the current lifecycle position.
func (m *StateMachine) State() State {
	if m == nil {
		return StateIdle
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastAccepted returns the reference aggregate and decision for the symbol, as
// established by the most recent reconciled action.
func (m *StateMachine) LastAccepted(symbol string) (AggregatedPrice, AdjustmentDecision, bool) {
	if m == nil {
		return AggregatedPrice{}, AdjustmentDecision{}, false
	}
	m.lastMu.RLock()
	entry, ok := m.lastAccepted[normaliseSymbol(symbol)]
	m.lastMu.RUnlock()
	if !ok {
		return AggregatedPrice{}, AdjustmentDecision{}, false
	}
	return entry.aggregate.Clone(), entry.decision, true
}

// BeforeAction computes the adjustment for the in-flight action. It must be
// invoked exactly once before any balance-affecting computation; a second call
// while an action is pending fails with ErrReentrantAction. On aggregation
// failure the configured fallback mode decides between aborting and replaying
// the last accepted decision; an abort leaves the machine idle so the host can
// roll the transaction back.
func (m *StateMachine) BeforeAction(ctx context.Context, action ActionContext) (AdjustmentDecision, error) {
	if m == nil {
		return AdjustmentDecision{}, fmt.Errorf("hook: state machine not configured")
	}
	symbol := normaliseSymbol(action.Symbol)
	if symbol == "" {
		return AdjustmentDecision{}, fmt.Errorf("%w: action %s has no symbol", ErrUnknownSymbol, action.ID)
	}

	m.mu.Lock()
	if m.state != StateIdle {
		state := m.state
		m.mu.Unlock()
		m.observeViolation("reentrant_before")
		return AdjustmentDecision{}, fmt.Errorf("%w: BeforeAction in state %s", ErrReentrantAction, state)
	}
	m.state = StatePreActionPending
	m.actionID = action.ID
	m.pending = nil
	m.mu.Unlock()

	aggregate, err := m.fetchTrusted(ctx, symbol)
	if err != nil {
		return m.handleAggregationFailure(symbol, action, err)
	}

	previous := m.previousAggregate(symbol)
	decision := m.engine.Decide(aggregate, previous, action.Notional, m.now())
	m.observeDecision(decision)

	m.mu.Lock()
	m.pending = &accepted{aggregate: aggregate, decision: decision}
	m.state = StateDecided
	m.mu.Unlock()

	m.logger.Debug("hook decision",
		"action", action.ID,
		"symbol", symbol,
		"fee_bps", decision.FeeBps,
		"curve_shift_bps", decision.CurveShiftBps,
		"reject", decision.RejectSwap,
		"reason", string(decision.Reason),
		"confidence", string(aggregate.Confidence),
	)
	return decision, nil
}

func (m *StateMachine) fetchTrusted(ctx context.Context, symbol string) (AggregatedPrice, error) {
	if m.limiter != nil && !m.limiter.Allow() {
		return AggregatedPrice{}, fmt.Errorf("%w: oracle rate limit exhausted", ErrUnavailable)
	}
	return m.aggregator.Trusted(ctx, symbol)
}

func (m *StateMachine) handleAggregationFailure(symbol string, action ActionContext, cause error) (AdjustmentDecision, error) {
	if m.fallback == FallbackFailOpen {
		m.lastMu.RLock()
		entry, ok := m.lastAccepted[symbol]
		m.lastMu.RUnlock()
		if ok && !entry.decision.RejectSwap {
			replay := entry.decision
			replay.Reason = ReasonFallback
			m.mu.Lock()
			m.pending = &accepted{aggregate: entry.aggregate.Clone(), decision: replay}
			m.state = StateDecided
			m.mu.Unlock()
			if m.metrics != nil {
				m.metrics.ObserveFallback(string(FallbackFailOpen))
			}
			m.logger.Warn("hook falling back to last accepted decision",
				"action", action.ID, "symbol", symbol, "cause", cause.Error())
			return replay, nil
		}
	}
	m.reset()
	if m.metrics != nil {
		m.metrics.ObserveFallback(string(FallbackFailClosed))
	}
	m.logger.Error("hook aborting action on aggregation failure",
		"action", action.ID, "symbol", symbol, "cause", cause.Error())
	return AdjustmentDecision{}, cause
}

func (m *StateMachine) previousAggregate(symbol string) *AggregatedPrice {
	m.lastMu.RLock()
	entry, ok := m.lastAccepted[symbol]
	m.lastMu.RUnlock()
	if !ok {
		return nil
	}
	previous := entry.aggregate.Clone()
	return &previous
}

// AfterAction verifies the realized outcome against the returned decision and
// closes the lifecycle. A mismatch beyond the configured tolerance is a
// consistency violation: fatal, never retried, and the machine resets so the
// host transaction aborts as a whole.
func (m *StateMachine) AfterAction(ctx context.Context, action ActionContext, outcome RealizedOutcome) error {
	if m == nil {
		return fmt.Errorf("hook: state machine not configured")
	}
	m.mu.Lock()
	if m.state != StateDecided {
		state := m.state
		m.mu.Unlock()
		m.observeViolation("ordering")
		return fmt.Errorf("%w: AfterAction in state %s", ErrReentrantAction, state)
	}
	if m.actionID != action.ID {
		pendingID := m.actionID
		m.mu.Unlock()
		m.observeViolation("action_mismatch")
		return fmt.Errorf("%w: AfterAction for %s while %s pending", ErrReentrantAction, action.ID, pendingID)
	}
	m.state = StatePostActionPending
	pending := m.pending
	m.mu.Unlock()

	if pending == nil {
		m.reset()
		m.observeViolation("missing_decision")
		return fmt.Errorf("%w: no pending decision", ErrConsistencyViolation)
	}
	if err := m.verifyOutcome(pending.decision, outcome); err != nil {
		m.reset()
		m.observeViolation("outcome_mismatch")
		m.logger.Error("hook consistency violation",
			"action", action.ID, "symbol", action.Symbol, "cause", err.Error())
		return err
	}

	// The reference price only advances on reconciled actions carrying a fresh
	// aggregate; fallback replays keep the prior reference.
	if pending.decision.Reason != ReasonFallback {
		symbol := normaliseSymbol(action.Symbol)
		m.lastMu.Lock()
		m.lastAccepted[symbol] = accepted{aggregate: pending.aggregate.Clone(), decision: pending.decision}
		m.lastMu.Unlock()
	}

	if m.recorder != nil {
		if err := m.recorder.RecordDecision(ctx, action, pending.aggregate, pending.decision, outcome); err != nil {
			m.logger.Warn("hook audit record failed", "action", action.ID, "err", err.Error())
		}
	}

	m.reset()
	return nil
}

func (m *StateMachine) verifyOutcome(decision AdjustmentDecision, outcome RealizedOutcome) error {
	if decision.RejectSwap {
		if !outcome.Rejected {
			return fmt.Errorf("%w: decision rejected swap but outcome executed", ErrConsistencyViolation)
		}
		if len(outcome.Deltas) != 0 {
			return fmt.Errorf("%w: rejected action reported %d balance deltas", ErrConsistencyViolation, len(outcome.Deltas))
		}
		return nil
	}
	if outcome.Rejected {
		return fmt.Errorf("%w: outcome rejected but decision allowed swap", ErrConsistencyViolation)
	}
	if diff := absInt64(outcome.FeeBps - decision.FeeBps); diff > m.tolerance {
		return fmt.Errorf("%w: realized fee %d bps vs decided %d bps exceeds tolerance %d", ErrConsistencyViolation, outcome.FeeBps, decision.FeeBps, m.tolerance)
	}
	if diff := absInt64(outcome.CurveShiftBps - decision.CurveShiftBps); diff > m.tolerance {
		return fmt.Errorf("%w: realized curve shift %d bps vs decided %d bps exceeds tolerance %d", ErrConsistencyViolation, outcome.CurveShiftBps, decision.CurveShiftBps, m.tolerance)
	}
	for _, delta := range outcome.Deltas {
		if strings.TrimSpace(delta.Asset) == "" || delta.Amount == nil {
			return fmt.Errorf("%w: malformed balance delta", ErrConsistencyViolation)
		}
	}
	return nil
}

func (m *StateMachine) reset() {
	m.mu.Lock()
	m.state = StateIdle
	m.actionID = ""
	m.pending = nil
	m.mu.Unlock()
}

func (m *StateMachine) observeDecision(decision AdjustmentDecision) {
	if m.metrics == nil {
		return
	}
	m.metrics.ObserveDecision(string(decision.Reason), decision.RejectSwap)
}

func (m *StateMachine) observeViolation(kind string) {
	if m.metrics == nil {
		return
	}
	m.metrics.ObserveViolation(kind)
}

func absInt64(v int64) uint64 {
	if v < 0 {
		return uint64(-v)
	}
	return uint64(v)
}
