package hook

import (
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"
)

// DecisionReason explains why a decision carries its adjustment or rejection.
type DecisionReason string

const (
	// ReasonNone marks a pass-through decision with no adjustment.
	ReasonNone DecisionReason = "none"
	// ReasonVolatilityStep marks a fee raised by the movement step function.
	ReasonVolatilityStep DecisionReason = "volatility_step"
	// ReasonSingleSource marks a rejection because a single surviving source is
	// insufficient confirmation at the action's notional.
	ReasonSingleSource DecisionReason = "single_source"
	// ReasonHardStale marks a rejection because the aggregate breached the
	// policy-level freshness ceiling.
	ReasonHardStale DecisionReason = "hard_stale"
	// ReasonFallback marks a decision replayed from the last accepted decision
	// under fail-open fallback.
	ReasonFallback DecisionReason = "fallback"
)

// AdjustmentDecision is the instruction returned to the ledger before the
// action executes. Fee and curve adjustments are expressed in basis points at
// the shared accounting precision; the decision never moves balances itself.
type AdjustmentDecision struct {
	FeeBps        int64
	CurveShiftBps int64
	RejectSwap    bool
	Reason        DecisionReason
}

// FeeStepConfig models one rung of the movement→fee step function as parsed
// from configuration. MoveBps is the upper bound of absolute price movement the
// rung covers; FeeBps is the fee surcharge applied within it.
type FeeStepConfig struct {
	MoveBps uint64 `toml:"MoveBps"`
	FeeBps  uint64 `toml:"FeeBps"`
}

// PolicyConfig captures operator-defined adjustment guardrails parsed from
// configuration.
type PolicyConfig struct {
	FeeCapBps               uint64          `toml:"FeeCapBps"`
	CurveBiasBps            uint64          `toml:"CurveBiasBps"`
	HardMaxAgeSeconds       int64           `toml:"HardMaxAgeSeconds"`
	SingleSourceNotionalCap string          `toml:"SingleSourceNotionalCap"`
	Steps                   []FeeStepConfig `toml:"Steps"`
}

// Normalise applies canonical defaults to a defensive copy.
func (pc PolicyConfig) Normalise() PolicyConfig {
	cfg := PolicyConfig{
		FeeCapBps:               pc.FeeCapBps,
		CurveBiasBps:            pc.CurveBiasBps,
		HardMaxAgeSeconds:       pc.HardMaxAgeSeconds,
		SingleSourceNotionalCap: strings.TrimSpace(pc.SingleSourceNotionalCap),
		Steps:                   append([]FeeStepConfig{}, pc.Steps...),
	}
	if cfg.HardMaxAgeSeconds < 0 {
		cfg.HardMaxAgeSeconds = 0
	}
	return cfg
}

// Parameters converts the textual configuration into runtime-ready values,
// validating bounds and the monotonicity of the step function.
func (pc PolicyConfig) Parameters() (PolicyParams, error) {
	normalised := pc.Normalise()
	params := PolicyParams{
		FeeCapBps:    normalised.FeeCapBps,
		CurveBiasBps: normalised.CurveBiasBps,
	}
	if params.FeeCapBps > 10000 {
		return PolicyParams{}, fmt.Errorf("hook: FeeCapBps must not exceed 10000")
	}
	if params.CurveBiasBps > 10000 {
		return PolicyParams{}, fmt.Errorf("hook: CurveBiasBps must not exceed 10000")
	}
	if normalised.HardMaxAgeSeconds > 0 {
		params.HardMaxAge = time.Duration(normalised.HardMaxAgeSeconds) * time.Second
	}
	if normalised.SingleSourceNotionalCap != "" {
		cap, ok := new(big.Rat).SetString(normalised.SingleSourceNotionalCap)
		if !ok {
			return PolicyParams{}, fmt.Errorf("hook: invalid SingleSourceNotionalCap %q", normalised.SingleSourceNotionalCap)
		}
		if cap.Sign() < 0 {
			return PolicyParams{}, fmt.Errorf("hook: SingleSourceNotionalCap must not be negative")
		}
		params.SingleSourceNotionalCap = cap
	}
	steps := append([]FeeStepConfig{}, normalised.Steps...)
	sort.Slice(steps, func(i, j int) bool { return steps[i].MoveBps < steps[j].MoveBps })
	var prevMove, prevFee uint64
	for i, step := range steps {
		if i > 0 && step.MoveBps == prevMove {
			return PolicyParams{}, fmt.Errorf("hook: duplicate step at %d bps", step.MoveBps)
		}
		if step.FeeBps < prevFee {
			return PolicyParams{}, fmt.Errorf("hook: step function must be non-decreasing (fee %d after %d)", step.FeeBps, prevFee)
		}
		if step.FeeBps > params.FeeCapBps {
			return PolicyParams{}, fmt.Errorf("hook: step fee %d exceeds FeeCapBps %d", step.FeeBps, params.FeeCapBps)
		}
		prevMove, prevFee = step.MoveBps, step.FeeBps
	}
	params.Steps = steps
	return params, nil
}

// PolicyParams represents the canonical runtime interpretation of the policy
// settings. Instances are treated as read-only during transaction execution.
type PolicyParams struct {
	FeeCapBps               uint64
	CurveBiasBps            uint64
	HardMaxAge              time.Duration
	SingleSourceNotionalCap *big.Rat
	Steps                   []FeeStepConfig
}

// PolicyEngine maps a trusted price movement onto a fee and curve adjustment.
// Decide is a pure function of its inputs; the engine performs no I/O.
type PolicyEngine struct {
	params PolicyParams
}

// NewPolicyEngine constructs an engine from runtime parameters.
func NewPolicyEngine(params PolicyParams) *PolicyEngine {
	return &PolicyEngine{params: params}
}

// Params returns a copy of the effective parameters.
func (e *PolicyEngine) Params() PolicyParams {
	if e == nil {
		return PolicyParams{}
	}
	params := e.params
	if params.SingleSourceNotionalCap != nil {
		params.SingleSourceNotionalCap = new(big.Rat).Set(params.SingleSourceNotionalCap)
	}
	params.Steps = append([]FeeStepConfig{}, params.Steps...)
	return params
}

// Decide computes the adjustment for the current trusted price relative to the
// previously accepted one. previous may be nil on first observation, which is
// treated as zero movement. notional is the action's size in quote terms and
// drives the single-source confirmation guard; now anchors the hard freshness
// ceiling. All arithmetic truncates toward zero at the accounting precision so
// rounding never favours the protocol.
func (e *PolicyEngine) Decide(current AggregatedPrice, previous *AggregatedPrice, notional *big.Rat, now time.Time) AdjustmentDecision {
	if e == nil {
		return AdjustmentDecision{RejectSwap: true, Reason: ReasonHardStale}
	}
	params := e.params

	if params.HardMaxAge > 0 && current.Age(now) > params.HardMaxAge {
		return AdjustmentDecision{RejectSwap: true, Reason: ReasonHardStale}
	}
	if current.Confidence == ConfidenceSingle && params.SingleSourceNotionalCap != nil {
		if notional != nil && notional.Cmp(params.SingleSourceNotionalCap) > 0 {
			return AdjustmentDecision{RejectSwap: true, Reason: ReasonSingleSource}
		}
	}

	if previous == nil || previous.TrustedPrice == nil || previous.TrustedPrice.Sign() <= 0 || current.TrustedPrice == nil {
		return AdjustmentDecision{Reason: ReasonNone}
	}

	delta := new(big.Rat).Sub(current.TrustedPrice, previous.TrustedPrice)
	delta.Quo(delta, previous.TrustedPrice)
	direction := delta.Sign()
	moveBps := ratAbsBps(delta)

	feeBps := e.stepFee(moveBps)
	if feeBps > params.FeeCapBps {
		feeBps = params.FeeCapBps
	}

	decision := AdjustmentDecision{FeeBps: int64(feeBps), Reason: ReasonNone}
	if feeBps > 0 {
		decision.Reason = ReasonVolatilityStep
	}
	if direction != 0 && params.CurveBiasBps > 0 && moveBps > 0 {
		decision.CurveShiftBps = int64(direction) * int64(params.CurveBiasBps)
	}
	return decision
}

// stepFee resolves the fee for an absolute movement through the configured
// rungs. Movements beyond the last rung saturate at the fee cap.
func (e *PolicyEngine) stepFee(moveBps uint64) uint64 {
	steps := e.params.Steps
	if len(steps) == 0 {
		return 0
	}
	for _, step := range steps {
		if moveBps <= step.MoveBps {
			return step.FeeBps
		}
	}
	return e.params.FeeCapBps
}

// ratAbsBps converts an absolute rational movement into whole basis points,
// truncating toward zero.
func ratAbsBps(delta *big.Rat) uint64 {
	if delta == nil {
		return 0
	}
	abs := new(big.Rat).Set(delta)
	if abs.Sign() < 0 {
		abs.Neg(abs)
	}
	scaled := new(big.Rat).Mul(abs, big.NewRat(10000, 1))
	quo := new(big.Int).Quo(scaled.Num(), scaled.Denom())
	if !quo.IsUint64() {
		return 10000
	}
	bps := quo.Uint64()
	if bps > 10000 {
		// movements beyond -100%/+100% saturate; anything larger is already
		// rejected by deviation guards upstream.
		return 10000
	}
	return bps
}
