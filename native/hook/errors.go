package hook

import "errors"

var (
	// ErrUnknownSymbol indicates no feed configuration exists for the requested symbol.
	ErrUnknownSymbol = errors.New("hook: unknown symbol")
	// ErrStale indicates the freshest available reading exceeded its staleness window.
	ErrStale = errors.New("hook: reading stale")
	// ErrUnavailable indicates the underlying feed could not be reached.
	ErrUnavailable = errors.New("hook: feed unavailable")
	// ErrInvalidReading indicates the feed returned a reading that fails the
	// ingestion contract (missing symbol, non-positive price, future timestamp).
	ErrInvalidReading = errors.New("hook: invalid reading")
	// ErrInsufficientQuorum indicates too few sources produced usable readings.
	ErrInsufficientQuorum = errors.New("hook: insufficient oracle quorum")
	// ErrDeviationRejected indicates a reading was excluded for deviating too far
	// from the median of its peers.
	ErrDeviationRejected = errors.New("hook: reading deviation rejected")
	// ErrPolicyReject indicates the policy engine deliberately rejected the action.
	ErrPolicyReject = errors.New("hook: policy rejected action")
	// ErrConsistencyViolation indicates the realized outcome reported by the
	// ledger does not match the returned decision within tolerance.
	ErrConsistencyViolation = errors.New("hook: realized outcome inconsistent with decision")
	// ErrReentrantAction indicates a lifecycle callback arrived while an action
	// was already in flight.
	ErrReentrantAction = errors.New("hook: reentrant lifecycle invocation")
)
