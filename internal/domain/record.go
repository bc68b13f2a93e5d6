package domain

import "time"

// Outcome classifies how a lifecycle transition ended.
type Outcome string

const (
	OutcomeFilled   Outcome = "FILLED"   // orders placed / position closed as intended
	OutcomeRejected Outcome = "REJECTED" // signal malformed for its action, nothing attempted
	OutcomeSkipped  Outcome = "SKIPPED"  // expected domain condition, no-op (already open, nothing to exit, too small)
	OutcomeError    Outcome = "ERROR"    // gateway or infrastructure failure, state rolled back
)

// LifecycleRecord is the durable, append-only account of one handled signal.
// The executor produces records; it never mutates or deletes them.
type LifecycleRecord struct {
	ID         int64        `json:"id"`
	Timestamp  time.Time    `json:"timestamp"`
	Symbol     string       `json:"symbol"`
	Action     SignalAction `json:"action"`
	StrategyID string       `json:"strategy_id"`
	OrderIDs   []int64      `json:"order_ids,omitempty"` // venue order IDs resulting from the transition, if any
	Outcome    Outcome      `json:"outcome"`
	Detail     string       `json:"detail"`
}
