package reconcile

import "fmt"

// State is a date's position in the reconciliation state machine.
type State string

const (
	StatePending          State = "PENDING"
	StateDeduplicating    State = "DEDUPLICATING"
	StateCalculating      State = "CALCULATING"
	StateAggregatingDay   State = "AGGREGATING_DAY"
	StateAggregatingMonth State = "AGGREGATING_MONTH"
	StateAggregatingYear  State = "AGGREGATING_YEAR"
	StateReconciled       State = "RECONCILED"
	StateFailed           State = "FAILED"
)

var stateOrder = map[State]int{
	StatePending:          0,
	StateDeduplicating:    1,
	StateCalculating:      2,
	StateAggregatingDay:   3,
	StateAggregatingMonth: 4,
	StateAggregatingYear:  5,
	StateReconciled:       6,
}

// Terminal reports whether no further transition is allowed.
func (s State) Terminal() bool {
	return s == StateReconciled || s == StateFailed
}

// CanAdvance allows exactly the next forward step, or FAILED from any non-terminal state.
func (s State) CanAdvance(next State) bool {
	if s.Terminal() {
		return false
	}
	if next == StateFailed {
		return true
	}
	cur, ok := stateOrder[s]
	if !ok {
		return false
	}
	n, ok := stateOrder[next]
	return ok && n == cur+1
}

type transitionError struct {
	from, to State
}

func (e transitionError) Error() string {
	return fmt.Sprintf("illegal state transition %s -> %s", e.from, e.to)
}
