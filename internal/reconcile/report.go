package reconcile

import (
	"fmt"
	"time"

	"curtailment-reconciler/internal/period"
	"curtailment-reconciler/internal/storage"
)

// UnitError is a calculation that failed input validation. Only that
// (interval, source, model) unit is skipped.
type UnitError struct {
	Interval int
	SourceID string
	Model    string
	Err      string
}

// Key is the calculation the failed unit would have produced.
func (u UnitError) Key() storage.CalculationKey {
	return storage.CalculationKey{Interval: u.Interval, SourceID: u.SourceID, Model: u.Model}
}

func (u UnitError) String() string {
	return fmt.Sprintf("interval=%d source=%s model=%s: %s", u.Interval, u.SourceID, u.Model, u.Err)
}

// DateOutcome is the result of reconciling one calendar date.
type DateOutcome struct {
	Date                time.Time
	State               State
	FailedIn            State
	Reason              string
	DuplicatesRemoved   int
	CalculationsWritten int64
	CalculationsRemoved int64
	AggregatesUpdated   int64
	Warnings            []string
	UnitErrors          []UnitError
}

func (o *DateOutcome) advance(next State) error {
	if !o.State.CanAdvance(next) {
		return transitionError{from: o.State, to: next}
	}
	o.State = next
	return nil
}

// fail moves the outcome to FAILED. Counters are cleared because the unit of work was
// rolled back.
func (o *DateOutcome) fail(err error) {
	o.FailedIn = o.State
	o.State = StateFailed
	o.Reason = err.Error()
	o.DuplicatesRemoved = 0
	o.CalculationsWritten = 0
	o.CalculationsRemoved = 0
	o.AggregatesUpdated = 0
}

// Report summarises a reconcile run over a date range.
type Report struct {
	RunID               string
	Range               period.Range
	StartedAt           time.Time
	FinishedAt          time.Time
	DatesProcessed      int
	DuplicatesRemoved   int
	CalculationsWritten int64
	CalculationsRemoved int64
	AggregatesUpdated   int64
	Outcomes            []DateOutcome
	Errors              []string
}

// Failed lists the dates that ended in FAILED.
func (r Report) Failed() []DateOutcome {
	var failed []DateOutcome
	for _, o := range r.Outcomes {
		if o.State == StateFailed {
			failed = append(failed, o)
		}
	}
	return failed
}

// Reconciled counts dates that ended in RECONCILED.
func (r Report) Reconciled() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.State == StateReconciled {
			n++
		}
	}
	return n
}

// Unscheduled counts dates left PENDING by cancellation.
func (r Report) Unscheduled() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.State == StatePending {
			n++
		}
	}
	return n
}

func (r *Report) collect() {
	for _, o := range r.Outcomes {
		switch o.State {
		case StateReconciled:
			r.DatesProcessed++
			r.DuplicatesRemoved += o.DuplicatesRemoved
			r.CalculationsWritten += o.CalculationsWritten
			r.CalculationsRemoved += o.CalculationsRemoved
			r.AggregatesUpdated += o.AggregatesUpdated
		case StateFailed:
			r.DatesProcessed++
			r.Errors = append(r.Errors, fmt.Sprintf("%s: %s", period.FormatDay(o.Date), o.Reason))
		}
	}
}
