package alerting

import (
	"fmt"
	"sort"

	"curtailment-reconciler/internal/audit"
	"curtailment-reconciler/internal/period"
	"curtailment-reconciler/internal/reconcile"
)

// FromReconcile summarises failed dates. It returns false when every scheduled date
// reconciled.
func FromReconcile(report reconcile.Report, channels []string) (Notification, bool) {
	failed := report.Failed()
	if len(failed) == 0 {
		return Notification{}, false
	}
	lines := make([]string, 0, len(failed))
	for _, o := range failed {
		lines = append(lines, fmt.Sprintf("%s FAILED in %s: %s", period.FormatDay(o.Date), o.FailedIn, o.Reason))
	}
	return Notification{
		Title:    fmt.Sprintf("%d of %d dates failed", len(failed), len(report.Outcomes)),
		Range:    report.Range.String(),
		RunID:    report.RunID,
		Lines:    lines,
		Channels: channels,
	}, true
}

// FromAudit summarises dates that need a reconcile run and aggregate mismatches. It
// returns false for a clean range.
func FromAudit(report audit.RangeReport, channels []string) (Notification, bool) {
	if report.Clean() {
		return Notification{}, false
	}

	var lines []string
	for _, d := range report.Dates {
		if !d.NeedsReconcile() {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %d missing calculations, %d orphans, %d mismatches, %d pending duplicates",
			period.FormatDay(d.Date), d.MissingCalculations(), len(d.Orphans), len(d.Mismatches), d.PendingDuplicates))
	}
	mismatches := append([]audit.Mismatch(nil), report.Mismatches...)
	sort.SliceStable(mismatches, func(i, j int) bool { return mismatches[i].Period < mismatches[j].Period })
	for _, m := range mismatches {
		lines = append(lines, m.String())
	}

	return Notification{
		Title:         fmt.Sprintf("%d dates need reconciliation", len(report.NeedsReconcile())),
		Range:         report.Range.String(),
		Lines:         lines,
		Channels:      channels,
		AdditionalMsg: fmt.Sprintf("Partial coverage on %d dates\n", len(report.PartialCoverage)),
	}, true
}
