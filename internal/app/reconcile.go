package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"curtailment-reconciler/internal/alerting"
	"curtailment-reconciler/internal/audit"
	"curtailment-reconciler/internal/period"
	"curtailment-reconciler/internal/reconcile"
	"curtailment-reconciler/internal/refdata"
	"curtailment-reconciler/internal/storage"
	"curtailment-reconciler/internal/storage/memory"
)

// Reconcile rebuilds the aggregate hierarchy for a date range. A dry run reconciles a
// copy of the affected rows in memory and leaves PostgreSQL untouched. An interrupt
// stops scheduling further dates; dates already running still commit.
func (a *App) Reconcile(ctx context.Context, opts ReconcileOptions) error {
	ctx, cancel := interruptible(ctx)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	var target storage.AggregateStore = store
	if opts.DryRun {
		a.Logger.Warn().Str("range", opts.Range.String()).Msg("dry-run: no rows will be written")
		target, err = loadWorkingCopy(ctx, store, opts.Range)
		if err != nil {
			return err
		}
	}
	return a.reconcileInto(ctx, target, store, opts)
}

func (a *App) reconcileInto(ctx context.Context, target storage.AggregateStore, difficulty refdata.DifficultySource, opts ReconcileOptions) error {
	rec, err := a.newReconciler(target, difficulty, opts.Workers)
	if err != nil {
		return err
	}

	report := rec.Reconcile(ctx, opts.Range)
	if err := writeReconcileReport(a.Out, report); err != nil {
		return err
	}

	if opts.Notify {
		a.notify(context.WithoutCancel(ctx), func(channels []string) (alerting.Notification, bool) {
			return alerting.FromReconcile(report, channels)
		})
	}

	if failed := len(report.Failed()); failed > 0 {
		return fmt.Errorf("%d of %d dates failed", failed, len(report.Outcomes))
	}
	if n := report.Unscheduled(); n > 0 {
		return fmt.Errorf("%d dates not processed: %s", n, reconcile.ReasonCancelled)
	}
	return nil
}

// loadWorkingCopy copies every row a reconcile of rng may read into an in-memory store:
// the range's events and calculations, the daily rows of the touched months, and the
// monthly and yearly rows of the touched years.
func loadWorkingCopy(ctx context.Context, src storage.Reader, rng period.Range) (*memory.Store, error) {
	events, err := src.ListEvents(ctx, rng.From, rng.End())
	if err != nil {
		return nil, err
	}
	calcs, err := src.ListCalculations(ctx, rng.From, rng.End())
	if err != nil {
		return nil, err
	}

	monthStart, _ := period.MonthBounds(rng.From)
	_, monthEnd := period.MonthBounds(rng.To)
	daily, err := src.ListDailyAggregates(ctx, monthStart, monthEnd)
	if err != nil {
		return nil, err
	}

	var monthly []storage.MonthlyAggregate
	for year := rng.From.Year(); year <= rng.To.Year(); year++ {
		rows, err := src.ListMonthlyAggregates(ctx, year)
		if err != nil {
			return nil, err
		}
		monthly = append(monthly, rows...)
	}
	yearly, err := src.ListYearlyAggregates(ctx, rng.From.Year(), rng.To.Year())
	if err != nil {
		return nil, err
	}

	mem := memory.New()
	mem.InsertEvents(events...)
	mem.Seed(calcs, daily, monthly, yearly)
	return mem, nil
}

func writeReconcileReport(w io.Writer, report reconcile.Report) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Date\tState\tDuplicates\tCalculations\tRemoved\tAggregates\tNotes")
	for _, o := range report.Outcomes {
		notes := o.Reason
		if o.State == reconcile.StateFailed {
			notes = fmt.Sprintf("failed in %s: %s", o.FailedIn, o.Reason)
		}
		if len(o.Warnings) > 0 {
			notes = strings.TrimSpace(notes + " " + strings.Join(o.Warnings, "; "))
		}
		if len(o.UnitErrors) > 0 {
			notes = strings.TrimSpace(fmt.Sprintf("%s %d unit errors", notes, len(o.UnitErrors)))
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
			period.FormatDay(o.Date), o.State, o.DuplicatesRemoved, o.CalculationsWritten,
			o.CalculationsRemoved, o.AggregatesUpdated, sanitizeInline(notes))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "run %s: %d dates, %d reconciled, %d failed, %d duplicates removed, %d calculations written, %d removed, %d aggregates updated\n",
		report.RunID, report.DatesProcessed, report.Reconciled(), len(report.Failed()),
		report.DuplicatesRemoved, report.CalculationsWritten, report.CalculationsRemoved, report.AggregatesUpdated)
	return err
}

// Audit checks completeness and consistency over a range without writing.
func (a *App) Audit(ctx context.Context, opts AuditOptions) error {
	ctx, cancel := interruptible(ctx)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	auditor := audit.New(store, audit.Options{
		Models:          a.Config.ModelNames(),
		IntervalsPerDay: a.Config.Reconcile.IntervalsPerDay,
		Epsilon:         a.Config.AuditEpsilon(),
	}, a.Logger)

	report, err := auditor.AuditRange(ctx, opts.Range)
	if err != nil {
		return fmt.Errorf("audit %s: %w", opts.Range, err)
	}
	if err := writeAuditReport(a.Out, report); err != nil {
		return err
	}

	if opts.Notify {
		a.notify(context.WithoutCancel(ctx), func(channels []string) (alerting.Notification, bool) {
			return alerting.FromAudit(report, channels)
		})
	}

	if dates := report.NeedsReconcile(); len(dates) > 0 {
		return fmt.Errorf("%d dates need reconciliation", len(dates))
	}
	return nil
}

func writeAuditReport(w io.Writer, report audit.RangeReport) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Date\tIntervals\tMissing\tOrphans\tDuplicates\tMismatches\tStatus")
	for _, d := range report.Dates {
		status := "ok"
		switch {
		case d.NeedsReconcile():
			status = "needs reconcile"
		case d.PartialCoverage():
			status = "partial coverage"
		case len(d.SkippedUnits) > 0:
			status = fmt.Sprintf("ok, %d units skipped", len(d.SkippedUnits))
		}
		fmt.Fprintf(tw, "%s\t%d/%d\t%d\t%d\t%d\t%d\t%s\n",
			period.FormatDay(d.Date), d.IntervalsPresent, d.ExpectedIntervals, d.MissingCalculations(),
			len(d.Orphans), d.PendingDuplicates, len(d.Mismatches), status)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, m := range report.Mismatches {
		if _, err := fmt.Fprintln(w, m.String()); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) notify(ctx context.Context, build func(channels []string) (alerting.Notification, bool)) {
	notifier := a.newNotifier()
	if notifier == nil {
		a.Logger.Warn().Msg("--notify set but no alert channel configured")
		return
	}
	note, ok := build(a.Config.Alerting.Channels)
	if !ok {
		return
	}
	if err := notifier.Notify(ctx, note); err != nil {
		a.Logger.Error().Err(err).Msg("failed to dispatch alert")
	}
}
