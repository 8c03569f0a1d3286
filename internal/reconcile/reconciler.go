// Package reconcile derives mining calculations and the daily, monthly and yearly
// aggregates from curtailment events, one calendar date per unit of work.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"curtailment-reconciler/internal/dedupe"
	"curtailment-reconciler/internal/period"
	"curtailment-reconciler/internal/refdata"
	"curtailment-reconciler/internal/storage"
	"curtailment-reconciler/internal/yield"
)

// ReasonCancelled marks dates that were never scheduled because the run was cancelled.
const ReasonCancelled = "cancelled before scheduling"

// Options configures a Reconciler.
type Options struct {
	Models          []yield.Hardware
	IntervalSeconds int64
	Workers         int
	Now             func() time.Time
}

// Reconciler is the single write path for calculations and aggregates.
type Reconciler struct {
	store           storage.AggregateStore
	refs            refdata.Resolver
	models          []yield.Hardware
	intervalSeconds int64
	workers         int
	now             func() time.Time
	logger          zerolog.Logger
}

// New validates opts and returns a Reconciler.
func New(store storage.AggregateStore, refs refdata.Resolver, opts Options, logger zerolog.Logger) (*Reconciler, error) {
	if store == nil {
		return nil, errors.New("reconcile: aggregate store is required")
	}
	if refs == nil {
		return nil, errors.New("reconcile: reference data resolver is required")
	}
	if len(opts.Models) == 0 {
		return nil, errors.New("reconcile: at least one hardware model is required")
	}
	seen := make(map[string]bool, len(opts.Models))
	for _, hw := range opts.Models {
		if hw.Model == "" {
			return nil, errors.New("reconcile: hardware model name is required")
		}
		if seen[hw.Model] {
			return nil, fmt.Errorf("reconcile: duplicate hardware model %q", hw.Model)
		}
		seen[hw.Model] = true
		if err := hw.Validate(); err != nil {
			return nil, err
		}
	}
	if opts.IntervalSeconds <= 0 {
		return nil, fmt.Errorf("reconcile: interval seconds must be positive, got %d", opts.IntervalSeconds)
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Reconciler{
		store:           store,
		refs:            refs,
		models:          append([]yield.Hardware(nil), opts.Models...),
		intervalSeconds: opts.IntervalSeconds,
		workers:         workers,
		now:             now,
		logger:          logger.With().Str("component", "reconciler").Logger(),
	}, nil
}

// ModelNames lists the active hardware models.
func (r *Reconciler) ModelNames() []string {
	names := make([]string, len(r.models))
	for i, hw := range r.models {
		names[i] = hw.Model
	}
	return names
}

// Reconcile processes every date in rng on a bounded worker pool. A failing date never
// affects the others. Cancelling ctx stops scheduling new dates; dates already running
// finish their unit of work.
func (r *Reconciler) Reconcile(ctx context.Context, rng period.Range) Report {
	report := Report{
		RunID:     uuid.NewString(),
		Range:     rng,
		StartedAt: r.now().UTC(),
	}
	dates := rng.Dates()
	report.Outcomes = make([]DateOutcome, len(dates))
	for i, d := range dates {
		report.Outcomes[i] = DateOutcome{Date: d, State: StatePending}
	}

	logger := r.logger.With().Str("run_id", report.RunID).Logger()
	logger.Info().
		Str("range", rng.String()).
		Int("dates", len(dates)).
		Int("workers", r.workers).
		Msg("reconcile started")

	work := context.WithoutCancel(ctx)
	var g errgroup.Group
	g.SetLimit(r.workers)

	scheduled := 0
	for i, d := range dates {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			report.Outcomes[i] = r.reconcileDate(work, report.RunID, d, logger)
			return nil
		})
		scheduled++
	}
	_ = g.Wait()

	for i := scheduled; i < len(report.Outcomes); i++ {
		report.Outcomes[i].Reason = ReasonCancelled
	}
	report.collect()
	report.FinishedAt = r.now().UTC()

	evt := logger.Info()
	if len(report.Errors) > 0 || report.Unscheduled() > 0 {
		evt = logger.Warn()
	}
	evt.Int("processed", report.DatesProcessed).
		Int("reconciled", report.Reconciled()).
		Int("failed", len(report.Failed())).
		Int("unscheduled", report.Unscheduled()).
		Int("duplicates_removed", report.DuplicatesRemoved).
		Int64("calculations_written", report.CalculationsWritten).
		Int64("calculations_removed", report.CalculationsRemoved).
		Int64("aggregates_updated", report.AggregatesUpdated).
		Dur("elapsed", report.FinishedAt.Sub(report.StartedAt)).
		Msg("reconcile finished")
	return report
}

// ReconcileDate runs a single date as its own run.
func (r *Reconciler) ReconcileDate(ctx context.Context, date time.Time) DateOutcome {
	report := r.Reconcile(ctx, period.SingleDay(date))
	return report.Outcomes[0]
}

func (r *Reconciler) reconcileDate(ctx context.Context, runID string, date time.Time, logger zerolog.Logger) DateOutcome {
	out := DateOutcome{Date: date, State: StatePending}
	logger = logger.With().Str("date", period.FormatDay(date)).Logger()
	now := r.now().UTC()

	err := r.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return r.runDate(ctx, tx, runID, now, &out, logger)
	})
	if err != nil {
		out.fail(err)
		logger.Error().Err(err).Str("failed_in", string(out.FailedIn)).Msg("date reconcile failed")
		failed := storage.DateState{
			Date:      date,
			State:     string(StateFailed),
			Reason:    out.Reason,
			RunID:     runID,
			UpdatedAt: now,
		}
		if saveErr := r.store.SaveDateState(ctx, failed); saveErr != nil {
			logger.Error().Err(saveErr).Msg("failed to record date state")
		}
		return out
	}

	if err := out.advance(StateReconciled); err != nil {
		logger.Error().Err(err).Msg("unexpected state after commit")
	}
	logger.Debug().
		Int("duplicates_removed", out.DuplicatesRemoved).
		Int64("calculations_written", out.CalculationsWritten).
		Int64("calculations_removed", out.CalculationsRemoved).
		Int64("aggregates_updated", out.AggregatesUpdated).
		Int("warnings", len(out.Warnings)).
		Int("unit_errors", len(out.UnitErrors)).
		Msg("date reconciled")
	return out
}

func (r *Reconciler) runDate(ctx context.Context, tx storage.Tx, runID string, now time.Time, out *DateOutcome, logger zerolog.Logger) error {
	date := out.Date
	next := date.AddDate(0, 0, 1)

	if err := out.advance(StateDeduplicating); err != nil {
		return err
	}
	if err := tx.LockDate(ctx, date); err != nil {
		return err
	}
	events, err := tx.ListEvents(ctx, date, next)
	if err != nil {
		return fmt.Errorf("fetch raw events: %w", err)
	}
	deduped := dedupe.Dedupe(events)
	if deduped.RemovedCount() > 0 {
		if _, err := tx.DeleteEvents(ctx, deduped.RemovedIDs()); err != nil {
			return fmt.Errorf("delete duplicate events: %w", err)
		}
		logger.Info().
			Int("raw", len(events)).
			Int("canonical", len(deduped.Canonical)).
			Int("removed", deduped.RemovedCount()).
			Msg("duplicate events removed")
	}
	out.DuplicatesRemoved = deduped.RemovedCount()

	if err := out.advance(StateCalculating); err != nil {
		return err
	}
	calcs, err := r.calculate(ctx, date, deduped.Canonical, now, out, logger)
	if err != nil {
		return err
	}
	existing, err := tx.ListCalculations(ctx, date, next)
	if err != nil {
		return fmt.Errorf("list calculations: %w", err)
	}
	want := make(map[storage.CalculationKey]bool, len(calcs))
	for _, c := range calcs {
		want[c.Key()] = true
	}
	var stale []storage.CalculationKey
	for _, c := range existing {
		if !want[c.Key()] {
			stale = append(stale, c.Key())
		}
	}
	if len(stale) > 0 {
		removed, err := tx.DeleteCalculations(ctx, date, stale)
		if err != nil {
			return fmt.Errorf("delete stale calculations: %w", err)
		}
		out.CalculationsRemoved = removed
	}
	written, err := tx.UpsertCalculations(ctx, calcs)
	if err != nil {
		return fmt.Errorf("upsert calculations: %w", err)
	}
	out.CalculationsWritten = written

	if err := out.advance(StateAggregatingDay); err != nil {
		return err
	}
	current, err := tx.ListCalculations(ctx, date, next)
	if err != nil {
		return fmt.Errorf("list calculations: %w", err)
	}
	dailyTotals := sumByModel(current, func(c storage.MiningCalculation) (string, storage.Totals) {
		return c.Model, storage.CalculationTotals(c)
	})
	existingDaily, err := tx.ListDailyAggregates(ctx, date, next)
	if err != nil {
		return fmt.Errorf("list daily aggregates: %w", err)
	}
	n, err := r.writeDaily(ctx, tx, date, dailyTotals, existingDaily, now)
	if err != nil {
		return err
	}
	out.AggregatesUpdated += n

	if err := out.advance(StateAggregatingMonth); err != nil {
		return err
	}
	if err := tx.LockMonth(ctx, date); err != nil {
		return err
	}
	monthStart, monthEnd := period.MonthBounds(date)
	ym := period.YearMonth(monthStart)
	daily, err := tx.ListDailyAggregates(ctx, monthStart, monthEnd)
	if err != nil {
		return fmt.Errorf("list daily aggregates for %s: %w", ym, err)
	}
	monthTotals := sumByModel(daily, func(d storage.DailyAggregate) (string, storage.Totals) {
		return d.Model, d.Totals
	})
	monthly, err := tx.ListMonthlyAggregates(ctx, date.Year())
	if err != nil {
		return fmt.Errorf("list monthly aggregates: %w", err)
	}
	n, err = r.writeMonthly(ctx, tx, ym, monthTotals, monthly, now)
	if err != nil {
		return err
	}
	out.AggregatesUpdated += n

	if err := out.advance(StateAggregatingYear); err != nil {
		return err
	}
	if err := tx.LockYear(ctx, date.Year()); err != nil {
		return err
	}
	monthly, err = tx.ListMonthlyAggregates(ctx, date.Year())
	if err != nil {
		return fmt.Errorf("list monthly aggregates: %w", err)
	}
	yearTotals := sumByModel(monthly, func(m storage.MonthlyAggregate) (string, storage.Totals) {
		return m.Model, m.Totals
	})
	yearly, err := tx.ListYearlyAggregates(ctx, date.Year(), date.Year())
	if err != nil {
		return fmt.Errorf("list yearly aggregates: %w", err)
	}
	n, err = r.writeYearly(ctx, tx, date.Year(), yearTotals, yearly, now)
	if err != nil {
		return err
	}
	out.AggregatesUpdated += n

	reconciledAt := now
	var skipped []storage.CalculationKey
	for _, u := range out.UnitErrors {
		skipped = append(skipped, u.Key())
	}
	return tx.SaveDateState(ctx, storage.DateState{
		Date:             date,
		State:            string(StateReconciled),
		Reason:           joinWarnings(out),
		RunID:            runID,
		LastReconciledAt: &reconciledAt,
		UpdatedAt:        now,
		SkippedUnits:     skipped,
	})
}

// calculate estimates every canonical non-zero event under every active model. Missing
// reference data fails the date; a failed unit only skips that unit.
func (r *Reconciler) calculate(ctx context.Context, date time.Time, canonical []storage.CurtailmentEvent, now time.Time, out *DateOutcome, logger zerolog.Logger) ([]storage.MiningCalculation, error) {
	var curtailed []storage.CurtailmentEvent
	for _, ev := range canonical {
		if !ev.EnergyMWh.IsZero() {
			curtailed = append(curtailed, ev)
		}
	}
	if len(curtailed) == 0 {
		return nil, nil
	}

	difficulty, err := r.refs.ResolveDifficulty(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("resolve difficulty: %w", err)
	}
	if difficulty.Fallback {
		out.Warnings = append(out.Warnings, difficulty.Warning("difficulty", date))
	}
	reward, err := r.refs.ResolveBlockReward(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("resolve block reward: %w", err)
	}
	if reward.Fallback {
		out.Warnings = append(out.Warnings, reward.Warning("block reward", date))
	}

	calcs := make([]storage.MiningCalculation, 0, len(curtailed)*len(r.models))
	for _, ev := range curtailed {
		for _, hw := range r.models {
			estimate, err := yield.Estimate(yield.Input{
				EnergyMWh:       ev.CurtailedMWh(),
				Hardware:        hw,
				Difficulty:      difficulty.Value,
				IntervalSeconds: r.intervalSeconds,
				BlockReward:     reward.Value,
			})
			if err != nil {
				logger.Warn().
					Err(err).
					Int("interval", ev.Interval).
					Str("source_id", ev.SourceID).
					Str("model", hw.Model).
					Msg("calculation skipped")
				out.UnitErrors = append(out.UnitErrors, UnitError{
					Interval: ev.Interval,
					SourceID: ev.SourceID,
					Model:    hw.Model,
					Err:      err.Error(),
				})
				continue
			}
			calcs = append(calcs, storage.MiningCalculation{
				Date:           date,
				Interval:       ev.Interval,
				SourceID:       ev.SourceID,
				Model:          hw.Model,
				EstimatedYield: estimate,
				CurtailedMWh:   ev.CurtailedMWh(),
				Compensation:   ev.Compensation,
				Difficulty:     difficulty.Value,
				BlockReward:    reward.Value,
				ComputedAt:     now,
			})
		}
	}
	return calcs, nil
}

func (r *Reconciler) writeDaily(ctx context.Context, tx storage.Tx, date time.Time, totals map[string]storage.Totals, existing []storage.DailyAggregate, now time.Time) (int64, error) {
	var n int64
	for _, model := range sortedKeys(totals) {
		changed, err := tx.UpsertDailyAggregate(ctx, storage.DailyAggregate{Date: date, Model: model, Totals: totals[model], UpdatedAt: now})
		if err != nil {
			return 0, fmt.Errorf("upsert daily aggregate %s: %w", model, err)
		}
		if changed {
			n++
		}
	}
	var stale []string
	for _, d := range existing {
		if _, ok := totals[d.Model]; !ok {
			stale = append(stale, d.Model)
		}
	}
	if len(stale) > 0 {
		removed, err := tx.DeleteDailyAggregates(ctx, date, stale)
		if err != nil {
			return 0, fmt.Errorf("delete stale daily aggregates: %w", err)
		}
		n += removed
	}
	return n, nil
}

func (r *Reconciler) writeMonthly(ctx context.Context, tx storage.Tx, ym string, totals map[string]storage.Totals, existing []storage.MonthlyAggregate, now time.Time) (int64, error) {
	var n int64
	for _, model := range sortedKeys(totals) {
		changed, err := tx.UpsertMonthlyAggregate(ctx, storage.MonthlyAggregate{YearMonth: ym, Model: model, Totals: totals[model], UpdatedAt: now})
		if err != nil {
			return 0, fmt.Errorf("upsert monthly aggregate %s %s: %w", ym, model, err)
		}
		if changed {
			n++
		}
	}
	var stale []string
	for _, m := range existing {
		if m.YearMonth != ym {
			continue
		}
		if _, ok := totals[m.Model]; !ok {
			stale = append(stale, m.Model)
		}
	}
	if len(stale) > 0 {
		removed, err := tx.DeleteMonthlyAggregates(ctx, ym, stale)
		if err != nil {
			return 0, fmt.Errorf("delete stale monthly aggregates: %w", err)
		}
		n += removed
	}
	return n, nil
}

func (r *Reconciler) writeYearly(ctx context.Context, tx storage.Tx, year int, totals map[string]storage.Totals, existing []storage.YearlyAggregate, now time.Time) (int64, error) {
	var n int64
	for _, model := range sortedKeys(totals) {
		changed, err := tx.UpsertYearlyAggregate(ctx, storage.YearlyAggregate{Year: year, Model: model, Totals: totals[model], UpdatedAt: now})
		if err != nil {
			return 0, fmt.Errorf("upsert yearly aggregate %d %s: %w", year, model, err)
		}
		if changed {
			n++
		}
	}
	var stale []string
	for _, y := range existing {
		if _, ok := totals[y.Model]; !ok {
			stale = append(stale, y.Model)
		}
	}
	if len(stale) > 0 {
		removed, err := tx.DeleteYearlyAggregates(ctx, year, stale)
		if err != nil {
			return 0, fmt.Errorf("delete stale yearly aggregates: %w", err)
		}
		n += removed
	}
	return n, nil
}

func sumByModel[T any](rows []T, split func(T) (string, storage.Totals)) map[string]storage.Totals {
	out := make(map[string]storage.Totals)
	for _, row := range rows {
		model, t := split(row)
		cur, ok := out[model]
		if !ok {
			cur = storage.ZeroTotals()
		}
		out[model] = cur.Add(t)
	}
	return out
}

func sortedKeys(m map[string]storage.Totals) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func joinWarnings(out *DateOutcome) string {
	if len(out.Warnings) == 0 && len(out.UnitErrors) == 0 {
		return ""
	}
	reason := fmt.Sprintf("%d warning(s), %d skipped unit(s)", len(out.Warnings), len(out.UnitErrors))
	if len(out.Warnings) > 0 {
		reason += ": " + out.Warnings[0]
	}
	return reason
}
