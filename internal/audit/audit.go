// Package audit checks the derived calculation and aggregate tables against the rows
// they are derived from. It never writes.
package audit

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"curtailment-reconciler/internal/dedupe"
	"curtailment-reconciler/internal/period"
	"curtailment-reconciler/internal/storage"
)

// Aggregate levels a Mismatch can refer to.
const (
	LevelCalculation = "calculation"
	LevelDaily       = "daily"
	LevelMonthly     = "monthly"
	LevelYearly      = "yearly"
)

// Mismatch fields besides the three totals.
const (
	FieldYield         = "yield"
	FieldEnergy        = "energy_mwh"
	FieldCompensation  = "compensation"
	FieldRowMissing    = "row_missing"
	FieldRowUnexpected = "row_unexpected"
)

// Mismatch is a persisted figure that disagrees with the level below it.
type Mismatch struct {
	Level    string
	Period   string
	Model    string
	Field    string
	Expected decimal.Decimal
	Actual   decimal.Decimal
}

func (m Mismatch) String() string {
	switch m.Field {
	case FieldRowMissing:
		return fmt.Sprintf("%s %s %s: row missing", m.Level, m.Period, m.Model)
	case FieldRowUnexpected:
		return fmt.Sprintf("%s %s %s: unexpected row", m.Level, m.Period, m.Model)
	}
	return fmt.Sprintf("%s %s %s: %s expected %s got %s", m.Level, m.Period, m.Model, m.Field, m.Expected, m.Actual)
}

// Report is the audit of one calendar date, including the month and year it rolls into.
type Report struct {
	Date              time.Time
	ExpectedIntervals int
	IntervalsPresent  int
	MissingIntervals  []int
	IncompleteModels  map[string][]storage.EventKey
	SkippedUnits      []storage.CalculationKey
	Orphans           []storage.CalculationKey
	Mismatches        []Mismatch
	PendingDuplicates int
}

// Clean reports whether the derived rows fully agree with their sources. Missing
// intervals are upstream gaps and do not affect it.
func (r Report) Clean() bool {
	return len(r.IncompleteModels) == 0 &&
		len(r.Orphans) == 0 &&
		len(r.Mismatches) == 0 &&
		r.PendingDuplicates == 0
}

// NeedsReconcile is the inverse of Clean.
func (r Report) NeedsReconcile() bool {
	return !r.Clean()
}

// PartialCoverage reports a date with some, but not all, expected intervals.
func (r Report) PartialCoverage() bool {
	return r.IntervalsPresent > 0 && r.IntervalsPresent < r.ExpectedIntervals
}

// MissingCalculations counts expected calculations with no row.
func (r Report) MissingCalculations() int {
	n := 0
	for _, keys := range r.IncompleteModels {
		n += len(keys)
	}
	return n
}

// RangeReport is the audit of a span of dates.
type RangeReport struct {
	Range           period.Range
	Dates           []Report
	PartialCoverage []storage.IntervalCoverage
	Mismatches      []Mismatch
}

// NeedsReconcile lists the dates whose day-level audit is not clean, plus every date of
// a month or year with an aggregate mismatch.
func (r RangeReport) NeedsReconcile() []time.Time {
	badMonth := make(map[string]bool)
	badYear := make(map[string]bool)
	for _, m := range r.Mismatches {
		switch m.Level {
		case LevelMonthly:
			badMonth[m.Period] = true
		case LevelYearly:
			badYear[m.Period] = true
		}
	}
	var out []time.Time
	for _, d := range r.Dates {
		if d.NeedsReconcile() || badMonth[period.YearMonth(d.Date)] || badYear[fmt.Sprint(d.Date.Year())] {
			out = append(out, d.Date)
		}
	}
	return out
}

// Clean reports whether nothing in the range needs a reconcile run.
func (r RangeReport) Clean() bool {
	return len(r.NeedsReconcile()) == 0
}

// Options configures an Auditor.
type Options struct {
	Models          []string
	IntervalsPerDay int
	Epsilon         decimal.Decimal
}

// StateReader is implemented by stores that keep per-date reconcile outcomes. When the
// auditor's reader implements it, units the last successful run recorded as skipped are
// reported under SkippedUnits instead of IncompleteModels.
type StateReader interface {
	ListDateStates(ctx context.Context, from, to time.Time) ([]storage.DateState, error)
}

// Auditor compares each aggregate level with the one directly below it.
type Auditor struct {
	reader          storage.Reader
	models          []string
	intervalsPerDay int
	epsilon         decimal.Decimal
	logger          zerolog.Logger
}

// New constructs an Auditor over committed reads.
func New(reader storage.Reader, opts Options, logger zerolog.Logger) *Auditor {
	return &Auditor{
		reader:          reader,
		models:          append([]string(nil), opts.Models...),
		intervalsPerDay: opts.IntervalsPerDay,
		epsilon:         opts.Epsilon.Abs(),
		logger:          logger.With().Str("component", "audit").Logger(),
	}
}

// AuditDate audits one date and the month and year containing it.
func (a *Auditor) AuditDate(ctx context.Context, date time.Time) (Report, error) {
	day := period.Day(date)
	report, err := a.auditDay(ctx, day)
	if err != nil {
		return Report{}, err
	}

	monthly, err := a.auditMonth(ctx, day)
	if err != nil {
		return Report{}, err
	}
	yearly, err := a.auditYear(ctx, day.Year())
	if err != nil {
		return Report{}, err
	}
	report.Mismatches = append(report.Mismatches, monthly...)
	report.Mismatches = append(report.Mismatches, yearly...)

	a.logReport(report)
	return report, nil
}

// AuditRange audits every date in rng. Each month and year touched is checked once.
func (a *Auditor) AuditRange(ctx context.Context, rng period.Range) (RangeReport, error) {
	out := RangeReport{Range: rng}

	coverage, err := a.reader.CountIntervals(ctx, rng.From, rng.End())
	if err != nil {
		return RangeReport{}, fmt.Errorf("count intervals: %w", err)
	}
	for _, c := range coverage {
		if c.Intervals > 0 && c.Intervals < a.intervalsPerDay {
			out.PartialCoverage = append(out.PartialCoverage, c)
		}
	}

	months := make(map[string]time.Time)
	years := make(map[int]bool)
	for _, d := range rng.Dates() {
		if err := ctx.Err(); err != nil {
			return RangeReport{}, err
		}
		report, err := a.auditDay(ctx, d)
		if err != nil {
			return RangeReport{}, err
		}
		out.Dates = append(out.Dates, report)
		months[period.YearMonth(d)] = d
		years[d.Year()] = true
	}

	monthKeys := make([]string, 0, len(months))
	for ym := range months {
		monthKeys = append(monthKeys, ym)
	}
	sort.Strings(monthKeys)
	for _, ym := range monthKeys {
		found, err := a.auditMonth(ctx, months[ym])
		if err != nil {
			return RangeReport{}, err
		}
		out.Mismatches = append(out.Mismatches, found...)
	}

	yearKeys := make([]int, 0, len(years))
	for y := range years {
		yearKeys = append(yearKeys, y)
	}
	sort.Ints(yearKeys)
	for _, y := range yearKeys {
		found, err := a.auditYear(ctx, y)
		if err != nil {
			return RangeReport{}, err
		}
		out.Mismatches = append(out.Mismatches, found...)
	}

	a.logger.Info().
		Str("range", rng.String()).
		Int("dates", len(out.Dates)).
		Int("partial_coverage", len(out.PartialCoverage)).
		Int("needs_reconcile", len(out.NeedsReconcile())).
		Int("aggregate_mismatches", len(out.Mismatches)).
		Msg("range audit completed")
	return out, nil
}

func (a *Auditor) auditDay(ctx context.Context, day time.Time) (Report, error) {
	next := day.AddDate(0, 0, 1)
	report := Report{
		Date:              day,
		ExpectedIntervals: a.intervalsPerDay,
		IncompleteModels:  make(map[string][]storage.EventKey),
	}

	events, err := a.reader.ListEvents(ctx, day, next)
	if err != nil {
		return Report{}, fmt.Errorf("list events %s: %w", period.FormatDay(day), err)
	}
	deduped := dedupe.Dedupe(events)
	report.PendingDuplicates = deduped.RemovedCount()

	present := make(map[int]bool)
	for _, ev := range deduped.Canonical {
		present[ev.Interval] = true
	}
	report.IntervalsPresent = len(present)
	for i := 1; i <= a.intervalsPerDay; i++ {
		if !present[i] {
			report.MissingIntervals = append(report.MissingIntervals, i)
		}
	}

	calcs, err := a.reader.ListCalculations(ctx, day, next)
	if err != nil {
		return Report{}, fmt.Errorf("list calculations %s: %w", period.FormatDay(day), err)
	}
	persisted := make(map[storage.CalculationKey]storage.MiningCalculation, len(calcs))
	for _, c := range calcs {
		persisted[c.Key()] = c
	}
	skipped, err := a.skippedUnits(ctx, day, next)
	if err != nil {
		return Report{}, err
	}

	expected := make(map[storage.CalculationKey]bool)
	for _, ev := range deduped.Canonical {
		if ev.EnergyMWh.IsZero() {
			continue
		}
		for _, model := range a.models {
			k := storage.CalculationKey{Interval: ev.Interval, SourceID: ev.SourceID, Model: model}
			expected[k] = true
			c, ok := persisted[k]
			if !ok {
				if skipped[k] {
					report.SkippedUnits = append(report.SkippedUnits, k)
					continue
				}
				report.IncompleteModels[model] = append(report.IncompleteModels[model], ev.Key())
				continue
			}
			label := fmt.Sprintf("%s/%d/%s", period.FormatDay(day), ev.Interval, ev.SourceID)
			report.Mismatches = append(report.Mismatches,
				a.compare(LevelCalculation, label, model, storage.Totals{
					Yield:        c.EstimatedYield,
					EnergyMWh:    ev.CurtailedMWh(),
					Compensation: ev.Compensation,
				}, storage.CalculationTotals(c))...)
		}
	}
	for _, c := range calcs {
		if !expected[c.Key()] {
			report.Orphans = append(report.Orphans, c.Key())
		}
	}
	sort.Slice(report.Orphans, func(i, j int) bool { return lessCalcKey(report.Orphans[i], report.Orphans[j]) })

	wantDaily := make(map[string]storage.Totals)
	for _, c := range calcs {
		wantDaily[c.Model] = totalsOr(wantDaily, c.Model).Add(storage.CalculationTotals(c))
	}
	daily, err := a.reader.ListDailyAggregates(ctx, day, next)
	if err != nil {
		return Report{}, fmt.Errorf("list daily aggregates %s: %w", period.FormatDay(day), err)
	}
	gotDaily := make(map[string]storage.Totals, len(daily))
	for _, d := range daily {
		gotDaily[d.Model] = d.Totals
	}
	report.Mismatches = append(report.Mismatches, a.compareLevel(LevelDaily, period.FormatDay(day), wantDaily, gotDaily)...)

	return report, nil
}

func (a *Auditor) skippedUnits(ctx context.Context, day, next time.Time) (map[storage.CalculationKey]bool, error) {
	states, ok := a.reader.(StateReader)
	if !ok {
		return nil, nil
	}
	rows, err := states.ListDateStates(ctx, day, next)
	if err != nil {
		return nil, fmt.Errorf("list date states %s: %w", period.FormatDay(day), err)
	}
	skipped := make(map[storage.CalculationKey]bool)
	for _, st := range rows {
		for _, k := range st.SkippedUnits {
			skipped[k] = true
		}
	}
	return skipped, nil
}

func (a *Auditor) auditMonth(ctx context.Context, date time.Time) ([]Mismatch, error) {
	start, end := period.MonthBounds(date)
	ym := period.YearMonth(start)

	daily, err := a.reader.ListDailyAggregates(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("list daily aggregates %s: %w", ym, err)
	}
	want := make(map[string]storage.Totals)
	for _, d := range daily {
		want[d.Model] = totalsOr(want, d.Model).Add(d.Totals)
	}

	monthly, err := a.reader.ListMonthlyAggregates(ctx, start.Year())
	if err != nil {
		return nil, fmt.Errorf("list monthly aggregates %s: %w", ym, err)
	}
	got := make(map[string]storage.Totals)
	for _, m := range monthly {
		if m.YearMonth == ym {
			got[m.Model] = m.Totals
		}
	}
	return a.compareLevel(LevelMonthly, ym, want, got), nil
}

func (a *Auditor) auditYear(ctx context.Context, year int) ([]Mismatch, error) {
	monthly, err := a.reader.ListMonthlyAggregates(ctx, year)
	if err != nil {
		return nil, fmt.Errorf("list monthly aggregates %d: %w", year, err)
	}
	want := make(map[string]storage.Totals)
	for _, m := range monthly {
		want[m.Model] = totalsOr(want, m.Model).Add(m.Totals)
	}

	yearly, err := a.reader.ListYearlyAggregates(ctx, year, year)
	if err != nil {
		return nil, fmt.Errorf("list yearly aggregates %d: %w", year, err)
	}
	got := make(map[string]storage.Totals, len(yearly))
	for _, y := range yearly {
		got[y.Model] = y.Totals
	}
	return a.compareLevel(LevelYearly, fmt.Sprint(year), want, got), nil
}

func (a *Auditor) compareLevel(level, periodKey string, want, got map[string]storage.Totals) []Mismatch {
	var out []Mismatch
	for _, model := range sortedModels(want, got) {
		w, wantOK := want[model]
		g, gotOK := got[model]
		switch {
		case wantOK && !gotOK:
			out = append(out, Mismatch{Level: level, Period: periodKey, Model: model, Field: FieldRowMissing, Expected: w.Yield, Actual: decimal.Zero})
		case !wantOK && gotOK:
			out = append(out, Mismatch{Level: level, Period: periodKey, Model: model, Field: FieldRowUnexpected, Expected: decimal.Zero, Actual: g.Yield})
		default:
			out = append(out, a.compare(level, periodKey, model, w, g)...)
		}
	}
	return out
}

func (a *Auditor) compare(level, periodKey, model string, want, got storage.Totals) []Mismatch {
	var out []Mismatch
	check := func(field string, w, g decimal.Decimal) {
		if w.Sub(g).Abs().GreaterThan(a.epsilon) {
			out = append(out, Mismatch{Level: level, Period: periodKey, Model: model, Field: field, Expected: w, Actual: g})
		}
	}
	check(FieldYield, want.Yield, got.Yield)
	check(FieldEnergy, want.EnergyMWh, got.EnergyMWh)
	check(FieldCompensation, want.Compensation, got.Compensation)
	return out
}

func (a *Auditor) logReport(r Report) {
	evt := a.logger.Info()
	if r.NeedsReconcile() {
		evt = a.logger.Warn()
	}
	evt.Str("date", period.FormatDay(r.Date)).
		Int("intervals_present", r.IntervalsPresent).
		Int("missing_intervals", len(r.MissingIntervals)).
		Int("missing_calculations", r.MissingCalculations()).
		Int("skipped_units", len(r.SkippedUnits)).
		Int("orphans", len(r.Orphans)).
		Int("mismatches", len(r.Mismatches)).
		Int("pending_duplicates", r.PendingDuplicates).
		Bool("clean", r.Clean()).
		Msg("date audit completed")
}

func totalsOr(m map[string]storage.Totals, model string) storage.Totals {
	if t, ok := m[model]; ok {
		return t
	}
	return storage.ZeroTotals()
}

func sortedModels(sets ...map[string]storage.Totals) []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range sets {
		for m := range s {
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	sort.Strings(out)
	return out
}

func lessCalcKey(a, b storage.CalculationKey) bool {
	if a.Interval != b.Interval {
		return a.Interval < b.Interval
	}
	if a.SourceID != b.SourceID {
		return a.SourceID < b.SourceID
	}
	return a.Model < b.Model
}
