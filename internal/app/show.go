package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"curtailment-reconciler/internal/period"
	"curtailment-reconciler/internal/storage"
)

// Show prints one level of the aggregate hierarchy, or the per-date reconcile state.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	switch opts.Level {
	case LevelDaily:
		rows, err := store.ListDailyAggregates(ctx, opts.Range.From, opts.Range.End())
		if err != nil {
			return err
		}
		return writeDaily(a.Out, filterModel(rows, opts.Model, func(r storage.DailyAggregate) string { return r.Model }))
	case LevelMonthly:
		var rows []storage.MonthlyAggregate
		from, to := period.YearMonth(opts.Range.From), period.YearMonth(opts.Range.To)
		for year := opts.Range.From.Year(); year <= opts.Range.To.Year(); year++ {
			yearRows, err := store.ListMonthlyAggregates(ctx, year)
			if err != nil {
				return err
			}
			for _, r := range yearRows {
				if r.YearMonth >= from && r.YearMonth <= to {
					rows = append(rows, r)
				}
			}
		}
		return writeMonthly(a.Out, filterModel(rows, opts.Model, func(r storage.MonthlyAggregate) string { return r.Model }))
	case LevelYearly:
		rows, err := store.ListYearlyAggregates(ctx, opts.Range.From.Year(), opts.Range.To.Year())
		if err != nil {
			return err
		}
		return writeYearly(a.Out, filterModel(rows, opts.Model, func(r storage.YearlyAggregate) string { return r.Model }))
	case LevelState:
		states, err := store.ListDateStates(ctx, opts.Range.From, opts.Range.End())
		if err != nil {
			return err
		}
		return writeStates(a.Out, states)
	default:
		return fmt.Errorf("unknown level %q", opts.Level)
	}
}

func filterModel[T any](rows []T, model string, modelOf func(T) string) []T {
	if model == "" {
		return rows
	}
	out := rows[:0:0]
	for _, r := range rows {
		if modelOf(r) == model {
			out = append(out, r)
		}
	}
	return out
}

func writeDaily(w io.Writer, rows []storage.DailyAggregate) error {
	if len(rows) == 0 {
		_, err := fmt.Fprintln(w, "no daily aggregates found")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Date\tModel\tYield\tEnergy MWh\tCompensation\tUpdated (UTC)")
	for _, r := range rows {
		writeTotalsRow(tw, period.FormatDay(r.Date), r.Model, r.Totals, r.UpdatedAt)
	}
	return tw.Flush()
}

func writeMonthly(w io.Writer, rows []storage.MonthlyAggregate) error {
	if len(rows) == 0 {
		_, err := fmt.Fprintln(w, "no monthly aggregates found")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Month\tModel\tYield\tEnergy MWh\tCompensation\tUpdated (UTC)")
	for _, r := range rows {
		writeTotalsRow(tw, r.YearMonth, r.Model, r.Totals, r.UpdatedAt)
	}
	return tw.Flush()
}

func writeYearly(w io.Writer, rows []storage.YearlyAggregate) error {
	if len(rows) == 0 {
		_, err := fmt.Fprintln(w, "no yearly aggregates found")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Year\tModel\tYield\tEnergy MWh\tCompensation\tUpdated (UTC)")
	for _, r := range rows {
		writeTotalsRow(tw, fmt.Sprint(r.Year), r.Model, r.Totals, r.UpdatedAt)
	}
	return tw.Flush()
}

func writeTotalsRow(w io.Writer, periodKey, model string, t storage.Totals, updated time.Time) {
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
		periodKey, model,
		formatDecimal(t.Yield, 8),
		formatDecimal(t.EnergyMWh, 3),
		formatDecimal(t.Compensation, 2),
		updated.UTC().Format(time.RFC3339),
	)
}

func writeStates(w io.Writer, states []storage.DateState) error {
	if len(states) == 0 {
		_, err := fmt.Fprintln(w, "no reconcile state recorded")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Date\tState\tLast reconciled (UTC)\tRun\tReason")
	for _, s := range states {
		last := "-"
		if s.LastReconciledAt != nil {
			last = s.LastReconciledAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", period.FormatDay(s.Date), s.State, last, s.RunID, sanitizeInline(s.Reason))
	}
	return tw.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
