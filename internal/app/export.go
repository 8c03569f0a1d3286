package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"curtailment-reconciler/internal/period"
	"curtailment-reconciler/internal/storage"
)

// Export renders daily aggregates as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	rows, err := store.ListDailyAggregates(ctx, opts.Range.From, opts.Range.End())
	if err != nil {
		return err
	}
	rows = filterModel(rows, opts.Model, func(r storage.DailyAggregate) string { return r.Model })
	if len(rows) == 0 {
		a.Logger.Info().Str("range", opts.Range.String()).Msg("no daily aggregates found for export window")
		return nil
	}

	downsampled := downsampleDaily(rows, opts.MaxPoints)
	a.Logger.Info().Int("total", len(rows)).Int("exported", len(downsampled)).Msg("exporting daily aggregates")

	if opts.CSVPath != "" {
		if err := writeDailyCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeDailyPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

// downsampleDaily keeps at most max dates, evenly spaced, with every model row of each
// kept date.
func downsampleDaily(rows []storage.DailyAggregate, max int) []storage.DailyAggregate {
	dates := distinctDates(rows)
	if max <= 0 || len(dates) <= max {
		return rows
	}

	keep := make(map[time.Time]bool, max)
	if max == 1 {
		keep[dates[0]] = true
	} else {
		step := float64(len(dates)-1) / float64(max-1)
		for i := 0; i < max; i++ {
			idx := int(math.Round(step * float64(i)))
			if idx >= len(dates) {
				idx = len(dates) - 1
			}
			keep[dates[idx]] = true
		}
	}

	result := make([]storage.DailyAggregate, 0, len(rows))
	for _, r := range rows {
		if keep[period.Day(r.Date)] {
			result = append(result, r)
		}
	}
	return result
}

func distinctDates(rows []storage.DailyAggregate) []time.Time {
	seen := make(map[time.Time]bool)
	var dates []time.Time
	for _, r := range rows {
		d := period.Day(r.Date)
		if !seen[d] {
			seen[d] = true
			dates = append(dates, d)
		}
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	return dates
}

func writeDailyCSV(path string, rows []storage.DailyAggregate) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"date", "miner_model", "estimated_yield", "curtailed_mwh", "compensation", "updated_at"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, r := range rows {
		record := []string{
			period.FormatDay(r.Date),
			r.Model,
			r.Yield.String(),
			r.EnergyMWh.String(),
			r.Compensation.String(),
			r.UpdatedAt.UTC().Format(time.RFC3339),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// writeDailyPNG plots one yield series per model and the curtailed energy on the
// secondary axis.
func writeDailyPNG(path string, rows []storage.DailyAggregate) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	byModel := make(map[string][]storage.DailyAggregate)
	energy := make(map[time.Time]float64)
	for _, r := range rows {
		byModel[r.Model] = append(byModel[r.Model], r)
		d := period.Day(r.Date)
		if v := r.EnergyMWh.InexactFloat64(); v > energy[d] {
			energy[d] = v
		}
	}

	models := make([]string, 0, len(byModel))
	for m := range byModel {
		models = append(models, m)
	}
	sort.Strings(models)

	series := make([]chart.Series, 0, len(models)+1)
	for _, m := range models {
		modelRows := byModel[m]
		sort.Slice(modelRows, func(i, j int) bool { return modelRows[i].Date.Before(modelRows[j].Date) })
		x := make([]time.Time, len(modelRows))
		y := make([]float64, len(modelRows))
		for i, r := range modelRows {
			x[i] = period.Day(r.Date)
			y[i] = r.Yield.InexactFloat64()
		}
		series = append(series, chart.TimeSeries{Name: m, XValues: x, YValues: y})
	}

	dates := distinctDates(rows)
	energyY := make([]float64, len(dates))
	for i, d := range dates {
		energyY[i] = energy[d]
	}
	series = append(series, chart.TimeSeries{
		Name:    "Curtailed MWh",
		XValues: dates,
		YValues: energyY,
		YAxis:   chart.YAxisSecondary,
	})

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "Estimated yield (BTC)",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.4f")
			},
		},
		YAxisSecondary: chart.YAxis{
			Name: "Curtailed energy (MWh)",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.0f")
			},
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
