package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"curtailment-reconciler/internal/audit"
	"curtailment-reconciler/internal/config"
	"curtailment-reconciler/internal/period"
	"curtailment-reconciler/internal/reconcile"
	"curtailment-reconciler/internal/storage"
	"curtailment-reconciler/internal/storage/memory"
)

func testApp(t *testing.T) (*App, *bytes.Buffer) {
	t.Helper()
	cfg := &config.Config{
		Reconcile: config.ReconcileConfig{Workers: 2, IntervalsPerDay: 48, IntervalSeconds: 1800},
		Hardware: config.HardwareConfig{Models: []config.HardwareModel{
			{Name: "S19J_PRO", HashrateTHs: 100, PowerWatts: 3050},
			{Name: "S9", HashrateTHs: 13.5, PowerWatts: 1323},
		}},
		Export: config.ExportConfig{MaxDataPoints: 1000},
	}
	var out bytes.Buffer
	a := NewApp(cfg, zerolog.Nop())
	a.Out = &out
	return a, &out
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestRewardScheduleDefaultsToHalvings(t *testing.T) {
	a, _ := testApp(t)
	sched, err := a.rewardSchedule()
	require.NoError(t, err)

	p, ok := sched.At(day(2024, 6, 1))
	require.True(t, ok)
	assert.Equal(t, "3.125", p.Value.String())
}

func TestRewardScheduleFromConfig(t *testing.T) {
	a, _ := testApp(t)
	a.Config.Rewards.Epochs = []config.RewardEpoch{
		{Effective: "2020-01-01", Reward: "10"},
		{Effective: "2024-01-01", Reward: "5"},
	}
	sched, err := a.rewardSchedule()
	require.NoError(t, err)

	p, ok := sched.At(day(2023, 12, 31))
	require.True(t, ok)
	assert.Equal(t, "10", p.Value.String())
	_, ok = sched.At(day(2019, 12, 31))
	assert.False(t, ok)

	a.Config.Rewards.Epochs = []config.RewardEpoch{{Effective: "yesterday", Reward: "1"}}
	_, err = a.rewardSchedule()
	assert.Error(t, err)
}

func TestEstimateWithExplicitDifficulty(t *testing.T) {
	a, out := testApp(t)

	err := a.Estimate(context.Background(), EstimateOptions{
		Date:       day(2024, 6, 1),
		EnergyMWh:  decimal.NewFromInt(-1),
		Model:      "S19J_PRO",
		Difficulty: decimal.NewFromInt(100_000_000_000_000),
	})
	require.NoError(t, err)

	text := out.String()
	assert.Contains(t, text, "energy 1 MWh")
	assert.Contains(t, text, "block reward 3.125")
	assert.Contains(t, text, "S19J_PRO")
	assert.Contains(t, text, "655")
	assert.Contains(t, text, "0.00085784")
	assert.NotContains(t, text, "S9 ")
}

func TestEstimateUnknownModel(t *testing.T) {
	a, _ := testApp(t)
	err := a.Estimate(context.Background(), EstimateOptions{
		Date: day(2024, 6, 1), EnergyMWh: decimal.NewFromInt(1), Model: "NOPE", Difficulty: decimal.NewFromInt(1),
	})
	assert.ErrorContains(t, err, "unknown hardware model NOPE")
}

func TestLoadWorkingCopyCopiesTouchedRows(t *testing.T) {
	src := memory.New()
	src.InsertEvents(
		storage.CurtailmentEvent{Date: day(2024, 6, 10), Interval: 1, SourceID: "A", EnergyMWh: decimal.NewFromInt(-5)},
		storage.CurtailmentEvent{Date: day(2024, 7, 1), Interval: 1, SourceID: "A", EnergyMWh: decimal.NewFromInt(-5)},
	)
	totals := storage.Totals{Yield: decimal.NewFromInt(1), EnergyMWh: decimal.NewFromInt(5), Compensation: decimal.Zero}
	src.Seed(nil,
		[]storage.DailyAggregate{
			{Date: day(2024, 6, 3), Model: "S9", Totals: totals},
			{Date: day(2024, 6, 10), Model: "S9", Totals: totals},
			{Date: day(2024, 7, 1), Model: "S9", Totals: totals},
		},
		[]storage.MonthlyAggregate{{YearMonth: "2024-06", Model: "S9", Totals: totals}},
		[]storage.YearlyAggregate{{Year: 2024, Model: "S9", Totals: totals}},
	)

	mem, err := loadWorkingCopy(context.Background(), src, period.SingleDay(day(2024, 6, 10)))
	require.NoError(t, err)

	ctx := context.Background()
	events, err := mem.ListEvents(ctx, day(2024, 1, 1), day(2025, 1, 1))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, day(2024, 6, 10), events[0].Date)

	daily, err := mem.ListDailyAggregates(ctx, day(2024, 1, 1), day(2025, 1, 1))
	require.NoError(t, err)
	assert.Len(t, daily, 2, "whole month is copied so the monthly sum stays correct")

	monthly, err := mem.ListMonthlyAggregates(ctx, 2024)
	require.NoError(t, err)
	assert.Len(t, monthly, 1)
	yearly, err := mem.ListYearlyAggregates(ctx, 2024, 2024)
	require.NoError(t, err)
	assert.Len(t, yearly, 1)
}

func TestWriteReconcileReport(t *testing.T) {
	var buf bytes.Buffer
	report := reconcile.Report{
		RunID:          "run-1",
		DatesProcessed: 2,
		Outcomes: []reconcile.DateOutcome{
			{Date: day(2024, 6, 1), State: reconcile.StateReconciled, CalculationsWritten: 3, Warnings: []string{"difficulty fallback"}},
			{Date: day(2024, 6, 2), State: reconcile.StateFailed, FailedIn: reconcile.StateCalculating, Reason: "no difficulty\nat all"},
		},
	}
	require.NoError(t, writeReconcileReport(&buf, report))

	text := buf.String()
	assert.Contains(t, text, "difficulty fallback")
	assert.Contains(t, text, "failed in CALCULATING: no difficulty at all")
	assert.Contains(t, text, "run run-1: 2 dates, 1 reconciled, 1 failed")
}

func TestDownsampleDailyKeepsWholeDates(t *testing.T) {
	var rows []storage.DailyAggregate
	for d := 1; d <= 10; d++ {
		for _, m := range []string{"S9", "S19J_PRO"} {
			rows = append(rows, storage.DailyAggregate{Date: day(2024, 6, d), Model: m})
		}
	}

	got := downsampleDaily(rows, 4)
	assert.Len(t, got, 8)
	assert.Equal(t, day(2024, 6, 1), got[0].Date)
	assert.Equal(t, day(2024, 6, 10), got[len(got)-1].Date)

	assert.Len(t, downsampleDaily(rows, 0), 20)
	assert.Len(t, downsampleDaily(rows, 1), 2)
}

func TestWriteDailyCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "daily.csv")
	rows := []storage.DailyAggregate{{
		Date:  day(2024, 6, 1),
		Model: "S9",
		Totals: storage.Totals{
			Yield:        decimal.RequireFromString("0.00012345"),
			EnergyMWh:    decimal.RequireFromString("12.5"),
			Compensation: decimal.RequireFromString("-300"),
		},
		UpdatedAt: time.Date(2024, 6, 2, 3, 4, 5, 0, time.UTC),
	}}
	require.NoError(t, writeDailyCSV(path, rows))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, []string{"2024-06-01", "S9", "0.00012345", "12.5", "-300", "2024-06-02T03:04:05Z"}, records[1])
}

func TestFilterModel(t *testing.T) {
	rows := []storage.YearlyAggregate{{Year: 2024, Model: "S9"}, {Year: 2024, Model: "M20S"}}
	modelOf := func(r storage.YearlyAggregate) string { return r.Model }

	assert.Len(t, filterModel(rows, "", modelOf), 2)
	got := filterModel(rows, "M20S", modelOf)
	require.Len(t, got, 1)
	assert.Equal(t, "M20S", got[0].Model)
	assert.Len(t, rows, 2)
}

func TestWriteStates(t *testing.T) {
	var buf bytes.Buffer
	at := time.Date(2024, 6, 2, 1, 0, 0, 0, time.UTC)
	require.NoError(t, writeStates(&buf, []storage.DateState{
		{Date: day(2024, 6, 1), State: string(reconcile.StateReconciled), RunID: "r", LastReconciledAt: &at},
		{Date: day(2024, 6, 2), State: string(reconcile.StateFailed), Reason: "boom"},
	}))
	text := buf.String()
	assert.Contains(t, text, "2024-06-02T01:00:00Z")
	assert.Contains(t, text, "boom")
}

func TestNewDifficultyFetcherRejectsUnknownSource(t *testing.T) {
	a, _ := testApp(t)
	_, closer, err := a.newDifficultyFetcher("carrier-pigeon")
	assert.Error(t, err)
	closer()

	_, _, err = a.newDifficultyFetcher("node")
	assert.ErrorContains(t, err, "rpc_url")
}

func TestInterruptibleCancelsOnSignal(t *testing.T) {
	ctx, cancel := interruptible(context.Background())
	defer cancel()

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGINT))

	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("context not cancelled by SIGINT")
	}
}

func seededStore(t *testing.T, dates ...time.Time) *memory.Store {
	t.Helper()
	store := memory.New()
	_, err := store.UpsertDifficulty(context.Background(), []storage.DifficultyPoint{
		{EffectiveDate: day(2024, 1, 1), Difficulty: decimal.NewFromInt(100_000_000_000_000), Source: "manual"},
	})
	require.NoError(t, err)
	for i, d := range dates {
		store.InsertEvents(storage.CurtailmentEvent{
			Date: d, Interval: i + 1, SourceID: "A", EnergyMWh: decimal.NewFromInt(-3),
			Compensation: decimal.NewFromInt(-90), IngestedAt: d,
		})
	}
	return store
}

func TestReconcileIntoReportsCancelledRange(t *testing.T) {
	a, out := testApp(t)
	rng, err := period.NewRange(day(2024, 6, 1), day(2024, 6, 3))
	require.NoError(t, err)
	store := seededStore(t, rng.Dates()...)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = a.reconcileInto(ctx, store, store, ReconcileOptions{Range: rng})
	assert.EqualError(t, err, "3 dates not processed: "+reconcile.ReasonCancelled)
	assert.Contains(t, out.String(), string(reconcile.StatePending))

	calcs, err := store.ListCalculations(context.Background(), rng.From, rng.End())
	require.NoError(t, err)
	assert.Empty(t, calcs)
}

func TestReconcileIntoCommitsRange(t *testing.T) {
	a, out := testApp(t)
	rng, err := period.NewRange(day(2024, 6, 1), day(2024, 6, 3))
	require.NoError(t, err)
	store := seededStore(t, rng.Dates()...)

	require.NoError(t, a.reconcileInto(context.Background(), store, store, ReconcileOptions{Range: rng}))
	assert.Contains(t, out.String(), "3 dates, 3 reconciled, 0 failed")

	daily, err := store.ListDailyAggregates(context.Background(), rng.From, rng.End())
	require.NoError(t, err)
	assert.Len(t, daily, 6)
}

func TestWriteAuditReportShowsSkippedUnits(t *testing.T) {
	var buf bytes.Buffer
	report := audit.RangeReport{Dates: []audit.Report{{
		Date:              day(2024, 6, 1),
		ExpectedIntervals: 48,
		IntervalsPresent:  48,
		IncompleteModels:  map[string][]storage.EventKey{},
		SkippedUnits:      []storage.CalculationKey{{Interval: 1, SourceID: "A", Model: "S9"}},
	}}}
	require.NoError(t, writeAuditReport(&buf, report))
	assert.Contains(t, buf.String(), "ok, 1 units skipped")
}
