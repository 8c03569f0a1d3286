package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"curtailment-reconciler/internal/storage"
)

func day(d int) time.Time {
	return time.Date(2024, 6, d, 0, 0, 0, 0, time.UTC)
}

func TestInTxRollsBackOnError(t *testing.T) {
	s := New()
	ctx := context.Background()
	calc := storage.MiningCalculation{Date: day(1), Interval: 1, SourceID: "A", Model: "S9", EstimatedYield: decimal.NewFromInt(1)}

	boom := errors.New("boom")
	err := s.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		n, err := tx.UpsertCalculations(ctx, []storage.MiningCalculation{calc})
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		inside, err := tx.ListCalculations(ctx, day(1), day(2))
		require.NoError(t, err)
		assert.Len(t, inside, 1, "writes are visible inside the unit of work")

		outside, err := s.ListCalculations(ctx, day(1), day(2))
		require.NoError(t, err)
		assert.Empty(t, outside, "uncommitted writes are not visible to readers")
		return boom
	})
	require.ErrorIs(t, err, boom)

	calcs, err := s.ListCalculations(ctx, day(1), day(2))
	require.NoError(t, err)
	assert.Empty(t, calcs)
}

func TestUpsertsSkipUnchangedRows(t *testing.T) {
	s := New()
	ctx := context.Background()
	agg := storage.DailyAggregate{Date: day(1), Model: "S9", Totals: storage.Totals{
		Yield: decimal.NewFromInt(1), EnergyMWh: decimal.NewFromInt(2), Compensation: decimal.Zero,
	}}

	var first, second bool
	require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		first, err = tx.UpsertDailyAggregate(ctx, agg)
		return err
	}))
	agg.UpdatedAt = time.Now()
	require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		second, err = tx.UpsertDailyAggregate(ctx, agg)
		return err
	}))

	assert.True(t, first)
	assert.False(t, second)
}

func TestInTxHonoursCancelledContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := s.InTx(ctx, func(context.Context, storage.Tx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestListEventsIsHalfOpenAndOrdered(t *testing.T) {
	s := New()
	ingested := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	s.InsertEvents(
		storage.CurtailmentEvent{Date: day(1), Interval: 2, SourceID: "A", IngestedAt: ingested},
		storage.CurtailmentEvent{Date: day(1), Interval: 1, SourceID: "B", IngestedAt: ingested},
		storage.CurtailmentEvent{Date: day(1), Interval: 1, SourceID: "A", IngestedAt: ingested.Add(time.Hour)},
		storage.CurtailmentEvent{Date: day(1), Interval: 1, SourceID: "A", IngestedAt: ingested},
		storage.CurtailmentEvent{Date: day(2), Interval: 1, SourceID: "A", IngestedAt: ingested},
	)

	events, err := s.ListEvents(context.Background(), day(1), day(2))
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, storage.EventKey{Interval: 1, SourceID: "A"}, events[0].Key())
	assert.True(t, events[0].IngestedAt.Before(events[1].IngestedAt))
	assert.Equal(t, "B", events[2].SourceID)
	assert.Equal(t, 2, events[3].Interval)

	coverage, err := s.CountIntervals(context.Background(), day(1), day(3))
	require.NoError(t, err)
	require.Len(t, coverage, 2)
	assert.Equal(t, 2, coverage[0].Intervals)
	assert.Equal(t, 1, coverage[1].Intervals)
}

func TestDifficultyAtFallsBackToEarlierPoint(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.DifficultyAt(ctx, day(1))
	require.ErrorIs(t, err, storage.ErrNotFound)

	n, err := s.UpsertDifficulty(ctx, []storage.DifficultyPoint{
		{EffectiveDate: day(1), Difficulty: decimal.NewFromInt(10)},
		{EffectiveDate: day(5), Difficulty: decimal.NewFromInt(20)},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	p, err := s.DifficultyAt(ctx, day(4))
	require.NoError(t, err)
	assert.Equal(t, day(1), p.EffectiveDate)

	n, err = s.UpsertDifficulty(ctx, []storage.DifficultyPoint{{EffectiveDate: day(5), Difficulty: decimal.NewFromInt(20)}})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSaveDateStateKeepsLastReconciledAt(t *testing.T) {
	s := New()
	ctx := context.Background()
	at := time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC)

	skipped := []storage.CalculationKey{{Interval: 7, SourceID: "A", Model: "S9"}}
	require.NoError(t, s.SaveDateState(ctx, storage.DateState{Date: day(1), State: "RECONCILED", LastReconciledAt: &at, SkippedUnits: skipped}))
	require.NoError(t, s.SaveDateState(ctx, storage.DateState{Date: day(1), State: "FAILED", Reason: "boom"}))

	states, err := s.ListDateStates(ctx, day(1), day(2))
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, "FAILED", states[0].State)
	require.NotNil(t, states[0].LastReconciledAt)
	assert.Equal(t, at, *states[0].LastReconciledAt)
	assert.Equal(t, skipped, states[0].SkippedUnits, "a failed run keeps the last successful run's skipped units")
}
