package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewStore(mock), mock
}

func date(d int) time.Time {
	return time.Date(2024, 6, d, 0, 0, 0, 0, time.UTC)
}

func TestNilStoreNotConfigured(t *testing.T) {
	var s *Store
	_, err := s.ListEvents(context.Background(), date(1), date(2))
	assert.ErrorIs(t, err, ErrNotConfigured)

	err = NewStore(nil).InTx(context.Background(), func(context.Context, Tx) error { return nil })
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestListEventsParsesDecimals(t *testing.T) {
	store, mock := newMockStore(t)
	ingested := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

	rows := pgxmock.NewRows([]string{"id", "settlement_date", "settlement_period", "source_id", "source_label", "volume_mwh", "payment", "ingested_at"}).
		AddRow(int64(7), date(1), 3, "T_ABC-1", "Wind farm", "-12.5", "-340.25", ingested)
	mock.ExpectQuery("FROM curtailment_events").WithArgs(date(1), date(2)).WillReturnRows(rows)

	events, err := store.ListEvents(context.Background(), date(1), date(2))
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	assert.EqualValues(t, 7, ev.ID)
	assert.Equal(t, 3, ev.Interval)
	assert.Equal(t, "-12.5", ev.EnergyMWh.String())
	assert.Equal(t, "12.5", ev.CurtailedMWh().String())
	assert.Equal(t, "-340.25", ev.Compensation.String())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListEventsRejectsBadDecimal(t *testing.T) {
	store, mock := newMockStore(t)

	rows := pgxmock.NewRows([]string{"id", "settlement_date", "settlement_period", "source_id", "source_label", "volume_mwh", "payment", "ingested_at"}).
		AddRow(int64(1), date(1), 1, "A", "", "abc", "0", time.Now())
	mock.ExpectQuery("FROM curtailment_events").WillReturnRows(rows)

	_, err := store.ListEvents(context.Background(), date(1), date(2))
	assert.ErrorContains(t, err, "parse volume_mwh")
}

func TestListAggregates(t *testing.T) {
	store, mock := newMockStore(t)
	updated := time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC)
	cols := []string{"period", "miner_model", "total_yield", "total_energy_mwh", "total_compensation", "updated_at"}

	mock.ExpectQuery("FROM daily_mining_aggregates").
		WillReturnRows(pgxmock.NewRows(cols).AddRow(date(1), "S9", "0.00100000", "10", "-50", updated))
	mock.ExpectQuery("FROM monthly_mining_aggregates").WithArgs("2024-%").
		WillReturnRows(pgxmock.NewRows(cols).AddRow("2024-06", "S9", "0.002", "20", "-100", updated))
	mock.ExpectQuery("FROM yearly_mining_aggregates").WithArgs(2024, 2024).
		WillReturnRows(pgxmock.NewRows(cols).AddRow(2024, "S9", "0.003", "30", "-150", updated))

	ctx := context.Background()
	daily, err := store.ListDailyAggregates(ctx, date(1), date(2))
	require.NoError(t, err)
	require.Len(t, daily, 1)
	assert.True(t, daily[0].Yield.Equal(decimal.RequireFromString("0.001")))
	assert.Equal(t, date(1), daily[0].Date)

	monthly, err := store.ListMonthlyAggregates(ctx, 2024)
	require.NoError(t, err)
	require.Len(t, monthly, 1)
	assert.Equal(t, "2024-06", monthly[0].YearMonth)
	assert.Equal(t, "20", monthly[0].EnergyMWh.String())

	yearly, err := store.ListYearlyAggregates(ctx, 2024, 2024)
	require.NoError(t, err)
	require.Len(t, yearly, 1)
	assert.Equal(t, 2024, yearly[0].Year)
	assert.Equal(t, "-150", yearly[0].Compensation.String())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInTxLocksAndCommits(t *testing.T) {
	store, mock := newMockStore(t)
	day := date(10)

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WithArgs(lockClassDate, int32(day.Unix()/86400)).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec("pg_advisory_xact_lock").WithArgs(lockClassMonth, int32(202406)).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec("pg_advisory_xact_lock").WithArgs(lockClassYear, int32(2024)).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec("INSERT INTO mining_calculations").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO daily_mining_aggregates").WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectCommit()

	var (
		written int64
		changed bool
	)
	err := store.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
		if err := tx.LockDate(ctx, day); err != nil {
			return err
		}
		if err := tx.LockMonth(ctx, day); err != nil {
			return err
		}
		if err := tx.LockYear(ctx, day.Year()); err != nil {
			return err
		}
		var err error
		written, err = tx.UpsertCalculations(ctx, []MiningCalculation{{
			Date: day, Interval: 1, SourceID: "A", Model: "S9",
			EstimatedYield: decimal.RequireFromString("0.0001"),
		}})
		if err != nil {
			return err
		}
		changed, err = tx.UpsertDailyAggregate(ctx, DailyAggregate{Date: day, Model: "S9", Totals: ZeroTotals()})
		return err
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, written)
	assert.False(t, changed, "IS DISTINCT FROM guard reports unchanged rows as zero affected")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInTxRollsBackOnError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM curtailment_events").WillReturnError(errors.New("deadlock detected"))
	mock.ExpectRollback()

	err := store.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
		_, err := tx.DeleteEvents(ctx, []int64{1, 2})
		return err
	})
	assert.ErrorContains(t, err, "delete events: deadlock detected")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEmptyBatchesSkipTheDatabase(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectCommit()

	err := store.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
		if _, err := tx.DeleteEvents(ctx, nil); err != nil {
			return err
		}
		if _, err := tx.UpsertCalculations(ctx, nil); err != nil {
			return err
		}
		if _, err := tx.DeleteCalculations(ctx, date(1), nil); err != nil {
			return err
		}
		_, err := tx.DeleteDailyAggregates(ctx, date(1), nil)
		return err
	})
	require.NoError(t, err)

	n, err := store.UpsertDifficulty(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteAggregatesByModel(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM monthly_mining_aggregates").WithArgs("2024-06", []string{"S9"}).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("DELETE FROM yearly_mining_aggregates").WithArgs(2024, []string{"S9", "M20S"}).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectCommit()

	var monthly, yearly int64
	err := store.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
		var err error
		if monthly, err = tx.DeleteMonthlyAggregates(ctx, "2024-06", []string{"S9"}); err != nil {
			return err
		}
		yearly, err = tx.DeleteYearlyAggregates(ctx, 2024, []string{"S9", "M20S"})
		return err
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, monthly)
	assert.EqualValues(t, 2, yearly)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDifficultyAt(t *testing.T) {
	store, mock := newMockStore(t)
	recorded := time.Date(2024, 6, 1, 0, 5, 0, 0, time.UTC)
	cols := []string{"effective_date", "difficulty", "source", "recorded_at"}

	mock.ExpectQuery("FROM network_difficulty").WithArgs(date(3)).
		WillReturnRows(pgxmock.NewRows(cols).AddRow(date(1), "83148355189239.77", "explorer", recorded))
	mock.ExpectQuery("FROM network_difficulty").WithArgs(date(3)).
		WillReturnRows(pgxmock.NewRows(cols))

	p, err := store.DifficultyAt(context.Background(), date(3))
	require.NoError(t, err)
	assert.Equal(t, date(1), p.EffectiveDate)
	assert.Equal(t, "83148355189239.77", p.Difficulty.String())
	assert.Equal(t, "explorer", p.Source)

	_, err = store.DifficultyAt(context.Background(), date(3))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertDifficulty(t *testing.T) {
	store, mock := newMockStore(t)
	recorded := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec("INSERT INTO network_difficulty").
		WithArgs([]time.Time{date(1), date(2)}, []string{"1", "2"}, []string{"manual", "manual"}, []time.Time{recorded, recorded}).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	n, err := store.UpsertDifficulty(context.Background(), []DifficultyPoint{
		{EffectiveDate: date(1), Difficulty: decimal.NewFromInt(1), Source: "manual", RecordedAt: recorded},
		{EffectiveDate: date(2), Difficulty: decimal.NewFromInt(2), Source: "manual", RecordedAt: recorded},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveDateState(t *testing.T) {
	store, mock := newMockStore(t)
	updated := time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC)
	state := DateState{Date: date(1), State: "FAILED", Reason: "boom", RunID: "run", UpdatedAt: updated}

	mock.ExpectExec("INSERT INTO reconcile_state").
		WithArgs(date(1), "FAILED", "boom", "run", pgxmock.AnyArg(), updated, "[]").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.SaveDateState(context.Background(), state))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveDateStateEncodesSkippedUnits(t *testing.T) {
	store, mock := newMockStore(t)
	at := time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC)
	state := DateState{
		Date: date(1), State: "RECONCILED", RunID: "run", UpdatedAt: at, LastReconciledAt: &at,
		SkippedUnits: []CalculationKey{{Interval: 3, SourceID: "T_A-1", Model: "S9"}},
	}

	mock.ExpectExec("INSERT INTO reconcile_state").
		WithArgs(date(1), "RECONCILED", "", "run", pgxmock.AnyArg(), at,
			`[{"interval":3,"source_id":"T_A-1","model":"S9"}]`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.SaveDateState(context.Background(), state))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListDateStatesDecodesSkippedUnits(t *testing.T) {
	store, mock := newMockStore(t)
	at := time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("FROM reconcile_state").
		WithArgs(date(1), date(3)).
		WillReturnRows(pgxmock.NewRows([]string{"settlement_date", "state", "reason", "run_id", "last_reconciled_at", "updated_at", "skipped_units"}).
			AddRow(date(1), "RECONCILED", "", "run", &at, at, `[{"interval":3,"source_id":"T_A-1","model":"S9"}]`).
			AddRow(date(2), "FAILED", "boom", "run", &at, at, `[]`))

	states, err := store.ListDateStates(context.Background(), date(1), date(3))
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, []CalculationKey{{Interval: 3, SourceID: "T_A-1", Model: "S9"}}, states[0].SkippedUnits)
	assert.Empty(t, states[1].SkippedUnits)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListDateStatesRejectsBadSkippedUnits(t *testing.T) {
	store, mock := newMockStore(t)
	at := time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("FROM reconcile_state").
		WillReturnRows(pgxmock.NewRows([]string{"settlement_date", "state", "reason", "run_id", "last_reconciled_at", "updated_at", "skipped_units"}).
			AddRow(date(1), "RECONCILED", "", "run", &at, at, `{`))

	_, err := store.ListDateStates(context.Background(), date(1), date(2))
	assert.ErrorContains(t, err, "parse skipped_units for 2024-06-01")
}

func TestCountIntervals(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("COUNT\\(DISTINCT settlement_period\\)").
		WillReturnRows(pgxmock.NewRows([]string{"settlement_date", "count"}).
			AddRow(date(1), 48).
			AddRow(date(2), 12))

	coverage, err := store.CountIntervals(context.Background(), date(1), date(3))
	require.NoError(t, err)
	require.Len(t, coverage, 2)
	assert.Equal(t, 48, coverage[0].Intervals)
	assert.Equal(t, 12, coverage[1].Intervals)
	assert.NoError(t, mock.ExpectationsWereMet())
}
