package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound is returned by point lookups with no matching row.
	ErrNotFound = errors.New("storage: not found")
)

// Advisory lock classes for pg_advisory_xact_lock(class, key).
const (
	lockClassDate  int32 = 1
	lockClassMonth int32 = 2
	lockClassYear  int32 = 3
)

const (
	listEventsSQL = `SELECT
        id,
        settlement_date,
        settlement_period,
        source_id,
        source_label,
        volume_mwh,
        payment,
        ingested_at
    FROM curtailment_events
    WHERE settlement_date >= $1
      AND settlement_date < $2
    ORDER BY settlement_date, settlement_period, source_id, ingested_at, id;`

	deleteEventsSQL = `DELETE FROM curtailment_events WHERE id = ANY($1);`

	countIntervalsSQL = `SELECT settlement_date, COUNT(DISTINCT settlement_period)
    FROM curtailment_events
    WHERE settlement_date >= $1
      AND settlement_date < $2
    GROUP BY settlement_date
    ORDER BY settlement_date;`

	listCalculationsSQL = `SELECT
        settlement_date,
        settlement_period,
        source_id,
        miner_model,
        estimated_yield,
        curtailed_mwh,
        compensation,
        difficulty,
        block_reward,
        computed_at
    FROM mining_calculations
    WHERE settlement_date >= $1
      AND settlement_date < $2
    ORDER BY settlement_date, settlement_period, source_id, miner_model;`

	upsertCalculationsSQL = `INSERT INTO mining_calculations AS mc (
        settlement_date,
        settlement_period,
        source_id,
        miner_model,
        estimated_yield,
        curtailed_mwh,
        compensation,
        difficulty,
        block_reward,
        computed_at
    )
    SELECT * FROM unnest(
        $1::date[], $2::int[], $3::text[], $4::text[], $5::numeric[],
        $6::numeric[], $7::numeric[], $8::numeric[], $9::numeric[], $10::timestamptz[]
    )
    ON CONFLICT (settlement_date, settlement_period, source_id, miner_model) DO UPDATE
    SET
        estimated_yield = EXCLUDED.estimated_yield,
        curtailed_mwh   = EXCLUDED.curtailed_mwh,
        compensation    = EXCLUDED.compensation,
        difficulty      = EXCLUDED.difficulty,
        block_reward    = EXCLUDED.block_reward,
        computed_at     = EXCLUDED.computed_at
    WHERE (mc.estimated_yield, mc.curtailed_mwh, mc.compensation, mc.difficulty, mc.block_reward)
        IS DISTINCT FROM
        (EXCLUDED.estimated_yield, EXCLUDED.curtailed_mwh, EXCLUDED.compensation, EXCLUDED.difficulty, EXCLUDED.block_reward);`

	deleteCalculationsSQL = `DELETE FROM mining_calculations
    WHERE settlement_date = $1
      AND (settlement_period, source_id, miner_model) IN (
        SELECT * FROM unnest($2::int[], $3::text[], $4::text[])
      );`

	listDailySQL = `SELECT summary_date, miner_model, total_yield, total_energy_mwh, total_compensation, updated_at
    FROM daily_mining_aggregates
    WHERE summary_date >= $1
      AND summary_date < $2
    ORDER BY summary_date, miner_model;`

	upsertDailySQL = `INSERT INTO daily_mining_aggregates AS d (
        summary_date, miner_model, total_yield, total_energy_mwh, total_compensation, updated_at
    ) VALUES ($1,$2,$3,$4,$5,$6)
    ON CONFLICT (summary_date, miner_model) DO UPDATE
    SET
        total_yield        = EXCLUDED.total_yield,
        total_energy_mwh   = EXCLUDED.total_energy_mwh,
        total_compensation = EXCLUDED.total_compensation,
        updated_at         = EXCLUDED.updated_at
    WHERE (d.total_yield, d.total_energy_mwh, d.total_compensation)
        IS DISTINCT FROM (EXCLUDED.total_yield, EXCLUDED.total_energy_mwh, EXCLUDED.total_compensation);`

	deleteDailySQL = `DELETE FROM daily_mining_aggregates WHERE summary_date = $1 AND miner_model = ANY($2);`

	listMonthlySQL = `SELECT year_month, miner_model, total_yield, total_energy_mwh, total_compensation, updated_at
    FROM monthly_mining_aggregates
    WHERE year_month LIKE $1
    ORDER BY year_month, miner_model;`

	upsertMonthlySQL = `INSERT INTO monthly_mining_aggregates AS m (
        year_month, miner_model, total_yield, total_energy_mwh, total_compensation, updated_at
    ) VALUES ($1,$2,$3,$4,$5,$6)
    ON CONFLICT (year_month, miner_model) DO UPDATE
    SET
        total_yield        = EXCLUDED.total_yield,
        total_energy_mwh   = EXCLUDED.total_energy_mwh,
        total_compensation = EXCLUDED.total_compensation,
        updated_at         = EXCLUDED.updated_at
    WHERE (m.total_yield, m.total_energy_mwh, m.total_compensation)
        IS DISTINCT FROM (EXCLUDED.total_yield, EXCLUDED.total_energy_mwh, EXCLUDED.total_compensation);`

	deleteMonthlySQL = `DELETE FROM monthly_mining_aggregates WHERE year_month = $1 AND miner_model = ANY($2);`

	listYearlySQL = `SELECT year, miner_model, total_yield, total_energy_mwh, total_compensation, updated_at
    FROM yearly_mining_aggregates
    WHERE year >= $1
      AND year <= $2
    ORDER BY year, miner_model;`

	upsertYearlySQL = `INSERT INTO yearly_mining_aggregates AS y (
        year, miner_model, total_yield, total_energy_mwh, total_compensation, updated_at
    ) VALUES ($1,$2,$3,$4,$5,$6)
    ON CONFLICT (year, miner_model) DO UPDATE
    SET
        total_yield        = EXCLUDED.total_yield,
        total_energy_mwh   = EXCLUDED.total_energy_mwh,
        total_compensation = EXCLUDED.total_compensation,
        updated_at         = EXCLUDED.updated_at
    WHERE (y.total_yield, y.total_energy_mwh, y.total_compensation)
        IS DISTINCT FROM (EXCLUDED.total_yield, EXCLUDED.total_energy_mwh, EXCLUDED.total_compensation);`

	deleteYearlySQL = `DELETE FROM yearly_mining_aggregates WHERE year = $1 AND miner_model = ANY($2);`

	upsertDateStateSQL = `INSERT INTO reconcile_state (
        settlement_date, state, reason, run_id, last_reconciled_at, updated_at, skipped_units
    ) VALUES ($1,$2,$3,$4,$5,$6,$7::jsonb)
    ON CONFLICT (settlement_date) DO UPDATE
    SET
        state              = EXCLUDED.state,
        reason             = EXCLUDED.reason,
        run_id             = EXCLUDED.run_id,
        last_reconciled_at = COALESCE(EXCLUDED.last_reconciled_at, reconcile_state.last_reconciled_at),
        updated_at         = EXCLUDED.updated_at,
        skipped_units      = CASE WHEN EXCLUDED.last_reconciled_at IS NULL
                                  THEN reconcile_state.skipped_units
                                  ELSE EXCLUDED.skipped_units END;`

	listDateStatesSQL = `SELECT settlement_date, state, reason, run_id, last_reconciled_at, updated_at, skipped_units::text
    FROM reconcile_state
    WHERE settlement_date >= $1
      AND settlement_date < $2
    ORDER BY settlement_date;`

	difficultyAtSQL = `SELECT effective_date, difficulty, source, recorded_at
    FROM network_difficulty
    WHERE effective_date <= $1
    ORDER BY effective_date DESC
    LIMIT 1;`

	upsertDifficultySQL = `INSERT INTO network_difficulty (effective_date, difficulty, source, recorded_at)
    SELECT * FROM unnest($1::date[], $2::numeric[], $3::text[], $4::timestamptz[])
    ON CONFLICT (effective_date) DO UPDATE
    SET
        difficulty  = EXCLUDED.difficulty,
        source      = EXCLUDED.source,
        recorded_at = EXCLUDED.recorded_at
    WHERE network_difficulty.difficulty IS DISTINCT FROM EXCLUDED.difficulty;`

	xactLockSQL = `SELECT pg_advisory_xact_lock($1, $2);`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// IntervalCoverage is the number of distinct settlement intervals observed on a date.
type IntervalCoverage struct {
	Date      time.Time
	Intervals int
}

// Reader exposes committed reads over the aggregate hierarchy. Range bounds are
// half-open [from, to).
type Reader interface {
	ListEvents(ctx context.Context, from, to time.Time) ([]CurtailmentEvent, error)
	ListCalculations(ctx context.Context, from, to time.Time) ([]MiningCalculation, error)
	ListDailyAggregates(ctx context.Context, from, to time.Time) ([]DailyAggregate, error)
	ListMonthlyAggregates(ctx context.Context, year int) ([]MonthlyAggregate, error)
	ListYearlyAggregates(ctx context.Context, fromYear, toYear int) ([]YearlyAggregate, error)
	CountIntervals(ctx context.Context, from, to time.Time) ([]IntervalCoverage, error)
}

// Tx is the write surface of one reconciliation unit of work.
type Tx interface {
	Reader
	LockDate(ctx context.Context, date time.Time) error
	LockMonth(ctx context.Context, date time.Time) error
	LockYear(ctx context.Context, year int) error
	DeleteEvents(ctx context.Context, ids []int64) (int64, error)
	UpsertCalculations(ctx context.Context, calcs []MiningCalculation) (int64, error)
	DeleteCalculations(ctx context.Context, date time.Time, keys []CalculationKey) (int64, error)
	UpsertDailyAggregate(ctx context.Context, agg DailyAggregate) (bool, error)
	DeleteDailyAggregates(ctx context.Context, date time.Time, models []string) (int64, error)
	UpsertMonthlyAggregate(ctx context.Context, agg MonthlyAggregate) (bool, error)
	DeleteMonthlyAggregates(ctx context.Context, yearMonth string, models []string) (int64, error)
	UpsertYearlyAggregate(ctx context.Context, agg YearlyAggregate) (bool, error)
	DeleteYearlyAggregates(ctx context.Context, year int, models []string) (int64, error)
	SaveDateState(ctx context.Context, state DateState) error
}

// AggregateStore runs units of work atomically; a non-nil error from fn rolls back.
type AggregateStore interface {
	Reader
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	SaveDateState(ctx context.Context, state DateState) error
	ListDateStates(ctx context.Context, from, to time.Time) ([]DateState, error)
}

// DifficultyStore persists the network difficulty history.
type DifficultyStore interface {
	DifficultyAt(ctx context.Context, date time.Time) (DifficultyPoint, error)
	UpsertDifficulty(ctx context.Context, points []DifficultyPoint) (int64, error)
}

// AdvisoryLocker exposes session advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store is the PostgreSQL implementation of the aggregate hierarchy.
type Store struct {
	pool Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// InTx runs fn inside a READ COMMITTED transaction, committing on success.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(ctx, &pgTx{q: tx}); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return errors.Join(err, fmt.Errorf("rollback tx: %w", rbErr))
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// ListEvents lists raw events for dates in [from, to).
func (s *Store) ListEvents(ctx context.Context, from, to time.Time) ([]CurtailmentEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	return listEvents(ctx, pool, from, to)
}

// ListCalculations lists calculations for dates in [from, to).
func (s *Store) ListCalculations(ctx context.Context, from, to time.Time) ([]MiningCalculation, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	return listCalculations(ctx, pool, from, to)
}

// ListDailyAggregates lists daily rows for dates in [from, to).
func (s *Store) ListDailyAggregates(ctx context.Context, from, to time.Time) ([]DailyAggregate, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	return listDaily(ctx, pool, from, to)
}

// ListMonthlyAggregates lists monthly rows belonging to a year.
func (s *Store) ListMonthlyAggregates(ctx context.Context, year int) ([]MonthlyAggregate, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	return listMonthly(ctx, pool, year)
}

// ListYearlyAggregates lists yearly rows in [fromYear, toYear].
func (s *Store) ListYearlyAggregates(ctx context.Context, fromYear, toYear int) ([]YearlyAggregate, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	return listYearly(ctx, pool, fromYear, toYear)
}

// CountIntervals reports distinct intervals per date with at least one event.
func (s *Store) CountIntervals(ctx context.Context, from, to time.Time) ([]IntervalCoverage, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	return countIntervals(ctx, pool, from, to)
}

// SaveDateState records a reconciliation outcome outside any unit of work.
func (s *Store) SaveDateState(ctx context.Context, state DateState) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return saveDateState(ctx, pool, state)
}

// ListDateStates lists recorded outcomes for dates in [from, to).
func (s *Store) ListDateStates(ctx context.Context, from, to time.Time) ([]DateState, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listDateStatesSQL, from, to)
	if err != nil {
		return nil, fmt.Errorf("list date states: %w", err)
	}
	defer rows.Close()

	states := make([]DateState, 0)
	for rows.Next() {
		var (
			st      DateState
			skipped string
		)
		if err := rows.Scan(&st.Date, &st.State, &st.Reason, &st.RunID, &st.LastReconciledAt, &st.UpdatedAt, &skipped); err != nil {
			return nil, fmt.Errorf("scan date state: %w", err)
		}
		if err := json.Unmarshal([]byte(skipped), &st.SkippedUnits); err != nil {
			return nil, fmt.Errorf("parse skipped_units for %s: %w", st.Date.Format("2006-01-02"), err)
		}
		states = append(states, st)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return states, nil
}

// DifficultyAt returns the most recent difficulty effective at or before date.
func (s *Store) DifficultyAt(ctx context.Context, date time.Time) (DifficultyPoint, error) {
	pool, err := s.getPool()
	if err != nil {
		return DifficultyPoint{}, err
	}

	var (
		point         DifficultyPoint
		difficultyStr string
	)
	err = pool.QueryRow(ctx, difficultyAtSQL, date).Scan(&point.EffectiveDate, &difficultyStr, &point.Source, &point.RecordedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return DifficultyPoint{}, ErrNotFound
	}
	if err != nil {
		return DifficultyPoint{}, fmt.Errorf("difficulty at: %w", err)
	}
	if point.Difficulty, err = parseDecimal("difficulty", difficultyStr); err != nil {
		return DifficultyPoint{}, err
	}
	return point, nil
}

// UpsertDifficulty stores difficulty points keyed by effective date.
func (s *Store) UpsertDifficulty(ctx context.Context, points []DifficultyPoint) (int64, error) {
	if len(points) == 0 {
		return 0, nil
	}
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	dates := make([]time.Time, len(points))
	values := make([]string, len(points))
	sources := make([]string, len(points))
	recorded := make([]time.Time, len(points))
	for i, p := range points {
		dates[i] = p.EffectiveDate
		values[i] = p.Difficulty.String()
		sources[i] = p.Source
		recorded[i] = p.RecordedAt
	}

	tag, err := pool.Exec(ctx, upsertDifficultySQL, dates, values, sources, recorded)
	if err != nil {
		return 0, fmt.Errorf("upsert difficulty: %w", err)
	}
	return tag.RowsAffected(), nil
}

// pgTx implements Tx over a pgx transaction.
type pgTx struct {
	q querier
}

func (t *pgTx) ListEvents(ctx context.Context, from, to time.Time) ([]CurtailmentEvent, error) {
	return listEvents(ctx, t.q, from, to)
}

func (t *pgTx) ListCalculations(ctx context.Context, from, to time.Time) ([]MiningCalculation, error) {
	return listCalculations(ctx, t.q, from, to)
}

func (t *pgTx) ListDailyAggregates(ctx context.Context, from, to time.Time) ([]DailyAggregate, error) {
	return listDaily(ctx, t.q, from, to)
}

func (t *pgTx) ListMonthlyAggregates(ctx context.Context, year int) ([]MonthlyAggregate, error) {
	return listMonthly(ctx, t.q, year)
}

func (t *pgTx) ListYearlyAggregates(ctx context.Context, fromYear, toYear int) ([]YearlyAggregate, error) {
	return listYearly(ctx, t.q, fromYear, toYear)
}

func (t *pgTx) CountIntervals(ctx context.Context, from, to time.Time) ([]IntervalCoverage, error) {
	return countIntervals(ctx, t.q, from, to)
}

func (t *pgTx) LockDate(ctx context.Context, date time.Time) error {
	days := int32(date.Unix() / 86400)
	return t.xactLock(ctx, lockClassDate, days)
}

func (t *pgTx) LockMonth(ctx context.Context, date time.Time) error {
	return t.xactLock(ctx, lockClassMonth, int32(date.Year()*100+int(date.Month())))
}

func (t *pgTx) LockYear(ctx context.Context, year int) error {
	return t.xactLock(ctx, lockClassYear, int32(year))
}

func (t *pgTx) xactLock(ctx context.Context, class, key int32) error {
	if _, err := t.q.Exec(ctx, xactLockSQL, class, key); err != nil {
		return fmt.Errorf("advisory xact lock (%d,%d): %w", class, key, err)
	}
	return nil
}

func (t *pgTx) DeleteEvents(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := t.q.Exec(ctx, deleteEventsSQL, ids)
	if err != nil {
		return 0, fmt.Errorf("delete events: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (t *pgTx) UpsertCalculations(ctx context.Context, calcs []MiningCalculation) (int64, error) {
	if len(calcs) == 0 {
		return 0, nil
	}

	n := len(calcs)
	var (
		dates      = make([]time.Time, n)
		intervals  = make([]int32, n)
		sources    = make([]string, n)
		models     = make([]string, n)
		yields     = make([]string, n)
		energies   = make([]string, n)
		payments   = make([]string, n)
		difficulty = make([]string, n)
		rewards    = make([]string, n)
		computed   = make([]time.Time, n)
	)
	for i, c := range calcs {
		dates[i] = c.Date
		intervals[i] = int32(c.Interval)
		sources[i] = c.SourceID
		models[i] = c.Model
		yields[i] = c.EstimatedYield.String()
		energies[i] = c.CurtailedMWh.String()
		payments[i] = c.Compensation.String()
		difficulty[i] = c.Difficulty.String()
		rewards[i] = c.BlockReward.String()
		computed[i] = c.ComputedAt
	}

	tag, err := t.q.Exec(ctx, upsertCalculationsSQL,
		dates, intervals, sources, models, yields, energies, payments, difficulty, rewards, computed)
	if err != nil {
		return 0, fmt.Errorf("upsert calculations: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (t *pgTx) DeleteCalculations(ctx context.Context, date time.Time, keys []CalculationKey) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	intervals := make([]int32, len(keys))
	sources := make([]string, len(keys))
	models := make([]string, len(keys))
	for i, k := range keys {
		intervals[i] = int32(k.Interval)
		sources[i] = k.SourceID
		models[i] = k.Model
	}
	tag, err := t.q.Exec(ctx, deleteCalculationsSQL, date, intervals, sources, models)
	if err != nil {
		return 0, fmt.Errorf("delete calculations: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (t *pgTx) UpsertDailyAggregate(ctx context.Context, agg DailyAggregate) (bool, error) {
	tag, err := t.q.Exec(ctx, upsertDailySQL,
		agg.Date, agg.Model, agg.Yield.String(), agg.EnergyMWh.String(), agg.Compensation.String(), agg.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("upsert daily aggregate: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (t *pgTx) DeleteDailyAggregates(ctx context.Context, date time.Time, models []string) (int64, error) {
	return t.deleteByModels(ctx, deleteDailySQL, "daily", date, models)
}

func (t *pgTx) UpsertMonthlyAggregate(ctx context.Context, agg MonthlyAggregate) (bool, error) {
	tag, err := t.q.Exec(ctx, upsertMonthlySQL,
		agg.YearMonth, agg.Model, agg.Yield.String(), agg.EnergyMWh.String(), agg.Compensation.String(), agg.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("upsert monthly aggregate: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (t *pgTx) DeleteMonthlyAggregates(ctx context.Context, yearMonth string, models []string) (int64, error) {
	return t.deleteByModels(ctx, deleteMonthlySQL, "monthly", yearMonth, models)
}

func (t *pgTx) UpsertYearlyAggregate(ctx context.Context, agg YearlyAggregate) (bool, error) {
	tag, err := t.q.Exec(ctx, upsertYearlySQL,
		agg.Year, agg.Model, agg.Yield.String(), agg.EnergyMWh.String(), agg.Compensation.String(), agg.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("upsert yearly aggregate: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (t *pgTx) DeleteYearlyAggregates(ctx context.Context, year int, models []string) (int64, error) {
	return t.deleteByModels(ctx, deleteYearlySQL, "yearly", year, models)
}

func (t *pgTx) deleteByModels(ctx context.Context, sql, level string, periodKey any, models []string) (int64, error) {
	if len(models) == 0 {
		return 0, nil
	}
	tag, err := t.q.Exec(ctx, sql, periodKey, models)
	if err != nil {
		return 0, fmt.Errorf("delete %s aggregates: %w", level, err)
	}
	return tag.RowsAffected(), nil
}

func (t *pgTx) SaveDateState(ctx context.Context, state DateState) error {
	return saveDateState(ctx, t.q, state)
}

func listEvents(ctx context.Context, q querier, from, to time.Time) ([]CurtailmentEvent, error) {
	rows, err := q.Query(ctx, listEventsSQL, from, to)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	events := make([]CurtailmentEvent, 0)
	for rows.Next() {
		var (
			ev         CurtailmentEvent
			volumeStr  string
			paymentStr string
			parseErr   error
		)
		if err := rows.Scan(&ev.ID, &ev.Date, &ev.Interval, &ev.SourceID, &ev.SourceLabel, &volumeStr, &paymentStr, &ev.IngestedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if ev.EnergyMWh, parseErr = parseDecimal("volume_mwh", volumeStr); parseErr != nil {
			return nil, parseErr
		}
		if ev.Compensation, parseErr = parseDecimal("payment", paymentStr); parseErr != nil {
			return nil, parseErr
		}
		events = append(events, ev)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return events, nil
}

func countIntervals(ctx context.Context, q querier, from, to time.Time) ([]IntervalCoverage, error) {
	rows, err := q.Query(ctx, countIntervalsSQL, from, to)
	if err != nil {
		return nil, fmt.Errorf("count intervals: %w", err)
	}
	defer rows.Close()

	coverage := make([]IntervalCoverage, 0)
	for rows.Next() {
		var c IntervalCoverage
		if err := rows.Scan(&c.Date, &c.Intervals); err != nil {
			return nil, fmt.Errorf("scan interval coverage: %w", err)
		}
		coverage = append(coverage, c)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return coverage, nil
}

func listCalculations(ctx context.Context, q querier, from, to time.Time) ([]MiningCalculation, error) {
	rows, err := q.Query(ctx, listCalculationsSQL, from, to)
	if err != nil {
		return nil, fmt.Errorf("list calculations: %w", err)
	}
	defer rows.Close()

	calcs := make([]MiningCalculation, 0)
	for rows.Next() {
		var (
			c             MiningCalculation
			yieldStr      string
			energyStr     string
			paymentStr    string
			difficultyStr string
			rewardStr     string
			parseErr      error
		)
		if err := rows.Scan(&c.Date, &c.Interval, &c.SourceID, &c.Model,
			&yieldStr, &energyStr, &paymentStr, &difficultyStr, &rewardStr, &c.ComputedAt); err != nil {
			return nil, fmt.Errorf("scan calculation: %w", err)
		}
		if c.EstimatedYield, parseErr = parseDecimal("estimated_yield", yieldStr); parseErr != nil {
			return nil, parseErr
		}
		if c.CurtailedMWh, parseErr = parseDecimal("curtailed_mwh", energyStr); parseErr != nil {
			return nil, parseErr
		}
		if c.Compensation, parseErr = parseDecimal("compensation", paymentStr); parseErr != nil {
			return nil, parseErr
		}
		if c.Difficulty, parseErr = parseDecimal("difficulty", difficultyStr); parseErr != nil {
			return nil, parseErr
		}
		if c.BlockReward, parseErr = parseDecimal("block_reward", rewardStr); parseErr != nil {
			return nil, parseErr
		}
		calcs = append(calcs, c)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return calcs, nil
}

func listDaily(ctx context.Context, q querier, from, to time.Time) ([]DailyAggregate, error) {
	rows, err := q.Query(ctx, listDailySQL, from, to)
	if err != nil {
		return nil, fmt.Errorf("list daily aggregates: %w", err)
	}
	defer rows.Close()

	aggs := make([]DailyAggregate, 0)
	for rows.Next() {
		var agg DailyAggregate
		totals, err := scanTotals(rows, &agg.Date, &agg.Model, &agg.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan daily aggregate: %w", err)
		}
		agg.Totals = totals
		aggs = append(aggs, agg)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return aggs, nil
}

func listMonthly(ctx context.Context, q querier, year int) ([]MonthlyAggregate, error) {
	rows, err := q.Query(ctx, listMonthlySQL, fmt.Sprintf("%04d-%%", year))
	if err != nil {
		return nil, fmt.Errorf("list monthly aggregates: %w", err)
	}
	defer rows.Close()

	aggs := make([]MonthlyAggregate, 0)
	for rows.Next() {
		var agg MonthlyAggregate
		totals, err := scanTotals(rows, &agg.YearMonth, &agg.Model, &agg.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan monthly aggregate: %w", err)
		}
		agg.Totals = totals
		aggs = append(aggs, agg)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return aggs, nil
}

func listYearly(ctx context.Context, q querier, fromYear, toYear int) ([]YearlyAggregate, error) {
	rows, err := q.Query(ctx, listYearlySQL, fromYear, toYear)
	if err != nil {
		return nil, fmt.Errorf("list yearly aggregates: %w", err)
	}
	defer rows.Close()

	aggs := make([]YearlyAggregate, 0)
	for rows.Next() {
		var agg YearlyAggregate
		totals, err := scanTotals(rows, &agg.Year, &agg.Model, &agg.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan yearly aggregate: %w", err)
		}
		agg.Totals = totals
		aggs = append(aggs, agg)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return aggs, nil
}

// scanTotals scans the shared (period, model, yield, energy, compensation, updated_at)
// column layout of the three aggregate tables.
func scanTotals(rows pgx.Rows, periodKey any, model *string, updatedAt *time.Time) (Totals, error) {
	var yieldStr, energyStr, paymentStr string
	if err := rows.Scan(periodKey, model, &yieldStr, &energyStr, &paymentStr, updatedAt); err != nil {
		return Totals{}, err
	}

	var (
		totals Totals
		err    error
	)
	if totals.Yield, err = parseDecimal("total_yield", yieldStr); err != nil {
		return Totals{}, err
	}
	if totals.EnergyMWh, err = parseDecimal("total_energy_mwh", energyStr); err != nil {
		return Totals{}, err
	}
	if totals.Compensation, err = parseDecimal("total_compensation", paymentStr); err != nil {
		return Totals{}, err
	}
	return totals, nil
}

func saveDateState(ctx context.Context, q querier, state DateState) error {
	skipped := state.SkippedUnits
	if skipped == nil {
		skipped = []CalculationKey{}
	}
	encoded, err := json.Marshal(skipped)
	if err != nil {
		return fmt.Errorf("encode skipped_units: %w", err)
	}
	if _, err := q.Exec(ctx, upsertDateStateSQL,
		state.Date, state.State, state.Reason, state.RunID, state.LastReconciledAt, state.UpdatedAt, string(encoded)); err != nil {
		return fmt.Errorf("save date state: %w", err)
	}
	return nil
}

func parseDecimal(field, value string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse %s: %w", field, err)
	}
	return d, nil
}

var (
	_ AggregateStore  = (*Store)(nil)
	_ DifficultyStore = (*Store)(nil)
	_ AdvisoryLocker  = (*Store)(nil)
	_ Tx              = (*pgTx)(nil)
)
