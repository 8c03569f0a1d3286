// Package memory is an in-process implementation of the aggregate store. Units of work
// are applied to a copy of the state and swapped in on success, so readers only ever see
// committed rows.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"curtailment-reconciler/internal/storage"
)

type dayKey = string

type calcKey struct {
	date dayKey
	storage.CalculationKey
}

type modelKey struct {
	period string
	model  string
}

type state struct {
	nextID       int64
	events       map[int64]storage.CurtailmentEvent
	calculations map[calcKey]storage.MiningCalculation
	daily        map[modelKey]storage.DailyAggregate
	monthly      map[modelKey]storage.MonthlyAggregate
	yearly       map[modelKey]storage.YearlyAggregate
	difficulty   map[dayKey]storage.DifficultyPoint
	dateStates   map[dayKey]storage.DateState
}

func newState() *state {
	return &state{
		nextID:       1,
		events:       make(map[int64]storage.CurtailmentEvent),
		calculations: make(map[calcKey]storage.MiningCalculation),
		daily:        make(map[modelKey]storage.DailyAggregate),
		monthly:      make(map[modelKey]storage.MonthlyAggregate),
		yearly:       make(map[modelKey]storage.YearlyAggregate),
		difficulty:   make(map[dayKey]storage.DifficultyPoint),
		dateStates:   make(map[dayKey]storage.DateState),
	}
}

func (s *state) clone() *state {
	c := newState()
	c.nextID = s.nextID
	for k, v := range s.events {
		c.events[k] = v
	}
	for k, v := range s.calculations {
		c.calculations[k] = v
	}
	for k, v := range s.daily {
		c.daily[k] = v
	}
	for k, v := range s.monthly {
		c.monthly[k] = v
	}
	for k, v := range s.yearly {
		c.yearly[k] = v
	}
	for k, v := range s.difficulty {
		c.difficulty[k] = v
	}
	for k, v := range s.dateStates {
		c.dateStates[k] = v
	}
	return c
}

// Store holds the committed state. Units of work run one at a time.
type Store struct {
	mu    sync.RWMutex
	txMu  sync.Mutex
	state *state
}

// New returns an empty store.
func New() *Store {
	return &Store{state: newState()}
}

func key(t time.Time) dayKey {
	return t.UTC().Format("2006-01-02")
}

func (s *Store) snapshot() *state {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// InsertEvents appends raw events, assigning ids when missing.
func (s *Store) InsertEvents(events ...storage.CurtailmentEvent) []storage.CurtailmentEvent {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state.clone()
	out := make([]storage.CurtailmentEvent, 0, len(events))
	for _, ev := range events {
		if ev.ID == 0 {
			ev.ID = next.nextID
		}
		if ev.ID >= next.nextID {
			next.nextID = ev.ID + 1
		}
		next.events[ev.ID] = ev
		out = append(out, ev)
	}
	s.state = next
	return out
}

// Seed loads already-derived rows as committed state, overwriting matching keys.
func (s *Store) Seed(calcs []storage.MiningCalculation, daily []storage.DailyAggregate, monthly []storage.MonthlyAggregate, yearly []storage.YearlyAggregate) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state.clone()
	for _, c := range calcs {
		next.calculations[calcKey{date: key(c.Date), CalculationKey: c.Key()}] = c
	}
	for _, d := range daily {
		next.daily[modelKey{period: key(d.Date), model: d.Model}] = d
	}
	for _, m := range monthly {
		next.monthly[modelKey{period: m.YearMonth, model: m.Model}] = m
	}
	for _, y := range yearly {
		next.yearly[modelKey{period: fmt.Sprint(y.Year), model: y.Model}] = y
	}
	s.state = next
}

// InTx applies fn to a private copy of the state and commits it when fn succeeds.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	working := s.snapshot().clone()
	if err := fn(ctx, &tx{reader{st: working}}); err != nil {
		return err
	}

	s.mu.Lock()
	s.state = working
	s.mu.Unlock()
	return nil
}

// ListEvents lists events for dates in [from, to).
func (s *Store) ListEvents(ctx context.Context, from, to time.Time) ([]storage.CurtailmentEvent, error) {
	return reader{st: s.snapshot()}.ListEvents(ctx, from, to)
}

// ListCalculations lists calculations for dates in [from, to).
func (s *Store) ListCalculations(ctx context.Context, from, to time.Time) ([]storage.MiningCalculation, error) {
	return reader{st: s.snapshot()}.ListCalculations(ctx, from, to)
}

// ListDailyAggregates lists daily rows for dates in [from, to).
func (s *Store) ListDailyAggregates(ctx context.Context, from, to time.Time) ([]storage.DailyAggregate, error) {
	return reader{st: s.snapshot()}.ListDailyAggregates(ctx, from, to)
}

// ListMonthlyAggregates lists monthly rows of a year.
func (s *Store) ListMonthlyAggregates(ctx context.Context, year int) ([]storage.MonthlyAggregate, error) {
	return reader{st: s.snapshot()}.ListMonthlyAggregates(ctx, year)
}

// ListYearlyAggregates lists yearly rows in [fromYear, toYear].
func (s *Store) ListYearlyAggregates(ctx context.Context, fromYear, toYear int) ([]storage.YearlyAggregate, error) {
	return reader{st: s.snapshot()}.ListYearlyAggregates(ctx, fromYear, toYear)
}

// CountIntervals reports distinct intervals per date.
func (s *Store) CountIntervals(ctx context.Context, from, to time.Time) ([]storage.IntervalCoverage, error) {
	return reader{st: s.snapshot()}.CountIntervals(ctx, from, to)
}

// SaveDateState records an outcome outside a unit of work.
func (s *Store) SaveDateState(ctx context.Context, st storage.DateState) error {
	return s.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.SaveDateState(ctx, st)
	})
}

// ListDateStates lists recorded outcomes for dates in [from, to).
func (s *Store) ListDateStates(_ context.Context, from, to time.Time) ([]storage.DateState, error) {
	st := s.snapshot()
	out := make([]storage.DateState, 0)
	for _, ds := range st.dateStates {
		if inRange(ds.Date, from, to) {
			out = append(out, ds)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

// DifficultyAt returns the latest difficulty effective at or before date.
func (s *Store) DifficultyAt(_ context.Context, date time.Time) (storage.DifficultyPoint, error) {
	st := s.snapshot()
	var (
		best  storage.DifficultyPoint
		found bool
	)
	for _, p := range st.difficulty {
		if p.EffectiveDate.After(date) {
			continue
		}
		if !found || p.EffectiveDate.After(best.EffectiveDate) {
			best, found = p, true
		}
	}
	if !found {
		return storage.DifficultyPoint{}, storage.ErrNotFound
	}
	return best, nil
}

// UpsertDifficulty stores points keyed by effective date.
func (s *Store) UpsertDifficulty(_ context.Context, points []storage.DifficultyPoint) (int64, error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state.clone()
	var n int64
	for _, p := range points {
		k := key(p.EffectiveDate)
		if prev, ok := next.difficulty[k]; ok && prev.Difficulty.Equal(p.Difficulty) {
			continue
		}
		next.difficulty[k] = p
		n++
	}
	s.state = next
	return n, nil
}

func inRange(t, from, to time.Time) bool {
	return !t.Before(from) && t.Before(to)
}

type reader struct {
	st *state
}

func (r reader) ListEvents(_ context.Context, from, to time.Time) ([]storage.CurtailmentEvent, error) {
	out := make([]storage.CurtailmentEvent, 0)
	for _, ev := range r.st.events {
		if inRange(ev.Date, from, to) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		if a.Interval != b.Interval {
			return a.Interval < b.Interval
		}
		if a.SourceID != b.SourceID {
			return a.SourceID < b.SourceID
		}
		if !a.IngestedAt.Equal(b.IngestedAt) {
			return a.IngestedAt.Before(b.IngestedAt)
		}
		return a.ID < b.ID
	})
	return out, nil
}

func (r reader) ListCalculations(_ context.Context, from, to time.Time) ([]storage.MiningCalculation, error) {
	out := make([]storage.MiningCalculation, 0)
	for _, c := range r.st.calculations {
		if inRange(c.Date, from, to) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		if a.Interval != b.Interval {
			return a.Interval < b.Interval
		}
		if a.SourceID != b.SourceID {
			return a.SourceID < b.SourceID
		}
		return a.Model < b.Model
	})
	return out, nil
}

func (r reader) ListDailyAggregates(_ context.Context, from, to time.Time) ([]storage.DailyAggregate, error) {
	out := make([]storage.DailyAggregate, 0)
	for _, d := range r.st.daily {
		if inRange(d.Date, from, to) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].Model < out[j].Model
	})
	return out, nil
}

func (r reader) ListMonthlyAggregates(_ context.Context, year int) ([]storage.MonthlyAggregate, error) {
	prefix := fmt.Sprintf("%04d-", year)
	out := make([]storage.MonthlyAggregate, 0)
	for _, m := range r.st.monthly {
		if strings.HasPrefix(m.YearMonth, prefix) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].YearMonth != out[j].YearMonth {
			return out[i].YearMonth < out[j].YearMonth
		}
		return out[i].Model < out[j].Model
	})
	return out, nil
}

func (r reader) ListYearlyAggregates(_ context.Context, fromYear, toYear int) ([]storage.YearlyAggregate, error) {
	out := make([]storage.YearlyAggregate, 0)
	for _, y := range r.st.yearly {
		if y.Year >= fromYear && y.Year <= toYear {
			out = append(out, y)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Year != out[j].Year {
			return out[i].Year < out[j].Year
		}
		return out[i].Model < out[j].Model
	})
	return out, nil
}

func (r reader) CountIntervals(_ context.Context, from, to time.Time) ([]storage.IntervalCoverage, error) {
	seen := make(map[dayKey]map[int]struct{})
	dates := make(map[dayKey]time.Time)
	for _, ev := range r.st.events {
		if !inRange(ev.Date, from, to) {
			continue
		}
		k := key(ev.Date)
		if seen[k] == nil {
			seen[k] = make(map[int]struct{})
			dates[k] = ev.Date
		}
		seen[k][ev.Interval] = struct{}{}
	}
	out := make([]storage.IntervalCoverage, 0, len(seen))
	for k, intervals := range seen {
		out = append(out, storage.IntervalCoverage{Date: dates[k], Intervals: len(intervals)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

type tx struct {
	reader
}

// Locks are no-ops: units of work are already serialised by the store.
func (t *tx) LockDate(context.Context, time.Time) error { return nil }

func (t *tx) LockMonth(context.Context, time.Time) error { return nil }

func (t *tx) LockYear(context.Context, int) error { return nil }

func (t *tx) DeleteEvents(_ context.Context, ids []int64) (int64, error) {
	var n int64
	for _, id := range ids {
		if _, ok := t.st.events[id]; ok {
			delete(t.st.events, id)
			n++
		}
	}
	return n, nil
}

func (t *tx) UpsertCalculations(_ context.Context, calcs []storage.MiningCalculation) (int64, error) {
	var n int64
	for _, c := range calcs {
		k := calcKey{date: key(c.Date), CalculationKey: c.Key()}
		if prev, ok := t.st.calculations[k]; ok && prev.SameValues(c) {
			continue
		}
		t.st.calculations[k] = c
		n++
	}
	return n, nil
}

func (t *tx) DeleteCalculations(_ context.Context, date time.Time, keys []storage.CalculationKey) (int64, error) {
	var n int64
	for _, ck := range keys {
		k := calcKey{date: key(date), CalculationKey: ck}
		if _, ok := t.st.calculations[k]; ok {
			delete(t.st.calculations, k)
			n++
		}
	}
	return n, nil
}

func (t *tx) UpsertDailyAggregate(_ context.Context, agg storage.DailyAggregate) (bool, error) {
	k := modelKey{period: key(agg.Date), model: agg.Model}
	if prev, ok := t.st.daily[k]; ok && prev.Totals.Equal(agg.Totals) {
		return false, nil
	}
	t.st.daily[k] = agg
	return true, nil
}

func (t *tx) DeleteDailyAggregates(_ context.Context, date time.Time, models []string) (int64, error) {
	var n int64
	for _, m := range models {
		k := modelKey{period: key(date), model: m}
		if _, ok := t.st.daily[k]; ok {
			delete(t.st.daily, k)
			n++
		}
	}
	return n, nil
}

func (t *tx) UpsertMonthlyAggregate(_ context.Context, agg storage.MonthlyAggregate) (bool, error) {
	k := modelKey{period: agg.YearMonth, model: agg.Model}
	if prev, ok := t.st.monthly[k]; ok && prev.Totals.Equal(agg.Totals) {
		return false, nil
	}
	t.st.monthly[k] = agg
	return true, nil
}

func (t *tx) DeleteMonthlyAggregates(_ context.Context, yearMonth string, models []string) (int64, error) {
	var n int64
	for _, m := range models {
		k := modelKey{period: yearMonth, model: m}
		if _, ok := t.st.monthly[k]; ok {
			delete(t.st.monthly, k)
			n++
		}
	}
	return n, nil
}

func (t *tx) UpsertYearlyAggregate(_ context.Context, agg storage.YearlyAggregate) (bool, error) {
	k := modelKey{period: fmt.Sprint(agg.Year), model: agg.Model}
	if prev, ok := t.st.yearly[k]; ok && prev.Totals.Equal(agg.Totals) {
		return false, nil
	}
	t.st.yearly[k] = agg
	return true, nil
}

func (t *tx) DeleteYearlyAggregates(_ context.Context, year int, models []string) (int64, error) {
	var n int64
	for _, m := range models {
		k := modelKey{period: fmt.Sprint(year), model: m}
		if _, ok := t.st.yearly[k]; ok {
			delete(t.st.yearly, k)
			n++
		}
	}
	return n, nil
}

func (t *tx) SaveDateState(_ context.Context, ds storage.DateState) error {
	k := key(ds.Date)
	if ds.LastReconciledAt == nil {
		if prev, ok := t.st.dateStates[k]; ok {
			ds.LastReconciledAt = prev.LastReconciledAt
			ds.SkippedUnits = prev.SkippedUnits
		}
	}
	ds.SkippedUnits = append([]storage.CalculationKey(nil), ds.SkippedUnits...)
	t.st.dateStates[k] = ds
	return nil
}

var (
	_ storage.AggregateStore  = (*Store)(nil)
	_ storage.DifficultyStore = (*Store)(nil)
	_ storage.Tx              = (*tx)(nil)
)
