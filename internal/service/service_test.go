package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"curtailment-reconciler/internal/alerting"
	"curtailment-reconciler/internal/config"
	"curtailment-reconciler/internal/period"
	"curtailment-reconciler/internal/reconcile"
	"curtailment-reconciler/internal/storage"
	"curtailment-reconciler/internal/storage/memory"
)

type fakeReconciler struct {
	mu     sync.Mutex
	ranges []period.Range
	fail   bool
}

func (f *fakeReconciler) Reconcile(_ context.Context, rng period.Range) reconcile.Report {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ranges = append(f.ranges, rng)
	report := reconcile.Report{RunID: "run", Range: rng}
	for _, d := range rng.Dates() {
		o := reconcile.DateOutcome{Date: d, State: reconcile.StateReconciled}
		if f.fail && d.Equal(rng.To) {
			o = reconcile.DateOutcome{Date: d, State: reconcile.StateFailed, FailedIn: reconcile.StateCalculating, Reason: "boom"}
		}
		report.Outcomes = append(report.Outcomes, o)
	}
	return report
}

type fakeNotifier struct {
	notes []alerting.Notification
}

func (f *fakeNotifier) Notify(_ context.Context, n alerting.Notification) error {
	f.notes = append(f.notes, n)
	return nil
}

type fakeDifficulty struct {
	points []storage.DifficultyPoint
	err    error
}

func (f fakeDifficulty) FetchDifficulty(context.Context, time.Time) ([]storage.DifficultyPoint, error) {
	return f.points, f.err
}

func testConfig() *config.Config {
	return &config.Config{
		Scheduler: config.SchedulerConfig{LookbackDays: 3},
		Alerting:  config.AlertingConfig{Enabled: true, Cooldown: time.Hour, Channels: []string{"telegram"}},
	}
}

func TestWindow(t *testing.T) {
	svc := New(testConfig(), nil, &fakeReconciler{}, nil, nil, nil, zerolog.Nop())
	rng := svc.Window(time.Date(2024, 6, 10, 5, 0, 0, 0, time.UTC))

	assert.Equal(t, "2024-06-07..2024-06-09", rng.String())
	assert.Equal(t, 3, rng.Days())
}

func TestProcessBucketRefreshesDifficultyAndReconciles(t *testing.T) {
	store := memory.New()
	rec := &fakeReconciler{}
	diff := fakeDifficulty{points: []storage.DifficultyPoint{
		{EffectiveDate: time.Date(2024, 6, 9, 0, 0, 0, 0, time.UTC), Difficulty: decimal.NewFromInt(9e13), Source: "node"},
	}}
	notifier := &fakeNotifier{}
	svc := New(testConfig(), nil, rec, diff, store, notifier, zerolog.Nop())

	err := svc.ProcessBucket(context.Background(), time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	require.Len(t, rec.ranges, 1)
	assert.Equal(t, "2024-06-07..2024-06-09", rec.ranges[0].String())
	p, err := store.DifficultyAt(context.Background(), time.Date(2024, 6, 9, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "90000000000000", p.Difficulty.String())
	assert.Empty(t, notifier.notes)
}

func TestProcessBucketAlertsOnceWithinCooldown(t *testing.T) {
	rec := &fakeReconciler{fail: true}
	notifier := &fakeNotifier{}
	svc := New(testConfig(), nil, rec, fakeDifficulty{err: errors.New("offline")}, memory.New(), notifier, zerolog.Nop())
	clock := time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return clock }

	bucket := time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)
	assert.Error(t, svc.ProcessBucket(context.Background(), bucket))
	assert.Error(t, svc.ProcessBucket(context.Background(), bucket))
	require.Len(t, notifier.notes, 1)
	assert.Contains(t, notifier.notes[0].Lines[0], "2024-06-09 FAILED")

	clock = clock.Add(2 * time.Hour)
	assert.Error(t, svc.ProcessBucket(context.Background(), bucket))
	assert.Len(t, notifier.notes, 2)
}

func TestRunRequiresScheduler(t *testing.T) {
	svc := New(testConfig(), nil, &fakeReconciler{}, nil, nil, nil, zerolog.Nop())
	assert.Error(t, svc.Run(context.Background()))
}
