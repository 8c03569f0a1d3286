package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"curtailment-reconciler/internal/alerting"
	"curtailment-reconciler/internal/config"
	"curtailment-reconciler/internal/fetcher"
	"curtailment-reconciler/internal/period"
	"curtailment-reconciler/internal/reconcile"
	"curtailment-reconciler/internal/scheduler"
	"curtailment-reconciler/internal/storage"
)

// Reconciler runs a reconcile pass over a date range.
type Reconciler interface {
	Reconcile(ctx context.Context, rng period.Range) reconcile.Report
}

// Service re-reconciles a trailing window of dates on every scheduler tick.
type Service struct {
	scheduler  *scheduler.Scheduler
	reconciler Reconciler
	difficulty fetcher.DifficultyFetcher
	diffStore  storage.DifficultyStore
	notifier   alerting.Notifier
	logger     zerolog.Logger

	lookbackDays int
	channels     []string
	alertsOn     bool
	cooldown     time.Duration
	locker       storage.AdvisoryLocker
	lockKey      int64

	mu            sync.Mutex
	lastSignature string
	lastAlertAt   time.Time
	now           func() time.Time
}

// New constructs the scheduled reconcile service. difficulty and notifier may be nil.
func New(cfg *config.Config, sched *scheduler.Scheduler, rec Reconciler, difficulty fetcher.DifficultyFetcher, diffStore storage.DifficultyStore, notifier alerting.Notifier, logger zerolog.Logger) *Service {
	var locker storage.AdvisoryLocker
	if l, ok := diffStore.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		scheduler:    sched,
		reconciler:   rec,
		difficulty:   difficulty,
		diffStore:    diffStore,
		notifier:     notifier,
		logger:       logger.With().Str("component", "service").Logger(),
		lookbackDays: cfg.Scheduler.LookbackDays,
		channels:     cfg.Alerting.Channels,
		alertsOn:     cfg.Alerting.Enabled,
		cooldown:     cfg.Alerting.Cooldown,
		locker:       locker,
		lockKey:      cfg.Scheduler.AdvisoryLockKey,
		now:          time.Now,
	}
}

// Run begins the aligned reconcile loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.ProcessBucket)
}

// Window is the trailing range of complete dates reconciled for a bucket.
func (s *Service) Window(bucket time.Time) period.Range {
	days := s.lookbackDays
	if days <= 0 {
		days = 1
	}
	to := period.Day(bucket).AddDate(0, 0, -1)
	return period.Range{From: to.AddDate(0, 0, -(days - 1)), To: to}
}

// ProcessBucket 执行单个时间桶的对账逻辑。
func (s *Service) ProcessBucket(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("bucket", bucket).Msg("skip bucket because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	return s.executeBucket(ctx, bucket)
}

func (s *Service) executeBucket(ctx context.Context, bucket time.Time) error {
	rng := s.Window(bucket)
	s.refreshDifficulty(ctx, rng.From)

	report := s.reconciler.Reconcile(ctx, rng)
	s.logger.Info().Time("bucket", bucket).
		Str("range", rng.String()).
		Str("run_id", report.RunID).
		Int("reconciled", report.Reconciled()).
		Int("failed", len(report.Failed())).
		Msg("scheduled reconcile completed")

	s.alert(ctx, report)

	if failed := len(report.Failed()); failed > 0 {
		return fmt.Errorf("%d of %d dates failed", failed, len(report.Outcomes))
	}
	return nil
}

// refreshDifficulty records the latest difficulty before reconciling. Failures only
// log: the resolver falls back to the nearest earlier value.
func (s *Service) refreshDifficulty(ctx context.Context, since time.Time) {
	if s.difficulty == nil || s.diffStore == nil {
		return
	}
	points, err := s.difficulty.FetchDifficulty(ctx, since)
	if err != nil {
		s.logger.Warn().Err(err).Msg("difficulty refresh failed")
		return
	}
	if len(points) == 0 {
		return
	}
	n, err := s.diffStore.UpsertDifficulty(ctx, points)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to store difficulty")
		return
	}
	s.logger.Debug().Int("fetched", len(points)).Int64("changed", n).Msg("difficulty refreshed")
}

func (s *Service) alert(ctx context.Context, report reconcile.Report) {
	if !s.alertsOn || s.notifier == nil {
		return
	}
	note, ok := alerting.FromReconcile(report, s.channels)
	if !ok {
		return
	}

	signature := failureSignature(report)
	s.mu.Lock()
	now := s.now()
	if signature == s.lastSignature && s.cooldown > 0 && now.Sub(s.lastAlertAt) < s.cooldown {
		s.mu.Unlock()
		s.logger.Debug().Str("signature", signature).Msg("alert suppressed by cooldown")
		return
	}
	s.lastSignature = signature
	s.lastAlertAt = now
	s.mu.Unlock()

	if err := s.notifier.Notify(ctx, note); err != nil {
		s.logger.Error().Err(err).Str("run_id", report.RunID).Msg("failed to dispatch alert")
	}
}

func failureSignature(report reconcile.Report) string {
	var parts []string
	for _, o := range report.Failed() {
		parts = append(parts, period.FormatDay(o.Date)+"="+o.Reason)
	}
	return strings.Join(parts, ";")
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
