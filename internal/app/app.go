package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"curtailment-reconciler/internal/alerting"
	"curtailment-reconciler/internal/config"
	"curtailment-reconciler/internal/fetcher"
	"curtailment-reconciler/internal/period"
	"curtailment-reconciler/internal/reconcile"
	"curtailment-reconciler/internal/refdata"
	"curtailment-reconciler/internal/scheduler"
	"curtailment-reconciler/internal/service"
	"curtailment-reconciler/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Out    io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

// interruptible cancels ctx on SIGINT or SIGTERM.
func interruptible(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

// newDifficultyFetcher builds the named source. The returned closer is never nil.
func (a *App) newDifficultyFetcher(source string) (fetcher.DifficultyFetcher, func(), error) {
	switch source {
	case fetcher.SourceNode:
		cfg := a.Config.Difficulty.Node
		if cfg.RPCURL == "" {
			return nil, func() {}, errors.New("difficulty.node.rpc_url not configured")
		}
		node := fetcher.NewNode(fetcher.NodeOptions{
			RPCURL:   cfg.RPCURL,
			Username: cfg.Username,
			Password: cfg.Password,
			Timeout:  cfg.RequestTimeout,
		}, a.Logger)
		return node, node.Close, nil
	case fetcher.SourceExplorer:
		cfg := a.Config.Difficulty.Explorer
		if cfg.BaseURL == "" {
			return nil, func() {}, errors.New("difficulty.explorer.base_url not configured")
		}
		return fetcher.NewExplorer(fetcher.ExplorerOptions{
			BaseURL:   cfg.BaseURL,
			Timeout:   cfg.RequestTimeout,
			UserAgent: cfg.UserAgent,
		}, a.Logger), func() {}, nil
	default:
		return nil, func() {}, fmt.Errorf("unknown difficulty source %q", source)
	}
}

// scheduledDifficultySource prefers a configured node over the explorer.
func (a *App) scheduledDifficultySource() string {
	if a.Config.Difficulty.Node.RPCURL != "" {
		return fetcher.SourceNode
	}
	return fetcher.SourceExplorer
}

// rewardSchedule uses the configured epochs, or the halving schedule when none are set.
func (a *App) rewardSchedule() (*refdata.Schedule, error) {
	if len(a.Config.Rewards.Epochs) == 0 {
		return refdata.NewSchedule(refdata.DefaultRewardEpochs())
	}
	points := make([]refdata.Point, 0, len(a.Config.Rewards.Epochs))
	for i, e := range a.Config.Rewards.Epochs {
		effective, err := period.ParseDay(e.Effective)
		if err != nil {
			return nil, fmt.Errorf("rewards.epochs[%d]: %w", i, err)
		}
		reward, err := decimal.NewFromString(e.Reward)
		if err != nil {
			return nil, fmt.Errorf("rewards.epochs[%d]: %w", i, err)
		}
		points = append(points, refdata.Point{Effective: effective, Value: reward})
	}
	return refdata.NewSchedule(points)
}

func (a *App) newResolver(difficulty refdata.DifficultySource) (*refdata.ScheduleResolver, error) {
	rewards, err := a.rewardSchedule()
	if err != nil {
		return nil, err
	}
	return refdata.NewScheduleResolver(difficulty, rewards, a.Logger), nil
}

func (a *App) newReconciler(store storage.AggregateStore, difficulty refdata.DifficultySource, workers int) (*reconcile.Reconciler, error) {
	resolver, err := a.newResolver(difficulty)
	if err != nil {
		return nil, err
	}
	if workers <= 0 {
		workers = a.Config.Reconcile.Workers
	}
	return reconcile.New(store, resolver, reconcile.Options{
		Models:          a.Config.HardwareProfiles(),
		IntervalSeconds: a.Config.Reconcile.IntervalSeconds,
		Workers:         workers,
	}, a.Logger)
}

func (a *App) openPool(ctx context.Context) (*pgxpool.Pool, error) {
	if a.Config.Database.DSN == "" {
		return nil, errors.New("database.dsn not configured")
	}
	return storage.NewPool(ctx, a.Config.Database)
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	pool, err := a.openPool(ctx)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// Migrate applies pending schema migrations.
func (a *App) Migrate(ctx context.Context) error {
	pool, err := a.openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	applied, err := storage.Migrate(ctx, pool, a.Logger)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		fmt.Fprintln(a.Out, "schema up to date")
		return nil
	}
	for _, name := range applied {
		fmt.Fprintf(a.Out, "applied %s\n", name)
	}
	return nil
}

// Run executes the long-running reconcile service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := interruptible(ctx)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	rec, err := a.newReconciler(store, store, 0)
	if err != nil {
		return err
	}

	diff, closeDiff, err := a.newDifficultyFetcher(a.scheduledDifficultySource())
	if err != nil {
		a.Logger.Warn().Err(err).Msg("difficulty refresh disabled")
		diff = nil
	}
	defer closeDiff()

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		RunAtStart:   true,
	}, a.Logger)

	svc := service.New(a.Config, sched, rec, diff, store, a.newNotifier(), a.Logger)

	a.Logger.Info().Int("lookback_days", a.Config.Scheduler.LookbackDays).Msg("starting reconcile service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("reconcile service stopped")
	return nil
}

// ReconcileOptions configure a one-off reconcile run.
type ReconcileOptions struct {
	Range   period.Range
	Workers int
	DryRun  bool
	Notify  bool
}

// AuditOptions configure the audit command.
type AuditOptions struct {
	Range  period.Range
	Notify bool
}

// Show levels.
const (
	LevelDaily   = "daily"
	LevelMonthly = "monthly"
	LevelYearly  = "yearly"
	LevelState   = "state"
)

// ShowOptions configure the show command.
type ShowOptions struct {
	Level string
	Range period.Range
	Model string
}

// ExportOptions hold parameters for exporting daily aggregates.
type ExportOptions struct {
	Range     period.Range
	Model     string
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// DifficultySyncOptions configure a difficulty import.
type DifficultySyncOptions struct {
	Source string
	Since  time.Time
}

// EstimateOptions configure a what-if yield estimate.
type EstimateOptions struct {
	Date       time.Time
	EnergyMWh  decimal.Decimal
	Model      string
	Difficulty decimal.Decimal // zero resolves from storage
}
