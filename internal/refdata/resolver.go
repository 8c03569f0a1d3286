package refdata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"curtailment-reconciler/internal/period"
	"curtailment-reconciler/internal/storage"
)

// Resolution is a resolved reference value. Fallback is set when the value was taken
// from an earlier date than the one requested.
type Resolution struct {
	Value     decimal.Decimal
	Effective time.Time
	Fallback  bool
}

// Warning renders the fallback for inclusion in a report.
func (r Resolution) Warning(name string, date time.Time) string {
	return fmt.Sprintf("%s for %s missing; using value from %s (%s)",
		name, period.FormatDay(date), period.FormatDay(r.Effective), r.Value)
}

// Resolver supplies the reference values a yield estimate depends on.
type Resolver interface {
	ResolveDifficulty(ctx context.Context, date time.Time) (Resolution, error)
	ResolveBlockReward(ctx context.Context, date time.Time) (Resolution, error)
}

// DifficultySource is the persisted difficulty history.
type DifficultySource interface {
	DifficultyAt(ctx context.Context, date time.Time) (storage.DifficultyPoint, error)
}

// ScheduleResolver resolves difficulty from a DifficultySource and rewards from an
// epoch schedule.
type ScheduleResolver struct {
	difficulty DifficultySource
	rewards    *Schedule
	logger     zerolog.Logger
}

// NewScheduleResolver wires the difficulty history and reward epochs.
func NewScheduleResolver(difficulty DifficultySource, rewards *Schedule, logger zerolog.Logger) *ScheduleResolver {
	return &ScheduleResolver{
		difficulty: difficulty,
		rewards:    rewards,
		logger:     logger.With().Str("component", "refdata").Logger(),
	}
}

// ResolveDifficulty returns the difficulty recorded on date, or the nearest earlier one
// with Fallback set.
func (r *ScheduleResolver) ResolveDifficulty(ctx context.Context, date time.Time) (Resolution, error) {
	if r.difficulty == nil {
		return Resolution{}, fmt.Errorf("difficulty source not configured")
	}
	day := period.Day(date)
	point, err := r.difficulty.DifficultyAt(ctx, day)
	if errors.Is(err, storage.ErrNotFound) {
		return Resolution{}, fmt.Errorf("difficulty for %s: %w", period.FormatDay(day), ErrNoReference)
	}
	if err != nil {
		return Resolution{}, fmt.Errorf("difficulty for %s: %w", period.FormatDay(day), err)
	}

	res := Resolution{
		Value:     point.Difficulty,
		Effective: period.Day(point.EffectiveDate),
	}
	res.Fallback = !res.Effective.Equal(day)
	if res.Fallback {
		r.logger.Warn().
			Str("date", period.FormatDay(day)).
			Str("effective", period.FormatDay(res.Effective)).
			Str("difficulty", res.Value.String()).
			Msg("difficulty missing for date; falling back to earlier value")
	}
	return res, nil
}

// ResolveBlockReward returns the subsidy of the epoch containing date. Epochs are step
// changes, so an earlier effective date is the normal case and not a fallback.
func (r *ScheduleResolver) ResolveBlockReward(_ context.Context, date time.Time) (Resolution, error) {
	point, ok := r.rewards.At(date)
	if !ok {
		return Resolution{}, fmt.Errorf("block reward for %s: %w", period.FormatDay(date), ErrNoReference)
	}
	return Resolution{Value: point.Value, Effective: point.Effective}, nil
}

var _ Resolver = (*ScheduleResolver)(nil)
