package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"curtailment-reconciler/internal/fetcher"
	"curtailment-reconciler/internal/period"
	"curtailment-reconciler/internal/storage"
)

// DifficultySync imports difficulty points from a node or explorer.
func (a *App) DifficultySync(ctx context.Context, opts DifficultySyncOptions) error {
	source, closeSource, err := a.newDifficultyFetcher(opts.Source)
	if err != nil {
		return err
	}
	defer closeSource()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	points, err := source.FetchDifficulty(ctx, opts.Since)
	if err != nil {
		return fmt.Errorf("fetch difficulty from %s: %w", opts.Source, err)
	}
	return a.storeDifficulty(ctx, store, points)
}

// DifficultySet records a manual difficulty effective from date.
func (a *App) DifficultySet(ctx context.Context, date time.Time, value decimal.Decimal) error {
	if value.Sign() <= 0 {
		return errors.New("difficulty must be positive")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	return a.storeDifficulty(ctx, store, []storage.DifficultyPoint{{
		EffectiveDate: period.Day(date),
		Difficulty:    value,
		Source:        fetcher.SourceManual,
		RecordedAt:    time.Now().UTC(),
	}})
}

func (a *App) storeDifficulty(ctx context.Context, store storage.DifficultyStore, points []storage.DifficultyPoint) error {
	if len(points) == 0 {
		fmt.Fprintln(a.Out, "no difficulty points to record")
		return nil
	}
	changed, err := store.UpsertDifficulty(ctx, points)
	if err != nil {
		return err
	}
	first, last := points[0].EffectiveDate, points[len(points)-1].EffectiveDate
	a.Logger.Info().Int("points", len(points)).Int64("changed", changed).Msg("difficulty recorded")
	_, err = fmt.Fprintf(a.Out, "recorded %d difficulty points (%d changed) from %s to %s\n",
		len(points), changed, period.FormatDay(first), period.FormatDay(last))
	return err
}
