package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/shopspring/decimal"

	"curtailment-reconciler/internal/period"
	"curtailment-reconciler/internal/refdata"
	"curtailment-reconciler/internal/yield"
)

// Estimate prints the yield an energy amount would produce on a date, for one model or
// every configured model. Difficulty comes from storage unless given explicitly.
func (a *App) Estimate(ctx context.Context, opts EstimateOptions) error {
	if opts.EnergyMWh.IsNegative() {
		opts.EnergyMWh = opts.EnergyMWh.Abs()
	}

	models, err := a.estimateModels(opts.Model)
	if err != nil {
		return err
	}

	var difficulty refdata.DifficultySource
	if opts.Difficulty.IsZero() {
		store, closeStore, err := a.openStore(ctx)
		if err != nil {
			return fmt.Errorf("difficulty lookup: %w", err)
		}
		defer closeStore()
		difficulty = store
	}

	resolver, err := a.newResolver(difficulty)
	if err != nil {
		return err
	}

	diff := refdata.Resolution{Value: opts.Difficulty, Effective: period.Day(opts.Date)}
	if opts.Difficulty.IsZero() {
		diff, err = resolver.ResolveDifficulty(ctx, opts.Date)
		if err != nil {
			return err
		}
		if diff.Fallback {
			fmt.Fprintln(a.Out, "warning:", diff.Warning("difficulty", opts.Date))
		}
	}
	reward, err := resolver.ResolveBlockReward(ctx, opts.Date)
	if err != nil {
		return err
	}

	return writeEstimates(a.Out, opts, models, diff.Value, reward.Value, a.Config.Reconcile.IntervalSeconds)
}

func (a *App) estimateModels(name string) ([]yield.Hardware, error) {
	profiles := a.Config.HardwareProfiles()
	if name == "" {
		return profiles, nil
	}
	for _, hw := range profiles {
		if hw.Model == name {
			return []yield.Hardware{hw}, nil
		}
	}
	return nil, errors.New("unknown hardware model " + name)
}

func writeEstimates(w io.Writer, opts EstimateOptions, models []yield.Hardware, difficulty, reward decimal.Decimal, intervalSeconds int64) error {
	fmt.Fprintf(w, "date %s, energy %s MWh, difficulty %s, block reward %s\n",
		period.FormatDay(opts.Date), opts.EnergyMWh, difficulty, reward)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Model\tUnits\tEstimated yield")
	for _, hw := range models {
		est, err := yield.Estimate(yield.Input{
			EnergyMWh:       opts.EnergyMWh,
			Hardware:        hw,
			Difficulty:      difficulty,
			IntervalSeconds: intervalSeconds,
			BlockReward:     reward,
		})
		if err != nil {
			return fmt.Errorf("estimate %s: %w", hw.Model, err)
		}
		units := yield.UnitCount(opts.EnergyMWh, hw, intervalSeconds)
		fmt.Fprintf(tw, "%s\t%s\t%s\n", hw.Model, units, formatDecimal(est, yield.Precision))
	}
	return tw.Flush()
}
