package cli

import (
	"fmt"
	"time"

	"curtailment-reconciler/internal/period"
)

// parseRange reads an inclusive --from/--to date pair. A missing --to means a single day.
func parseRange(from, to string) (period.Range, error) {
	if from == "" {
		return period.Range{}, fmt.Errorf("--from must be provided")
	}
	start, err := period.ParseDay(from)
	if err != nil {
		return period.Range{}, fmt.Errorf("invalid --from value: %w", err)
	}
	if to == "" {
		return period.SingleDay(start), nil
	}
	end, err := period.ParseDay(to)
	if err != nil {
		return period.Range{}, fmt.Errorf("invalid --to value: %w", err)
	}
	rng, err := period.NewRange(start, end)
	if err != nil {
		return period.Range{}, fmt.Errorf("--from must not be after --to")
	}
	return rng, nil
}

// defaultRange falls back to the trailing days ending yesterday when no bounds are given.
func defaultRange(from, to string, days int, now time.Time) (period.Range, error) {
	if from == "" && to == "" {
		end := period.Day(now).AddDate(0, 0, -1)
		return period.Range{From: end.AddDate(0, 0, -(days - 1)), To: end}, nil
	}
	return parseRange(from, to)
}
