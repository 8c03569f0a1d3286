// Package refdata resolves date-keyed reference values (network difficulty, block reward)
// with most-recent-at-or-before semantics.
package refdata

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"curtailment-reconciler/internal/period"
)

// ErrNoReference means no value is known at or before the requested date.
var ErrNoReference = errors.New("refdata: no reference value at or before date")

// Point is a value effective from a calendar date onwards.
type Point struct {
	Effective time.Time
	Value     decimal.Decimal
}

// Schedule is an ordered step function of Points.
type Schedule struct {
	points []Point
}

// NewSchedule validates and sorts points. Values must be positive and effective dates
// unique.
func NewSchedule(points []Point) (*Schedule, error) {
	sorted := make([]Point, len(points))
	for i, p := range points {
		if p.Value.Sign() <= 0 {
			return nil, fmt.Errorf("schedule value for %s must be positive, got %s", period.FormatDay(p.Effective), p.Value)
		}
		sorted[i] = Point{Effective: period.Day(p.Effective), Value: p.Value}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Effective.Before(sorted[j].Effective) })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Effective.Equal(sorted[i-1].Effective) {
			return nil, fmt.Errorf("duplicate schedule entry for %s", period.FormatDay(sorted[i].Effective))
		}
	}
	return &Schedule{points: sorted}, nil
}

// At returns the point in force on date.
func (s *Schedule) At(date time.Time) (Point, bool) {
	if s == nil || len(s.points) == 0 {
		return Point{}, false
	}
	d := period.Day(date)
	idx := sort.Search(len(s.points), func(i int) bool { return s.points[i].Effective.After(d) })
	if idx == 0 {
		return Point{}, false
	}
	return s.points[idx-1], true
}

// Len reports the number of points.
func (s *Schedule) Len() int {
	if s == nil {
		return 0
	}
	return len(s.points)
}

// DefaultRewardEpochs is the Bitcoin subsidy schedule by halving date.
func DefaultRewardEpochs() []Point {
	return []Point{
		{Effective: time.Date(2009, 1, 3, 0, 0, 0, 0, time.UTC), Value: decimal.NewFromInt(50)},
		{Effective: time.Date(2012, 11, 28, 0, 0, 0, 0, time.UTC), Value: decimal.NewFromInt(25)},
		{Effective: time.Date(2016, 7, 9, 0, 0, 0, 0, time.UTC), Value: decimal.RequireFromString("12.5")},
		{Effective: time.Date(2020, 5, 11, 0, 0, 0, 0, time.UTC), Value: decimal.RequireFromString("6.25")},
		{Effective: time.Date(2024, 4, 20, 0, 0, 0, 0, time.UTC), Value: decimal.RequireFromString("3.125")},
	}
}
