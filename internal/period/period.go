// Package period handles UTC settlement dates and the inclusive date ranges reconciled over.
package period

import (
	"errors"
	"fmt"
	"time"
)

// DateLayout is the calendar-day format used on the command line and in logs.
const DateLayout = "2006-01-02"

// YearMonthLayout formats monthly aggregate keys.
const YearMonthLayout = "2006-01"

// Day truncates t to midnight UTC of its calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDay parses a YYYY-MM-DD date.
func ParseDay(s string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return t, nil
}

// FormatDay renders the calendar date of t.
func FormatDay(t time.Time) string {
	return Day(t).Format(DateLayout)
}

// YearMonth returns the monthly aggregate key (YYYY-MM) containing t.
func YearMonth(t time.Time) string {
	return Day(t).Format(YearMonthLayout)
}

// ParseYearMonth parses a YYYY-MM key into the first day of that month.
func ParseYearMonth(s string) (time.Time, error) {
	t, err := time.ParseInLocation(YearMonthLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse year-month %q: %w", s, err)
	}
	return t, nil
}

// MonthBounds returns [first day of month, first day of next month).
func MonthBounds(t time.Time) (time.Time, time.Time) {
	d := Day(t)
	start := time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

// YearBounds returns [Jan 1, Jan 1 of next year).
func YearBounds(year int) (time.Time, time.Time) {
	start := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(1, 0, 0)
}

// Range is an inclusive span of calendar dates.
type Range struct {
	From time.Time
	To   time.Time
}

// NewRange normalises both ends to calendar days and checks ordering.
func NewRange(from, to time.Time) (Range, error) {
	r := Range{From: Day(from), To: Day(to)}
	if r.To.Before(r.From) {
		return Range{}, errors.New("range end is before range start")
	}
	return r, nil
}

// SingleDay is a range covering exactly one date.
func SingleDay(t time.Time) Range {
	d := Day(t)
	return Range{From: d, To: d}
}

// Dates lists every calendar date in the range in ascending order.
func (r Range) Dates() []time.Time {
	if r.To.Before(r.From) {
		return nil
	}
	dates := make([]time.Time, 0, r.Days())
	for d := r.From; !d.After(r.To); d = d.AddDate(0, 0, 1) {
		dates = append(dates, d)
	}
	return dates
}

// Days counts the dates in the range.
func (r Range) Days() int {
	if r.To.Before(r.From) {
		return 0
	}
	return int(r.To.Sub(r.From).Hours()/24) + 1
}

// End returns the exclusive upper bound (the day after To).
func (r Range) End() time.Time {
	return r.To.AddDate(0, 0, 1)
}

func (r Range) String() string {
	return FormatDay(r.From) + ".." + FormatDay(r.To)
}
