package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// CurtailmentEvent is one settlement-interval observation of curtailed energy.
type CurtailmentEvent struct {
	ID           int64
	Date         time.Time
	Interval     int
	SourceID     string
	SourceLabel  string
	EnergyMWh    decimal.Decimal // negative denotes curtailment
	Compensation decimal.Decimal
	IngestedAt   time.Time
}

// Key identifies the canonical slot an event belongs to within its date.
func (e CurtailmentEvent) Key() EventKey {
	return EventKey{Interval: e.Interval, SourceID: e.SourceID}
}

// CurtailedMWh is the non-negative magnitude fed to the yield calculator.
func (e CurtailmentEvent) CurtailedMWh() decimal.Decimal {
	return e.EnergyMWh.Abs()
}

// EventKey is (interval, source) within one date.
type EventKey struct {
	Interval int
	SourceID string
}

// CalculationKey is (interval, source, hardware model) within one date.
type CalculationKey struct {
	Interval int    `json:"interval"`
	SourceID string `json:"source_id"`
	Model    string `json:"model"`
}

// Event drops the model component.
func (k CalculationKey) Event() EventKey {
	return EventKey{Interval: k.Interval, SourceID: k.SourceID}
}

// MiningCalculation is the estimated yield of one event under one hardware model.
type MiningCalculation struct {
	Date           time.Time
	Interval       int
	SourceID       string
	Model          string
	EstimatedYield decimal.Decimal
	CurtailedMWh   decimal.Decimal
	Compensation   decimal.Decimal
	Difficulty     decimal.Decimal
	BlockReward    decimal.Decimal
	ComputedAt     time.Time
}

// Key returns the calculation's unique key within its date.
func (c MiningCalculation) Key() CalculationKey {
	return CalculationKey{Interval: c.Interval, SourceID: c.SourceID, Model: c.Model}
}

// SameValues reports whether two calculations would persist identically, ignoring
// the computation timestamp.
func (c MiningCalculation) SameValues(o MiningCalculation) bool {
	return c.EstimatedYield.Equal(o.EstimatedYield) &&
		c.CurtailedMWh.Equal(o.CurtailedMWh) &&
		c.Compensation.Equal(o.Compensation) &&
		c.Difficulty.Equal(o.Difficulty) &&
		c.BlockReward.Equal(o.BlockReward)
}

// Totals are the summed figures every aggregate level carries.
type Totals struct {
	Yield        decimal.Decimal
	EnergyMWh    decimal.Decimal
	Compensation decimal.Decimal
}

// Add returns the element-wise sum.
func (t Totals) Add(o Totals) Totals {
	return Totals{
		Yield:        t.Yield.Add(o.Yield),
		EnergyMWh:    t.EnergyMWh.Add(o.EnergyMWh),
		Compensation: t.Compensation.Add(o.Compensation),
	}
}

// Equal compares all three figures exactly.
func (t Totals) Equal(o Totals) bool {
	return t.Yield.Equal(o.Yield) && t.EnergyMWh.Equal(o.EnergyMWh) && t.Compensation.Equal(o.Compensation)
}

// ZeroTotals has every figure set to zero.
func ZeroTotals() Totals {
	return Totals{Yield: decimal.Zero, EnergyMWh: decimal.Zero, Compensation: decimal.Zero}
}

// CalculationTotals converts one calculation into its aggregate contribution.
func CalculationTotals(c MiningCalculation) Totals {
	return Totals{Yield: c.EstimatedYield, EnergyMWh: c.CurtailedMWh, Compensation: c.Compensation}
}

// DailyAggregate sums calculations for one date and model.
type DailyAggregate struct {
	Date  time.Time
	Model string
	Totals
	UpdatedAt time.Time
}

// MonthlyAggregate sums daily aggregates for one YYYY-MM and model.
type MonthlyAggregate struct {
	YearMonth string
	Model     string
	Totals
	UpdatedAt time.Time
}

// YearlyAggregate sums monthly aggregates for one year and model.
type YearlyAggregate struct {
	Year  int
	Model string
	Totals
	UpdatedAt time.Time
}

// DifficultyPoint is a network difficulty value effective from a date.
type DifficultyPoint struct {
	EffectiveDate time.Time
	Difficulty    decimal.Decimal
	Source        string
	RecordedAt    time.Time
}

// DateState records the last reconciliation outcome for a date.
type DateState struct {
	Date             time.Time
	State            string
	Reason           string
	RunID            string
	LastReconciledAt *time.Time
	UpdatedAt        time.Time
	// SkippedUnits are calculations that failed input validation during the last
	// successful run and were deliberately left unwritten.
	SkippedUnits []CalculationKey
}
