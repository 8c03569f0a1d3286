// Package yield estimates the proof-of-work output that curtailed energy could have
// produced on a given mining hardware model.
package yield

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Precision is the number of decimal places an estimate is rounded to.
const Precision int32 = 8

// ErrInvalidInput is returned for non-positive difficulty, power, interval or reward.
var ErrInvalidInput = errors.New("yield: invalid input")

var (
	joulesPerMWh = decimal.NewFromInt(3_600_000_000)
	twoPow32     = decimal.NewFromInt(1 << 32)
	terahash     = decimal.NewFromInt(1_000_000_000_000)
)

// Hardware describes one mining hardware profile.
type Hardware struct {
	Model      string
	Hashrate   decimal.Decimal // hashes per second
	PowerWatts decimal.Decimal
}

// NewHardware builds a profile from the TH/s and watt figures printed on spec sheets.
func NewHardware(model string, hashrateTHs, powerWatts float64) Hardware {
	return Hardware{
		Model:      model,
		Hashrate:   decimal.NewFromFloat(hashrateTHs).Mul(terahash),
		PowerWatts: decimal.NewFromFloat(powerWatts),
	}
}

// Validate reports whether the profile can power at least a fraction of a unit.
func (h Hardware) Validate() error {
	if h.PowerWatts.Sign() <= 0 {
		return fmt.Errorf("%w: hardware %q power draw must be positive, got %s", ErrInvalidInput, h.Model, h.PowerWatts)
	}
	if h.Hashrate.Sign() < 0 {
		return fmt.Errorf("%w: hardware %q hashrate cannot be negative, got %s", ErrInvalidInput, h.Model, h.Hashrate)
	}
	return nil
}

// Input bundles the values a single estimate depends on.
type Input struct {
	EnergyMWh       decimal.Decimal // curtailed magnitude, non-negative
	Hardware        Hardware
	Difficulty      decimal.Decimal
	IntervalSeconds int64
	BlockReward     decimal.Decimal
}

// Validate checks every input before any arithmetic runs.
func (in Input) Validate() error {
	if in.Difficulty.Sign() <= 0 {
		return fmt.Errorf("%w: difficulty must be positive, got %s", ErrInvalidInput, in.Difficulty)
	}
	if in.IntervalSeconds <= 0 {
		return fmt.Errorf("%w: interval seconds must be positive, got %d", ErrInvalidInput, in.IntervalSeconds)
	}
	if in.BlockReward.Sign() <= 0 {
		return fmt.Errorf("%w: block reward must be positive, got %s", ErrInvalidInput, in.BlockReward)
	}
	if in.EnergyMWh.Sign() < 0 {
		return fmt.Errorf("%w: curtailed energy must not be negative, got %s", ErrInvalidInput, in.EnergyMWh)
	}
	return in.Hardware.Validate()
}

// UnitCount is the whole number of hardware units the energy could keep running for the
// full interval.
func UnitCount(energyMWh decimal.Decimal, hw Hardware, intervalSeconds int64) decimal.Decimal {
	perUnit := hw.PowerWatts.Mul(decimal.NewFromInt(intervalSeconds))
	if perUnit.Sign() <= 0 || energyMWh.Sign() <= 0 {
		return decimal.Zero
	}
	q, _ := energyMWh.Mul(joulesPerMWh).QuoRem(perUnit, 0)
	return q
}

// Estimate returns the expected block reward earned by the powered units:
//
//	units * hashrate * seconds * reward / (difficulty * 2^32)
//
// rounded half-up to Precision places. It never touches external state.
func Estimate(in Input) (decimal.Decimal, error) {
	if err := in.Validate(); err != nil {
		return decimal.Zero, err
	}

	units := UnitCount(in.EnergyMWh, in.Hardware, in.IntervalSeconds)
	if units.IsZero() {
		return decimal.Zero, nil
	}

	capacity := units.Mul(in.Hardware.Hashrate)
	numerator := capacity.Mul(decimal.NewFromInt(in.IntervalSeconds)).Mul(in.BlockReward)
	denominator := in.Difficulty.Mul(twoPow32)

	return numerator.DivRound(denominator, Precision), nil
}
