package yield

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func referenceFormula(energyMWh, hashrate, power, difficulty, seconds, reward float64) float64 {
	units := math.Floor(energyMWh * 3.6e9 / (power * seconds))
	return units * hashrate * seconds / (difficulty * math.Pow(2, 32)) * reward
}

func TestEstimateMatchesReferenceFormula(t *testing.T) {
	tests := []struct {
		name       string
		energy     float64
		hashrate   float64
		power      float64
		difficulty float64
		seconds    int64
		reward     float64
		want       string
	}{
		{"raw hashrate example", 10, 100, 3000, 1e14, 1800, 3.125, "0.00000000"},
		{"100 TH/s unit", 10, 100e12, 3000, 1e14, 1800, 3.125, "0.00873028"},
		{"S9 at previous epoch", 2.5, 13.5e12, 1323, 2e13, 1800, 6.25, "0.00668149"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := Input{
				EnergyMWh: decimal.NewFromFloat(tt.energy),
				Hardware: Hardware{
					Model:      "test",
					Hashrate:   decimal.NewFromFloat(tt.hashrate),
					PowerWatts: decimal.NewFromFloat(tt.power),
				},
				Difficulty:      decimal.NewFromFloat(tt.difficulty),
				IntervalSeconds: tt.seconds,
				BlockReward:     decimal.NewFromFloat(tt.reward),
			}

			got, err := Estimate(in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.StringFixed(Precision))

			ref := referenceFormula(tt.energy, tt.hashrate, tt.power, tt.difficulty, float64(tt.seconds), tt.reward)
			assert.InDelta(t, ref, got.InexactFloat64(), 5e-9)
		})
	}
}

func TestEstimateIsDeterministic(t *testing.T) {
	in := Input{
		EnergyMWh:       decimal.RequireFromString("47.318"),
		Hardware:        NewHardware("S19J_PRO", 100, 3050),
		Difficulty:      decimal.RequireFromString("83148355189239.77"),
		IntervalSeconds: 1800,
		BlockReward:     decimal.RequireFromString("3.125"),
	}

	first, err := Estimate(in)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		again, err := Estimate(in)
		require.NoError(t, err)
		assert.True(t, first.Equal(again))
	}
}

func TestEstimateZeroUnits(t *testing.T) {
	in := Input{
		EnergyMWh:       decimal.RequireFromString("0.001"),
		Hardware:        NewHardware("M20S", 68, 3360),
		Difficulty:      decimal.NewFromInt(1e14),
		IntervalSeconds: 1800,
		BlockReward:     decimal.RequireFromString("3.125"),
	}
	got, err := Estimate(in)
	require.NoError(t, err)
	assert.True(t, got.IsZero())
}

func TestEstimateRejectsInvalidInput(t *testing.T) {
	base := Input{
		EnergyMWh:       decimal.NewFromInt(10),
		Hardware:        NewHardware("S9", 13.5, 1323),
		Difficulty:      decimal.NewFromInt(1e14),
		IntervalSeconds: 1800,
		BlockReward:     decimal.RequireFromString("3.125"),
	}

	cases := map[string]func(in *Input){
		"zero difficulty":     func(in *Input) { in.Difficulty = decimal.Zero },
		"negative difficulty": func(in *Input) { in.Difficulty = decimal.NewFromInt(-1) },
		"negative power":      func(in *Input) { in.Hardware.PowerWatts = decimal.NewFromInt(-5) },
		"zero interval":       func(in *Input) { in.IntervalSeconds = 0 },
		"zero reward":         func(in *Input) { in.BlockReward = decimal.Zero },
		"negative energy":     func(in *Input) { in.EnergyMWh = decimal.NewFromInt(-3) },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in := base
			mutate(&in)
			_, err := Estimate(in)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestUnitCountFloors(t *testing.T) {
	hw := Hardware{Model: "x", Hashrate: decimal.NewFromInt(1), PowerWatts: decimal.NewFromInt(3000)}
	assert.Equal(t, "6666", UnitCount(decimal.NewFromInt(10), hw, 1800).String())
	assert.True(t, UnitCount(decimal.Zero, hw, 1800).IsZero())
}

func TestNewHardwareConvertsTerahash(t *testing.T) {
	hw := NewHardware("S19J_PRO", 100, 3050)
	assert.Equal(t, "100000000000000", hw.Hashrate.String())
	assert.Equal(t, "3050", hw.PowerWatts.String())
}
