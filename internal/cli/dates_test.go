package cli

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRange(t *testing.T) {
	rng, err := parseRange("2024-06-01", "")
	require.NoError(t, err)
	assert.Equal(t, "2024-06-01..2024-06-01", rng.String())

	rng, err = parseRange("2024-06-01", "2024-06-30")
	require.NoError(t, err)
	assert.Equal(t, 30, rng.Days())

	_, err = parseRange("", "2024-06-30")
	assert.Error(t, err)
	_, err = parseRange("2024-06-30", "2024-06-01")
	assert.ErrorContains(t, err, "--from must not be after --to")
	_, err = parseRange("06/01/2024", "")
	assert.ErrorContains(t, err, "invalid --from")
}

func TestDefaultRange(t *testing.T) {
	now := time.Date(2024, 6, 10, 15, 0, 0, 0, time.UTC)
	rng, err := defaultRange("", "", 7, now)
	require.NoError(t, err)
	assert.Equal(t, "2024-06-03..2024-06-09", rng.String())

	rng, err = defaultRange("2024-01-01", "", 7, now)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01..2024-01-01", rng.String())
}

func TestCommandTree(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "migrate", "reconcile", "audit", "show", "export", "difficulty", "estimate", "version"} {
		assert.True(t, names[want], "missing command %s", want)
	}

	sub := map[string]bool{}
	for _, c := range difficultyCmd.Commands() {
		sub[c.Name()] = true
	}
	assert.True(t, sub["sync"])
	assert.True(t, sub["set"])
}
