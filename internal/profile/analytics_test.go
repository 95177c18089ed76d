// SPDX-FileCopyrightText: 2026 The Jouletrace Authors
// SPDX-License-Identifier: Apache-2.0

package profile

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func analyticsSession() *Session {
	return &Session{
		ID:                "s1",
		TotalEnergyJoules: 10.0,
		AveragePowerWatts: 2.0,
		PeakPowerWatts:    3.0,
		Checkpoints: []TimedCheckpoint{
			{Checkpoint: Checkpoint{ID: "a", Type: FunctionEnter, Name: "hot"}, EnergyJoules: 4.0},
			{Checkpoint: Checkpoint{ID: "b", Type: LoopStart, Name: "hot"}, EnergyJoules: 1.5},
			{Checkpoint: Checkpoint{ID: "c", Type: Expression, Name: "cold"}, EnergyJoules: 0.5},
			{Checkpoint: Checkpoint{ID: "d", Type: LoopStart, Name: "cold"}, EnergyJoules: 4.0},
		},
		LineEnergy: map[int]*SourceLineEnergy{
			10: {Line: 10, EnergyJoules: 6.0, ExecutionCount: 2},
			20: {Line: 20, EnergyJoules: 4.0, ExecutionCount: 1},
		},
	}
}

func TestFunctionBreakdown(t *testing.T) {
	s := analyticsSession()
	shares := FunctionBreakdown(s)
	require.Len(t, shares, 2)

	assert.Equal(t, "hot", shares[0].Name)
	assert.InDelta(t, 5.5, shares[0].EnergyJoules, 1e-9)
	assert.InDelta(t, 55.0, shares[0].Percent, 1e-9)
	assert.Equal(t, 2, shares[0].Count)

	assert.Equal(t, "cold", shares[1].Name)
	assert.InDelta(t, 45.0, shares[1].Percent, 1e-9)
}

func TestTypeBreakdown(t *testing.T) {
	shares := TypeBreakdown(analyticsSession())
	require.Len(t, shares, 3)
	assert.Equal(t, string(LoopStart), shares[0].Name)
	assert.InDelta(t, 5.5, shares[0].EnergyJoules, 1e-9)
}

func TestTopCheckpointsAndLines(t *testing.T) {
	s := analyticsSession()

	top := TopCheckpoints(s, 2)
	require.Len(t, top, 2)
	assert.InDelta(t, 4.0, top[0].EnergyJoules, 1e-9)
	assert.InDelta(t, 4.0, top[1].EnergyJoules, 1e-9)

	lines := TopLines(s, 1)
	require.Len(t, lines, 1)
	assert.Equal(t, 10, lines[0].Line)

	// n larger than available returns everything
	assert.Len(t, TopCheckpoints(s, 100), 4)
	assert.Len(t, TopLines(s, 100), 2)
}

func TestSuggestions(t *testing.T) {
	s := analyticsSession()
	got := Suggestions(s)

	joined := strings.Join(got, "\n")
	// both functions exceed 20% of session energy
	assert.Contains(t, joined, `"hot"`)
	assert.Contains(t, joined, `"cold"`)
	// loops hold 55% of energy, above the 30% threshold
	assert.Contains(t, joined, "loops account for 55.0%")
	// peak 3.0W is only 1.5x average 2.0W, so no burstiness hint
	assert.NotContains(t, joined, "bursty")

	s.PeakPowerWatts = 7.0
	got = Suggestions(s)
	assert.Contains(t, strings.Join(got, "\n"), "bursty")

	// zero-energy sessions produce no suggestions
	assert.Empty(t, Suggestions(&Session{}))
}

func TestCompareSessions(t *testing.T) {
	base := &Session{ID: "base", TotalEnergyJoules: 10.0, AveragePowerWatts: 2.0}
	other := &Session{ID: "other", TotalEnergyJoules: 8.0, AveragePowerWatts: 2.5}

	c := CompareSessions(base, other)
	assert.Equal(t, "base", c.BaseID)
	assert.Equal(t, "other", c.OtherID)
	assert.InDelta(t, -20.0, c.EnergyDeltaPercent, 1e-9)
	assert.InDelta(t, 25.0, c.PowerDeltaPercent, 1e-9)
}
