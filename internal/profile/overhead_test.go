// SPDX-FileCopyrightText: 2026 The Jouletrace Authors
// SPDX-License-Identifier: Apache-2.0

package profile

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOverheadLookup(t *testing.T) {
	c := NewCompensator()

	// python baseline 5µJ, function_enter multiplier 1.2
	assert.InDelta(t, 6e-6, c.Overhead("python", FunctionEnter), 1e-12)
	assert.InDelta(t, 2.5e-6, c.Overhead("Python", Assignment), 1e-12)

	// unknown language falls back to the default baseline
	assert.InDelta(t, 2e-6, c.Overhead("cobol", FunctionExit), 1e-12)

	// unknown type keeps the language baseline
	assert.InDelta(t, 1e-6, c.Overhead("cpp", CheckpointType("weird")), 1e-12)
}

func TestCalibrateOverridesBaseline(t *testing.T) {
	c := NewCompensator()
	c.Calibrate("python", 10e-6)
	assert.InDelta(t, 12e-6, c.Overhead("python", FunctionEnter), 1e-12)
}

func TestApplySubtractsOnlyAboveSafetyMargin(t *testing.T) {
	c := NewCompensator()
	// function_exit in python: overhead 5µJ, safety threshold 10µJ
	cps := []TimedCheckpoint{
		{Checkpoint: Checkpoint{Type: FunctionExit}, EnergyJoules: 1.0, DurationSeconds: 0.5},
		{Checkpoint: Checkpoint{Type: FunctionExit}, EnergyJoules: 8e-6, DurationSeconds: 0.5},
		{Checkpoint: Checkpoint{Type: FunctionExit}, EnergyJoules: 10e-6, DurationSeconds: 0.5},
	}
	c.Apply("python", cps)

	assert.InDelta(t, 1.0-5e-6, cps[0].EnergyJoules, 1e-12)
	assert.InDelta(t, cps[0].EnergyJoules/0.5, cps[0].PowerWatts, 1e-12)

	// at or below 2x overhead the measurement is left untouched
	assert.InDelta(t, 8e-6, cps[1].EnergyJoules, 1e-12)
	assert.InDelta(t, 10e-6, cps[2].EnergyJoules, 1e-12)
}
