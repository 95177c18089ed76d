// SPDX-FileCopyrightText: 2026 The Jouletrace Authors
// SPDX-License-Identifier: Apache-2.0

package profile

import (
	"strings"
	"sync"
)

// Instrumentation cost baselines in joules per checkpoint call, by language
// runtime. These are micro-benchmark calibration values, tunable through
// Calibrate, not behavioral guarantees.
var defaultLanguageOverhead = map[string]float64{
	"python":     5e-6,
	"cpp":        1e-6,
	"c++":        1e-6,
	"java":       3e-6,
	"javascript": 4e-6,
}

const fallbackOverheadJoules = 2e-6

// Checkpoint types differ in call cost relative to the language baseline.
var typeOverheadMultiplier = map[CheckpointType]float64{
	FunctionEnter: 1.2,
	FunctionExit:  1.0,
	LoopStart:     0.8,
	Expression:    0.6,
	Call:          1.0,
	Assignment:    0.5,
}

// Compensator subtracts calibrated instrumentation overhead from measured
// checkpoint energy. The subtraction is only applied when the measurement
// exceeds twice the overhead, so small measurements are never driven toward
// zero or negative.
type Compensator struct {
	mu       sync.RWMutex
	language map[string]float64
}

func NewCompensator() *Compensator {
	lang := make(map[string]float64, len(defaultLanguageOverhead))
	for k, v := range defaultLanguageOverhead {
		lang[k] = v
	}
	return &Compensator{language: lang}
}

// Calibrate overrides the per-call baseline for a language, typically from a
// one-time micro-benchmark on the deployment host.
func (c *Compensator) Calibrate(language string, joulesPerCall float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.language[strings.ToLower(language)] = joulesPerCall
}

// Overhead returns the estimated instrumentation cost in joules for one
// checkpoint of the given type in the given language.
func (c *Compensator) Overhead(language string, t CheckpointType) float64 {
	c.mu.RLock()
	base, ok := c.language[strings.ToLower(language)]
	c.mu.RUnlock()
	if !ok {
		base = fallbackOverheadJoules
	}

	mult, ok := typeOverheadMultiplier[t]
	if !ok {
		mult = 1.0
	}
	return base * mult
}

// Apply compensates every checkpoint in place and recomputes power for the
// ones it changed.
func (c *Compensator) Apply(language string, cps []TimedCheckpoint) {
	for i := range cps {
		overhead := c.Overhead(language, cps[i].Type)
		if cps[i].EnergyJoules > 2*overhead {
			cps[i].EnergyJoules -= overhead
			if cps[i].DurationSeconds > 0 {
				cps[i].PowerWatts = cps[i].EnergyJoules / cps[i].DurationSeconds
			}
		}
	}
}
