// SPDX-FileCopyrightText: 2026 The Jouletrace Authors
// SPDX-License-Identifier: Apache-2.0

package profile

import (
	"fmt"
	"sort"
)

// EnergyShare is one group's slice of a session's total energy.
type EnergyShare struct {
	Name         string
	EnergyJoules float64
	Percent      float64
	Count        int
}

// FunctionBreakdown groups checkpoint energy by function name, largest
// share first.
func FunctionBreakdown(s *Session) []EnergyShare {
	return breakdown(s, func(cp *TimedCheckpoint) string { return cp.Name })
}

// TypeBreakdown groups checkpoint energy by checkpoint type, largest share
// first.
func TypeBreakdown(s *Session) []EnergyShare {
	return breakdown(s, func(cp *TimedCheckpoint) string { return string(cp.Type) })
}

func breakdown(s *Session, key func(*TimedCheckpoint) string) []EnergyShare {
	groups := map[string]*EnergyShare{}
	for i := range s.Checkpoints {
		cp := &s.Checkpoints[i]
		k := key(cp)
		if k == "" {
			continue
		}
		g, ok := groups[k]
		if !ok {
			g = &EnergyShare{Name: k}
			groups[k] = g
		}
		g.EnergyJoules += cp.EnergyJoules
		g.Count++
	}

	out := make([]EnergyShare, 0, len(groups))
	for _, g := range groups {
		if s.TotalEnergyJoules > 0 {
			g.Percent = 100 * g.EnergyJoules / s.TotalEnergyJoules
		}
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EnergyJoules != out[j].EnergyJoules {
			return out[i].EnergyJoules > out[j].EnergyJoules
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// TopCheckpoints returns the n highest-energy checkpoints.
func TopCheckpoints(s *Session, n int) []TimedCheckpoint {
	cps := make([]TimedCheckpoint, len(s.Checkpoints))
	copy(cps, s.Checkpoints)
	sort.SliceStable(cps, func(i, j int) bool {
		return cps[i].EnergyJoules > cps[j].EnergyJoules
	})
	if n < len(cps) {
		cps = cps[:n]
	}
	return cps
}

// TopLines returns the n highest-energy source lines.
func TopLines(s *Session, n int) []SourceLineEnergy {
	lines := make([]SourceLineEnergy, 0, len(s.LineEnergy))
	for _, le := range s.LineEnergy {
		lines = append(lines, *le)
	}
	sort.Slice(lines, func(i, j int) bool {
		if lines[i].EnergyJoules != lines[j].EnergyJoules {
			return lines[i].EnergyJoules > lines[j].EnergyJoules
		}
		return lines[i].Line < lines[j].Line
	})
	if n < len(lines) {
		lines = lines[:n]
	}
	return lines
}

// Heuristic thresholds for optimization suggestions.
const (
	hotFunctionShare = 20.0 // percent of session energy
	hotLoopShare     = 30.0
	peakToAvgRatio   = 3.0
)

// Suggestions derives optimization hints from a finalized session. Pure:
// the session is not modified.
func Suggestions(s *Session) []string {
	var out []string
	if s.TotalEnergyJoules <= 0 {
		return out
	}

	for _, share := range FunctionBreakdown(s) {
		if share.Percent > hotFunctionShare {
			out = append(out, fmt.Sprintf(
				"function %q consumes %.1f%% of session energy (%.4f J); consider optimizing it",
				share.Name, share.Percent, share.EnergyJoules))
		}
	}

	var loopJoules float64
	for _, cp := range s.Checkpoints {
		if cp.Type == LoopStart {
			loopJoules += cp.EnergyJoules
		}
	}
	if pct := 100 * loopJoules / s.TotalEnergyJoules; pct > hotLoopShare {
		out = append(out, fmt.Sprintf(
			"loops account for %.1f%% of session energy; consider reducing iteration counts or hoisting work",
			pct))
	}

	if s.AveragePowerWatts > 0 && s.PeakPowerWatts > peakToAvgRatio*s.AveragePowerWatts {
		out = append(out, fmt.Sprintf(
			"peak power (%.2f W) is %.1fx the average (%.2f W); energy use is bursty, consider smoothing the workload",
			s.PeakPowerWatts, s.PeakPowerWatts/s.AveragePowerWatts, s.AveragePowerWatts))
	}

	return out
}

// SessionComparison contrasts two finalized sessions of the same code.
type SessionComparison struct {
	BaseID      string
	OtherID     string
	BaseJoules  float64
	OtherJoules float64

	// EnergyDeltaPercent is positive when other used more energy than base.
	EnergyDeltaPercent float64
	PowerDeltaPercent  float64
}

// CompareSessions reports the relative energy and power change from base to
// other.
func CompareSessions(base, other *Session) SessionComparison {
	c := SessionComparison{
		BaseID:      base.ID,
		OtherID:     other.ID,
		BaseJoules:  base.TotalEnergyJoules,
		OtherJoules: other.TotalEnergyJoules,
	}
	if base.TotalEnergyJoules > 0 {
		c.EnergyDeltaPercent = 100 * (other.TotalEnergyJoules - base.TotalEnergyJoules) / base.TotalEnergyJoules
	}
	if base.AveragePowerWatts > 0 {
		c.PowerDeltaPercent = 100 * (other.AveragePowerWatts - base.AveragePowerWatts) / base.AveragePowerWatts
	}
	return c
}
