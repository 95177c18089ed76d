// SPDX-FileCopyrightText: 2026 The Jouletrace Authors
// SPDX-License-Identifier: Apache-2.0

// Package profile implements checkpoint recording and the post-execution
// correlation that joins checkpoints to the coordinator's energy series.
package profile

import (
	"time"

	"github.com/jouletrace/jouletrace/internal/timer"
)

// CheckpointType classifies where in the measured code a checkpoint sits.
// The overhead compensation table is keyed by this.
type CheckpointType string

const (
	FunctionEnter CheckpointType = "function_enter"
	FunctionExit  CheckpointType = "function_exit"
	LoopStart     CheckpointType = "loop_start"
	Expression    CheckpointType = "expression"
	Call          CheckpointType = "call"
	Assignment    CheckpointType = "assignment"
)

// Checkpoint identifies one marker emitted by instrumented code.
type Checkpoint struct {
	ID      string
	Type    CheckpointType
	Name    string
	Line    int
	Context string

	// CoveredLines are the source lines this checkpoint stands for. Energy
	// is distributed evenly across them; when empty, Line gets it all.
	CoveredLines []int
}

// TimedCheckpoint is a Checkpoint plus its recording timestamp and the
// energy attribution computed during finalize. Energy fields are zero until
// the session is finalized.
type TimedCheckpoint struct {
	Checkpoint

	At   timer.Timestamp
	Wall time.Time

	EnergyJoules    float64
	PowerWatts      float64
	DurationSeconds float64
}

// SourceLineEnergy accumulates the energy attributed to one source line.
type SourceLineEnergy struct {
	Line           int
	Text           string
	EnergyJoules   float64
	ExecutionCount int
	AverageJoules  float64
	CheckpointIDs  []string
}

// Session is one measured run of a source file. It is mutated by checkpoint
// recording while active and becomes immutable once finalized.
type Session struct {
	ID         string
	SourceFile string
	Language   string

	StartedAt timer.Timestamp
	EndedAt   timer.Timestamp
	StartWall time.Time
	EndWall   time.Time

	Checkpoints []TimedCheckpoint
	LineEnergy  map[int]*SourceLineEnergy

	TotalEnergyJoules float64
	AveragePowerWatts float64
	PeakPowerWatts    float64

	// MeasurementValid is false when no provider data covered the session,
	// leaving all energy values zero.
	MeasurementValid bool

	Finalized bool
}

// DurationSeconds is the wall duration from session start to end.
func (s *Session) DurationSeconds() float64 {
	if s.EndedAt <= s.StartedAt {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt).Seconds()
}

// CheckpointWindowSeconds is the span between the first and last checkpoint,
// the denominator for average power.
func (s *Session) CheckpointWindowSeconds() float64 {
	if len(s.Checkpoints) < 2 {
		return 0
	}
	first := s.Checkpoints[0].At
	last := s.Checkpoints[len(s.Checkpoints)-1].At
	if last <= first {
		return 0
	}
	return last.Sub(first).Seconds()
}
