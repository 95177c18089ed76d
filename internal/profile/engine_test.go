// SPDX-FileCopyrightText: 2026 The Jouletrace Authors
// SPDX-License-Identifier: Apache-2.0

package profile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jouletrace/jouletrace/internal/coordinator"
	"github.com/jouletrace/jouletrace/internal/device"
	"github.com/jouletrace/jouletrace/internal/timer"
)

// stubSource serves a fixed sample series for every provider name.
type stubSource struct {
	names   []string
	samples []coordinator.Sample
}

func (s *stubSource) ProviderNames() []string { return s.names }
func (s *stubSource) Series(string) ([]coordinator.Sample, error) {
	return s.samples, nil
}

// linearSource generates a 10W linear ramp on demand, covering from process
// start to the moment Series is called.
type linearSource struct {
	clk   *timer.PrecisionTimer
	watts float64
}

func (l *linearSource) ProviderNames() []string { return []string{"linear"} }
func (l *linearSource) Series(string) ([]coordinator.Sample, error) {
	end := l.clk.Now() + timer.Timestamp(100*time.Millisecond)
	step := timer.Timestamp(time.Millisecond)
	var out []coordinator.Sample
	for t := timer.Timestamp(0); t <= end; t += step {
		out = append(out, coordinator.Sample{
			At: t,
			Reading: device.Reading{
				At:         t,
				Cumulative: device.Energy(l.watts * t.Seconds() * 1e6),
				Valid:      true,
			},
		})
	}
	return out, nil
}

// recordingSink captures persisted sessions.
type recordingSink struct {
	sessions []*Session
}

func (r *recordingSink) Persist(s *Session) error {
	r.sessions = append(r.sessions, s)
	return nil
}

func sampleAt(t timer.Timestamp, joules float64) coordinator.Sample {
	return coordinator.Sample{
		At: t,
		Reading: device.Reading{
			At:         t,
			Cumulative: device.Energy(joules * 1e6),
			Valid:      true,
		},
	}
}

func TestMultiSinkFansOut(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	sink := MultiSink{a, b}

	s := &Session{ID: "s1"}
	require.NoError(t, sink.Persist(s))
	assert.Len(t, a.sessions, 1)
	assert.Len(t, b.sessions, 1)
}

type failingSink struct{}

func (failingSink) Persist(*Session) error { return assert.AnError }

func TestMultiSinkCollectsErrors(t *testing.T) {
	a := &recordingSink{}
	sink := MultiSink{failingSink{}, a}

	err := sink.Persist(&Session{ID: "s1"})
	assert.Error(t, err)
	// the failing sink does not stop the others
	assert.Len(t, a.sessions, 1)
}

func TestStartSessionIDsAreUnique(t *testing.T) {
	e := NewEngine(timer.New(), &stubSource{})

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := e.StartSession("script.py", "python")
		assert.NotEmpty(t, id)
		assert.False(t, seen[id], "duplicate session id %s", id)
		seen[id] = true
	}
	assert.Len(t, e.ActiveSessions(), 100)
}

func TestRecordCheckpointUnknownSession(t *testing.T) {
	e := NewEngine(timer.New(), &stubSource{})
	assert.False(t, e.RecordCheckpoint("nope", Checkpoint{ID: "cp"}))
}

func TestEndSessionUnknownID(t *testing.T) {
	e := NewEngine(timer.New(), &stubSource{})
	id := e.StartSession("script.py", "python")
	e.RecordCheckpoint(id, Checkpoint{ID: "cp1"})

	s, ok := e.EndSession("nope")
	assert.False(t, ok)
	assert.Nil(t, s)

	// The existing session is untouched by the failed call.
	assert.Equal(t, []string{id}, e.ActiveSessions())
}

func TestEndSessionTwiceFailsCleanly(t *testing.T) {
	e := NewEngine(timer.New(), &stubSource{})
	id := e.StartSession("script.py", "python")

	_, ok := e.EndSession(id)
	require.True(t, ok)

	s, ok := e.EndSession(id)
	assert.False(t, ok)
	assert.Nil(t, s)
}

func TestCorrelateAdjacentDeltas(t *testing.T) {
	// Cumulative energy 0J, 1J, 3J at the three checkpoint timestamps;
	// expect deltas of 1J and 2J and average power total/(t2-t0).
	t0 := timer.Timestamp(1e9)
	t1 := timer.Timestamp(2e9)
	t2 := timer.Timestamp(3e9)

	e := NewEngine(timer.New(), nil)
	s := &Session{
		Language:   "python",
		LineEnergy: map[int]*SourceLineEnergy{},
		Checkpoints: []TimedCheckpoint{
			{Checkpoint: Checkpoint{ID: "cp0", Type: FunctionEnter, Name: "f"}, At: t0},
			{Checkpoint: Checkpoint{ID: "cp1", Type: Expression, Name: "f"}, At: t1},
			{Checkpoint: Checkpoint{ID: "cp2", Type: FunctionExit, Name: "f"}, At: t2},
		},
	}
	series := [][]coordinator.Sample{{
		sampleAt(t0, 0.0),
		sampleAt(t1, 1.0),
		sampleAt(t2, 3.0),
	}}

	e.correlate(s, series)
	e.aggregate(s)

	assert.Equal(t, 0.0, s.Checkpoints[0].EnergyJoules)
	assert.InDelta(t, 1.0, s.Checkpoints[1].EnergyJoules, 1e-6)
	assert.InDelta(t, 2.0, s.Checkpoints[2].EnergyJoules, 1e-6)
	assert.InDelta(t, 1.0, s.Checkpoints[1].DurationSeconds, 1e-9)
	assert.InDelta(t, 1.0, s.Checkpoints[1].PowerWatts, 1e-6)
	assert.InDelta(t, 2.0, s.Checkpoints[2].PowerWatts, 1e-6)

	assert.InDelta(t, 3.0, s.TotalEnergyJoules, 1e-6)
	// average power = total / (t2 - t0)
	assert.InDelta(t, 1.5, s.AveragePowerWatts, 1e-6)
	assert.InDelta(t, 2.0, s.PeakPowerWatts, 1e-6)
	assert.True(t, s.MeasurementValid)
}

func TestInterpolateBetweenSamples(t *testing.T) {
	samples := []coordinator.Sample{
		sampleAt(timer.Timestamp(0), 0.0),
		sampleAt(timer.Timestamp(2e9), 4.0),
	}

	assert.InDelta(t, 2.0, interpolate(samples, timer.Timestamp(1e9)), 1e-6)
	// clamping outside the series
	assert.InDelta(t, 0.0, interpolate(samples, timer.Timestamp(-5)), 1e-6)
	assert.InDelta(t, 4.0, interpolate(samples, timer.Timestamp(9e9)), 1e-6)
	assert.Zero(t, interpolate(nil, timer.Timestamp(1)))
}

func TestCorrelateClampsNegativeDeltas(t *testing.T) {
	e := NewEngine(timer.New(), nil)
	s := &Session{
		LineEnergy: map[int]*SourceLineEnergy{},
		Checkpoints: []TimedCheckpoint{
			{Checkpoint: Checkpoint{ID: "a"}, At: timer.Timestamp(1e9)},
			{Checkpoint: Checkpoint{ID: "b"}, At: timer.Timestamp(2e9)},
		},
	}
	// Decreasing cumulative energy must not produce a negative delta.
	series := [][]coordinator.Sample{{
		sampleAt(timer.Timestamp(1e9), 5.0),
		sampleAt(timer.Timestamp(2e9), 3.0),
	}}

	e.correlate(s, series)
	e.aggregate(s)
	assert.Equal(t, 0.0, s.Checkpoints[1].EnergyJoules)
	assert.GreaterOrEqual(t, s.TotalEnergyJoules, 0.0)
}

func TestEndToEndLinearProvider(t *testing.T) {
	clk := timer.New()
	sink := &recordingSink{}
	comp := NewCompensator()
	comp.Calibrate("python", 0) // exact deltas for the assertion

	e := NewEngine(clk, &linearSource{clk: clk, watts: 10},
		WithSink(sink), WithCompensator(comp))

	id := e.StartSession("script.py", "python")
	require.True(t, e.RecordCheckpoint(id, Checkpoint{ID: "cp0", Type: FunctionEnter, Name: "work", Line: 1}))
	time.Sleep(20 * time.Millisecond)
	require.True(t, e.RecordCheckpoint(id, Checkpoint{ID: "cp1", Type: Expression, Name: "work", Line: 2}))
	time.Sleep(20 * time.Millisecond)
	require.True(t, e.RecordCheckpoint(id, Checkpoint{ID: "cp2", Type: FunctionExit, Name: "work", Line: 3}))

	s, ok := e.EndSession(id)
	require.True(t, ok)
	require.NotNil(t, s)
	assert.True(t, s.Finalized)
	require.Len(t, s.Checkpoints, 3)

	// 10W against the checkpoint window.
	window := s.CheckpointWindowSeconds()
	assert.InDelta(t, 10.0*window, s.TotalEnergyJoules, 10.0*window*0.02)
	assert.InDelta(t, 10.0, s.AveragePowerWatts, 0.2)
	assert.GreaterOrEqual(t, s.TotalEnergyJoules, 0.0)

	// Line mapping attributed energy to the checkpoint lines.
	assert.Contains(t, s.LineEnergy, 2)
	assert.Contains(t, s.LineEnergy, 3)

	// Hand-off reached the sink.
	require.Len(t, sink.sessions, 1)
	assert.Equal(t, s.ID, sink.sessions[0].ID)
}

func TestLineMappingDistributesCoveredLines(t *testing.T) {
	e := NewEngine(timer.New(), nil)
	s := &Session{
		LineEnergy: map[int]*SourceLineEnergy{},
		Checkpoints: []TimedCheckpoint{
			{
				Checkpoint:   Checkpoint{ID: "cp1", Line: 3, CoveredLines: []int{3, 4}},
				EnergyJoules: 2.0,
			},
			{
				Checkpoint:   Checkpoint{ID: "cp2", Line: 3},
				EnergyJoules: 1.0,
			},
		},
	}

	e.mapLines(s, []string{"package main", "", "work()", "more()"})

	require.Contains(t, s.LineEnergy, 3)
	require.Contains(t, s.LineEnergy, 4)

	line3 := s.LineEnergy[3]
	assert.InDelta(t, 2.0, line3.EnergyJoules, 1e-9) // 1.0 share + 1.0 direct
	assert.Equal(t, 2, line3.ExecutionCount)
	assert.InDelta(t, 1.0, line3.AverageJoules, 1e-9)
	assert.Equal(t, "work()", line3.Text)
	assert.ElementsMatch(t, []string{"cp1", "cp2"}, line3.CheckpointIDs)

	line4 := s.LineEnergy[4]
	assert.InDelta(t, 1.0, line4.EnergyJoules, 1e-9)
	assert.Equal(t, "more()", line4.Text)
}

func TestLoadSourceReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "script.py")
	require.NoError(t, os.WriteFile(path, []byte("import os\nprint('hi')\n"), 0o644))

	e := NewEngine(timer.New(), nil)
	lines := e.loadSource(path)
	require.GreaterOrEqual(t, len(lines), 2)
	assert.Equal(t, "import os", lines[0])

	// Missing file degrades to no line text, not an error.
	assert.Nil(t, e.loadSource(filepath.Join(dir, "missing.py")))
	assert.Nil(t, e.loadSource(""))
}
