// SPDX-FileCopyrightText: 2026 The Jouletrace Authors
// SPDX-License-Identifier: Apache-2.0

package profile

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jouletrace/jouletrace/internal/coordinator"
	"github.com/jouletrace/jouletrace/internal/timer"
)

// SeriesSource is the slice of the coordinator the engine reads: buffered
// per-provider sample series to correlate checkpoints against.
type SeriesSource interface {
	ProviderNames() []string
	Series(provider string) ([]coordinator.Sample, error)
}

// Sink receives finalized sessions. Persistence failures are logged, never
// propagated; the in-memory session is already complete at hand-off time.
type Sink interface {
	Persist(*Session) error
}

// MultiSink fans a finalized session out to every sink, collecting errors.
type MultiSink []Sink

func (m MultiSink) Persist(s *Session) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Persist(s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Engine owns the active session map and runs the finalize pipeline at
// session end. It never touches hardware; all energy data comes from the
// coordinator's buffers.
type Engine struct {
	logger *slog.Logger
	clk    *timer.PrecisionTimer
	source SeriesSource
	sink   Sink

	recorder    *Recorder
	compensator *Compensator
	filter      FilterConfig

	mu     sync.Mutex
	active map[string]*Session
	seq    atomic.Uint64
}

// EngineOptionFn is a functional option for NewEngine.
type EngineOptionFn func(*Engine)

// WithEngineLogger sets the logger for the engine.
func WithEngineLogger(logger *slog.Logger) EngineOptionFn {
	return func(e *Engine) {
		e.logger = logger.With("service", "engine")
	}
}

// WithSink sets the storage hand-off target for finalized sessions.
func WithSink(sink Sink) EngineOptionFn {
	return func(e *Engine) {
		e.sink = sink
	}
}

// WithFilterConfig overrides the statistical-filtering calibration.
func WithFilterConfig(fc FilterConfig) EngineOptionFn {
	return func(e *Engine) {
		e.filter = fc
	}
}

// WithCompensator overrides the overhead compensation table.
func WithCompensator(c *Compensator) EngineOptionFn {
	return func(e *Engine) {
		e.compensator = c
	}
}

// NewEngine creates a correlation engine reading from the given source.
func NewEngine(clk *timer.PrecisionTimer, source SeriesSource, opts ...EngineOptionFn) *Engine {
	e := &Engine{
		logger:      slog.Default().With("service", "engine"),
		clk:         clk,
		source:      source,
		recorder:    NewRecorder(clk),
		compensator: NewCompensator(),
		filter:      DefaultFilterConfig(),
		active:      map[string]*Session{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Recorder returns the checkpoint recorder instrumented code should call.
func (e *Engine) Recorder() *Recorder {
	return e.recorder
}

// StartSession creates a session for the given source file and returns its
// id. Ids are unique within the process: wall time plus a sequence number.
func (e *Engine) StartSession(sourceFile, language string) string {
	now := time.Now()
	id := fmt.Sprintf("session_%s_%03d_%d",
		now.Format("20060102_150405"), now.Nanosecond()/1e6, e.seq.Add(1))

	s := &Session{
		ID:         id,
		SourceFile: sourceFile,
		Language:   strings.ToLower(language),
		StartedAt:  e.clk.Now(),
		StartWall:  now,
		LineEnergy: map[int]*SourceLineEnergy{},
	}

	e.mu.Lock()
	e.active[id] = s
	e.mu.Unlock()
	e.recorder.Open(id)

	e.logger.Info("session started", "session_id", id, "source", sourceFile, "language", language)
	return id
}

// RecordCheckpoint appends a checkpoint to an active session. Returns false
// on an unknown or finalized session id.
func (e *Engine) RecordCheckpoint(sessionID string, cp Checkpoint) bool {
	return e.recorder.Mark(sessionID, cp)
}

// ActiveSessions returns the ids of sessions not yet finalized.
func (e *Engine) ActiveSessions() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// EndSession finalizes the session: correlation, overhead compensation,
// statistical filtering, aggregation, source-line mapping, storage hand-off.
// The session leaves the active map atomically with the start of finalize,
// so a second EndSession on the same id returns (nil, false).
func (e *Engine) EndSession(sessionID string) (*Session, bool) {
	e.mu.Lock()
	s, ok := e.active[sessionID]
	delete(e.active, sessionID)
	e.mu.Unlock()
	if !ok {
		e.logger.Warn("end of unknown session", "session_id", sessionID)
		return nil, false
	}

	s.EndedAt = e.clk.Now()
	s.EndWall = time.Now()

	cps, _ := e.recorder.Drain(sessionID)
	s.Checkpoints = cps

	e.finalize(s)
	s.Finalized = true

	e.logger.Info("session finalized",
		"session_id", s.ID,
		"checkpoints", len(s.Checkpoints),
		"total_joules", s.TotalEnergyJoules,
		"average_watts", s.AveragePowerWatts)

	if e.sink != nil {
		if err := e.sink.Persist(s); err != nil {
			e.logger.Warn("session persistence failed", "session_id", s.ID, "error", err)
		}
	}
	return s, true
}

func (e *Engine) finalize(s *Session) {
	sourceLines := e.loadSource(s.SourceFile)

	series := e.collectSeries()
	if len(series) == 0 {
		e.logger.Warn("no provider series available, session energy is zero",
			"session_id", s.ID)
	}

	e.correlate(s, series)
	e.compensator.Apply(s.Language, s.Checkpoints)
	e.filter.Apply(s.Checkpoints, e.logger)
	e.aggregate(s)
	e.mapLines(s, sourceLines)
}

// loadSource reads the measured file for per-line text. Best effort: on
// failure the line map simply has no text.
func (e *Engine) loadSource(path string) []string {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		e.logger.Warn("source file unreadable, line mapping will have no text",
			"path", path, "error", err)
		return nil
	}
	return strings.Split(string(data), "\n")
}

// collectSeries snapshots every provider's buffered samples once, so all
// checkpoints of the session interpolate against the same data.
func (e *Engine) collectSeries() [][]coordinator.Sample {
	if e.source == nil {
		return nil
	}
	var out [][]coordinator.Sample
	for _, name := range e.source.ProviderNames() {
		samples, err := e.source.Series(name)
		if err != nil || len(samples) == 0 {
			continue
		}
		out = append(out, samples)
	}
	return out
}

// correlate assigns each adjacent checkpoint pair the energy the providers
// accumulated between their timestamps. The first checkpoint is the baseline
// and carries no energy.
func (e *Engine) correlate(s *Session, series [][]coordinator.Sample) {
	cps := s.Checkpoints
	if len(cps) == 0 {
		return
	}

	sort.SliceStable(cps, func(i, j int) bool { return cps[i].At < cps[j].At })

	if len(series) > 0 {
		s.MeasurementValid = true
	}

	prevEnergy := energyAt(series, cps[0].At)
	for i := 1; i < len(cps); i++ {
		curEnergy := energyAt(series, cps[i].At)

		delta := curEnergy - prevEnergy
		if delta < 0 {
			delta = 0
		}
		cps[i].EnergyJoules = delta
		cps[i].DurationSeconds = cps[i].At.Sub(cps[i-1].At).Seconds()
		if cps[i].DurationSeconds > 0 {
			cps[i].PowerWatts = delta / cps[i].DurationSeconds
		}
		prevEnergy = curEnergy
	}
}

// energyAt interpolates the total cumulative energy (joules, summed across
// providers) at timestamp t from the buffered series.
func energyAt(series [][]coordinator.Sample, t timer.Timestamp) float64 {
	var total float64
	for _, samples := range series {
		total += interpolate(samples, t)
	}
	return total
}

// interpolate finds the samples bracketing t by binary search and linearly
// interpolates cumulative energy between them. Before the first sample the
// first value is used, past the last sample the last.
func interpolate(samples []coordinator.Sample, t timer.Timestamp) float64 {
	n := len(samples)
	if n == 0 {
		return 0
	}
	if t <= samples[0].At {
		return samples[0].Reading.Cumulative.Joules()
	}
	if t >= samples[n-1].At {
		return samples[n-1].Reading.Cumulative.Joules()
	}

	// First sample strictly after t; the one before it is at or before t.
	hi := sort.Search(n, func(i int) bool { return samples[i].At > t })
	lo := hi - 1

	before, after := samples[lo], samples[hi]
	span := after.At.Sub(before.At).Seconds()
	if span <= 0 {
		return before.Reading.Cumulative.Joules()
	}
	frac := t.Sub(before.At).Seconds() / span
	e0 := before.Reading.Cumulative.Joules()
	e1 := after.Reading.Cumulative.Joules()
	return e0 + (e1-e0)*frac
}

// aggregate computes the session totals from the compensated and filtered
// checkpoints. Total energy is a sum of non-negative deltas, so it can never
// go negative.
func (e *Engine) aggregate(s *Session) {
	var total, peak float64
	for _, cp := range s.Checkpoints {
		total += cp.EnergyJoules
		if cp.PowerWatts > peak {
			peak = cp.PowerWatts
		}
	}
	s.TotalEnergyJoules = total
	s.PeakPowerWatts = peak

	if window := s.CheckpointWindowSeconds(); window > 0 {
		s.AveragePowerWatts = total / window
	}
}

// mapLines distributes each checkpoint's final energy evenly over the lines
// it covers and accumulates per-line totals.
func (e *Engine) mapLines(s *Session, sourceLines []string) {
	for _, cp := range s.Checkpoints {
		lines := cp.CoveredLines
		if len(lines) == 0 {
			if cp.Line <= 0 {
				continue
			}
			lines = []int{cp.Line}
		}
		share := cp.EnergyJoules / float64(len(lines))

		for _, line := range lines {
			le, ok := s.LineEnergy[line]
			if !ok {
				le = &SourceLineEnergy{Line: line}
				if line >= 1 && line <= len(sourceLines) {
					le.Text = strings.TrimRight(sourceLines[line-1], "\r")
				}
				s.LineEnergy[line] = le
			}
			le.EnergyJoules += share
			le.ExecutionCount++
			le.AverageJoules = le.EnergyJoules / float64(le.ExecutionCount)
			le.CheckpointIDs = append(le.CheckpointIDs, cp.ID)
		}
	}
}
