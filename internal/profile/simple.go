// SPDX-FileCopyrightText: 2026 The Jouletrace Authors
// SPDX-License-Identifier: Apache-2.0

package profile

import (
	"fmt"
	"sync"

	"github.com/jouletrace/jouletrace/internal/coordinator"
	"github.com/jouletrace/jouletrace/internal/device"
	"github.com/jouletrace/jouletrace/internal/timer"
)

// ReadingSource is the slice of the coordinator the simple session needs:
// one current synchronized reading.
type ReadingSource interface {
	Latest() (coordinator.SynchronizedReading, error)
}

// SimpleResult is the outcome of a start/stop delta measurement.
type SimpleResult struct {
	Name            string
	TotalJoules     float64
	AverageWatts    float64
	DurationSeconds float64

	// PerSource breaks the total down by provider name.
	PerSource map[string]float64
}

// SimpleSession measures total delta energy between Start and Stop without
// per-checkpoint correlation. Use it when only the overall cost of a block
// of work matters.
type SimpleSession struct {
	name   string
	source ReadingSource

	mu       sync.Mutex
	started  bool
	startAt  timer.Timestamp
	baseline map[string]device.Energy
}

func NewSimpleSession(name string, source ReadingSource) *SimpleSession {
	return &SimpleSession{name: name, source: source}
}

// Start records the current cumulative energy of every provider as the
// baseline.
func (ss *SimpleSession) Start() error {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if ss.started {
		return fmt.Errorf("session %q already started", ss.name)
	}

	sr, err := ss.source.Latest()
	if err != nil {
		return fmt.Errorf("failed to read baseline: %w", err)
	}
	if len(sr.Readings) == 0 {
		return fmt.Errorf("no providers available for baseline")
	}

	ss.baseline = make(map[string]device.Energy, len(sr.Readings))
	for name, r := range sr.Readings {
		ss.baseline[name] = r.Cumulative
	}
	ss.startAt = sr.At
	ss.started = true
	return nil
}

// Stop reads the providers again and returns the per-source and total energy
// deltas. A provider that vanished mid-measurement contributes nothing.
func (ss *SimpleSession) Stop() (SimpleResult, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if !ss.started {
		return SimpleResult{}, fmt.Errorf("session %q not started", ss.name)
	}
	ss.started = false

	sr, err := ss.source.Latest()
	if err != nil {
		return SimpleResult{}, fmt.Errorf("failed to read final values: %w", err)
	}

	result := SimpleResult{
		Name:      ss.name,
		PerSource: make(map[string]float64, len(ss.baseline)),
	}
	for name, start := range ss.baseline {
		end, ok := sr.Readings[name]
		if !ok {
			continue
		}
		delta := end.Cumulative.Joules() - start.Joules()
		if delta < 0 {
			delta = 0
		}
		result.PerSource[name] = delta
		result.TotalJoules += delta
	}

	if sr.At > ss.startAt {
		result.DurationSeconds = sr.At.Sub(ss.startAt).Seconds()
		result.AverageWatts = result.TotalJoules / result.DurationSeconds
	}
	return result, nil
}
