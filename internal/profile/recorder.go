// SPDX-FileCopyrightText: 2026 The Jouletrace Authors
// SPDX-License-Identifier: Apache-2.0

package profile

import (
	"sync"
	"time"

	"github.com/jouletrace/jouletrace/internal/timer"
)

// Recorder is the in-process API instrumented code calls. Mark captures only
// a timestamp and the checkpoint identity; no hardware is touched and no
// lock is held across anything slower than a slice append, so the measured
// program's hot path stays in the sub-microsecond range.
type Recorder struct {
	clk *timer.PrecisionTimer

	mu    sync.RWMutex
	lists map[string]*checkpointList
}

// checkpointList is the per-session append target. Each session has its own
// lock so concurrent sessions never contend with each other.
type checkpointList struct {
	mu    sync.Mutex
	items []TimedCheckpoint
}

func NewRecorder(clk *timer.PrecisionTimer) *Recorder {
	return &Recorder{
		clk:   clk,
		lists: map[string]*checkpointList{},
	}
}

// Open registers a session with the recorder.
func (r *Recorder) Open(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.lists[sessionID]; !ok {
		r.lists[sessionID] = &checkpointList{items: make([]TimedCheckpoint, 0, 256)}
	}
}

// Mark appends a checkpoint to the session stamped with the current
// monotonic time. Returns false when the session is unknown.
func (r *Recorder) Mark(sessionID string, cp Checkpoint) bool {
	at := r.clk.Now()

	r.mu.RLock()
	list, ok := r.lists[sessionID]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	list.mu.Lock()
	list.items = append(list.items, TimedCheckpoint{
		Checkpoint: cp,
		At:         at,
		Wall:       time.Now(),
	})
	list.mu.Unlock()
	return true
}

// Count returns the number of checkpoints recorded for the session.
func (r *Recorder) Count(sessionID string) int {
	r.mu.RLock()
	list, ok := r.lists[sessionID]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	list.mu.Lock()
	defer list.mu.Unlock()
	return len(list.items)
}

// Drain removes the session from the recorder and returns its checkpoints in
// recording order. Marks arriving after Drain are rejected.
func (r *Recorder) Drain(sessionID string) ([]TimedCheckpoint, bool) {
	r.mu.Lock()
	list, ok := r.lists[sessionID]
	delete(r.lists, sessionID)
	r.mu.Unlock()
	if !ok {
		return nil, false
	}

	list.mu.Lock()
	defer list.mu.Unlock()
	return list.items, true
}
