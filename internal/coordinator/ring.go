// SPDX-FileCopyrightText: 2026 The Jouletrace Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"sync"

	"github.com/jouletrace/jouletrace/internal/device"
	"github.com/jouletrace/jouletrace/internal/timer"
)

// Sample is one provider reading captured by the polling loop.
type Sample struct {
	At      timer.Timestamp
	Reading device.Reading
}

// sampleRing is a fixed-capacity ring of samples. When full, the oldest
// sample is overwritten. Memory is allocated once at construction so the
// polling loop never allocates.
type sampleRing struct {
	mu    sync.Mutex
	buf   []Sample
	head  int // next write position
	count int
}

func newSampleRing(capacity int) *sampleRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &sampleRing{buf: make([]Sample, capacity)}
}

func (r *sampleRing) Push(s Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf[r.head] = s
	r.head = (r.head + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// Snapshot returns the samples in insertion order, oldest first.
func (r *sampleRing) Snapshot() []Sample {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Sample, r.count)
	start := r.head - r.count
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(start+i)%len(r.buf)]
	}
	return out
}

func (r *sampleRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Latest returns the most recent sample, if any.
func (r *sampleRing) Latest() (Sample, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		return Sample{}, false
	}
	idx := r.head - 1
	if idx < 0 {
		idx += len(r.buf)
	}
	return r.buf[idx], true
}
