// SPDX-FileCopyrightText: 2026 The Jouletrace Authors
// SPDX-License-Identifier: Apache-2.0

// Package timer provides a monotonic nanosecond clock used to timestamp both
// hardware energy samples and code checkpoints. Timestamps from the same
// PrecisionTimer are directly comparable and immune to wall-clock adjustment.
package timer

import (
	"time"
)

// Timestamp is a monotonic instant in nanoseconds since the owning
// PrecisionTimer was created.
type Timestamp int64

// Seconds returns the timestamp as seconds since timer creation.
func (t Timestamp) Seconds() float64 {
	return float64(t) / float64(time.Second)
}

// Sub returns the duration elapsed between o and t.
func (t Timestamp) Sub(o Timestamp) time.Duration {
	return time.Duration(t - o)
}

// PrecisionTimer produces monotonic timestamps. The zero value is not usable;
// construct with New.
type PrecisionTimer struct {
	base time.Time
}

// New creates a PrecisionTimer anchored at the current instant.
func New() *PrecisionTimer {
	return &PrecisionTimer{base: time.Now()}
}

// Now returns the monotonic time elapsed since the timer was created.
// time.Since reads the monotonic clock, so the result is unaffected by
// wall-clock adjustments such as NTP corrections.
func (p *PrecisionTimer) Now() Timestamp {
	return Timestamp(time.Since(p.base).Nanoseconds())
}

// Wall converts a monotonic timestamp back to an approximate wall-clock time.
// Used only for reporting; never for ordering or arithmetic.
func (p *PrecisionTimer) Wall(ts Timestamp) time.Time {
	return p.base.Add(time.Duration(ts))
}
