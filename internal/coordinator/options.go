// SPDX-FileCopyrightText: 2026 The Jouletrace Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"log/slog"
	"time"

	"k8s.io/utils/clock"
)

type Opts struct {
	logger          *slog.Logger
	clock           clock.WithTicker
	interval        time.Duration
	bufferCapacity  int
	readTimeout     time.Duration
	maxFailures     int
	restartInterval time.Duration
	maxStaleness    time.Duration

	alignmentTolerance  time.Duration
	crossValidThreshold float64
	autoRestart         bool
}

// DefaultOpts returns coordinator options with defaults set. The 10ms
// interval keeps sub-second correlation windows densely sampled without
// saturating the counters.
func DefaultOpts() Opts {
	return Opts{
		logger:          slog.Default(),
		clock:           clock.RealClock{},
		interval:        10 * time.Millisecond,
		bufferCapacity:  4096,
		readTimeout:     50 * time.Millisecond,
		maxFailures:     3,
		restartInterval: 5 * time.Second,
		maxStaleness:    100 * time.Millisecond,
		autoRestart:     true,
	}
}

// OptionFn is a function that sets one or more options in Opts.
type OptionFn func(*Opts)

// WithLogger sets the logger for the coordinator.
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithClock sets the clock used by the polling loop.
func WithClock(c clock.WithTicker) OptionFn {
	return func(o *Opts) {
		o.clock = c
	}
}

// WithInterval sets the polling interval.
func WithInterval(d time.Duration) OptionFn {
	return func(o *Opts) {
		o.interval = d
	}
}

// WithBufferCapacity sets the per-provider ring buffer capacity.
func WithBufferCapacity(n int) OptionFn {
	return func(o *Opts) {
		o.bufferCapacity = n
	}
}

// WithReadTimeout bounds how long one provider read may take before the
// sample is abandoned.
func WithReadTimeout(d time.Duration) OptionFn {
	return func(o *Opts) {
		o.readTimeout = d
	}
}

// WithMaxFailures sets how many consecutive read failures mark a provider
// unhealthy.
func WithMaxFailures(n int) OptionFn {
	return func(o *Opts) {
		o.maxFailures = n
	}
}

// WithRestartInterval sets the minimum time between restart attempts of an
// unhealthy provider.
func WithRestartInterval(d time.Duration) OptionFn {
	return func(o *Opts) {
		o.restartInterval = d
	}
}

// WithMaxStaleness sets how old the latest synchronized reading may be
// before Latest triggers an on-demand refresh.
func WithMaxStaleness(d time.Duration) OptionFn {
	return func(o *Opts) {
		o.maxStaleness = d
	}
}

// WithAlignmentTolerance sets how far apart the per-provider sample
// timestamps may spread before a reading is flagged as misaligned. Zero
// means half the polling interval.
func WithAlignmentTolerance(d time.Duration) OptionFn {
	return func(o *Opts) {
		o.alignmentTolerance = d
	}
}

// WithAutoRestart controls whether unhealthy providers are re-initialized
// by the polling loop.
func WithAutoRestart(enabled bool) OptionFn {
	return func(o *Opts) {
		o.autoRestart = enabled
	}
}

// WithCrossValidationThreshold sets the maximum relative power disagreement
// between providers before the reading's confidence is discounted. Zero
// disables cross validation.
func WithCrossValidationThreshold(f float64) OptionFn {
	return func(o *Opts) {
		o.crossValidThreshold = f
	}
}
