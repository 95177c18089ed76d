// SPDX-FileCopyrightText: 2026 The Jouletrace Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"time"

	"github.com/jouletrace/jouletrace/internal/timer"
)

// Reading is a single sample taken from one energy provider. Cumulative is
// the provider's total energy since Init, already corrected for hardware
// counter wraparound. A Reading with Valid=false carries no usable energy
// data and is excluded from correlation.
type Reading struct {
	// At is the monotonic timestamp of the sample.
	At timer.Timestamp

	// Wall is the approximate wall-clock time of the sample, for reporting.
	Wall time.Time

	// Cumulative is the total energy accumulated by the provider since Init.
	Cumulative Energy

	// Power is the average power since the previous sample, or the
	// instantaneous power for providers that expose only power.
	Power Power

	// Domains breaks Cumulative down per physical counter
	// (package/core/dram for RAPL, one entry per GPU, one per chassis).
	Domains map[string]Energy

	// Valid is false when the sample could not be taken.
	Valid bool

	// UncertaintyPercent is the provider's measurement uncertainty.
	UncertaintyPercent float64

	// TemperatureCelsius is optional; zero when the provider does not
	// expose a temperature sensor.
	TemperatureCelsius float64
}

// ProviderSpec describes the measurement capabilities of a provider.
type ProviderSpec struct {
	// Domains lists the physical counters the provider reads.
	Domains []string

	// ResolutionMicroJoules is the smallest energy increment the
	// underlying counter can represent.
	ResolutionMicroJoules float64

	// UncertaintyPercent is the vendor-documented measurement uncertainty.
	UncertaintyPercent float64

	// RequiresRoot reports whether reading the counters needs elevated
	// privileges.
	RequiresRoot bool
}

// Provider is implemented by every hardware energy source. Implementations
// must be safe for use from the coordinator's polling goroutine; they are
// never called concurrently by the coordinator itself.
//
// Init must have no side effects on failure. Read returns an error for
// transient sample failures; the provider stays registered and the next poll
// retries. Close releases hardware resources and is called exactly once,
// after the polling loop has stopped.
type Provider interface {
	Name() string
	Init() error
	Available() bool
	Read() (Reading, error)
	Spec() ProviderSpec
	Close() error
}
