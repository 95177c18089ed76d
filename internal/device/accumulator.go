// SPDX-FileCopyrightText: 2026 The Jouletrace Authors
// SPDX-License-Identifier: Apache-2.0

package device

// CounterAccumulator turns a fixed-width, wrapping hardware counter into a
// monotonically increasing total. It must be applied per physical counter
// (package, core, dram, per-GPU) independently: wrap detection compares
// consecutive raw values of the same register.
//
// Not safe for concurrent use; each accumulator belongs to a single provider
// and is only touched from the coordinator's polling goroutine.
type CounterAccumulator struct {
	max         uint64 // maximum raw value before the counter wraps; 0 means unknown
	lastRaw     uint64
	accumulated uint64
	primed      bool
	wraps       uint64
}

// NewCounterAccumulator creates an accumulator for a counter that wraps after
// reaching max. A max of 0 disables wrap correction: a backwards step is then
// treated as a lost sample contributing no energy.
func NewCounterAccumulator(max uint64) *CounterAccumulator {
	return &CounterAccumulator{max: max}
}

// Update folds a raw counter sample into the running total and returns the
// accumulated value. The first sample primes the accumulator and contributes
// nothing.
func (c *CounterAccumulator) Update(raw uint64) uint64 {
	if !c.primed {
		c.lastRaw = raw
		c.primed = true
		return c.accumulated
	}

	var increment uint64
	if raw < c.lastRaw {
		c.wraps++
		if c.max > 0 {
			increment = (c.max - c.lastRaw) + raw + 1
		}
		// max unknown: drop the sample rather than accumulate garbage
	} else {
		increment = raw - c.lastRaw
	}

	c.accumulated += increment
	c.lastRaw = raw
	return c.accumulated
}

// Accumulated returns the running total without folding in a new sample.
func (c *CounterAccumulator) Accumulated() uint64 {
	return c.accumulated
}

// Wraps returns how many wraparounds have been corrected so far.
func (c *CounterAccumulator) Wraps() uint64 {
	return c.wraps
}
