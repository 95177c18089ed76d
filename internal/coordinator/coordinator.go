// SPDX-FileCopyrightText: 2026 The Jouletrace Authors
// SPDX-License-Identifier: Apache-2.0

// Package coordinator polls every configured energy provider on one fixed
// interval, keeps the recent samples in per-provider ring buffers and
// publishes synchronized readings the correlation engine and exporters
// consume. A provider that keeps failing is quarantined and periodically
// restarted; measurement continues on the healthy subset.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"

	"github.com/jouletrace/jouletrace/internal/device"
	"github.com/jouletrace/jouletrace/internal/service"
	"github.com/jouletrace/jouletrace/internal/timer"
)

// SynchronizedReading is one poll cycle's view across all providers.
type SynchronizedReading struct {
	At   timer.Timestamp
	Wall time.Time

	// Readings holds the latest sample of each healthy provider, keyed by
	// provider name.
	Readings map[string]device.Reading

	// TemporalAlignmentValid is false when the per-provider read
	// timestamps spread wider than half the polling interval, which makes
	// cross-provider sums suspect.
	TemporalAlignmentValid bool

	// MaxUncertaintyPercent is the worst uncertainty among the readings.
	MaxUncertaintyPercent float64

	// Confidence scores this cycle in [0,1]: the healthy fraction of
	// providers scaled by the worst per-provider uncertainty, discounted
	// when alignment or cross-validation is off.
	Confidence float64

	// Valid is false when no provider produced a sample this cycle or the
	// samples are temporally misaligned.
	Valid bool
}

// managedProvider pairs a provider with its sample history and health state.
type managedProvider struct {
	provider device.Provider
	ring     *sampleRing

	mu          sync.Mutex
	healthy     bool
	failures    int
	lastRestart time.Time
}

// Coordinator implements the measurement loop. It is a service.Runner; the
// loop starts with Run and stops when the context is cancelled.
type Coordinator struct {
	logger *slog.Logger
	clk    *timer.PrecisionTimer

	clock           clock.WithTicker
	interval        time.Duration
	readTimeout     time.Duration
	maxFailures     int
	restartInterval time.Duration
	maxStaleness    time.Duration
	bufferCapacity  int

	alignmentTolerance  time.Duration
	crossValidThreshold float64
	autoRestart         bool

	providers []*managedProvider

	refreshGroup singleflight.Group
	latest       atomic.Pointer[SynchronizedReading]
	dataCh       chan struct{}

	loopDone chan struct{}
}

var (
	_ service.Initializer = (*Coordinator)(nil)
	_ service.Runner      = (*Coordinator)(nil)
	_ service.Shutdowner  = (*Coordinator)(nil)
)

// NewCoordinator creates a coordinator over the given providers. Providers
// are not initialized until Init.
func NewCoordinator(clk *timer.PrecisionTimer, providers []device.Provider, applyOpts ...OptionFn) *Coordinator {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	managed := make([]*managedProvider, 0, len(providers))
	for _, p := range providers {
		managed = append(managed, &managedProvider{
			provider: p,
			ring:     newSampleRing(opts.bufferCapacity),
		})
	}

	return &Coordinator{
		logger:          opts.logger.With("service", "coordinator"),
		clk:             clk,
		clock:           opts.clock,
		interval:        opts.interval,
		readTimeout:     opts.readTimeout,
		maxFailures:     opts.maxFailures,
		restartInterval: opts.restartInterval,
		maxStaleness:    opts.maxStaleness,
		bufferCapacity:  opts.bufferCapacity,

		alignmentTolerance:  opts.alignmentTolerance,
		crossValidThreshold: opts.crossValidThreshold,
		autoRestart:         opts.autoRestart,
		providers:           managed,
		dataCh:              make(chan struct{}, 1),
		loopDone:            make(chan struct{}),
	}
}

func (c *Coordinator) Name() string {
	return "coordinator"
}

// Init initializes every provider. Providers that fail Init start out
// unhealthy and will be retried by the loop. Hardware being absent is not
// fatal: with zero healthy providers the coordinator keeps running and
// publishes empty, invalid composites until a restart succeeds.
func (c *Coordinator) Init() error {
	if len(c.providers) == 0 {
		return fmt.Errorf("no energy providers configured")
	}

	healthy := 0
	for _, mp := range c.providers {
		if err := mp.provider.Init(); err != nil {
			c.logger.Warn("provider failed to initialize",
				"provider", mp.provider.Name(), "error", err)
			mp.lastRestart = c.clock.Now()
			continue
		}
		mp.healthy = true
		healthy++
		c.logger.Info("provider initialized", "provider", mp.provider.Name())
	}

	if healthy == 0 {
		c.logger.Warn("no energy providers initialized, measurements will be invalid until a restart succeeds",
			"providers", len(c.providers))
	}
	return nil
}

// Run drives the polling loop until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	defer close(c.loopDone)

	// Collect once immediately so Latest works before the first tick.
	c.collect()

	ticker := c.clock.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
			c.collect()
		case <-ctx.Done():
			c.logger.Info("measurement loop terminated")
			return ctx.Err()
		}
	}
}

// Shutdown waits for the loop to exit and closes all providers.
func (c *Coordinator) Shutdown() error {
	select {
	case <-c.loopDone:
	case <-time.After(time.Second):
		// Run was never started or is stuck on a provider read; close
		// the providers anyway.
	}

	var lastErr error
	for _, mp := range c.providers {
		if err := mp.provider.Close(); err != nil {
			c.logger.Warn("provider close failed", "provider", mp.provider.Name(), "error", err)
			lastErr = err
		}
	}
	return lastErr
}

// DataChannel signals whenever a new synchronized reading is published.
func (c *Coordinator) DataChannel() <-chan struct{} {
	return c.dataCh
}

// Latest returns the most recent synchronized reading, refreshing on demand
// when it is older than the staleness bound. Concurrent callers share one
// refresh.
func (c *Coordinator) Latest() (SynchronizedReading, error) {
	select {
	case <-c.loopDone:
		return SynchronizedReading{}, fmt.Errorf("coordinator is shut down")
	default:
	}

	if sr := c.latest.Load(); sr != nil && c.clk.Now().Sub(sr.At) <= c.maxStaleness {
		return *sr, nil
	}

	_, err, _ := c.refreshGroup.Do("collect", func() (any, error) {
		// Shutdown may have begun while this caller waited for the flight;
		// collecting now would race provider Close.
		select {
		case <-c.loopDone:
			return nil, fmt.Errorf("coordinator is shut down")
		default:
		}
		// Re-check after winning the flight; another caller may have
		// refreshed while this one waited.
		if sr := c.latest.Load(); sr != nil && c.clk.Now().Sub(sr.At) <= c.maxStaleness {
			return nil, nil
		}
		c.collect()
		return nil, nil
	})
	if err != nil {
		return SynchronizedReading{}, err
	}

	sr := c.latest.Load()
	if sr == nil {
		return SynchronizedReading{}, fmt.Errorf("no synchronized reading available")
	}
	return *sr, nil
}

// Series returns a snapshot of the named provider's buffered samples, oldest
// first. The correlation engine interpolates checkpoint energy from these.
func (c *Coordinator) Series(provider string) ([]Sample, error) {
	for _, mp := range c.providers {
		if mp.provider.Name() == provider {
			return mp.ring.Snapshot(), nil
		}
	}
	return nil, fmt.Errorf("unknown provider %q", provider)
}

// ProviderNames returns the names of all managed providers.
func (c *Coordinator) ProviderNames() []string {
	names := make([]string, 0, len(c.providers))
	for _, mp := range c.providers {
		names = append(names, mp.provider.Name())
	}
	return names
}

// Healthy reports whether the named provider is currently delivering
// samples.
func (c *Coordinator) Healthy(provider string) bool {
	for _, mp := range c.providers {
		if mp.provider.Name() == provider {
			mp.mu.Lock()
			defer mp.mu.Unlock()
			return mp.healthy
		}
	}
	return false
}

// collect runs one poll cycle: restart candidates are retried, all healthy
// providers are read concurrently, and the results are merged into a new
// synchronized reading.
func (c *Coordinator) collect() {
	type result struct {
		mp      *managedProvider
		reading device.Reading
		err     error
	}

	results := make(chan result, len(c.providers))
	inflight := 0
	for _, mp := range c.providers {
		mp.mu.Lock()
		if !mp.healthy {
			c.maybeRestartLocked(mp)
		}
		healthy := mp.healthy
		mp.mu.Unlock()
		if !healthy {
			continue
		}

		inflight++
		go func(mp *managedProvider) {
			reading, err := c.boundedRead(mp.provider)
			results <- result{mp: mp, reading: reading, err: err}
		}(mp)
	}

	sr := SynchronizedReading{
		At:       c.clk.Now(),
		Wall:     time.Now(),
		Readings: make(map[string]device.Reading, inflight),
	}

	var minAt, maxAt timer.Timestamp
	for i := 0; i < inflight; i++ {
		res := <-results
		name := res.mp.provider.Name()

		if res.err != nil {
			c.noteFailure(res.mp, res.err)
			continue
		}
		c.noteSuccess(res.mp)

		res.mp.ring.Push(Sample{At: res.reading.At, Reading: res.reading})
		sr.Readings[name] = res.reading
		if res.reading.UncertaintyPercent > sr.MaxUncertaintyPercent {
			sr.MaxUncertaintyPercent = res.reading.UncertaintyPercent
		}
		if minAt == 0 || res.reading.At < minAt {
			minAt = res.reading.At
		}
		if res.reading.At > maxAt {
			maxAt = res.reading.At
		}
	}

	tolerance := c.alignmentTolerance
	if tolerance <= 0 {
		tolerance = c.interval / 2
	}
	sr.TemporalAlignmentValid = len(sr.Readings) <= 1 ||
		time.Duration(maxAt-minAt) <= tolerance
	sr.Valid = len(sr.Readings) > 0 && sr.TemporalAlignmentValid

	healthyNow := 0
	for _, mp := range c.providers {
		mp.mu.Lock()
		if mp.healthy {
			healthyNow++
		}
		mp.mu.Unlock()
	}
	sr.Confidence = float64(healthyNow) / float64(len(c.providers))
	if sr.MaxUncertaintyPercent > 0 {
		scale := 1 - sr.MaxUncertaintyPercent/100
		if scale < 0 {
			scale = 0
		}
		sr.Confidence *= scale
	}
	if !sr.TemporalAlignmentValid {
		sr.Confidence *= 0.8
	}
	if c.crossValidThreshold > 0 && !crossValidate(sr.Readings, c.crossValidThreshold) {
		sr.Confidence *= 0.9
	}

	c.latest.Store(&sr)
	c.signalNewData()
}

// crossValidate checks that providers measuring the same domains roughly
// agree on power. Providers whose domain sets do not overlap measure
// different hardware and are never compared.
func crossValidate(readings map[string]device.Reading, threshold float64) bool {
	type sample struct {
		power   float64
		domains map[string]device.Energy
	}
	samples := make([]sample, 0, len(readings))
	for _, r := range readings {
		if r.Valid && r.Power > 0 {
			samples = append(samples, sample{power: r.Power.Watts(), domains: r.Domains})
		}
	}

	for i := 0; i < len(samples); i++ {
		for j := i + 1; j < len(samples); j++ {
			if !domainsOverlap(samples[i].domains, samples[j].domains) {
				continue
			}
			hi, lo := samples[i].power, samples[j].power
			if lo > hi {
				hi, lo = lo, hi
			}
			if (hi-lo)/hi > threshold {
				return false
			}
		}
	}
	return true
}

func domainsOverlap(a, b map[string]device.Energy) bool {
	for d := range a {
		if _, ok := b[d]; ok {
			return true
		}
	}
	return false
}

// boundedRead reads a provider but abandons the sample if it takes longer
// than the read timeout. The goroutine doing the read is left to finish on
// its own; providers are expected to tolerate that.
func (c *Coordinator) boundedRead(p device.Provider) (device.Reading, error) {
	type readResult struct {
		reading device.Reading
		err     error
	}
	done := make(chan readResult, 1)
	go func() {
		r, err := p.Read()
		done <- readResult{r, err}
	}()

	select {
	case res := <-done:
		return res.reading, res.err
	case <-time.After(c.readTimeout):
		return device.Reading{}, fmt.Errorf("provider %s read timed out after %v", p.Name(), c.readTimeout)
	}
}

func (c *Coordinator) noteFailure(mp *managedProvider, err error) {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	mp.failures++
	c.logger.Warn("provider read failed",
		"provider", mp.provider.Name(), "consecutive_failures", mp.failures, "error", err)

	if mp.healthy && mp.failures >= c.maxFailures {
		mp.healthy = false
		mp.lastRestart = c.clock.Now()
		c.logger.Error("provider marked unhealthy",
			"provider", mp.provider.Name(), "failures", mp.failures)
	}
}

func (c *Coordinator) noteSuccess(mp *managedProvider) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.failures = 0
}

// maybeRestartLocked retries an unhealthy provider if the backoff interval
// has passed. Caller holds mp.mu.
func (c *Coordinator) maybeRestartLocked(mp *managedProvider) {
	if !c.autoRestart {
		return
	}
	if c.clock.Since(mp.lastRestart) < c.restartInterval {
		return
	}
	mp.lastRestart = c.clock.Now()

	_ = mp.provider.Close()
	if err := mp.provider.Init(); err != nil {
		c.logger.Warn("provider restart failed",
			"provider", mp.provider.Name(), "error", err)
		return
	}

	mp.healthy = true
	mp.failures = 0
	c.logger.Info("provider restarted", "provider", mp.provider.Name())
}

func (c *Coordinator) signalNewData() {
	select {
	case c.dataCh <- struct{}{}:
	default:
	}
}
