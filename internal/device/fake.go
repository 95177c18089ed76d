// SPDX-FileCopyrightText: 2026 The Jouletrace Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/jouletrace/jouletrace/internal/timer"
)

// NOTE: this provider is for tests and the --provider fake run mode only.

// FakeProvider is a synthetic energy source whose cumulative energy grows
// linearly at a configurable power draw. With zero jitter the readings are
// fully deterministic, which makes it suitable for correlation tests.
type FakeProvider struct {
	name        string
	clk         *timer.PrecisionTimer
	powerWatts  float64
	jitter      float64 // fraction of powerWatts, 0 disables
	domains     []string
	uncertainty float64

	mu      sync.Mutex
	primed  bool
	started timer.Timestamp
	initErr error
	readErr error
}

var _ Provider = (*FakeProvider)(nil)

// FakeOptFn is a functional option for NewFakeProvider.
type FakeOptFn func(*FakeProvider)

// WithFakeName overrides the provider name, which allows registering several
// fake providers with one coordinator.
func WithFakeName(name string) FakeOptFn {
	return func(p *FakeProvider) { p.name = name }
}

// WithFakePower sets the constant power draw in watts.
func WithFakePower(watts float64) FakeOptFn {
	return func(p *FakeProvider) { p.powerWatts = watts }
}

// WithFakeJitter adds a random component of up to the given fraction of the
// configured power to each sample.
func WithFakeJitter(fraction float64) FakeOptFn {
	return func(p *FakeProvider) { p.jitter = fraction }
}

// WithFakeDomains sets the domain names the energy is split across.
func WithFakeDomains(domains []string) FakeOptFn {
	return func(p *FakeProvider) { p.domains = domains }
}

// WithFakeInitError makes Init fail with the given error.
func WithFakeInitError(err error) FakeOptFn {
	return func(p *FakeProvider) { p.initErr = err }
}

// NewFakeProvider creates a synthetic provider drawing 10W by default.
func NewFakeProvider(clk *timer.PrecisionTimer, opts ...FakeOptFn) *FakeProvider {
	p := &FakeProvider{
		name:        "fake",
		clk:         clk,
		powerWatts:  10.0,
		domains:     []string{ZonePackage, ZoneDRAM},
		uncertainty: 0.1,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *FakeProvider) Name() string {
	return p.name
}

func (p *FakeProvider) Available() bool {
	return p.initErr == nil
}

func (p *FakeProvider) Init() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initErr != nil {
		return p.initErr
	}
	p.started = p.clk.Now()
	p.primed = true
	return nil
}

// SetReadError makes subsequent Read calls fail until cleared with nil; used
// to exercise the coordinator's unhealthy-provider handling.
func (p *FakeProvider) SetReadError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readErr = err
}

func (p *FakeProvider) Read() (Reading, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	at := p.clk.Now()
	if !p.primed {
		return Reading{At: at}, fmt.Errorf("fake provider not initialized")
	}
	if p.readErr != nil {
		return Reading{At: at}, p.readErr
	}

	watts := p.powerWatts
	if p.jitter > 0 {
		watts += p.powerWatts * p.jitter * rand.Float64()
	}

	elapsed := at.Sub(p.started).Seconds()
	total := Energy(watts * elapsed * 1e6) // W * s -> µJ

	domains := make(map[string]Energy, len(p.domains))
	for _, d := range p.domains {
		domains[d] = total / Energy(len(p.domains))
	}

	return Reading{
		At:                 at,
		Wall:               time.Now(),
		Cumulative:         total,
		Power:              Power(watts) * Watt,
		Domains:            domains,
		Valid:              true,
		UncertaintyPercent: p.uncertainty,
	}, nil
}

func (p *FakeProvider) Spec() ProviderSpec {
	return ProviderSpec{
		Domains:               p.domains,
		ResolutionMicroJoules: 1,
		UncertaintyPercent:    p.uncertainty,
		RequiresRoot:          false,
	}
}

func (p *FakeProvider) Close() error {
	return nil
}
