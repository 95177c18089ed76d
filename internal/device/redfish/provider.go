// SPDX-FileCopyrightText: 2026 The Jouletrace Authors
// SPDX-License-Identifier: Apache-2.0

package redfish

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jouletrace/jouletrace/internal/device"
	"github.com/jouletrace/jouletrace/internal/timer"
)

// chassisState holds per-chassis integration state.
type chassisState struct {
	lastPower  device.Power
	lastAt     timer.Timestamp
	integrated float64 // microjoules
}

// Provider exposes BMC platform power as an energy provider. Domains are
// keyed "chassis-<ID>". Platform power covers the whole node, so its
// resolution and latency are much coarser than RAPL.
type Provider struct {
	logger *slog.Logger
	clk    *timer.PrecisionTimer
	bmc    BMCConfig

	reader chassisPowerReader

	mu          sync.Mutex
	chassis     map[string]*chassisState
	domains     []string
	initialized bool
}

var _ device.Provider = (*Provider)(nil)

// Platform power telemetry at the BMC is watt granular and seconds stale.
const platformUncertaintyPercent = 10.0

// OptionFn is a functional option for NewProvider.
type OptionFn func(*Provider)

// WithLogger sets the logger for the provider.
func WithLogger(logger *slog.Logger) OptionFn {
	return func(p *Provider) {
		p.logger = logger.With("provider", "redfish")
	}
}

// withReader injects a chassis power reader (for testing).
func withReader(r chassisPowerReader) OptionFn {
	return func(p *Provider) {
		p.reader = r
	}
}

// NewProvider creates a Redfish platform power provider for the given BMC.
func NewProvider(bmc BMCConfig, clk *timer.PrecisionTimer, opts ...OptionFn) *Provider {
	p := &Provider{
		logger:  slog.Default().With("provider", "redfish"),
		clk:     clk,
		bmc:     bmc,
		chassis: map[string]*chassisState{},
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.reader == nil {
		p.reader = newGofishReader(bmc, p.logger)
	}
	return p
}

func (p *Provider) Name() string {
	return "redfish"
}

// Available reports whether a BMC endpoint is configured. Reachability is
// only known after Init since connecting requires credentials.
func (p *Provider) Available() bool {
	return p.bmc.Endpoint != ""
}

// Init connects to the BMC and takes a baseline power sample per chassis.
func (p *Provider) Init() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return nil
	}
	if p.bmc.Endpoint == "" {
		return fmt.Errorf("no BMC endpoint configured")
	}

	if err := p.reader.Init(); err != nil {
		return err
	}

	readings, err := p.reader.ReadAll()
	if err != nil {
		_ = p.reader.Close()
		return fmt.Errorf("baseline power read failed: %w", err)
	}

	now := p.clk.Now()
	p.chassis = make(map[string]*chassisState, len(readings))
	p.domains = p.domains[:0]
	for _, r := range readings {
		p.chassis[r.ID] = &chassisState{lastPower: r.Power, lastAt: now}
		p.domains = append(p.domains, "chassis-"+r.ID)
	}

	p.initialized = true
	p.logger.Info("redfish provider initialized", "chassis", len(readings))
	return nil
}

// Read samples chassis power and advances the energy integral. A chassis
// that disappears from the BMC keeps its accumulated energy but stops
// growing.
func (p *Provider) Read() (device.Reading, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	at := p.clk.Now()
	reading := device.Reading{
		At:                 at,
		Wall:               time.Now(),
		Domains:            make(map[string]device.Energy, len(p.chassis)),
		UncertaintyPercent: platformUncertaintyPercent,
	}

	if !p.initialized {
		return reading, fmt.Errorf("provider not initialized")
	}

	readings, err := p.reader.ReadAll()
	if err != nil {
		return reading, err
	}

	var total device.Energy
	var totalPower device.Power
	for _, r := range readings {
		st, ok := p.chassis[r.ID]
		if !ok {
			st = &chassisState{lastPower: r.Power, lastAt: at}
			p.chassis[r.ID] = st
			p.domains = append(p.domains, "chassis-"+r.ID)
			p.logger.Info("new chassis appeared", "chassis_id", r.ID)
		}

		if at > st.lastAt {
			seconds := at.Sub(st.lastAt).Seconds()
			avgWatts := (r.Power.Watts() + st.lastPower.Watts()) / 2
			st.integrated += avgWatts * seconds * 1e6
		}
		st.lastPower = r.Power
		st.lastAt = at

		reading.Domains["chassis-"+r.ID] = device.Energy(st.integrated)
		total += device.Energy(st.integrated)
		totalPower += r.Power
	}

	reading.Cumulative = total
	reading.Power = totalPower
	reading.Valid = true
	return reading, nil
}

func (p *Provider) Spec() device.ProviderSpec {
	p.mu.Lock()
	defer p.mu.Unlock()

	domains := make([]string, len(p.domains))
	copy(domains, p.domains)
	return device.ProviderSpec{
		Domains:               domains,
		ResolutionMicroJoules: 1e6, // watt-level telemetry at BMC polling rates
		UncertaintyPercent:    platformUncertaintyPercent,
		RequiresRoot:          false,
	}
}

func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		return nil
	}
	p.initialized = false
	return p.reader.Close()
}
