// SPDX-FileCopyrightText: 2026 The Jouletrace Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"k8s.io/utils/ptr"

	"github.com/jouletrace/jouletrace/internal/timer"
)

type Zone = string

const (
	ZonePackage Zone = "package"
	ZoneCore    Zone = "core"
	ZoneDRAM    Zone = "dram"
	ZoneUncore  Zone = "uncore"
	ZonePSys    Zone = "psys"
)

// EnergyZone is a single hardware energy counter: one RAPL domain of one
// socket, or one MSR register of one CPU.
type EnergyZone interface {
	// Name returns the zone name (package, core, dram, ...)
	Name() string

	// Index returns the socket/package index of the zone
	Index() int

	// Path returns the path or register the energy value is read from
	Path() string

	// Energy returns the zone's raw cumulative counter in its native unit.
	// The value wraps at MaxEnergy; callers fold it through a
	// CounterAccumulator and scale the result by Resolution.
	Energy() (Energy, error)

	// MaxEnergy returns the counter value at which Energy() wraps back to
	// zero, in the same native unit, or 0 if the platform does not report it.
	MaxEnergy() Energy

	// Resolution returns the microjoules one native counter unit represents.
	Resolution() float64
}

// raplReader abstracts the two RAPL backends (powercap sysfs and raw MSR).
type raplReader interface {
	Name() string
	Available() bool
	Init() error
	Zones() ([]EnergyZone, error)
	Close() error
}

// MSRConfig holds MSR-specific configuration for the fallback backend.
type MSRConfig struct {
	Enabled    *bool
	Force      *bool
	DevicePath string
}

type zoneKey struct {
	name  string
	index int
}

// RAPLProvider reads CPU energy counters (package/core/dram domains) through
// the Linux powercap interface, falling back to raw MSR access when powercap
// is unavailable. Each zone's wrapping counter is folded through its own
// CounterAccumulator so Cumulative never runs backwards.
type RAPLProvider struct {
	logger     *slog.Logger
	clk        *timer.PrecisionTimer
	sysfsPath  string
	zoneFilter []string
	msrConfig  MSRConfig

	// mu guards the backend state below. The coordinator's read timeout
	// abandons stuck Read goroutines and may Close/Init concurrently, so
	// every method that touches zones or accumulators must hold it.
	mu     sync.Mutex
	reader raplReader
	zones  []EnergyZone
	accum  map[zoneKey]*CounterAccumulator
	useMSR bool

	lastTotal Energy
	lastAt    timer.Timestamp
}

var _ Provider = (*RAPLProvider)(nil)

// Typical RAPL accuracy on recent cores.
const raplUncertaintyPercent = 1.5

// RAPLOptionFn is a functional option for NewRAPLProvider.
type RAPLOptionFn func(*RAPLProvider)

// WithRAPLLogger sets the logger for the provider.
func WithRAPLLogger(logger *slog.Logger) RAPLOptionFn {
	return func(p *RAPLProvider) {
		p.logger = logger.With("provider", "rapl")
	}
}

// WithZoneFilter restricts monitoring to the named zones. Empty means all.
func WithZoneFilter(zones []string) RAPLOptionFn {
	return func(p *RAPLProvider) {
		p.zoneFilter = zones
	}
}

// WithMSRConfig sets the MSR fallback configuration.
func WithMSRConfig(cfg MSRConfig) RAPLOptionFn {
	return func(p *RAPLProvider) {
		p.msrConfig = cfg
	}
}

// WithRaplReader sets a specific raplReader (for testing).
func WithRaplReader(r raplReader) RAPLOptionFn {
	return func(p *RAPLProvider) {
		p.reader = r
	}
}

// NewRAPLProvider creates a RAPL CPU energy provider rooted at sysfsPath
// (normally "/sys"). Timestamps are taken from clk so they are comparable
// with checkpoint timestamps.
func NewRAPLProvider(sysfsPath string, clk *timer.PrecisionTimer, opts ...RAPLOptionFn) *RAPLProvider {
	p := &RAPLProvider{
		logger:    slog.Default().With("provider", "rapl"),
		clk:       clk,
		sysfsPath: sysfsPath,
		accum:     map[zoneKey]*CounterAccumulator{},
		msrConfig: MSRConfig{
			Enabled:    ptr.To(false),
			Force:      ptr.To(false),
			DevicePath: "/dev/cpu/%d/msr",
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *RAPLProvider) Name() string {
	if p.useMSR {
		return "rapl-msr"
	}
	return "rapl"
}

// Available reports whether any RAPL backend can be read without committing
// to it.
func (p *RAPLProvider) Available() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.reader != nil {
		return p.reader.Available()
	}
	if pc, err := newPowercapReader(p.sysfsPath); err == nil && pc.Available() {
		return true
	}
	if ptr.Deref(p.msrConfig.Enabled, false) || ptr.Deref(p.msrConfig.Force, false) {
		return newMSRReader(p.msrConfig.DevicePath, p.logger).Available()
	}
	return false
}

// Init selects a backend, enumerates zones and takes a probe reading. On any
// failure the provider is left untouched so Init can be retried.
func (p *RAPLProvider) Init() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	reader, useMSR, err := p.selectReader()
	if err != nil {
		return fmt.Errorf("no usable RAPL backend: %w", err)
	}

	zones, err := reader.Zones()
	if err != nil {
		_ = reader.Close()
		return fmt.Errorf("failed to enumerate %s zones: %w", reader.Name(), err)
	}
	zones = p.filterZones(zones)
	if len(zones) == 0 {
		_ = reader.Close()
		return fmt.Errorf("no RAPL zones found after filtering")
	}

	// Probe the first zone so a permission problem surfaces at Init, not
	// in the polling loop.
	if _, err := zones[0].Energy(); err != nil {
		_ = reader.Close()
		return fmt.Errorf("failed to read energy from zone %s: %w", zones[0].Name(), err)
	}

	accum := make(map[zoneKey]*CounterAccumulator, len(zones))
	for _, zone := range zones {
		key := zoneKey{zone.Name(), zone.Index()}
		accum[key] = NewCounterAccumulator(uint64(zone.MaxEnergy()))
	}

	p.reader = reader
	p.useMSR = useMSR
	p.zones = zones
	p.accum = accum
	p.lastAt = 0
	p.lastTotal = 0

	p.logger.Info("RAPL provider initialized",
		"backend", reader.Name(),
		"zones", len(zones))
	return nil
}

func (p *RAPLProvider) selectReader() (raplReader, bool, error) {
	// An injected reader (tests) wins unconditionally.
	if p.reader != nil {
		if err := p.reader.Init(); err != nil {
			return nil, false, err
		}
		return p.reader, false, nil
	}

	if ptr.Deref(p.msrConfig.Force, false) {
		msr := newMSRReader(p.msrConfig.DevicePath, p.logger)
		if err := msr.Init(); err != nil {
			return nil, false, fmt.Errorf("MSR forced but unusable: %w", err)
		}
		return msr, true, nil
	}

	pc, err := newPowercapReader(p.sysfsPath)
	if err == nil {
		if initErr := pc.Init(); initErr == nil {
			return pc, false, nil
		} else {
			p.logger.Debug("powercap backend unusable", "error", initErr)
		}
	} else {
		p.logger.Debug("powercap backend unavailable", "error", err)
	}

	if ptr.Deref(p.msrConfig.Enabled, false) {
		p.logger.Info("powercap unavailable, attempting MSR fallback")
		msr := newMSRReader(p.msrConfig.DevicePath, p.logger)
		if err := msr.Init(); err != nil {
			return nil, false, fmt.Errorf("MSR fallback failed: %w", err)
		}
		return msr, true, nil
	}

	return nil, false, fmt.Errorf("powercap unavailable and MSR fallback disabled")
}

func (p *RAPLProvider) filterZones(zones []EnergyZone) []EnergyZone {
	if len(p.zoneFilter) == 0 {
		return zones
	}
	wanted := make(map[string]bool, len(p.zoneFilter))
	for _, name := range p.zoneFilter {
		wanted[strings.ToLower(name)] = true
	}
	filtered := make([]EnergyZone, 0, len(zones))
	for _, zone := range zones {
		if wanted[strings.ToLower(zone.Name())] {
			filtered = append(filtered, zone)
		}
	}
	return filtered
}

// Read samples every zone, folds each raw counter through its accumulator and
// returns a composite reading. A single zone failure fails the whole sample;
// the coordinator retries on the next poll.
func (p *RAPLProvider) Read() (Reading, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	at := p.clk.Now()
	reading := Reading{
		At:                 at,
		Wall:               time.Now(),
		Domains:            make(map[string]Energy, len(p.zones)),
		UncertaintyPercent: raplUncertaintyPercent,
	}

	if len(p.zones) == 0 {
		return reading, fmt.Errorf("provider not initialized")
	}

	var total Energy
	for _, zone := range p.zones {
		raw, err := zone.Energy()
		if err != nil {
			return reading, fmt.Errorf("zone %s read failed: %w", zone.Name(), err)
		}
		key := zoneKey{zone.Name(), zone.Index()}
		acc := p.accum[key]
		wrapsBefore := acc.Wraps()
		cumulative := Energy(float64(acc.Update(uint64(raw))) * zone.Resolution())
		if acc.Wraps() != wrapsBefore {
			p.logger.Debug("corrected counter wraparound",
				"zone", zone.Name(), "index", zone.Index(), "wraps", acc.Wraps())
		}

		domain := zone.Name()
		if zone.Index() > 0 {
			domain = fmt.Sprintf("%s-%d", zone.Name(), zone.Index())
		}
		reading.Domains[domain] += cumulative
		total += cumulative
	}

	reading.Cumulative = total
	reading.Valid = true

	// Average power since the previous sample.
	if p.lastAt != 0 && at > p.lastAt {
		delta := total - p.lastTotal
		seconds := at.Sub(p.lastAt).Seconds()
		reading.Power = Power(float64(delta)/seconds) * MicroWatt
	}
	p.lastTotal = total
	p.lastAt = at

	return reading, nil
}

func (p *RAPLProvider) Spec() ProviderSpec {
	p.mu.Lock()
	defer p.mu.Unlock()

	domains := make([]string, 0, len(p.zones))
	for _, zone := range p.zones {
		domains = append(domains, zone.Name())
	}
	resolution := 1.0 // powercap reports microjoules
	if p.useMSR {
		if msr, ok := p.reader.(*msrReader); ok {
			resolution = msr.energyUnit
		}
	}
	return ProviderSpec{
		Domains:               domains,
		ResolutionMicroJoules: resolution,
		UncertaintyPercent:    raplUncertaintyPercent,
		RequiresRoot:          true,
	}
}

func (p *RAPLProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.reader != nil {
		return p.reader.Close()
	}
	return nil
}
