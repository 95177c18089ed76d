// SPDX-FileCopyrightText: 2026 The Jouletrace Authors
// SPDX-License-Identifier: Apache-2.0

// Package nvidia reads NVIDIA GPU energy through NVML. Devices that expose
// the total energy counter (Volta and later) are read directly; older
// devices fall back to trapezoidal integration of instantaneous power.
package nvidia

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/NVIDIA/go-nvml/pkg/nvml"

	"github.com/jouletrace/jouletrace/internal/device"
	"github.com/jouletrace/jouletrace/internal/timer"
)

// gpuState tracks per-device sampling state between reads.
type gpuState struct {
	index  int
	uuid   string
	name   string
	handle nvmlDeviceHandle

	// hasEnergyCounter is set at Init if GetTotalEnergyConsumption works.
	hasEnergyCounter bool
	baseline         device.Energy // counter value at Init, subtracted out

	// integration state for devices without the counter
	lastPower  device.Power
	lastAt     timer.Timestamp
	integrated float64 // microjoules
}

// Provider exposes all NVIDIA GPUs on the host as one energy provider.
// Domains are keyed "gpu-<index>".
type Provider struct {
	logger *slog.Logger
	clk    *timer.PrecisionTimer
	lib    nvmlLib

	mu          sync.Mutex
	devices     []*gpuState
	initialized bool
}

var _ device.Provider = (*Provider)(nil)

// NVML power telemetry accuracy per vendor docs.
const gpuUncertaintyPercent = 5.0

// OptionFn is a functional option for NewProvider.
type OptionFn func(*Provider)

// WithLogger sets the logger for the provider.
func WithLogger(logger *slog.Logger) OptionFn {
	return func(p *Provider) {
		p.logger = logger.With("provider", "nvidia")
	}
}

// withNvmlLib injects a library implementation (for testing).
func withNvmlLib(lib nvmlLib) OptionFn {
	return func(p *Provider) {
		p.lib = lib
	}
}

// NewProvider creates an NVML-backed GPU energy provider. Timestamps come
// from clk so they line up with the other providers.
func NewProvider(clk *timer.PrecisionTimer, opts ...OptionFn) *Provider {
	p := &Provider{
		logger: slog.Default().With("provider", "nvidia"),
		clk:    clk,
		lib:    newRealNvmlLib(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string {
	return "nvidia"
}

// Available reports whether the NVML library loads and at least one GPU is
// visible. The probe does a full init/shutdown cycle.
func (p *Provider) Available() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initialized {
		return true
	}
	if ret := p.lib.Init(); ret != nvml.SUCCESS {
		return false
	}
	count, ret := p.lib.DeviceGetCount()
	_ = p.lib.Shutdown()
	return ret == nvml.SUCCESS && count > 0
}

// Init loads NVML and discovers devices. Each device is probed once for the
// total energy counter so Read knows which sampling strategy to use.
func (p *Provider) Init() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return nil
	}

	if ret := p.lib.Init(); ret != nvml.SUCCESS {
		return fmt.Errorf("NVML init failed: %s", p.lib.ErrorString(ret))
	}

	count, ret := p.lib.DeviceGetCount()
	if ret != nvml.SUCCESS {
		_ = p.lib.Shutdown()
		return fmt.Errorf("failed to get device count: %s", p.lib.ErrorString(ret))
	}
	if count == 0 {
		_ = p.lib.Shutdown()
		return fmt.Errorf("no NVIDIA GPUs found")
	}

	now := p.clk.Now()
	devices := make([]*gpuState, 0, count)
	for i := 0; i < count; i++ {
		handle, ret := p.lib.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			p.logger.Warn("failed to get device handle", "index", i, "error", p.lib.ErrorString(ret))
			continue
		}

		uuid, ret := handle.GetUUID()
		if ret != nvml.SUCCESS {
			uuid = fmt.Sprintf("gpu-%d", i)
		}
		name, ret := handle.GetName()
		if ret != nvml.SUCCESS {
			name = "Unknown NVIDIA GPU"
		}

		st := &gpuState{index: i, uuid: uuid, name: name, handle: handle, lastAt: now}

		// NVML returns millijoules since driver load.
		if mj, ret := handle.GetTotalEnergyConsumption(); ret == nvml.SUCCESS {
			st.hasEnergyCounter = true
			st.baseline = device.Energy(mj) * device.MilliJoule
		} else if mw, ret := handle.GetPowerUsage(); ret == nvml.SUCCESS {
			st.lastPower = device.Power(mw) * device.MilliWatt
		} else {
			p.logger.Warn("GPU reports neither energy nor power, skipping",
				"index", i, "name", name)
			continue
		}

		devices = append(devices, st)
		p.logger.Info("discovered GPU",
			"index", i, "uuid", uuid, "name", name, "energy_counter", st.hasEnergyCounter)
	}

	if len(devices) == 0 {
		_ = p.lib.Shutdown()
		return fmt.Errorf("no usable NVIDIA GPUs found")
	}

	p.devices = devices
	p.initialized = true
	return nil
}

// Read samples every GPU and returns one composite reading. Cumulative is
// energy consumed since Init, summed over devices.
func (p *Provider) Read() (device.Reading, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	at := p.clk.Now()
	reading := device.Reading{
		At:                 at,
		Wall:               time.Now(),
		Domains:            make(map[string]device.Energy, len(p.devices)),
		UncertaintyPercent: gpuUncertaintyPercent,
	}

	if !p.initialized {
		return reading, fmt.Errorf("provider not initialized")
	}

	var total device.Energy
	var totalPower device.Power
	var maxTemp float64
	for _, st := range p.devices {
		e, pw, err := p.sampleDevice(st, at)
		if err != nil {
			return reading, err
		}
		domain := fmt.Sprintf("gpu-%d", st.index)
		reading.Domains[domain] = e
		total += e
		totalPower += pw

		if temp, ret := st.handle.GetTemperature(nvml.TEMPERATURE_GPU); ret == nvml.SUCCESS {
			if float64(temp) > maxTemp {
				maxTemp = float64(temp)
			}
		}
	}

	reading.Cumulative = total
	reading.Power = totalPower
	reading.TemperatureCelsius = maxTemp
	reading.Valid = true
	return reading, nil
}

// sampleDevice returns the device's cumulative energy since Init and its
// current power draw.
func (p *Provider) sampleDevice(st *gpuState, at timer.Timestamp) (device.Energy, device.Power, error) {
	if st.hasEnergyCounter {
		mj, ret := st.handle.GetTotalEnergyConsumption()
		if ret != nvml.SUCCESS {
			return 0, 0, fmt.Errorf("gpu-%d energy read failed: %s", st.index, p.lib.ErrorString(ret))
		}
		cumulative := device.Energy(mj)*device.MilliJoule - st.baseline

		var power device.Power
		if mw, ret := st.handle.GetPowerUsage(); ret == nvml.SUCCESS {
			power = device.Power(mw) * device.MilliWatt
		}
		return cumulative, power, nil
	}

	mw, ret := st.handle.GetPowerUsage()
	if ret != nvml.SUCCESS {
		return 0, 0, fmt.Errorf("gpu-%d power read failed: %s", st.index, p.lib.ErrorString(ret))
	}
	power := device.Power(mw) * device.MilliWatt

	// Trapezoidal integration between this and the previous sample.
	if at > st.lastAt {
		seconds := at.Sub(st.lastAt).Seconds()
		avgWatts := (power.Watts() + st.lastPower.Watts()) / 2
		st.integrated += avgWatts * seconds * 1e6
	}
	st.lastPower = power
	st.lastAt = at

	return device.Energy(st.integrated), power, nil
}

func (p *Provider) Spec() device.ProviderSpec {
	p.mu.Lock()
	defer p.mu.Unlock()

	domains := make([]string, 0, len(p.devices))
	resolution := 1000.0 // energy counter reports millijoules
	for _, st := range p.devices {
		domains = append(domains, fmt.Sprintf("gpu-%d", st.index))
		if !st.hasEnergyCounter {
			// power integration is far coarser than the counter
			resolution = 1e6
		}
	}
	return device.ProviderSpec{
		Domains:               domains,
		ResolutionMicroJoules: resolution,
		UncertaintyPercent:    gpuUncertaintyPercent,
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
	p.devices = nil
	if ret := p.lib.Shutdown(); ret != nvml.SUCCESS {
		return fmt.Errorf("NVML shutdown failed: %s", p.lib.ErrorString(ret))
	}
	return nil
}
