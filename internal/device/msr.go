// SPDX-FileCopyrightText: 2026 The Jouletrace Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
)

// MSR register offsets for Intel RAPL energy counters.
const (
	// IA32_RAPL_POWER_UNIT holds the scaling factors for all RAPL counters.
	msrPowerUnit = 0x606

	// Energy status counters. 32-bit, wrap at 2^32-1 raw units.
	msrPkgEnergyStatus  = 0x611
	msrPP0EnergyStatus  = 0x639
	msrDRAMEnergyStatus = 0x619
)

var msrZoneOffsets = map[string]uint32{
	ZonePackage: msrPkgEnergyStatus,
	ZoneCore:    msrPP0EnergyStatus,
	ZoneDRAM:    msrDRAMEnergyStatus,
}

// msrReader implements raplReader by reading RAPL MSRs directly through
// /dev/cpu/*/msr. Used as a fallback when powercap is absent.
type msrReader struct {
	devicePath string // template, e.g. "/dev/cpu/%d/msr"
	logger     *slog.Logger

	msrFiles   map[int]*os.File
	zones      []EnergyZone
	energyUnit float64 // microjoules per counter LSB
}

func newMSRReader(devicePath string, logger *slog.Logger) *msrReader {
	return &msrReader{
		devicePath: devicePath,
		logger:     logger.With("backend", "msr"),
		msrFiles:   map[int]*os.File{},
	}
}

func (m *msrReader) Name() string {
	return "msr"
}

func (m *msrReader) Available() bool {
	cpus, err := m.findCPUs()
	return err == nil && len(cpus) > 0
}

func (m *msrReader) Init() error {
	cpus, err := m.findCPUs()
	if err != nil {
		return fmt.Errorf("failed to scan for MSR devices: %w", err)
	}
	if len(cpus) == 0 {
		return fmt.Errorf("no CPUs with MSR access found")
	}

	for _, cpu := range cpus {
		path := fmt.Sprintf(m.devicePath, cpu)
		f, err := os.OpenFile(path, os.O_RDONLY, 0)
		if err != nil {
			_ = m.Close()
			return fmt.Errorf("failed to open %s: %w", path, err)
		}
		m.msrFiles[cpu] = f
	}

	unit, err := readEnergyUnit(m.msrFiles[cpus[0]])
	if err != nil {
		_ = m.Close()
		return fmt.Errorf("failed to read RAPL power unit: %w", err)
	}
	m.energyUnit = unit

	if err := m.createZones(cpus); err != nil {
		_ = m.Close()
		return err
	}

	m.logger.Info("MSR backend initialized",
		"cpus", len(m.msrFiles), "zones", len(m.zones), "energy_unit_uj", m.energyUnit)
	return nil
}

func (m *msrReader) Zones() ([]EnergyZone, error) {
	if len(m.zones) == 0 {
		return nil, fmt.Errorf("MSR backend not initialized")
	}
	zones := make([]EnergyZone, len(m.zones))
	copy(zones, m.zones)
	return zones, nil
}

func (m *msrReader) Close() error {
	var lastErr error
	for cpu, f := range m.msrFiles {
		if err := f.Close(); err != nil {
			lastErr = err
			m.logger.Warn("failed to close MSR file", "cpu", cpu, "error", err)
		}
	}
	m.msrFiles = map[int]*os.File{}
	m.zones = nil
	return lastErr
}

func (m *msrReader) findCPUs() ([]int, error) {
	cpuDir := filepath.Dir(filepath.Dir(m.devicePath))
	entries, err := os.ReadDir(cpuDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", cpuDir, err)
	}

	var cpus []int
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		cpu, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		if _, err := os.Stat(fmt.Sprintf(m.devicePath, cpu)); err == nil {
			cpus = append(cpus, cpu)
		}
	}
	sort.Ints(cpus)
	return cpus, nil
}

func (m *msrReader) createZones(cpus []int) error {
	m.zones = nil
	for _, cpu := range cpus {
		f := m.msrFiles[cpu]
		for name, offset := range msrZoneOffsets {
			if !registerReadable(f, offset) {
				m.logger.Debug("MSR register not readable, skipping zone",
					"cpu", cpu, "zone", name, "msr", fmt.Sprintf("0x%x", offset))
				continue
			}
			m.zones = append(m.zones, &msrZone{
				name:       name,
				cpu:        cpu,
				offset:     offset,
				energyUnit: m.energyUnit,
				file:       f,
			})
		}
	}
	if len(m.zones) == 0 {
		return fmt.Errorf("no readable MSR energy counters found")
	}
	return nil
}

func registerReadable(f *os.File, offset uint32) bool {
	buf := make([]byte, 8)
	_, err := f.ReadAt(buf, int64(offset))
	return err == nil
}

// msrZone implements EnergyZone for one RAPL MSR of one CPU.
type msrZone struct {
	name       string
	cpu        int
	offset     uint32
	energyUnit float64
	file       *os.File
}

func (z *msrZone) Name() string {
	return z.name
}

func (z *msrZone) Index() int {
	return z.cpu
}

func (z *msrZone) Path() string {
	return fmt.Sprintf("/dev/cpu/%d/msr:0x%x", z.cpu, z.offset)
}

// Energy reads the 32-bit counter and returns it unscaled. Scaling to
// microjoules happens after wraparound accumulation so a wrap correction
// advances the counter by exactly one LSB, not one microjoule.
func (z *msrZone) Energy() (Energy, error) {
	if z.file == nil {
		return 0, fmt.Errorf("MSR file not open for CPU %d", z.cpu)
	}
	buf := make([]byte, 8)
	if _, err := z.file.ReadAt(buf, int64(z.offset)); err != nil {
		return 0, fmt.Errorf("failed to read MSR 0x%x on CPU %d: %w", z.offset, z.cpu, err)
	}
	return Energy(binary.LittleEndian.Uint64(buf) & 0xFFFFFFFF), nil
}

func (z *msrZone) MaxEnergy() Energy {
	return Energy(math.MaxUint32)
}

// Resolution returns microjoules per counter LSB from IA32_RAPL_POWER_UNIT.
func (z *msrZone) Resolution() float64 {
	return z.energyUnit
}

// readEnergyUnit reads IA32_RAPL_POWER_UNIT and returns the energy counter
// resolution in microjoules per LSB. The energy unit occupies bits 12:8 and
// the resolution in joules is 1 / 2^bits.
func readEnergyUnit(f *os.File) (float64, error) {
	if f == nil {
		return 0, fmt.Errorf("MSR file not open")
	}
	buf := make([]byte, 8)
	if _, err := f.ReadAt(buf, msrPowerUnit); err != nil {
		return 0, fmt.Errorf("failed to read power unit register: %w", err)
	}
	unitBits := (binary.LittleEndian.Uint64(buf) >> 8) & 0x1F
	joulesPerLSB := 1.0 / float64(uint64(1)<<unitBits)
	return joulesPerLSB * 1e6, nil
}
