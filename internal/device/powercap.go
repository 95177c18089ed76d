// SPDX-FileCopyrightText: 2026 The Jouletrace Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"

	"github.com/prometheus/procfs/sysfs"
)

// powercapReader implements raplReader using the Linux powercap sysfs
// interface (/sys/class/powercap/intel-rapl*).
type powercapReader struct {
	fs sysfs.FS
}

func newPowercapReader(sysfsPath string) (*powercapReader, error) {
	fs, err := sysfs.NewFS(sysfsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sysfs: %w", err)
	}
	return &powercapReader{fs: fs}, nil
}

func (p *powercapReader) Name() string {
	return "powercap"
}

func (p *powercapReader) Available() bool {
	zones, err := sysfs.GetRaplZones(p.fs)
	return err == nil && len(zones) > 0
}

func (p *powercapReader) Init() error {
	zones, err := p.Zones()
	if err != nil {
		return fmt.Errorf("failed to read RAPL zones: %w", err)
	}
	if len(zones) == 0 {
		return fmt.Errorf("no RAPL zones found")
	}
	if _, err := zones[0].Energy(); err != nil {
		return fmt.Errorf("failed to read energy from zone %s: %w", zones[0].Name(), err)
	}
	return nil
}

func (p *powercapReader) Zones() ([]EnergyZone, error) {
	raplZones, err := sysfs.GetRaplZones(p.fs)
	if err != nil {
		return nil, fmt.Errorf("failed to read rapl zones: %w", err)
	}

	zones := make([]EnergyZone, 0, len(raplZones))
	for _, zone := range raplZones {
		zones = append(zones, sysfsRaplZone{zone})
	}
	return zones, nil
}

func (p *powercapReader) Close() error {
	return nil
}

// sysfsRaplZone adapts sysfs.RaplZone to the EnergyZone interface.
type sysfsRaplZone struct {
	zone sysfs.RaplZone
}

func (s sysfsRaplZone) Name() string {
	return s.zone.Name
}

func (s sysfsRaplZone) Index() int {
	return s.zone.Index
}

func (s sysfsRaplZone) Path() string {
	return s.zone.Path
}

func (s sysfsRaplZone) Energy() (Energy, error) {
	mj, err := s.zone.GetEnergyMicrojoules()
	return Energy(mj), err
}

func (s sysfsRaplZone) MaxEnergy() Energy {
	return Energy(s.zone.MaxMicrojoules)
}

// Resolution is 1: powercap reports microjoules natively.
func (s sysfsRaplZone) Resolution() float64 {
	return 1
}
