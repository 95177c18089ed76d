// SPDX-FileCopyrightText: 2026 The Jouletrace Authors
// SPDX-License-Identifier: Apache-2.0

// Package redfish reads platform power from a BMC over the Redfish protocol.
// The BMC reports instantaneous watts only, so the provider integrates power
// over time to present cumulative energy like the CPU and GPU providers.
package redfish

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/stmcginnis/gofish"
	"github.com/stmcginnis/gofish/redfish"

	"github.com/jouletrace/jouletrace/internal/device"
)

// BMCConfig describes how to reach the BMC.
type BMCConfig struct {
	Endpoint    string        `yaml:"endpoint"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	Insecure    bool          `yaml:"insecure"`
	HTTPTimeout time.Duration `yaml:"httpTimeout"`
}

// powerAPIStrategy selects between the modern PowerSubsystem API and the
// deprecated Power API. Determined once at Init.
type powerAPIStrategy string

const (
	unknownStrategy        powerAPIStrategy = ""
	powerSubsystemStrategy powerAPIStrategy = "PowerSubsystem"
	powerStrategy          powerAPIStrategy = "Power"
)

// ChassisPower is one chassis' total power draw at sampling time.
type ChassisPower struct {
	ID    string
	Power device.Power
}

// chassisPowerReader is the BMC access seam. The gofish implementation is
// used in production; tests inject a stub.
type chassisPowerReader interface {
	Init() error
	ReadAll() ([]ChassisPower, error)
	Close() error
}

// gofishReader reads chassis power through a gofish API client.
type gofishReader struct {
	logger *slog.Logger

	cfg      gofish.ClientConfig
	client   *gofish.APIClient
	strategy powerAPIStrategy
}

func newGofishReader(bmc BMCConfig, logger *slog.Logger) *gofishReader {
	httpClient := &http.Client{Timeout: bmc.HTTPTimeout}
	if bmc.Insecure {
		httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	return &gofishReader{
		logger: logger,
		cfg: gofish.ClientConfig{
			Endpoint:   bmc.Endpoint,
			Username:   bmc.Username,
			Password:   bmc.Password,
			HTTPClient: httpClient,
		},
	}
}

// Init connects to the BMC and determines which power API the chassis
// support. gofish keeps the connection context internally, so no timeout
// context is passed here.
func (r *gofishReader) Init() error {
	client, err := gofish.Connect(r.cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to BMC at %s: %w", r.cfg.Endpoint, err)
	}

	if client.Service == nil {
		client.Logout()
		return fmt.Errorf("BMC service is not available")
	}

	chassis, err := client.Service.Chassis()
	if err != nil {
		client.Logout()
		return fmt.Errorf("failed to get chassis collection: %w", err)
	}
	if len(chassis) == 0 {
		client.Logout()
		return fmt.Errorf("no chassis found in BMC")
	}

	strategy := unknownStrategy
	for _, c := range chassis {
		if c == nil {
			continue
		}
		if _, err := readPowerSubsystem(c); err == nil {
			strategy = powerSubsystemStrategy
			break
		}
		if _, err := readPowerControl(c); err == nil {
			strategy = powerStrategy
			break
		}
	}
	if strategy == unknownStrategy {
		client.Logout()
		return fmt.Errorf("neither PowerSubsystem nor Power API is available on any of %d chassis", len(chassis))
	}

	r.client = client
	r.strategy = strategy
	r.logger.Info("connected to BMC",
		"endpoint", r.cfg.Endpoint, "strategy", string(strategy), "chassis", len(chassis))
	return nil
}

// ReadAll returns the current total power of every chassis that reports a
// non-zero reading.
func (r *gofishReader) ReadAll() ([]ChassisPower, error) {
	if r.client == nil {
		return nil, fmt.Errorf("BMC client is not initialized")
	}

	chassis, err := r.client.Service.Chassis()
	if err != nil {
		return nil, fmt.Errorf("failed to get chassis collection: %w", err)
	}

	var out []ChassisPower
	for _, ch := range chassis {
		if ch == nil {
			continue
		}

		var watts float64
		switch r.strategy {
		case powerSubsystemStrategy:
			watts, err = readPowerSubsystem(ch)
		case powerStrategy:
			watts, err = readPowerControl(ch)
		default:
			return nil, fmt.Errorf("power reading strategy not determined")
		}
		if err != nil {
			r.logger.Warn("failed to read chassis power",
				"chassis_id", ch.ID, "strategy", r.strategy, "error", err)
			continue
		}

		out = append(out, ChassisPower{
			ID:    ch.ID,
			Power: device.Power(watts) * device.Watt,
		})
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("no chassis with valid power readings found")
	}
	return out, nil
}

func (r *gofishReader) Close() error {
	if r.client != nil {
		r.client.Logout()
		r.client = nil
	}
	return nil
}

// readPowerSubsystem sums power supply output via the modern API.
func readPowerSubsystem(chassis *redfish.Chassis) (float64, error) {
	subsystem, err := chassis.PowerSubsystem()
	if err != nil {
		return 0, fmt.Errorf("failed to get power subsystem: %w", err)
	}
	if subsystem == nil {
		return 0, fmt.Errorf("no power subsystem available")
	}

	supplies, err := subsystem.PowerSupplies()
	if err != nil {
		return 0, fmt.Errorf("failed to get power supplies: %w", err)
	}

	var total float64
	for _, supply := range supplies {
		total += float64(supply.PowerOutputWatts)
	}
	if total == 0 {
		return 0, fmt.Errorf("no valid power readings from power supplies")
	}
	return total, nil
}

// readPowerControl sums PowerControl consumption via the deprecated API.
func readPowerControl(chassis *redfish.Chassis) (float64, error) {
	power, err := chassis.Power()
	if err != nil {
		return 0, fmt.Errorf("failed to get power information: %w", err)
	}
	if power == nil || len(power.PowerControl) == 0 {
		return 0, fmt.Errorf("no power control information available")
	}

	var total float64
	for _, pc := range power.PowerControl {
		total += float64(pc.PowerConsumedWatts)
	}
	if total == 0 {
		return 0, fmt.Errorf("no valid power readings from power controls")
	}
	return total, nil
}
