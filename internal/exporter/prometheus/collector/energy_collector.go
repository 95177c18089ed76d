// SPDX-FileCopyrightText: 2026 The Jouletrace Authors
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jouletrace/jouletrace/internal/coordinator"
)

// EnergyDataProvider is the subset of the measurement coordinator the
// collector reads from.
type EnergyDataProvider interface {
	Latest() (coordinator.SynchronizedReading, error)
	ProviderNames() []string
	Healthy(provider string) bool
	DataChannel() <-chan struct{}
}

// EnergyCollector exposes the coordinator's latest synchronized reading.
// All metrics are produced from a single Latest call so the per-provider
// values in one scrape are mutually consistent.
type EnergyCollector struct {
	pm     EnergyDataProvider
	logger *slog.Logger

	mutex sync.RWMutex
	ready bool

	providerJoulesDesc *prometheus.Desc
	providerWattsDesc  *prometheus.Desc
	providerUpDesc     *prometheus.Desc
	providerTempDesc   *prometheus.Desc

	confidenceDesc *prometheus.Desc
	alignedDesc    *prometheus.Desc
}

func joulesDesc(subsystem string, labels []string) *prometheus.Desc {
	return prometheus.NewDesc(
		prometheus.BuildFQName(jouletraceNS, subsystem, "joules_total"),
		fmt.Sprintf("Cumulative energy measured at %s level in joules", subsystem),
		labels, nil)
}

func wattsDesc(subsystem string, labels []string) *prometheus.Desc {
	return prometheus.NewDesc(
		prometheus.BuildFQName(jouletraceNS, subsystem, "watts"),
		fmt.Sprintf("Power measured at %s level in watts", subsystem),
		labels, nil)
}

// NewEnergyCollector creates a collector over the measurement coordinator.
func NewEnergyCollector(pm EnergyDataProvider, logger *slog.Logger) *EnergyCollector {
	c := &EnergyCollector{
		pm:     pm,
		logger: logger.With("collector", "energy"),

		providerJoulesDesc: joulesDesc("provider", []string{"provider", "domain"}),
		providerWattsDesc:  wattsDesc("provider", []string{"provider"}),

		providerUpDesc: prometheus.NewDesc(
			prometheus.BuildFQName(jouletraceNS, "provider", "up"),
			"Whether the energy provider is healthy and delivering samples",
			[]string{"provider"}, nil),
		providerTempDesc: prometheus.NewDesc(
			prometheus.BuildFQName(jouletraceNS, "provider", "temperature_celsius"),
			"Sensor temperature reported by the provider, when available",
			[]string{"provider"}, nil),

		confidenceDesc: prometheus.NewDesc(
			prometheus.BuildFQName(jouletraceNS, "reading", "confidence"),
			"Confidence of the latest synchronized reading (value between 0.0 and 1.0)",
			nil, nil),
		alignedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(jouletraceNS, "reading", "temporal_alignment_valid"),
			"Whether the per-provider samples of the latest reading fell within the alignment tolerance",
			nil, nil),
	}

	go c.waitForData()

	return c
}

func (c *EnergyCollector) waitForData() {
	<-c.pm.DataChannel()
	c.mutex.Lock()
	c.ready = true
	c.mutex.Unlock()
}

// Describe implements the prometheus.Collector interface
func (c *EnergyCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.providerJoulesDesc
	ch <- c.providerWattsDesc
	ch <- c.providerUpDesc
	ch <- c.providerTempDesc
	ch <- c.confidenceDesc
	ch <- c.alignedDesc
}

func (c *EnergyCollector) isReady() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.ready
}

// Collect implements the prometheus.Collector interface
func (c *EnergyCollector) Collect(ch chan<- prometheus.Metric) {
	if !c.isReady() {
		c.logger.Debug("Collect called before coordinator published data")
		return
	}

	started := time.Now()
	defer func() {
		c.logger.Debug("Collected energy data", "duration", time.Since(started))
	}()

	reading, err := c.pm.Latest()
	if err != nil {
		c.logger.Error("Failed to collect energy data", "error", err)
		return
	}

	for _, name := range c.pm.ProviderNames() {
		up := 0.0
		if c.pm.Healthy(name) {
			up = 1.0
		}
		ch <- prometheus.MustNewConstMetric(c.providerUpDesc, prometheus.GaugeValue, up, name)
	}

	for name, sample := range reading.Readings {
		if !sample.Valid {
			continue
		}

		ch <- prometheus.MustNewConstMetric(
			c.providerWattsDesc, prometheus.GaugeValue, sample.Power.Watts(), name)

		for domain, energy := range sample.Domains {
			ch <- prometheus.MustNewConstMetric(
				c.providerJoulesDesc, prometheus.CounterValue, energy.Joules(), name, domain)
		}

		if sample.TemperatureCelsius != 0 {
			ch <- prometheus.MustNewConstMetric(
				c.providerTempDesc, prometheus.GaugeValue, sample.TemperatureCelsius, name)
		}
	}

	ch <- prometheus.MustNewConstMetric(c.confidenceDesc, prometheus.GaugeValue, reading.Confidence)

	aligned := 0.0
	if reading.TemporalAlignmentValid {
		aligned = 1.0
	}
	ch <- prometheus.MustNewConstMetric(c.alignedDesc, prometheus.GaugeValue, aligned)
}
