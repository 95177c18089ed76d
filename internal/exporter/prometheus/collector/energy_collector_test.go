// SPDX-FileCopyrightText: 2026 The Jouletrace Authors
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/jouletrace/jouletrace/internal/coordinator"
	"github.com/jouletrace/jouletrace/internal/device"
)

// MockCoordinator mocks the measurement coordinator for testing
type MockCoordinator struct {
	mock.Mock
	dataCh chan struct{}
}

func NewMockCoordinator() *MockCoordinator {
	return &MockCoordinator{
		dataCh: make(chan struct{}, 1),
	}
}

var _ EnergyDataProvider = (*MockCoordinator)(nil)

func (m *MockCoordinator) Latest() (coordinator.SynchronizedReading, error) {
	args := m.Called()
	return args.Get(0).(coordinator.SynchronizedReading), args.Error(1)
}

func (m *MockCoordinator) ProviderNames() []string {
	args := m.Called()
	return args.Get(0).([]string)
}

func (m *MockCoordinator) Healthy(provider string) bool {
	args := m.Called(provider)
	return args.Bool(0)
}

func (m *MockCoordinator) DataChannel() <-chan struct{} {
	return m.dataCh
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func gather(t *testing.T, c prometheus.Collector) map[string][]*dto.Metric {
	t.Helper()
	registry := prometheus.NewPedanticRegistry()
	require.NoError(t, registry.Register(c))
	families, err := registry.Gather()
	require.NoError(t, err)

	byName := map[string][]*dto.Metric{}
	for _, mf := range families {
		byName[mf.GetName()] = mf.GetMetric()
	}
	return byName
}

func labelValue(m *dto.Metric, name string) string {
	for _, l := range m.GetLabel() {
		if l.GetName() == name {
			return l.GetValue()
		}
	}
	return ""
}

func TestEnergyCollectorNotReady(t *testing.T) {
	mc := NewMockCoordinator()
	c := NewEnergyCollector(mc, testLogger())

	metrics := gather(t, c)
	assert.Empty(t, metrics, "no metrics expected before the coordinator publishes data")
	mc.AssertNotCalled(t, "Latest")
}

func TestEnergyCollectorCollect(t *testing.T) {
	mc := NewMockCoordinator()
	c := NewEnergyCollector(mc, testLogger())

	reading := coordinator.SynchronizedReading{
		Wall: time.Now(),
		Readings: map[string]device.Reading{
			"rapl": {
				Cumulative: 12 * device.Joule,
				Power:      10 * device.Watt,
				Domains: map[string]device.Energy{
					"package": 8 * device.Joule,
					"dram":    4 * device.Joule,
				},
				Valid:              true,
				TemperatureCelsius: 55,
			},
			"nvidia": {
				Valid: false,
			},
		},
		TemporalAlignmentValid: true,
		Confidence:             0.5,
	}
	mc.On("Latest").Return(reading, nil)
	mc.On("ProviderNames").Return([]string{"rapl", "nvidia"})
	mc.On("Healthy", "rapl").Return(true)
	mc.On("Healthy", "nvidia").Return(false)

	mc.dataCh <- struct{}{}
	require.Eventually(t, c.isReady, time.Second, time.Millisecond)

	metrics := gather(t, c)

	joules := metrics["jouletrace_provider_joules_total"]
	require.Len(t, joules, 2)
	perDomain := map[string]float64{}
	for _, m := range joules {
		assert.Equal(t, "rapl", labelValue(m, "provider"))
		perDomain[labelValue(m, "domain")] = m.GetCounter().GetValue()
	}
	assert.Equal(t, 8.0, perDomain["package"])
	assert.Equal(t, 4.0, perDomain["dram"])

	watts := metrics["jouletrace_provider_watts"]
	require.Len(t, watts, 1)
	assert.Equal(t, "rapl", labelValue(watts[0], "provider"))
	assert.Equal(t, 10.0, watts[0].GetGauge().GetValue())

	up := map[string]float64{}
	for _, m := range metrics["jouletrace_provider_up"] {
		up[labelValue(m, "provider")] = m.GetGauge().GetValue()
	}
	assert.Equal(t, 1.0, up["rapl"])
	assert.Equal(t, 0.0, up["nvidia"])

	temp := metrics["jouletrace_provider_temperature_celsius"]
	require.Len(t, temp, 1)
	assert.Equal(t, 55.0, temp[0].GetGauge().GetValue())

	confidence := metrics["jouletrace_reading_confidence"]
	require.Len(t, confidence, 1)
	assert.Equal(t, 0.5, confidence[0].GetGauge().GetValue())

	aligned := metrics["jouletrace_reading_temporal_alignment_valid"]
	require.Len(t, aligned, 1)
	assert.Equal(t, 1.0, aligned[0].GetGauge().GetValue())

	mc.AssertExpectations(t)
}

func TestEnergyCollectorLatestError(t *testing.T) {
	mc := NewMockCoordinator()
	c := NewEnergyCollector(mc, testLogger())

	mc.On("Latest").Return(coordinator.SynchronizedReading{}, assert.AnError)

	mc.dataCh <- struct{}{}
	require.Eventually(t, c.isReady, time.Second, time.Millisecond)

	metrics := gather(t, c)
	assert.Empty(t, metrics)
}

func TestBuildInfoCollector(t *testing.T) {
	metrics := gather(t, NewBuildInfoCollector())

	info := metrics["jouletrace_build_info"]
	require.Len(t, info, 1)
	assert.Equal(t, 1.0, info[0].GetGauge().GetValue())
	assert.NotEmpty(t, labelValue(info[0], "goversion"))
}
