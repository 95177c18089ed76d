// SPDX-FileCopyrightText: 2026 The Jouletrace Authors
// SPDX-License-Identifier: Apache-2.0

package stdout

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/jouletrace/jouletrace/internal/coordinator"
	"github.com/jouletrace/jouletrace/internal/device"
	"github.com/jouletrace/jouletrace/internal/profile"
)

// MockMonitor mocks the Monitor interface
type MockMonitor struct {
	mock.Mock
}

func (m *MockMonitor) Latest() (coordinator.SynchronizedReading, error) {
	args := m.Called()
	return args.Get(0).(coordinator.SynchronizedReading), args.Error(1)
}

type dummyTarget struct {
	io.Writer
}

func (dwc *dummyTarget) Close() error {
	return nil
}

func testReading() coordinator.SynchronizedReading {
	return coordinator.SynchronizedReading{
		Readings: map[string]device.Reading{
			"rapl": {
				Cumulative: 100 * device.Joule,
				Power:      15 * device.Watt,
				Valid:      true,
			},
			"nvidia": {
				Cumulative: 50 * device.Joule,
				Power:      80 * device.Watt,
				Valid:      true,
			},
		},
		Confidence: 1.0,
	}
}

func testSession() *profile.Session {
	return &profile.Session{
		ID:         "session_20260101_010101_000_1",
		SourceFile: "fib.py",
		Language:   "python",
		StartedAt:  0,
		EndedAt:    2_000_000_000,
		Checkpoints: []profile.TimedCheckpoint{
			{
				Checkpoint:   profile.Checkpoint{ID: "cp-1", Type: profile.FunctionEnter, Name: "fib", Line: 3},
				At:           500_000_000,
				EnergyJoules: 1.5,
				PowerWatts:   3.0,
			},
			{
				Checkpoint:   profile.Checkpoint{ID: "cp-2", Type: profile.LoopStart, Name: "main", Line: 9},
				At:           1_500_000_000,
				EnergyJoules: 0.5,
				PowerWatts:   0.5,
			},
		},
		LineEnergy: map[int]*profile.SourceLineEnergy{
			3: {Line: 3, Text: "def fib(n):", EnergyJoules: 1.5, ExecutionCount: 1},
			9: {Line: 9, Text: "for i in range(30):", EnergyJoules: 0.5, ExecutionCount: 1},
		},
		TotalEnergyJoules: 2.0,
		AveragePowerWatts: 2.0,
		PeakPowerWatts:    3.0,
		MeasurementValid:  true,
		Finalized:         true,
	}
}

func TestNewExporter(t *testing.T) {
	tests := []struct {
		name     string
		opts     []OptionFn
		out      io.WriteCloser
		interval time.Duration
	}{{
		name:     "default options",
		opts:     []OptionFn{},
		out:      os.Stdout,
		interval: 2 * time.Second,
	}, {
		name: "custom options",
		opts: []OptionFn{
			WithLogger(slog.Default()),
			WithOutput(os.Stderr),
			WithInterval(20 * time.Second),
			WithLiveTable(true),
			WithTopN(3),
		},
		out:      os.Stderr,
		interval: 20 * time.Second,
	}}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockMonitor := &MockMonitor{}
			exporter := NewExporter(mockMonitor, tt.opts...)
			assert.NotNil(t, exporter)
			assert.Equal(t, "stdout", exporter.Name())
			assert.NotNil(t, exporter.logger)
			assert.Same(t, mockMonitor, exporter.monitor)
			assert.Same(t, tt.out, exporter.out)
			assert.Equal(t, tt.interval, exporter.interval)
		})
	}
}

func TestLiveTableRendersProviders(t *testing.T) {
	buf := bytes.Buffer{}
	writeReading(&buf, testReading())

	out := buf.String()
	assert.Contains(t, out, "nvidia")
	assert.Contains(t, out, "rapl")
	// providers are sorted, so nvidia renders before rapl
	assert.Less(t, strings.Index(out, "nvidia"), strings.Index(out, "rapl"))
}

func TestLiveTableSkipsInvalidSamples(t *testing.T) {
	reading := testReading()
	sample := reading.Readings["nvidia"]
	sample.Valid = false
	reading.Readings["nvidia"] = sample

	buf := bytes.Buffer{}
	writeReading(&buf, reading)
	assert.NotContains(t, buf.String(), "nvidia")
}

func TestRunTicksWhenLive(t *testing.T) {
	mockMonitor := &MockMonitor{}
	mockMonitor.On("Latest").Return(testReading(), nil)

	out := &dummyTarget{&bytes.Buffer{}}
	exporter := NewExporter(mockMonitor,
		WithOutput(out),
		WithInterval(10*time.Millisecond),
		WithLiveTable(true),
	)
	require.NoError(t, exporter.Init())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.NoError(t, exporter.Run(ctx))
	assert.NoError(t, exporter.Shutdown())
	mockMonitor.AssertExpectations(t)
}

func TestRunWithoutLiveWaitsForCancel(t *testing.T) {
	mockMonitor := &MockMonitor{}
	exporter := NewExporter(mockMonitor,
		WithOutput(&dummyTarget{&bytes.Buffer{}}),
		WithInterval(time.Millisecond),
	)
	require.NoError(t, exporter.Init())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.NoError(t, exporter.Run(ctx))
	mockMonitor.AssertNotCalled(t, "Latest")
}

func TestSessionReport(t *testing.T) {
	buf := bytes.Buffer{}
	exporter := NewExporter(&MockMonitor{}, WithOutput(&dummyTarget{&buf}))

	require.NoError(t, exporter.Persist(testSession()))

	out := buf.String()
	assert.Contains(t, out, "session_20260101_010101_000_1")
	assert.Contains(t, out, "fib.py")
	assert.Contains(t, out, "Energy by function")
	assert.Contains(t, out, "fib")
	assert.Contains(t, out, "Energy by checkpoint type")
	assert.Contains(t, out, string(profile.LoopStart))
	assert.Contains(t, out, "Hottest source lines")
	assert.Contains(t, out, "def fib(n):")
}
