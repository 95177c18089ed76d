// SPDX-FileCopyrightText: 2026 The Jouletrace Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/jouletrace/jouletrace/internal/device"
	"github.com/jouletrace/jouletrace/internal/timer"
)

func TestCoordinatorCollect(t *testing.T) {
	clk := timer.New()
	cpu := device.NewFakeProvider(clk, device.WithFakeName("cpu"), device.WithFakePower(10))
	gpu := device.NewFakeProvider(clk, device.WithFakeName("gpu"), device.WithFakePower(100))

	c := NewCoordinator(clk, []device.Provider{cpu, gpu},
		WithInterval(10*time.Millisecond), WithBufferCapacity(16))
	require.NoError(t, c.Init())
	c.collect()

	sr, err := c.Latest()
	require.NoError(t, err)
	assert.Len(t, sr.Readings, 2)
	assert.Contains(t, sr.Readings, "cpu")
	assert.Contains(t, sr.Readings, "gpu")
	assert.InDelta(t, 1.0, sr.Confidence, 0.01)
	assert.True(t, sr.TemporalAlignmentValid)
	assert.True(t, sr.Valid)

	series, err := c.Series("cpu")
	require.NoError(t, err)
	assert.Len(t, series, 1)

	_, err = c.Series("tpu")
	assert.Error(t, err)
}

func TestCoordinatorRunPollsOnTicker(t *testing.T) {
	clk := timer.New()
	cpu := device.NewFakeProvider(clk, device.WithFakeName("cpu"))
	fakeClock := clocktesting.NewFakeClock(time.Now())

	c := NewCoordinator(clk, []device.Provider{cpu},
		WithInterval(10*time.Millisecond),
		WithBufferCapacity(16),
		WithClock(fakeClock))
	require.NoError(t, c.Init())

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	// The loop collects once at startup.
	require.Eventually(t, func() bool {
		series, err := c.Series("cpu")
		return err == nil && len(series) >= 1
	}, time.Second, time.Millisecond)

	// Wait for the loop to block on the ticker before stepping the clock.
	require.Eventually(t, fakeClock.HasWaiters, time.Second, time.Millisecond)
	fakeClock.Step(10 * time.Millisecond)
	require.Eventually(t, func() bool {
		series, _ := c.Series("cpu")
		return len(series) >= 2
	}, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-runErr, context.Canceled)
	require.NoError(t, c.Shutdown())
}

func TestCoordinatorMarksProviderUnhealthy(t *testing.T) {
	clk := timer.New()
	good := device.NewFakeProvider(clk, device.WithFakeName("good"))
	flaky := device.NewFakeProvider(clk, device.WithFakeName("flaky"))

	c := NewCoordinator(clk, []device.Provider{good, flaky},
		WithInterval(10*time.Millisecond),
		WithBufferCapacity(16),
		WithMaxFailures(2),
		WithRestartInterval(time.Hour))
	require.NoError(t, c.Init())

	flaky.SetReadError(fmt.Errorf("sensor offline"))
	c.collect()
	assert.True(t, c.Healthy("flaky"), "one failure is below the threshold")

	c.collect()
	assert.False(t, c.Healthy("flaky"))
	assert.True(t, c.Healthy("good"))

	// Measurement continues on the healthy subset with reduced confidence.
	sr, err := c.Latest()
	require.NoError(t, err)
	assert.Contains(t, sr.Readings, "good")
	assert.NotContains(t, sr.Readings, "flaky")
	assert.InDelta(t, 0.5, sr.Confidence, 0.01)
}

func TestCoordinatorRestartsUnhealthyProvider(t *testing.T) {
	clk := timer.New()
	flaky := device.NewFakeProvider(clk, device.WithFakeName("flaky"))
	fakeClock := clocktesting.NewFakeClock(time.Now())

	c := NewCoordinator(clk, []device.Provider{flaky},
		WithInterval(10*time.Millisecond),
		WithBufferCapacity(16),
		WithMaxFailures(1),
		WithRestartInterval(5*time.Second),
		WithClock(fakeClock))
	require.NoError(t, c.Init())

	flaky.SetReadError(fmt.Errorf("sensor offline"))
	c.collect()
	require.False(t, c.Healthy("flaky"))

	// Within the backoff window nothing happens.
	flaky.SetReadError(nil)
	c.collect()
	assert.False(t, c.Healthy("flaky"))

	// After the backoff the provider is reinitialized and read again.
	fakeClock.Step(6 * time.Second)
	c.collect()
	assert.True(t, c.Healthy("flaky"))
}

func TestCoordinatorSurvivesTotalHardwareFailure(t *testing.T) {
	clk := timer.New()
	broken := device.NewFakeProvider(clk,
		device.WithFakeName("broken"),
		device.WithFakeInitError(fmt.Errorf("no hardware")))

	// Absent hardware degrades to a no-measurement state instead of
	// failing startup.
	c := NewCoordinator(clk, []device.Provider{broken},
		WithRestartInterval(time.Hour))
	require.NoError(t, c.Init())
	assert.False(t, c.Healthy("broken"))

	c.collect()
	sr, err := c.Latest()
	require.NoError(t, err)
	assert.Empty(t, sr.Readings)
	assert.False(t, sr.Valid)
	assert.Zero(t, sr.Confidence)

	// An empty provider list is a configuration error, not missing hardware.
	c = NewCoordinator(clk, nil)
	assert.Error(t, c.Init())
}

func TestCoordinatorConfidenceReflectsUncertainty(t *testing.T) {
	clk := timer.New()
	cpu := device.NewFakeProvider(clk, device.WithFakeName("cpu"))

	c := NewCoordinator(clk, []device.Provider{cpu},
		WithInterval(10*time.Millisecond), WithBufferCapacity(16))
	require.NoError(t, c.Init())
	c.collect()

	sr, err := c.Latest()
	require.NoError(t, err)
	require.Positive(t, sr.MaxUncertaintyPercent)
	assert.InDelta(t, 1-sr.MaxUncertaintyPercent/100, sr.Confidence, 1e-9)
	assert.Less(t, sr.Confidence, 1.0)
}

func TestCoordinatorLatestFailsAfterShutdown(t *testing.T) {
	clk := timer.New()
	cpu := device.NewFakeProvider(clk, device.WithFakeName("cpu"))

	c := NewCoordinator(clk, []device.Provider{cpu},
		WithInterval(10*time.Millisecond), WithBufferCapacity(16))
	require.NoError(t, c.Init())

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		series, err := c.Series("cpu")
		return err == nil && len(series) >= 1
	}, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-runErr, context.Canceled)
	require.NoError(t, c.Shutdown())

	_, err := c.Latest()
	assert.Error(t, err)
}

func TestCoordinatorInitToleratesPartialFailure(t *testing.T) {
	clk := timer.New()
	good := device.NewFakeProvider(clk, device.WithFakeName("good"))
	broken := device.NewFakeProvider(clk,
		device.WithFakeName("broken"),
		device.WithFakeInitError(fmt.Errorf("no hardware")))

	c := NewCoordinator(clk, []device.Provider{good, broken},
		WithRestartInterval(time.Hour))
	require.NoError(t, c.Init())
	assert.True(t, c.Healthy("good"))
	assert.False(t, c.Healthy("broken"))
}

func TestCoordinatorReadTimeout(t *testing.T) {
	clk := timer.New()
	slow := &blockingProvider{FakeProvider: device.NewFakeProvider(clk, device.WithFakeName("slow"))}

	c := NewCoordinator(clk, []device.Provider{slow},
		WithReadTimeout(5*time.Millisecond),
		WithMaxFailures(1),
		WithRestartInterval(time.Hour),
		WithBufferCapacity(16))
	require.NoError(t, c.Init())

	slow.block = make(chan struct{})
	c.collect()
	assert.False(t, c.Healthy("slow"))
	close(slow.block)
}

// blockingProvider delays Read until block is closed.
type blockingProvider struct {
	*device.FakeProvider
	block chan struct{}
}

func (b *blockingProvider) Read() (device.Reading, error) {
	if b.block != nil {
		<-b.block
	}
	return b.FakeProvider.Read()
}

func TestCrossValidate(t *testing.T) {
	pkg := map[string]device.Energy{"package": device.Joule}
	gpu := map[string]device.Energy{"gpu-0": device.Joule}

	t.Run("agreeing providers pass", func(t *testing.T) {
		readings := map[string]device.Reading{
			"rapl": {Valid: true, Power: 10 * device.Watt, Domains: pkg},
			"msr":  {Valid: true, Power: 11 * device.Watt, Domains: pkg},
		}
		assert.True(t, crossValidate(readings, 0.2))
	})

	t.Run("disagreeing providers fail", func(t *testing.T) {
		readings := map[string]device.Reading{
			"rapl": {Valid: true, Power: 10 * device.Watt, Domains: pkg},
			"msr":  {Valid: true, Power: 20 * device.Watt, Domains: pkg},
		}
		assert.False(t, crossValidate(readings, 0.2))
	})

	t.Run("disjoint domains are never compared", func(t *testing.T) {
		readings := map[string]device.Reading{
			"rapl":   {Valid: true, Power: 10 * device.Watt, Domains: pkg},
			"nvidia": {Valid: true, Power: 200 * device.Watt, Domains: gpu},
		}
		assert.True(t, crossValidate(readings, 0.2))
	})
}

func TestSampleRing(t *testing.T) {
	r := newSampleRing(3)
	_, ok := r.Latest()
	assert.False(t, ok)

	for i := 1; i <= 5; i++ {
		r.Push(Sample{At: timer.Timestamp(i)})
	}

	assert.Equal(t, 3, r.Len())
	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, timer.Timestamp(3), snap[0].At)
	assert.Equal(t, timer.Timestamp(5), snap[2].At)

	latest, ok := r.Latest()
	require.True(t, ok)
	assert.Equal(t, timer.Timestamp(5), latest.At)
}
