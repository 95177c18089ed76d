// SPDX-FileCopyrightText: 2026 The Jouletrace Authors
// SPDX-License-Identifier: Apache-2.0

package profile

import (
	"log/slog"
	"math"
	"sort"
	"time"
)

// FilterConfig holds the statistical-filtering calibration. The defaults are
// deployment-tunable, not guarantees; see DefaultFilterConfig.
type FilterConfig struct {
	// NoiseDurationThreshold marks checkpoints too short to measure
	// reliably; their energy is smoothed against their neighbors.
	NoiseDurationThreshold time.Duration `yaml:"noiseDurationThreshold"`

	// SmoothingBlend is the neighbor-average weight when smoothing; the
	// checkpoint keeps the remaining share of its own value.
	SmoothingBlend float64 `yaml:"smoothingBlend"`

	// SmoothingWindow is how many neighbors on each side feed the average.
	SmoothingWindow int `yaml:"smoothingWindow"`

	// OutlierSigma is the deviation from the session mean beyond which a
	// checkpoint is replaced by its local median.
	OutlierSigma float64 `yaml:"outlierSigma"`

	// MedianWindow is how many neighbors on each side feed the median.
	MedianWindow int `yaml:"medianWindow"`

	// MinSamples disables filtering entirely for short sessions.
	MinSamples int `yaml:"minSamples"`
}

func DefaultFilterConfig() FilterConfig {
	return FilterConfig{
		NoiseDurationThreshold: time.Millisecond,
		SmoothingBlend:         0.7,
		SmoothingWindow:        2,
		OutlierSigma:           3.0,
		MedianWindow:           3,
		MinSamples:             10,
	}
}

// Apply runs the two filtering passes in place: short-duration smoothing,
// then outlier replacement. Sessions below MinSamples pass through
// untouched.
func (fc FilterConfig) Apply(cps []TimedCheckpoint, logger *slog.Logger) {
	if len(cps) < fc.MinSamples {
		if logger != nil {
			logger.Debug("skipping statistical filtering",
				"samples", len(cps), "required", fc.MinSamples)
		}
		return
	}

	fc.smoothNoise(cps)
	fc.replaceOutliers(cps, logger)
}

// smoothNoise blends sub-threshold checkpoints with the mean of their
// temporal neighbors. Neighbor values are taken from a snapshot so earlier
// replacements in the pass do not feed later ones.
func (fc FilterConfig) smoothNoise(cps []TimedCheckpoint) {
	threshold := fc.NoiseDurationThreshold.Seconds()
	original := snapshotEnergy(cps)

	for i := range cps {
		if cps[i].DurationSeconds >= threshold {
			continue
		}
		mean, ok := neighborMean(original, i, fc.SmoothingWindow)
		if !ok {
			continue
		}
		cps[i].EnergyJoules = fc.SmoothingBlend*mean + (1-fc.SmoothingBlend)*original[i]
		recomputePower(&cps[i])
	}
}

// replaceOutliers swaps checkpoints beyond OutlierSigma deviations of the
// session mean for the median of their neighborhood. The local median keeps
// a genuine hotspot region intact where a global mean would flatten it.
func (fc FilterConfig) replaceOutliers(cps []TimedCheckpoint, logger *slog.Logger) {
	original := snapshotEnergy(cps)
	mean, stddev := meanStddev(original)
	if stddev == 0 {
		return
	}

	for i := range cps {
		if math.Abs(original[i]-mean) <= fc.OutlierSigma*stddev {
			continue
		}
		median, ok := neighborMedian(original, i, fc.MedianWindow)
		if !ok {
			continue
		}
		if logger != nil {
			logger.Debug("replaced outlier checkpoint",
				"checkpoint_id", cps[i].ID,
				"energy_joules", original[i],
				"replacement_joules", median)
		}
		cps[i].EnergyJoules = median
		recomputePower(&cps[i])
	}
}

func snapshotEnergy(cps []TimedCheckpoint) []float64 {
	out := make([]float64, len(cps))
	for i := range cps {
		out[i] = cps[i].EnergyJoules
	}
	return out
}

func recomputePower(cp *TimedCheckpoint) {
	if cp.DurationSeconds > 0 {
		cp.PowerWatts = cp.EnergyJoules / cp.DurationSeconds
	}
}

// neighborMean averages the values within window positions of i, excluding
// i itself.
func neighborMean(values []float64, i, window int) (float64, bool) {
	sum, n := 0.0, 0
	for j := i - window; j <= i+window; j++ {
		if j < 0 || j >= len(values) || j == i {
			continue
		}
		sum += values[j]
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// neighborMedian returns the median of the values within window positions of
// i, excluding i itself.
func neighborMedian(values []float64, i, window int) (float64, bool) {
	neighbors := make([]float64, 0, 2*window)
	for j := i - window; j <= i+window; j++ {
		if j < 0 || j >= len(values) || j == i {
			continue
		}
		neighbors = append(neighbors, values[j])
	}
	if len(neighbors) == 0 {
		return 0, false
	}

	sort.Float64s(neighbors)
	mid := len(neighbors) / 2
	if len(neighbors)%2 == 1 {
		return neighbors[mid], true
	}
	return (neighbors[mid-1] + neighbors[mid]) / 2, true
}

func meanStddev(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	variance := 0.0
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(values))
	return mean, math.Sqrt(variance)
}
