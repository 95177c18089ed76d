// SPDX-FileCopyrightText: 2026 The Jouletrace Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/ptr"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate(SkipHostValidation))

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 10*time.Millisecond, cfg.Measurement.Interval)
	assert.Equal(t, 4096, cfg.Measurement.BufferSize)
	assert.True(t, ptr.Deref(cfg.Measurement.AutoRestart, false))
	assert.Equal(t, []string{DefaultPort}, cfg.Web.ListenAddresses)
	assert.True(t, ptr.Deref(cfg.Storage.Enabled, false))
	assert.False(t, ptr.Deref(cfg.Dev.FakeProvider.Enabled, true))
}

func TestLoadOverridesDefaults(t *testing.T) {
	yml := `
log:
  level: debug
  format: json
measurement:
  preferredSensors: [rapl, nvidia]
  interval: 5ms
  crossValidationThreshold: 0.3
  bufferSize: 128
filter:
  outlierSigma: 2.5
calibration:
  languageOverheadJoules:
    python: 0.000005
storage:
  path: /tmp/sessions
bmc:
  endpoint: https://bmc.example:443
  username: admin
`
	cfg, err := Load(strings.NewReader(yml))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, []string{"rapl", "nvidia"}, cfg.Measurement.PreferredSensors)
	assert.Equal(t, 5*time.Millisecond, cfg.Measurement.Interval)
	assert.Equal(t, 0.3, cfg.Measurement.CrossValidationThreshold)
	assert.Equal(t, 128, cfg.Measurement.BufferSize)
	assert.Equal(t, 2.5, cfg.Filter.OutlierSigma)
	assert.Equal(t, 0.000005, cfg.Calibration.LanguageOverheadJoules["python"])
	assert.Equal(t, "/tmp/sessions", cfg.Storage.Path)
	assert.Equal(t, "https://bmc.example:443", cfg.BMC.Endpoint)

	// untouched sections keep their defaults
	assert.Equal(t, []string{DefaultPort}, cfg.Web.ListenAddresses)
	assert.Equal(t, 0.7, cfg.Filter.SmoothingBlend)
}

func TestLoadMergesOverDefaults(t *testing.T) {
	// Load goes through the merge builder: sections the file leaves empty
	// keep their defaults instead of being zeroed.
	cfg, err := Load(strings.NewReader("measurement:\n  preferredSensors: []\n"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Measurement.PreferredSensors, cfg.Measurement.PreferredSensors)
}

func TestLoadRejectsInvalidYAML(t *testing.T) {
	_, err := Load(strings.NewReader("log: ["))
	assert.Error(t, err)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		yml  string
		want string
	}{{
		name: "interval too small",
		yml:  "measurement:\n  interval: 100us",
		want: "measurement interval",
	}, {
		name: "interval too large",
		yml:  "measurement:\n  interval: 2s",
		want: "measurement interval",
	}, {
		name: "bad log level",
		yml:  "log:\n  level: loud",
		want: "log level",
	}, {
		name: "bad smoothing blend",
		yml:  "filter:\n  smoothingBlend: 1.5",
		want: "smoothing blend",
	}, {
		name: "cross validation out of range",
		yml:  "measurement:\n  crossValidationThreshold: 1.0",
		want: "cross validation",
	}, {
		name: "negative alignment tolerance",
		yml:  "measurement:\n  alignmentTolerance: -1ms",
		want: "alignment tolerance",
	}, {
		name: "bad listen address",
		yml:  "web:\n  listenAddresses: [\"nope\"]",
		want: "listen address",
	}}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(strings.NewReader(tt.yml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: warn\n"), 0o600))

	cfg, err := FromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)

	_, err = FromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestFlagsOverrideConfigFile(t *testing.T) {
	app := kingpin.New("jouletrace-test", "test app")
	update := RegisterFlags(app)

	_, err := app.Parse([]string{
		"--log.level=error",
		"--sensors=fake",
		"--measurement.interval=20ms",
		"--measurement.buffer-size=64",
		"--storage.path=/tmp/out",
		"--bmc.endpoint=https://bmc:8443",
		"--web.listen-address=:9999",
	})
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Log.Level = "debug" // from the "file"
	require.NoError(t, update(cfg))

	assert.Equal(t, "error", cfg.Log.Level)
	assert.Equal(t, []string{"fake"}, cfg.Measurement.PreferredSensors)
	assert.Equal(t, 20*time.Millisecond, cfg.Measurement.Interval)
	assert.Equal(t, 64, cfg.Measurement.BufferSize)
	assert.Equal(t, "/tmp/out", cfg.Storage.Path)
	assert.Equal(t, "https://bmc:8443", cfg.BMC.Endpoint)
	assert.Equal(t, []string{":9999"}, cfg.Web.ListenAddresses)
}

func TestUnsetFlagsKeepFileValues(t *testing.T) {
	app := kingpin.New("jouletrace-test", "test app")
	update := RegisterFlags(app)

	_, err := app.Parse([]string{"--log.level=warn"})
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Measurement.Interval = 2 * time.Millisecond
	cfg.Storage.Path = "/data/sessions"
	require.NoError(t, update(cfg))

	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 2*time.Millisecond, cfg.Measurement.Interval)
	assert.Equal(t, "/data/sessions", cfg.Storage.Path)
}

func TestSanitizeTrimsAndLowercases(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Measurement.PreferredSensors = []string{" RAPL ", "Nvidia"}
	cfg.Storage.Path = " measurements "
	cfg.sanitize()

	assert.Equal(t, []string{"rapl", "nvidia"}, cfg.Measurement.PreferredSensors)
	assert.Equal(t, "measurements", cfg.Storage.Path)
}
