// SPDX-FileCopyrightText: 2026 The Jouletrace Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"k8s.io/utils/ptr"

	"github.com/jouletrace/jouletrace/internal/device/redfish"
	"github.com/jouletrace/jouletrace/internal/profile"
)

// DefaultPort is the default web listen address.
const DefaultPort = ":28100"

// Config represents the complete application configuration
type (
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	}
	Host struct {
		SysFS  string `yaml:"sysfs"`
		ProcFS string `yaml:"procfs"`
	}

	// Measurement configures the background coordinator loop.
	Measurement struct {
		// PreferredSensors is the ordered list of provider names to
		// bring up; the first available ones win.
		PreferredSensors []string `yaml:"preferredSensors"`

		// Interval is the polling interval, 1ms to 100ms.
		Interval time.Duration `yaml:"interval"`

		// AlignmentTolerance bounds the per-provider timestamp spread
		// within one synchronized reading; 0 means half the interval.
		AlignmentTolerance time.Duration `yaml:"alignmentTolerance"`

		// CrossValidationThreshold is the maximum relative power
		// disagreement between overlapping providers; 0 disables it.
		CrossValidationThreshold float64 `yaml:"crossValidationThreshold"`

		// BufferSize is the per-provider ring buffer capacity.
		BufferSize int `yaml:"bufferSize"`

		// AutoRestart re-initializes providers that stopped delivering.
		AutoRestart *bool `yaml:"autoRestart"`

		// RestartInterval is the minimum backoff between restarts.
		RestartInterval time.Duration `yaml:"restartInterval"`
	}

	// Calibration holds per-language checkpoint overhead baselines,
	// measured once per deployment with a micro-benchmark.
	Calibration struct {
		LanguageOverheadJoules map[string]float64 `yaml:"languageOverheadJoules"`
	}

	Storage struct {
		Enabled *bool  `yaml:"enabled"`
		Path    string `yaml:"path"`
	}

	// Development mode settings; disabled by default
	Dev struct {
		FakeProvider struct {
			Enabled *bool   `yaml:"enabled"`
			Watts   float64 `yaml:"watts"`
		} `yaml:"fake-provider"`
	}
	Web struct {
		Config          string   `yaml:"configFile"`
		ListenAddresses []string `yaml:"listenAddresses"`
	}

	// Exporter configuration
	StdoutExporter struct {
		Enabled *bool `yaml:"enabled"`
		Live    *bool `yaml:"live"`
	}

	PrometheusExporter struct {
		Enabled         *bool    `yaml:"enabled"`
		DebugCollectors []string `yaml:"debugCollectors"`
	}

	Exporter struct {
		Stdout     StdoutExporter     `yaml:"stdout"`
		Prometheus PrometheusExporter `yaml:"prometheus"`
	}

	// Debug configuration
	PprofDebug struct {
		Enabled *bool `yaml:"enabled"`
	}

	Debug struct {
		Pprof PprofDebug `yaml:"pprof"`
	}

	Config struct {
		Log         Log                  `yaml:"log"`
		Host        Host                 `yaml:"host"`
		Measurement Measurement          `yaml:"measurement"`
		Filter      profile.FilterConfig `yaml:"filter"`
		Calibration Calibration          `yaml:"calibration"`
		Storage     Storage              `yaml:"storage"`
		BMC         redfish.BMCConfig    `yaml:"bmc"`
		Exporter    Exporter             `yaml:"exporter"`
		Web         Web                  `yaml:"web"`
		Debug       Debug                `yaml:"debug"`
		Dev         Dev                  `yaml:"dev"` // WARN: do not expose dev settings as flags
	}
)

type SkipValidation int

const (
	SkipHostValidation SkipValidation = 1
)

const (
	// Flags
	LogLevelFlag  = "log.level"
	LogFormatFlag = "log.format"

	HostSysFSFlag  = "host.sysfs"
	HostProcFSFlag = "host.procfs"

	SensorsFlag              = "sensors"
	MeasurementIntervalFlag  = "measurement.interval"
	MeasurementAutoRestart   = "measurement.auto-restart"
	MeasurementBufferFlag    = "measurement.buffer-size"
	AlignmentTolerance       = "measurement.alignment-tolerance" // not a flag
	CrossValidationThreshold = "measurement.cross-validation"    // not a flag

	StoragePathFlag = "storage.path"

	pprofEnabledFlag = "debug.pprof"

	WebConfigFlag        = "web.config-file"
	WebListenAddressFlag = "web.listen-address"

	// Exporters
	ExporterStdoutEnabledFlag     = "exporter.stdout"
	ExporterPrometheusEnabledFlag = "exporter.prometheus"
	// NOTE: not a flag
	ExporterPrometheusDebugCollectors = "exporter.prometheus.debug-collectors"

	// BMC flags
	BMCEndpointFlag = "bmc.endpoint"
	BMCUsernameFlag = "bmc.username"
	BMCPasswordFlag = "bmc.password"
	BMCInsecureFlag = "bmc.insecure"

// WARN:  dev settings shouldn't be exposed as flags as flags are intended for end users
)

// DefaultConfig returns a Config with default values
func DefaultConfig() *Config {
	cfg := &Config{
		Log: Log{
			Level:  "info",
			Format: "text",
		},
		Host: Host{
			SysFS:  "/sys",
			ProcFS: "/proc",
		},
		Measurement: Measurement{
			PreferredSensors:         []string{"rapl", "msr", "nvidia", "redfish"},
			Interval:                 10 * time.Millisecond,
			AlignmentTolerance:       0,
			CrossValidationThreshold: 0.2,
			BufferSize:               4096,
			AutoRestart:              ptr.To(true),
			RestartInterval:          5 * time.Second,
		},
		Filter: profile.DefaultFilterConfig(),
		Storage: Storage{
			Enabled: ptr.To(true),
			Path:    "measurements",
		},
		BMC: redfish.BMCConfig{
			HTTPTimeout: 10 * time.Second,
		},
		Exporter: Exporter{
			Stdout: StdoutExporter{
				Enabled: ptr.To(true),
				Live:    ptr.To(false),
			},
			Prometheus: PrometheusExporter{
				Enabled:         ptr.To(true),
				DebugCollectors: []string{"go"},
			},
		},
		Debug: Debug{
			Pprof: PprofDebug{
				Enabled: ptr.To(false),
			},
		},
		Web: Web{
			ListenAddresses: []string{DefaultPort},
		},
	}

	cfg.Dev.FakeProvider.Enabled = ptr.To(false)
	cfg.Dev.FakeProvider.Watts = 15.0
	return cfg
}

// Load loads configuration from an io.Reader, merging it over the defaults.
func Load(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	builder := &Builder{}
	cfg, err := builder.Merge(string(data)).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.sanitize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// FromFile loads configuration from a file
func FromFile(filePath string) (*Config, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	var errRet error
	defer func() {
		err = file.Close()
		if err != nil && errRet == nil {
			errRet = err
		}
	}()

	cfg, errRet := Load(file)

	return cfg, errRet
}

type ConfigUpdaterFn func(*Config) error

// RegisterFlags registers command-line flags with kingpin app
// and returns ConfigUpdaterFn that updates the config from parsed flags
// as command line arguments override config file settings
func RegisterFlags(app *kingpin.Application) ConfigUpdaterFn {
	// track flags that were explicitly set
	flagsSet := map[string]bool{}

	app.PreAction(func(ctx *kingpin.ParseContext) error {
		// Clear the map in case this function is called multiple times
		flagsSet = map[string]bool{}

		for _, element := range ctx.Elements {
			if flag, ok := element.Clause.(*kingpin.FlagClause); ok && element.Value != nil {
				flagsSet[flag.Model().Name] = true
			}
		}
		return nil
	})

	// Logging
	logLevel := app.Flag(LogLevelFlag, "Logging level: debug, info, warn, error").Default("info").Enum("debug", "info", "warn", "error")
	logFormat := app.Flag(LogFormatFlag, "Logging format: text or json").Default("text").Enum("text", "json")
	// host
	hostSysFS := app.Flag(HostSysFSFlag, "Host sysfs path").Default("/sys").ExistingDir()
	hostProcFS := app.Flag(HostProcFSFlag, "Host procfs path").Default("/proc").ExistingDir()

	// measurement
	sensors := app.Flag(SensorsFlag, "Ordered list of preferred energy sensors").Strings()
	interval := app.Flag(MeasurementIntervalFlag, "Polling interval of the measurement loop (1ms-100ms)").Default("10ms").Duration()
	autoRestart := app.Flag(MeasurementAutoRestart, "Re-initialize providers that stop delivering samples").Default("true").Bool()
	bufferSize := app.Flag(MeasurementBufferFlag, "Per-provider sample ring buffer capacity").Default("4096").Int()

	storagePath := app.Flag(StoragePathFlag, "Directory for persisted session CSVs").Default("measurements").String()

	enablePprof := app.Flag(pprofEnabledFlag, "Enable pprof debug endpoints").Default("false").Bool()
	webConfig := app.Flag(WebConfigFlag, "Web config file path").Default("").String()
	webListenAddresses := app.Flag(WebListenAddressFlag, "Web server listen addresses").Default(DefaultPort).Strings()

	// exporters
	stdoutExporterEnabled := app.Flag(ExporterStdoutEnabledFlag, "Enable stdout session reports").Default("true").Bool()
	prometheusExporterEnabled := app.Flag(ExporterPrometheusEnabledFlag, "Enable Prometheus exporter").Default("true").Bool()

	// bmc
	bmcEndpoint := app.Flag(BMCEndpointFlag, "Redfish BMC endpoint URL; empty disables the redfish provider").Default("").String()
	bmcUsername := app.Flag(BMCUsernameFlag, "Redfish BMC username").Default("").String()
	bmcPassword := app.Flag(BMCPasswordFlag, "Redfish BMC password").Default("").String()
	bmcInsecure := app.Flag(BMCInsecureFlag, "Skip TLS verification for the BMC").Default("false").Bool()

	return func(cfg *Config) error {
		// Logging settings
		if flagsSet[LogLevelFlag] {
			cfg.Log.Level = *logLevel
		}

		if flagsSet[LogFormatFlag] {
			cfg.Log.Format = *logFormat
		}

		if flagsSet[HostSysFSFlag] {
			cfg.Host.SysFS = *hostSysFS
		}

		if flagsSet[HostProcFSFlag] {
			cfg.Host.ProcFS = *hostProcFS
		}

		// measurement settings
		if flagsSet[SensorsFlag] {
			cfg.Measurement.PreferredSensors = *sensors
		}
		if flagsSet[MeasurementIntervalFlag] {
			cfg.Measurement.Interval = *interval
		}
		if flagsSet[MeasurementAutoRestart] {
			cfg.Measurement.AutoRestart = autoRestart
		}
		if flagsSet[MeasurementBufferFlag] {
			cfg.Measurement.BufferSize = *bufferSize
		}

		if flagsSet[StoragePathFlag] {
			cfg.Storage.Path = *storagePath
		}

		if flagsSet[pprofEnabledFlag] {
			cfg.Debug.Pprof.Enabled = enablePprof
		}

		if flagsSet[WebConfigFlag] {
			cfg.Web.Config = *webConfig
		}

		if flagsSet[WebListenAddressFlag] {
			cfg.Web.ListenAddresses = *webListenAddresses
		}

		if flagsSet[ExporterStdoutEnabledFlag] {
			cfg.Exporter.Stdout.Enabled = stdoutExporterEnabled
		}

		if flagsSet[ExporterPrometheusEnabledFlag] {
			cfg.Exporter.Prometheus.Enabled = prometheusExporterEnabled
		}

		if flagsSet[BMCEndpointFlag] {
			cfg.BMC.Endpoint = *bmcEndpoint
		}
		if flagsSet[BMCUsernameFlag] {
			cfg.BMC.Username = *bmcUsername
		}
		if flagsSet[BMCPasswordFlag] {
			cfg.BMC.Password = *bmcPassword
		}
		if flagsSet[BMCInsecureFlag] {
			cfg.BMC.Insecure = *bmcInsecure
		}

		cfg.sanitize()
		return cfg.Validate()
	}
}

func (c *Config) sanitize() {
	c.Log.Level = strings.TrimSpace(c.Log.Level)
	c.Log.Format = strings.TrimSpace(c.Log.Format)
	c.Host.SysFS = strings.TrimSpace(c.Host.SysFS)
	c.Host.ProcFS = strings.TrimSpace(c.Host.ProcFS)
	c.Web.Config = strings.TrimSpace(c.Web.Config)
	for i := range c.Web.ListenAddresses {
		c.Web.ListenAddresses[i] = strings.TrimSpace(c.Web.ListenAddresses[i])
	}

	for i := range c.Measurement.PreferredSensors {
		c.Measurement.PreferredSensors[i] = strings.ToLower(strings.TrimSpace(c.Measurement.PreferredSensors[i]))
	}

	for i := range c.Exporter.Prometheus.DebugCollectors {
		c.Exporter.Prometheus.DebugCollectors[i] = strings.TrimSpace(c.Exporter.Prometheus.DebugCollectors[i])
	}
	c.Storage.Path = strings.TrimSpace(c.Storage.Path)
	c.BMC.Endpoint = strings.TrimSpace(c.BMC.Endpoint)
}

// Validate checks for configuration errors
func (c *Config) Validate(skips ...SkipValidation) error {
	validationSkipped := make(map[SkipValidation]bool, len(skips))
	for _, v := range skips {
		validationSkipped[v] = true
	}
	var errs []string
	{ // log level
		validLogLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if _, valid := validLogLevels[c.Log.Level]; !valid {
			errs = append(errs, fmt.Sprintf("invalid log level: %s", c.Log.Level))
		}
	}
	{ // log format
		validFormats := map[string]bool{
			"text": true,
			"json": true,
		}
		if _, valid := validFormats[c.Log.Format]; !valid {
			errs = append(errs, fmt.Sprintf("invalid log format: %s", c.Log.Format))
		}
	}

	{ // Validate host settings
		if _, skip := validationSkipped[SkipHostValidation]; !skip {
			if err := canReadDir(c.Host.SysFS); err != nil {
				errs = append(errs, fmt.Sprintf("invalid sysfs path: %s: %s ", c.Host.SysFS, err.Error()))
			}
			if err := canReadDir(c.Host.ProcFS); err != nil {
				errs = append(errs, fmt.Sprintf("invalid procfs path: %s: %s ", c.Host.ProcFS, err.Error()))
			}
		}
	}
	{ // Web config file
		if c.Web.Config != "" {
			if err := canReadFile(c.Web.Config); err != nil {
				errs = append(errs, fmt.Sprintf("invalid web config file. path: %q: %s", c.Web.Config, err.Error()))
			}
		}
	}
	{ // Web listen addresses
		if len(c.Web.ListenAddresses) == 0 {
			errs = append(errs, "at least one web listen address must be specified")
		}
		for _, addr := range c.Web.ListenAddresses {
			if addr == "" {
				errs = append(errs, "web listen address cannot be empty")
				continue
			}
			if err := validateListenAddress(addr); err != nil {
				errs = append(errs, fmt.Sprintf("invalid web listen address %q: %s", addr, err.Error()))
			}
		}
	}
	{ // Measurement
		if c.Measurement.Interval < time.Millisecond || c.Measurement.Interval > 100*time.Millisecond {
			errs = append(errs, fmt.Sprintf("invalid measurement interval: %s must be between 1ms and 100ms", c.Measurement.Interval))
		}
		if c.Measurement.AlignmentTolerance < 0 {
			errs = append(errs, fmt.Sprintf("invalid alignment tolerance: %s can't be negative", c.Measurement.AlignmentTolerance))
		}
		if c.Measurement.CrossValidationThreshold < 0 || c.Measurement.CrossValidationThreshold >= 1 {
			errs = append(errs, fmt.Sprintf("invalid cross validation threshold: %f must be in [0, 1)", c.Measurement.CrossValidationThreshold))
		}
		if c.Measurement.BufferSize <= 0 {
			errs = append(errs, fmt.Sprintf("invalid measurement buffer size: %d must be positive", c.Measurement.BufferSize))
		}
		if c.Measurement.RestartInterval < 0 {
			errs = append(errs, fmt.Sprintf("invalid provider restart interval: %s can't be negative", c.Measurement.RestartInterval))
		}
		if len(c.Measurement.PreferredSensors) == 0 {
			errs = append(errs, "at least one preferred sensor must be specified")
		}
	}
	{ // Filter
		if c.Filter.NoiseDurationThreshold < 0 {
			errs = append(errs, "filter noise duration threshold can't be negative")
		}
		if c.Filter.SmoothingBlend < 0 || c.Filter.SmoothingBlend > 1 {
			errs = append(errs, fmt.Sprintf("invalid smoothing blend: %f must be in [0, 1]", c.Filter.SmoothingBlend))
		}
		if c.Filter.OutlierSigma <= 0 {
			errs = append(errs, fmt.Sprintf("invalid outlier sigma: %f must be positive", c.Filter.OutlierSigma))
		}
	}
	{ // Calibration
		for lang, joules := range c.Calibration.LanguageOverheadJoules {
			if joules < 0 {
				errs = append(errs, fmt.Sprintf("invalid calibration for %s: %f can't be negative", lang, joules))
			}
		}
	}
	{ // Storage
		if ptr.Deref(c.Storage.Enabled, false) && c.Storage.Path == "" {
			errs = append(errs, "storage path must be set when storage is enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, ", "))
	}

	return nil
}

func canReadDir(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}

	defer func() {
		// ignored on purpose
		_ = f.Close()
	}()
	_, err = f.ReadDir(1)
	if err != nil && err != io.EOF {
		return err
	}

	return nil
}

func canReadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}

	defer func() {
		// ignored on purpose
		_ = f.Close()
	}()
	buf := make([]byte, 8)
	_, err = f.Read(buf)
	if err != nil {
		return err
	}

	return nil
}

func validateListenAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("address cannot be empty")
	}

	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address format: %w", err)
	}

	return validatePort(port)
}

func validatePort(port string) error {
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("invalid port: %w", err)
	}
	if portNum < 1 || portNum > 65535 {
		return fmt.Errorf("port %d out of range", portNum)
	}
	return nil
}
