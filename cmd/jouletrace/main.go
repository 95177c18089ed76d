// SPDX-FileCopyrightText: 2026 The Jouletrace Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"k8s.io/utils/ptr"

	"github.com/jouletrace/jouletrace/internal/config"
	"github.com/jouletrace/jouletrace/internal/coordinator"
	"github.com/jouletrace/jouletrace/internal/device"
	"github.com/jouletrace/jouletrace/internal/device/nvidia"
	"github.com/jouletrace/jouletrace/internal/device/redfish"
	"github.com/jouletrace/jouletrace/internal/exporter/prometheus"
	"github.com/jouletrace/jouletrace/internal/exporter/stdout"
	"github.com/jouletrace/jouletrace/internal/logger"
	"github.com/jouletrace/jouletrace/internal/profile"
	"github.com/jouletrace/jouletrace/internal/server"
	"github.com/jouletrace/jouletrace/internal/service"
	"github.com/jouletrace/jouletrace/internal/storage"
	"github.com/jouletrace/jouletrace/internal/timer"
	"github.com/jouletrace/jouletrace/internal/version"
)

func main() {
	cfg, demo, err := parseArgsAndConfig()
	if err != nil {
		os.Exit(1)
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	logVersionInfo(log)

	services, err := createServices(log, cfg, demo)
	if err != nil {
		log.Error("failed to create services", "error", err)
		os.Exit(1)
	}

	if err := service.Init(log, services); err != nil {
		log.Error("initialization failed", "error", err)
		os.Exit(1)
	}

	log.Info("Starting jouletrace")
	if err := service.Run(context.Background(), log, services); err != nil {
		log.Error("jouletrace terminated with an error", "error", err)
		os.Exit(1)
	}
	log.Info("Graceful shutdown completed")
}

func logVersionInfo(log *slog.Logger) {
	v := version.Info()
	log.Info("jouletrace version information",
		"version", v.Version,
		"buildTime", v.BuildTime,
		"gitBranch", v.GitBranch,
		"gitCommit", v.GitCommit,
		"goVersion", v.GoVersion,
		"goOS", v.GoOS,
		"goArch", v.GoArch,
	)
}

func parseArgsAndConfig() (*config.Config, bool, error) {
	const appName = "jouletrace"
	app := kingpin.New(appName, "Sub-second, checkpoint-correlated code energy profiler.")

	configFile := app.Flag("config.file", "Path to YAML configuration file").String()
	demo := app.Flag("demo", "Run a synthetic workload against fake providers and exit").Default("false").Bool()
	updateConfig := config.RegisterFlags(app)
	kingpin.MustParse(app.Parse(os.Args[1:]))

	log := logger.New("info", "text", os.Stderr)
	cfg := config.DefaultConfig()
	if *configFile != "" {
		log.Info("Loading configuration file", "path", *configFile)
		loadedCfg, err := config.FromFile(*configFile)
		if err != nil {
			log.Error("Error loading config file", "error", err.Error())
			return nil, false, err
		}
		cfg = loadedCfg
		log.Info("Completed loading of configuration file", "path", *configFile)
	}

	// Apply command line flags (these override config file settings)
	if err := updateConfig(cfg); err != nil {
		log.Error("Error applying command line flags", "error", err.Error())
		return nil, false, err
	}

	return cfg, *demo, nil
}

// buildProviders instantiates the preferred sensors in order, skipping the
// ones whose hardware is not present.
func buildProviders(log *slog.Logger, cfg *config.Config, tm *timer.PrecisionTimer, demo bool) []device.Provider {
	var providers []device.Provider
	seen := map[string]bool{}

	if demo || ptr.Deref(cfg.Dev.FakeProvider.Enabled, false) {
		providers = append(providers, device.NewFakeProvider(tm,
			device.WithFakePower(cfg.Dev.FakeProvider.Watts),
			device.WithFakeJitter(0.05),
		))
		seen["fake"] = true
	}

	for _, name := range cfg.Measurement.PreferredSensors {
		if name == "msr" {
			// the rapl provider falls back to MSR registers itself
			name = "rapl"
		}
		if seen[name] {
			continue
		}
		seen[name] = true

		var p device.Provider
		switch name {
		case "rapl":
			p = device.NewRAPLProvider(cfg.Host.SysFS, tm, device.WithRAPLLogger(log))
		case "nvidia":
			p = nvidia.NewProvider(tm, nvidia.WithLogger(log))
		case "redfish":
			p = redfish.NewProvider(cfg.BMC, tm, redfish.WithLogger(log))
		case "fake":
			p = device.NewFakeProvider(tm, device.WithFakePower(cfg.Dev.FakeProvider.Watts))
		default:
			log.Warn("unknown sensor in preferred list", "sensor", name)
			continue
		}

		if !p.Available() {
			log.Info("sensor not available, skipping", "sensor", name)
			continue
		}
		providers = append(providers, p)
	}

	return providers
}

func createServices(log *slog.Logger, cfg *config.Config, demo bool) ([]service.Service, error) {
	log.Debug("Creating all services")

	tm := timer.New()
	providers := buildProviders(log, cfg, tm, demo)
	if len(providers) == 0 {
		return nil, fmt.Errorf("no energy providers available; try --demo to use fake sensors")
	}

	coord := coordinator.NewCoordinator(tm, providers,
		coordinator.WithLogger(log),
		coordinator.WithInterval(cfg.Measurement.Interval),
		coordinator.WithBufferCapacity(cfg.Measurement.BufferSize),
		coordinator.WithAlignmentTolerance(cfg.Measurement.AlignmentTolerance),
		coordinator.WithCrossValidationThreshold(cfg.Measurement.CrossValidationThreshold),
		coordinator.WithAutoRestart(ptr.Deref(cfg.Measurement.AutoRestart, true)),
		coordinator.WithRestartInterval(cfg.Measurement.RestartInterval),
	)

	compensator := profile.NewCompensator()
	for lang, joules := range cfg.Calibration.LanguageOverheadJoules {
		compensator.Calibrate(lang, joules)
	}

	var sinks profile.MultiSink
	stdoutExporter := stdout.NewExporter(coord,
		stdout.WithLogger(log),
		stdout.WithLiveTable(ptr.Deref(cfg.Exporter.Stdout.Live, false)),
	)
	if ptr.Deref(cfg.Exporter.Stdout.Enabled, false) {
		sinks = append(sinks, stdoutExporter)
	}

	var store storage.Store
	if ptr.Deref(cfg.Storage.Enabled, false) {
		csvStore, err := storage.NewCSVStore(cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open storage at %s: %w", cfg.Storage.Path, err)
		}
		store = csvStore
	} else {
		store = storage.NewMemoryStore()
	}
	sinks = append(sinks, storage.NewSessionSink(store, version.Info().GitCommit))

	engine := profile.NewEngine(tm, coord,
		profile.WithEngineLogger(log),
		profile.WithFilterConfig(cfg.Filter),
		profile.WithCompensator(compensator),
		profile.WithSink(sinks),
	)

	apiServer := server.NewAPIServer(
		server.WithLogger(log),
		server.WithListen(cfg.Web.ListenAddresses, cfg.Web.Config),
	)

	services := []service.Service{
		coord,
		apiServer,
		server.NewSessionAPI(apiServer, store, log),
		service.NewSignalHandler(os.Interrupt),
	}

	if ptr.Deref(cfg.Exporter.Prometheus.Enabled, false) {
		collectors, err := prometheus.CreateCollectors(coord,
			prometheus.WithLogger(log),
			prometheus.WithProcFSPath(cfg.Host.ProcFS),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create collectors: %w", err)
		}
		services = append(services, prometheus.NewExporter(coord, apiServer,
			prometheus.WithLogger(log),
			prometheus.WithCollectors(collectors),
			prometheus.WithDebugCollectors(cfg.Exporter.Prometheus.DebugCollectors),
		))
	}

	if ptr.Deref(cfg.Exporter.Stdout.Enabled, false) || ptr.Deref(cfg.Exporter.Stdout.Live, false) {
		services = append(services, stdoutExporter)
	}

	if ptr.Deref(cfg.Debug.Pprof.Enabled, false) {
		services = append(services, server.NewPprof(apiServer))
	}

	if demo {
		services = append(services, newDemoWorkload(log, engine))
	}

	return services, nil
}
