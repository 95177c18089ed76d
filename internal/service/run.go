// SPDX-FileCopyrightText: 2026 The Jouletrace Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/oklog/run"
)

// Init initializes every service implementing Initializer, in order. If one
// fails, the services initialized before it are shut down in reverse order
// and the failure is returned.
func Init(logger *slog.Logger, services []Service) error {
	if logger == nil {
		logger = slog.Default()
	}

	var initialized []Shutdowner
	for _, s := range services {
		ini, ok := s.(Initializer)
		if !ok {
			continue
		}

		logger.Info("initializing service", "service", s.Name())
		if err := ini.Init(); err != nil {
			for i := len(initialized) - 1; i >= 0; i-- {
				sd := initialized[i]
				if sdErr := sd.Shutdown(); sdErr != nil {
					logger.Error("rollback shutdown failed", "service", sd.Name(), "error", sdErr)
				}
			}
			return fmt.Errorf("failed to initialize service %s: %w", s.Name(), err)
		}

		if sd, ok := s.(Shutdowner); ok {
			initialized = append(initialized, sd)
		}
	}
	return nil
}

// Run runs every service implementing Runner in one group. The group stops
// as soon as any member returns; the remaining members are interrupted and,
// where supported, shut down.
func Run(outer context.Context, logger *slog.Logger, services []Service) error {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(outer)
	defer cancel()

	var g run.Group
	for _, s := range services {
		runner, ok := s.(Runner)
		if !ok {
			continue
		}

		svc := s
		r := runner
		g.Add(
			func() error {
				logger.Info("running service", "service", svc.Name())
				return r.Run(ctx)
			},
			func(err error) {
				cancel()
				if err != nil {
					logger.Warn("service terminated", "service", svc.Name(), "reason", err)
				}
				if sd, ok := svc.(Shutdowner); ok {
					logger.Info("shutting down service", "service", svc.Name())
					if sdErr := sd.Shutdown(); sdErr != nil {
						logger.Warn("service shutdown failed", "service", svc.Name(), "error", sdErr)
					}
				}
			},
		)
	}

	return g.Run()
}

// SignalHandler terminates the run group when one of the given OS signals
// arrives.
type SignalHandler struct {
	signals []os.Signal
}

func NewSignalHandler(signals ...os.Signal) *SignalHandler {
	return &SignalHandler{signals: signals}
}

func (sh *SignalHandler) Name() string {
	return "signal-handler"
}

func (sh *SignalHandler) Run(ctx context.Context) error {
	c := make(chan os.Signal, 1)
	signal.Notify(c, sh.signals...)
	defer signal.Stop(c)

	select {
	case <-c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
