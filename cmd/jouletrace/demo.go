// SPDX-FileCopyrightText: 2026 The Jouletrace Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jouletrace/jouletrace/internal/profile"
	"github.com/jouletrace/jouletrace/internal/service"
)

// demoWorkload runs a scripted burst of checkpoints against the engine and
// stops the run group when the report has been printed.
type demoWorkload struct {
	logger *slog.Logger
	engine *profile.Engine
}

var _ service.Runner = (*demoWorkload)(nil)

func newDemoWorkload(logger *slog.Logger, engine *profile.Engine) *demoWorkload {
	return &demoWorkload{
		logger: logger.With("service", "demo"),
		engine: engine,
	}
}

func (d *demoWorkload) Name() string {
	return "demo"
}

func (d *demoWorkload) Run(ctx context.Context) error {
	// let the coordinator buffer a few samples before the first checkpoint
	select {
	case <-time.After(200 * time.Millisecond):
	case <-ctx.Done():
		return ctx.Err()
	}

	id := d.engine.StartSession("demo.py", "python")
	d.logger.Info("demo session started", "session", id)

	d.engine.RecordCheckpoint(id, profile.Checkpoint{
		ID: "demo-enter", Type: profile.FunctionEnter, Name: "main", Line: 1,
	})
	for i := 0; i < 40; i++ {
		select {
		case <-time.After(10 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
		d.engine.RecordCheckpoint(id, profile.Checkpoint{
			ID:   fmt.Sprintf("demo-loop-%d", i),
			Type: profile.LoopStart,
			Name: "main",
			Line: 3 + i%5,
		})
	}
	d.engine.RecordCheckpoint(id, profile.Checkpoint{
		ID: "demo-exit", Type: profile.FunctionExit, Name: "main", Line: 9,
	})

	session, ok := d.engine.EndSession(id)
	if !ok {
		return fmt.Errorf("demo session %s vanished", id)
	}
	d.logger.Info("demo session finalized",
		"session", session.ID,
		"energy_joules", session.TotalEnergyJoules,
		"avg_watts", session.AveragePowerWatts,
	)

	// returning stops the whole run group, which is the point of --demo
	return nil
}
