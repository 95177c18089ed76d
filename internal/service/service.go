// SPDX-FileCopyrightText: 2026 The Jouletrace Authors
// SPDX-License-Identifier: Apache-2.0

// Package service defines the lifecycle contracts shared by all long-lived
// components and the helpers that drive them as a group.
package service

import "context"

// Service is implemented by every lifecycle-managed component.
type Service interface {
	// Name returns the name of the service
	Name() string
}

// Initializer is implemented by services that need setup before Run.
type Initializer interface {
	Service
	Init() error
}

// Runner is implemented by services that do background work. Run blocks
// until ctx is cancelled or the service fails.
type Runner interface {
	Service
	Run(ctx context.Context) error
}

// Shutdowner is implemented by services that hold resources needing cleanup.
type Shutdowner interface {
	Service
	Shutdown() error
}
