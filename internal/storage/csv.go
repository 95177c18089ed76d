// SPDX-FileCopyrightText: 2026 The Jouletrace Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jszwec/csvutil"
)

// CSVStore persists sessions under one directory: one measurements file per
// session plus a shared summaries file.
type CSVStore struct {
	dir string

	// serializes read-modify-write of the shared summaries file
	mu sync.Mutex
}

var _ Store = (*CSVStore)(nil)

func NewCSVStore(dir string) (*CSVStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory %s: %w", dir, err)
	}
	return &CSVStore{dir: dir}, nil
}

func (c *CSVStore) measurementsPath(sessionID string) string {
	return filepath.Join(c.dir, "measurements_"+sanitize(sessionID)+".csv")
}

func (c *CSVStore) summariesPath() string {
	return filepath.Join(c.dir, "summaries.csv")
}

// sanitize keeps session ids safe as file name components.
func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}

func (c *CSVStore) SaveMeasurements(sessionID string, rows []Measurement) error {
	data, err := csvutil.Marshal(rows)
	if err != nil {
		return fmt.Errorf("failed to encode measurements: %w", err)
	}
	if err := os.WriteFile(c.measurementsPath(sessionID), data, 0o644); err != nil {
		return fmt.Errorf("failed to write measurements: %w", err)
	}
	return nil
}

func (c *CSVStore) Measurements(sessionID string) ([]Measurement, error) {
	data, err := os.ReadFile(c.measurementsPath(sessionID))
	if err != nil {
		return nil, fmt.Errorf("failed to read measurements for %s: %w", sessionID, err)
	}
	var rows []Measurement
	if err := csvutil.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode measurements for %s: %w", sessionID, err)
	}
	return rows, nil
}

func (c *CSVStore) SaveSummary(summary EnergySummary) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	summaries, err := c.readSummaries()
	if err != nil {
		return err
	}

	// Re-saving a session replaces its previous summary.
	replaced := false
	for i := range summaries {
		if summaries[i].SessionID == summary.SessionID {
			summaries[i] = summary
			replaced = true
			break
		}
	}
	if !replaced {
		summaries = append(summaries, summary)
	}

	data, err := csvutil.Marshal(summaries)
	if err != nil {
		return fmt.Errorf("failed to encode summaries: %w", err)
	}
	if err := os.WriteFile(c.summariesPath(), data, 0o644); err != nil {
		return fmt.Errorf("failed to write summaries: %w", err)
	}
	return nil
}

func (c *CSVStore) Summaries() ([]EnergySummary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readSummaries()
}

func (c *CSVStore) readSummaries() ([]EnergySummary, error) {
	data, err := os.ReadFile(c.summariesPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read summaries: %w", err)
	}
	var summaries []EnergySummary
	if err := csvutil.Unmarshal(data, &summaries); err != nil {
		return nil, fmt.Errorf("failed to decode summaries: %w", err)
	}
	return summaries, nil
}
