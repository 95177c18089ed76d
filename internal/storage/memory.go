// SPDX-FileCopyrightText: 2026 The Jouletrace Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"fmt"
	"sync"
)

// MemoryStore keeps sessions in process memory. Used in tests and for runs
// that only need the live report.
type MemoryStore struct {
	mu           sync.RWMutex
	measurements map[string][]Measurement
	summaries    []EnergySummary
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{measurements: map[string][]Measurement{}}
}

func (m *MemoryStore) SaveMeasurements(sessionID string, rows []Measurement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]Measurement, len(rows))
	copy(cp, rows)
	m.measurements[sessionID] = cp
	return nil
}

func (m *MemoryStore) Measurements(sessionID string) ([]Measurement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows, ok := m.measurements[sessionID]
	if !ok {
		return nil, fmt.Errorf("no measurements for session %s", sessionID)
	}
	cp := make([]Measurement, len(rows))
	copy(cp, rows)
	return cp, nil
}

func (m *MemoryStore) SaveSummary(summary EnergySummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.summaries {
		if m.summaries[i].SessionID == summary.SessionID {
			m.summaries[i] = summary
			return nil
		}
	}
	m.summaries = append(m.summaries, summary)
	return nil
}

func (m *MemoryStore) Summaries() ([]EnergySummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp := make([]EnergySummary, len(m.summaries))
	copy(cp, m.summaries)
	return cp, nil
}
