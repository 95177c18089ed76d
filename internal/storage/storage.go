// SPDX-FileCopyrightText: 2026 The Jouletrace Authors
// SPDX-License-Identifier: Apache-2.0

// Package storage persists finalized sessions as flat measurement rows plus
// one summary per session. The schema is the contract with external
// analysis tooling; the CSV encoding is lossless for all numeric fields.
package storage

import (
	"fmt"

	"github.com/jouletrace/jouletrace/internal/profile"
)

// Measurement is one checkpoint's row in the persisted session.
type Measurement struct {
	TimestampNs     int64   `csv:"timestamp_ns" json:"timestamp_ns"`
	CheckpointID    string  `csv:"checkpoint_id" json:"checkpoint_id"`
	CheckpointType  string  `csv:"checkpoint_type" json:"checkpoint_type"`
	FunctionName    string  `csv:"function_name" json:"function_name"`
	LineNumber      int     `csv:"line_number" json:"line_number"`
	EnergyJoules    float64 `csv:"energy_joules" json:"energy_joules"`
	PowerWatts      float64 `csv:"power_watts" json:"power_watts"`
	DurationSeconds float64 `csv:"duration_seconds" json:"duration_seconds"`
	Context         string  `csv:"context" json:"context"`
}

// EnergySummary is the one-row-per-session aggregate.
type EnergySummary struct {
	SessionID       string  `csv:"session_id" json:"session_id"`
	CodeVersion     string  `csv:"code_version" json:"code_version"`
	FilePath        string  `csv:"file_path" json:"file_path"`
	StartTimeNs     int64   `csv:"start_time_ns" json:"start_time_ns"`
	EndTimeNs       int64   `csv:"end_time_ns" json:"end_time_ns"`
	TotalJoules     float64 `csv:"total_joules" json:"total_joules"`
	AverageWatts    float64 `csv:"average_watts" json:"average_watts"`
	PeakWatts       float64 `csv:"peak_watts" json:"peak_watts"`
	CheckpointCount int     `csv:"checkpoint_count" json:"checkpoint_count"`
	DurationSeconds float64 `csv:"duration_seconds" json:"duration_seconds"`
}

// Store is the persistence backend contract.
type Store interface {
	SaveMeasurements(sessionID string, rows []Measurement) error
	SaveSummary(summary EnergySummary) error
	Measurements(sessionID string) ([]Measurement, error)
	Summaries() ([]EnergySummary, error)
}

// RowsFromSession flattens a finalized session into measurement rows.
func RowsFromSession(s *profile.Session) []Measurement {
	rows := make([]Measurement, 0, len(s.Checkpoints))
	for _, cp := range s.Checkpoints {
		rows = append(rows, Measurement{
			TimestampNs:     cp.Wall.UnixNano(),
			CheckpointID:    cp.ID,
			CheckpointType:  string(cp.Type),
			FunctionName:    cp.Name,
			LineNumber:      cp.Line,
			EnergyJoules:    cp.EnergyJoules,
			PowerWatts:      cp.PowerWatts,
			DurationSeconds: cp.DurationSeconds,
			Context:         cp.Context,
		})
	}
	return rows
}

// SummaryFromSession builds the session aggregate row.
func SummaryFromSession(s *profile.Session, codeVersion string) EnergySummary {
	return EnergySummary{
		SessionID:       s.ID,
		CodeVersion:     codeVersion,
		FilePath:        s.SourceFile,
		StartTimeNs:     s.StartWall.UnixNano(),
		EndTimeNs:       s.EndWall.UnixNano(),
		TotalJoules:     s.TotalEnergyJoules,
		AverageWatts:    s.AveragePowerWatts,
		PeakWatts:       s.PeakPowerWatts,
		CheckpointCount: len(s.Checkpoints),
		DurationSeconds: s.DurationSeconds(),
	}
}

// SessionSink adapts a Store to the engine's hand-off interface.
type SessionSink struct {
	store       Store
	codeVersion string
}

var _ profile.Sink = (*SessionSink)(nil)

func NewSessionSink(store Store, codeVersion string) *SessionSink {
	return &SessionSink{store: store, codeVersion: codeVersion}
}

// Persist writes the session's rows and summary to the backing store.
func (sk *SessionSink) Persist(s *profile.Session) error {
	if err := sk.store.SaveMeasurements(s.ID, RowsFromSession(s)); err != nil {
		return fmt.Errorf("failed to save measurements for %s: %w", s.ID, err)
	}
	if err := sk.store.SaveSummary(SummaryFromSession(s, sk.codeVersion)); err != nil {
		return fmt.Errorf("failed to save summary for %s: %w", s.ID, err)
	}
	return nil
}
