// SPDX-FileCopyrightText: 2026 The Jouletrace Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/jouletrace/jouletrace/internal/service"
	"github.com/jouletrace/jouletrace/internal/storage"
)

// SessionAPI serves persisted session summaries and measurements as JSON.
type SessionAPI struct {
	logger *slog.Logger
	api    APIService
	store  storage.Store
}

var (
	_ service.Service     = (*SessionAPI)(nil)
	_ service.Initializer = (*SessionAPI)(nil)
)

func NewSessionAPI(api APIService, store storage.Store, logger *slog.Logger) *SessionAPI {
	return &SessionAPI{
		logger: logger.With("service", "session-api"),
		api:    api,
		store:  store,
	}
}

func (s *SessionAPI) Name() string {
	return "session-api"
}

func (s *SessionAPI) Init() error {
	if err := s.api.Register("/api/sessions", "Sessions", "Persisted session summaries",
		http.HandlerFunc(s.listSessions)); err != nil {
		return err
	}
	return s.api.Register("/api/measurements", "Measurements", "Per-checkpoint measurements of a session",
		http.HandlerFunc(s.listMeasurements))
}

func (s *SessionAPI) listSessions(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.store.Summaries()
	if err != nil {
		s.logger.Error("failed to load session summaries", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, s.logger, summaries)
}

func (s *SessionAPI) listMeasurements(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("session")
	if id == "" {
		http.Error(w, "missing session query parameter", http.StatusBadRequest)
		return
	}

	measurements, err := s.store.Measurements(id)
	if err != nil {
		s.logger.Error("failed to load measurements", "session", id, "error", err)
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, s.logger, measurements)
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode response", "error", err)
	}
}
