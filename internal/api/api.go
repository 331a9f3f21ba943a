package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/wallfleet/wallsync/internal/events"
	"github.com/wallfleet/wallsync/internal/ingest"
	"github.com/wallfleet/wallsync/internal/outbox"
	"github.com/wallfleet/wallsync/internal/preset"
	"github.com/wallfleet/wallsync/internal/session"
)

// API exposes HTTP handlers.
type API struct {
	sessions *session.Service
	ingest   *ingest.Service
	outbox   *outbox.Service
	presets  *preset.Service
	bus      *events.Bus
	logger   zerolog.Logger
}

// New creates the API router wrapper.
func New(sessions *session.Service, ing *ingest.Service, ob *outbox.Service, presets *preset.Service, bus *events.Bus, logger zerolog.Logger) *API {
	return &API{
		sessions: sessions,
		ingest:   ing,
		outbox:   ob,
		presets:  presets,
		bus:      bus,
		logger:   logger.With().Str("component", "api").Logger(),
	}
}

// Routes mounts all handlers under /api/v1.
func (a *API) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/sessions/start", a.handleStartSession)
		r.Post("/sessions/{id}/stop", a.handleStopSession)
		r.Get("/sessions/active", a.handleActiveSession)
		r.Get("/sessions/{id}/events", a.handleSessionEvents)

		r.Post("/devices/{id}/report", a.handleDeviceReport)
		r.Get("/devices/{id}/commands", a.handlePollCommands)
		r.Post("/devices/{id}/commands/{cmdID}/ack", a.handleAckCommand)

		r.Post("/presets", a.handleCreatePreset)
		r.Get("/presets", a.handleListPresets)
		r.Get("/presets/{id}", a.handleGetPreset)
		r.Delete("/presets/{id}", a.handleDeletePreset)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
