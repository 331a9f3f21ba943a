package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wallfleet/wallsync/internal/models"
	"github.com/wallfleet/wallsync/internal/preset"
	"github.com/wallfleet/wallsync/internal/session"
)

type startSessionRequest struct {
	PresetID            string `json:"preset_id"`
	StartTimeoutMs      *int   `json:"start_timeout_ms"`
	PreparationBufferMs *int   `json:"preparation_buffer_ms"`
}

func (a *API) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body")
		return
	}
	if req.PresetID == "" {
		writeError(w, http.StatusBadRequest, "preset_id_required")
		return
	}

	requestedBy := r.Header.Get("X-User-ID")
	if requestedBy == "" {
		requestedBy = "operator"
	}

	result, err := a.sessions.Start(r.Context(), session.StartRequest{
		PresetID:            req.PresetID,
		RequestedBy:         requestedBy,
		StartTimeoutMs:      req.StartTimeoutMs,
		PreparationBufferMs: req.PreparationBufferMs,
	})
	if err != nil {
		a.writeStartError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"session":          result.Session,
		"start_timeout_ms": result.StartTimeoutMs,
		"timeout_at_ms":    result.TimeoutAtMs,
	})
}

func (a *API) writeStartError(w http.ResponseWriter, err error) {
	var offline *session.OfflineError
	var busy *session.BusyDeviceError
	switch {
	case errors.As(err, &offline):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":   "devices_offline",
			"devices": offline.Devices,
		})
	case errors.As(err, &busy):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":      "device_busy",
			"device_id":  busy.DeviceID,
			"session_id": busy.SessionID,
		})
	case errors.Is(err, session.ErrAlreadyActive):
		writeError(w, http.StatusConflict, "session_already_active")
	case errors.Is(err, preset.ErrNotFound):
		writeError(w, http.StatusNotFound, "preset_not_found")
	case errors.Is(err, preset.ErrTooFewDevices):
		writeError(w, http.StatusUnprocessableEntity, "too_few_devices")
	case errors.Is(err, preset.ErrMissingMedia), errors.Is(err, preset.ErrDurationMismatch):
		writeError(w, http.StatusUnprocessableEntity, "invalid_preset")
	default:
		a.logger.Error().Err(err).Msg("start session failed")
		writeError(w, http.StatusInternalServerError, "internal_error")
	}
}

type stopSessionRequest struct {
	Reason models.StopReason `json:"reason"`
}

func (a *API) handleStopSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	var req stopSessionRequest
	if r.Body != nil {
		// Body is optional; a bare stop defaults to USER_STOP.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	result, err := a.sessions.Stop(r.Context(), sessionID, req.Reason)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session_not_found")
			return
		}
		a.logger.Error().Err(err).Str("session_id", sessionID).Msg("stop session failed")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	if result.AlreadyStopped {
		writeJSON(w, http.StatusOK, map[string]any{
			"session":         result.Session,
			"already_stopped": true,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session":     result.Session,
		"stop_reason": result.StopReason,
	})
}

func (a *API) handleActiveSession(w http.ResponseWriter, r *http.Request) {
	// The dashboard polls this; it must always reflect the latest state.
	w.Header().Set("Cache-Control", "no-store")

	active, devices, err := a.sessions.Active(r.Context())
	if err != nil {
		if errors.Is(err, session.ErrNoActiveSession) {
			writeError(w, http.StatusNotFound, "no_active_session")
			return
		}
		a.logger.Error().Err(err).Msg("active session query failed")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	corrections, err := a.ingest.CorrectionTelemetry(r.Context(), active.ID)
	if err != nil {
		a.logger.Error().Err(err).Msg("correction telemetry failed")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session":                           active,
		"metrics":                           session.Aggregate(devices),
		"correction_telemetry_by_device_id": corrections,
	})
}
