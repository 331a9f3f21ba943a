package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wallfleet/wallsync/internal/models"
	"github.com/wallfleet/wallsync/internal/preset"
)

type presetAssignmentRequest struct {
	DeviceID        string `json:"device_id"`
	MediaID         string `json:"media_id"`
	MediaDurationMs int64  `json:"media_duration_ms"`
}

type createPresetRequest struct {
	Name                  string                    `json:"name"`
	Mode                  models.AssignmentMode     `json:"mode"`
	CommonMediaID         string                    `json:"common_media_id"`
	CommonMediaDurationMs int64                     `json:"common_media_duration_ms"`
	Assignments           []presetAssignmentRequest `json:"assignments"`
}

func (a *API) handleCreatePreset(w http.ResponseWriter, r *http.Request) {
	var req createPresetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name_required")
		return
	}

	in := preset.CreateInput{
		Name:                  req.Name,
		Mode:                  req.Mode,
		CommonMediaID:         req.CommonMediaID,
		CommonMediaDurationMs: req.CommonMediaDurationMs,
	}
	for _, asg := range req.Assignments {
		in.Assignments = append(in.Assignments, preset.AssignmentInput{
			DeviceID:        asg.DeviceID,
			MediaID:         asg.MediaID,
			MediaDurationMs: asg.MediaDurationMs,
		})
	}

	p, err := a.presets.Create(r.Context(), in)
	if err != nil {
		switch {
		case errors.Is(err, preset.ErrTooFewDevices),
			errors.Is(err, preset.ErrDurationMismatch),
			errors.Is(err, preset.ErrMissingMedia):
			writeError(w, http.StatusUnprocessableEntity, "invalid_preset")
		default:
			a.logger.Error().Err(err).Msg("create preset failed")
			writeError(w, http.StatusInternalServerError, "internal_error")
		}
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (a *API) handleListPresets(w http.ResponseWriter, r *http.Request) {
	presets, err := a.presets.List(r.Context())
	if err != nil {
		a.logger.Error().Err(err).Msg("list presets failed")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"presets": presets})
}

func (a *API) handleGetPreset(w http.ResponseWriter, r *http.Request) {
	p, err := a.presets.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, preset.ErrNotFound) {
			writeError(w, http.StatusNotFound, "preset_not_found")
			return
		}
		a.logger.Error().Err(err).Msg("get preset failed")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) handleDeletePreset(w http.ResponseWriter, r *http.Request) {
	err := a.presets.Delete(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, preset.ErrNotFound) {
			writeError(w, http.StatusNotFound, "preset_not_found")
			return
		}
		a.logger.Error().Err(err).Msg("delete preset failed")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
