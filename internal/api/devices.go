package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/wallfleet/wallsync/internal/events"
	"github.com/wallfleet/wallsync/internal/ingest"
	"github.com/wallfleet/wallsync/internal/models"
	"github.com/wallfleet/wallsync/internal/outbox"
)

// handleDeviceReport accepts both report shapes the device fleet sends:
// JSON from current firmware, form-encoded from the legacy heartbeat path.
func (a *API) handleDeviceReport(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "id")

	var rep ingest.RuntimeReport
	var err error
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		if err := r.ParseForm(); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_form")
			return
		}
		rep, err = ingest.FromForm(r.PostForm)
	} else {
		body, readErr := io.ReadAll(r.Body)
		if readErr != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body")
			return
		}
		rep, err = ingest.FromJSON(body)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_report")
		return
	}

	if err := a.ingest.Ingest(r.Context(), deviceID, rep); err != nil {
		switch {
		case errors.Is(err, ingest.ErrDeviceNotFound):
			writeError(w, http.StatusNotFound, "device_not_found")
		case errors.Is(err, ingest.ErrNotMember):
			writeError(w, http.StatusNotFound, "not_a_session_member")
		default:
			a.logger.Error().Err(err).Str("device_id", deviceID).Msg("report ingest failed")
			writeError(w, http.StatusInternalServerError, "internal_error")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handlePollCommands(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "id")

	cmds, err := a.outbox.Pending(r.Context(), deviceID)
	if err != nil {
		a.logger.Error().Err(err).Str("device_id", deviceID).Msg("command poll failed")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commands": cmds})
}

type ackRequest struct {
	Status models.CommandStatus `json:"status"`
	Error  string               `json:"error"`
}

func (a *API) handleAckCommand(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "id")
	commandID := chi.URLParam(r, "cmdID")

	var req ackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body")
		return
	}
	if req.Status == "" {
		req.Status = models.CommandAcked
	}

	if err := a.outbox.Ack(r.Context(), deviceID, commandID, req.Status, req.Error); err != nil {
		switch {
		case errors.Is(err, outbox.ErrCommandNotFound):
			writeError(w, http.StatusNotFound, "command_not_found")
		default:
			a.logger.Error().Err(err).Str("command_id", commandID).Msg("command ack failed")
			writeError(w, http.StatusInternalServerError, "internal_error")
		}
		return
	}

	a.bus.Publish(events.EventCommandAcked, events.Payload{
		"device_id":  deviceID,
		"command_id": commandID,
		"status":     string(req.Status),
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
