package session

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/wallfleet/wallsync/internal/events"
	"github.com/wallfleet/wallsync/internal/models"
	"github.com/wallfleet/wallsync/internal/outbox"
	"github.com/wallfleet/wallsync/internal/preset"
	"github.com/wallfleet/wallsync/internal/telemetry"
)

// CheckBarrier fires the readiness barrier if every assigned device has
// reported READY: it computes the shared absolute start time, moves the
// session to WARMING_UP and broadcasts the pinned start via the outbox, all
// in one transaction, so a racing heartbeat never sees a half-updated
// session. The per-device dedupe key embeds the computed start time, so a
// duplicate readiness report can never double-enqueue the broadcast.
func (s *Service) CheckBarrier(ctx context.Context, sessionID string) error {
	fired := false
	var startAtMs int64

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var session models.SyncSession
		err := tx.First(&session, "id = ?", sessionID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrSessionNotFound
		}
		if err != nil {
			return fmt.Errorf("load session %s: %w", sessionID, err)
		}
		if session.Status != models.SessionStarting {
			return nil
		}

		var rows []models.SyncSessionDevice
		if err := tx.Where("session_id = ?", sessionID).Find(&rows).Error; err != nil {
			return fmt.Errorf("load session devices: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}
		for _, row := range rows {
			if row.Status != models.DeviceReady {
				return nil
			}
		}

		startAtMs = s.clock.Now().UnixMilli() + int64(session.PreparationBufferMs)

		// Guarded update: only one concurrent readiness check advances the
		// session. A loser recomputed a different start time, so it must not
		// enqueue anything; the winner's commands already pin the broadcast.
		res := tx.Model(&models.SyncSession{}).
			Where("id = ? AND status = ?", sessionID, models.SessionStarting).
			Updates(map[string]any{"status": models.SessionWarmingUp, "start_at_ms": startAtMs})
		if res.Error != nil {
			return fmt.Errorf("advance session to warming up: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}
		fired = true

		p, err := s.presets.Get(ctx, session.PresetID)
		if err != nil {
			return err
		}
		masterID := ""
		if session.MasterDeviceID != nil {
			masterID = *session.MasterDeviceID
		}
		event := fmt.Sprintf("start:%d", startAtMs)
		for _, row := range rows {
			mediaID, err := preset.MediaFor(p, row.DeviceID)
			if err != nil {
				return err
			}
			cmd := models.SyncCommand{
				SessionID: sessionID,
				DeviceID:  row.DeviceID,
				Type:      models.CommandSyncPrepare,
				Payload: models.CommandPayload{
					SessionID:           sessionID,
					PresetID:            p.ID,
					Mode:                p.Mode,
					MediaID:             mediaID,
					DurationMs:          session.DurationMs,
					StartAtMs:           startAtMs,
					PreparationBufferMs: session.PreparationBufferMs,
					MasterDeviceID:      masterID,
				},
				DedupeKey: outbox.PrepareKey(sessionID, event, row.DeviceID),
			}
			if _, err := s.outbox.Enqueue(tx, cmd); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if fired {
		telemetry.BarrierFirings.Inc()
		s.logger.Info().
			Str("session_id", sessionID).
			Int64("start_at_ms", startAtMs).
			Msg("readiness barrier fired")
		s.bus.Publish(events.EventBarrierFired, events.Payload{
			"session_id":  sessionID,
			"start_at_ms": startAtMs,
		})
		s.bus.Publish(events.EventSessionWarmingUp, events.Payload{
			"session_id": sessionID,
		})
	}
	return nil
}

// MarkRunning promotes the session to RUNNING on the first PLAYING report.
// The shared start broadcast already guarantees near-simultaneous starts, so
// the session does not wait for every device to report playing.
func (s *Service) MarkRunning(ctx context.Context, sessionID string) error {
	now := s.clock.Now()
	res := s.db.WithContext(ctx).
		Model(&models.SyncSession{}).
		Where("id = ? AND status IN ?", sessionID, runningEligible).
		Updates(map[string]any{"status": models.SessionRunning, "started_at": now})
	if res.Error != nil {
		return fmt.Errorf("mark session running: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		s.logger.Info().Str("session_id", sessionID).Msg("session running")
		s.bus.Publish(events.EventSessionRunning, events.Payload{
			"session_id": sessionID,
		})
	}
	return nil
}
