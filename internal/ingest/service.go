package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/wallfleet/wallsync/internal/election"
	"github.com/wallfleet/wallsync/internal/events"
	"github.com/wallfleet/wallsync/internal/models"
	"github.com/wallfleet/wallsync/internal/session"
	"github.com/wallfleet/wallsync/internal/telemetry"
)

var (
	// ErrDeviceNotFound is returned for a report from an unknown device.
	ErrDeviceNotFound = errors.New("device not found")
	// ErrNotMember is returned when the device does not belong to the session.
	ErrNotMember = errors.New("device is not a member of the session")
)

const (
	// correctionLookback bounds the correction-event aggregation window.
	correctionLookback = 120 * time.Second
	// correctionActiveWindow is how recently an event must have occurred for
	// the device to count as actively correcting.
	correctionActiveWindow = 12 * time.Second
)

// Service ingests device runtime reports: it persists telemetry and chains
// the coordinator's reactive checks (RUNNING promotion, readiness barrier,
// master election).
type Service struct {
	db        *gorm.DB
	logger    zerolog.Logger
	clock     clockwork.Clock
	sessions  *session.Service
	elections *election.Service
	bus       *events.Bus
}

// New creates the ingest service.
func New(db *gorm.DB, sessions *session.Service, elections *election.Service, bus *events.Bus, clock clockwork.Clock, logger zerolog.Logger) *Service {
	return &Service{
		db:        db,
		logger:    logger.With().Str("component", "ingest").Logger(),
		clock:     clock,
		sessions:  sessions,
		elections: elections,
		bus:       bus,
	}
}

// Ingest processes one runtime report. Fields absent from the report are left
// unchanged; an unrecognized status string is ignored for the status update
// but never fails the request.
func (s *Service) Ingest(ctx context.Context, deviceID string, rep RuntimeReport) error {
	now := s.clock.Now()

	res := s.db.WithContext(ctx).
		Model(&models.Device{}).
		Where("id = ?", deviceID).
		Update("last_heartbeat_at", now)
	if res.Error != nil {
		return fmt.Errorf("touch device heartbeat: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrDeviceNotFound
	}

	// The drift-ring append is a read-modify-write, so the row load and the
	// persist must share one transaction or concurrent reports from the same
	// device drop samples.
	statusChanged := false
	var newStatus models.DeviceSyncStatus
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row models.SyncSessionDevice
		err := tx.Where("session_id = ? AND device_id = ?", rep.SessionID, deviceID).
			First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotMember
		}
		if err != nil {
			return fmt.Errorf("load session device: %w", err)
		}

		drift := 0.0
		if rep.DriftMs != nil {
			drift = *rep.DriftMs
		}
		updates := map[string]any{
			"last_seen_at": now,
			"drift_history": row.DriftHistory.Push(models.DriftSample{
				AtMs:    now.UnixMilli(),
				DriftMs: drift,
				Status:  rep.Status,
			}),
		}

		if rep.Status != "" {
			status, ok := models.ParseDeviceSyncStatus(rep.Status)
			switch {
			case !ok:
				s.logger.Debug().
					Str("device_id", deviceID).
					Str("status", rep.Status).
					Msg("unrecognized status in report, ignored")
			case !session.DeviceCanTransition(row.Status, status):
				s.logger.Warn().
					Str("device_id", deviceID).
					Str("from", string(row.Status)).
					Str("to", string(status)).
					Msg("illegal device status transition rejected")
			case status != row.Status:
				updates["status"] = status
				statusChanged = true
				newStatus = status
			}
		}

		if rep.ResyncCount != nil {
			updates["resync_count"] = *rep.ResyncCount
		}
		if rep.AvgDriftMs != nil {
			updates["avg_drift_ms"] = *rep.AvgDriftMs
		}
		if rep.MaxDriftMs != nil {
			updates["max_drift_ms"] = *rep.MaxDriftMs
		}
		if rep.ResyncRate != nil {
			updates["resync_rate"] = *rep.ResyncRate
		}
		if rep.ClockOffsetMs != nil {
			updates["clock_offset_ms"] = *rep.ClockOffsetMs
		}
		if rep.CPUTemp != nil {
			updates["cpu_temp"] = *rep.CPUTemp
		}
		if rep.Throttled != nil {
			updates["throttled"] = *rep.Throttled
		}
		if rep.HealthScore != nil {
			updates["health_score"] = *rep.HealthScore
		}

		if err := tx.Model(&models.SyncSessionDevice{}).
			Where("id = ?", row.ID).
			Updates(updates).Error; err != nil {
			return fmt.Errorf("persist report: %w", err)
		}

		if rep.Correction != nil {
			if err := s.recordCorrection(tx, rep.SessionID, deviceID, *rep.Correction, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	telemetry.ReportsIngested.Inc()
	if statusChanged {
		s.bus.Publish(events.EventDeviceStatus, events.Payload{
			"session_id": rep.SessionID,
			"device_id":  deviceID,
			"status":     string(newStatus),
		})
	}

	// Reactive checks, in dependency order: a PLAYING report may promote the
	// session, a READY report may fire the barrier, and every report feeds
	// the throttled election scan.
	if statusChanged {
		switch newStatus {
		case models.DevicePlaying:
			if err := s.sessions.MarkRunning(ctx, rep.SessionID); err != nil {
				return err
			}
		case models.DeviceReady:
			if err := s.sessions.CheckBarrier(ctx, rep.SessionID); err != nil {
				return err
			}
		}
	}
	if err := s.elections.MaybeElect(ctx, rep.SessionID); err != nil {
		s.logger.Error().Err(err).Str("session_id", rep.SessionID).Msg("election check failed")
	}
	return nil
}

func (s *Service) recordCorrection(tx *gorm.DB, sessionID, deviceID string, corr CorrectionReport, now time.Time) error {
	kind := models.CorrectionKind(corr.Kind)
	if kind != models.CorrectionSoft && kind != models.CorrectionHard {
		s.logger.Debug().Str("kind", corr.Kind).Msg("unrecognized correction kind, ignored")
		return nil
	}
	ev := models.SyncCorrectionEvent{
		ID:           uuid.New().String(),
		SessionID:    sessionID,
		DeviceID:     deviceID,
		Kind:         kind,
		DriftMs:      corr.DriftMs,
		PlaybackRate: corr.PlaybackRate,
		SeekToMs:     corr.SeekToMs,
		CreatedAt:    now,
	}
	if err := tx.Create(&ev).Error; err != nil {
		return fmt.Errorf("record correction event: %w", err)
	}
	return nil
}

// CorrectionStatus summarizes a device's recent drift corrections for the
// monitoring surface. The coordinator's own decisions never read this.
type CorrectionStatus struct {
	ActivelyCorrecting bool                  `json:"actively_correcting"`
	LastKind           models.CorrectionKind `json:"last_kind,omitempty"`
	LastDriftMs        float64               `json:"last_drift_ms"`
	LastPlaybackRate   *float64              `json:"last_playback_rate,omitempty"`
	LastSeekToMs       *int64                `json:"last_seek_to_ms,omitempty"`
	LastAt             *time.Time            `json:"last_at,omitempty"`
	EventsInWindow     int                   `json:"events_in_window"`
}

// CorrectionTelemetry aggregates correction events per device within the
// lookback window. A device counts as actively correcting when its newest
// event falls inside the short active window.
func (s *Service) CorrectionTelemetry(ctx context.Context, sessionID string) (map[string]CorrectionStatus, error) {
	now := s.clock.Now()
	var rows []models.SyncCorrectionEvent
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND created_at > ?", sessionID, now.Add(-correctionLookback)).
		Order("created_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load correction events: %w", err)
	}

	out := make(map[string]CorrectionStatus)
	for _, ev := range rows {
		st, seen := out[ev.DeviceID]
		if !seen {
			at := ev.CreatedAt
			st = CorrectionStatus{
				ActivelyCorrecting: now.Sub(ev.CreatedAt) <= correctionActiveWindow,
				LastKind:           ev.Kind,
				LastDriftMs:        ev.DriftMs,
				LastPlaybackRate:   ev.PlaybackRate,
				LastSeekToMs:       ev.SeekToMs,
				LastAt:             &at,
			}
		}
		st.EventsInWindow++
		out[ev.DeviceID] = st
	}
	return out, nil
}
