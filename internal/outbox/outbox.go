package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/wallfleet/wallsync/internal/models"
	"github.com/wallfleet/wallsync/internal/telemetry"
)

// ErrCommandNotFound is returned when an ack references an unknown command.
var ErrCommandNotFound = errors.New("command not found")

// Service is the device command outbox. Devices are never pushed to:
// every instruction is a row, fetched by the device's poll loop and
// acknowledged afterwards.
type Service struct {
	db     *gorm.DB
	logger zerolog.Logger
}

// New creates the outbox service.
func New(db *gorm.DB, logger zerolog.Logger) *Service {
	return &Service{
		db:     db,
		logger: logger.With().Str("component", "outbox").Logger(),
	}
}

// PrepareKey builds the dedupe key for a SYNC_PREPARE command. The event
// discriminator scopes the key to one logical trigger: "assign" at session
// start, "start:<startAtMs>" for the barrier broadcast, and
// "failover:<electedAtMs>" for master changes.
func PrepareKey(sessionID, event, deviceID string) string {
	return fmt.Sprintf("prepare:%s:%s:%s", sessionID, event, deviceID)
}

// StopKey builds the dedupe key for a SYNC_STOP command. A session stops at
// most once, so the key carries no time discriminator.
func StopKey(sessionID, deviceID string) string {
	return fmt.Sprintf("stop:%s:%s", sessionID, deviceID)
}

// Enqueue inserts a command row on the given transaction handle. Duplicate
// dedupe keys are silently dropped: two triggers racing into the same logical
// event both succeed, one insert wins. Returns whether a row was written.
func (s *Service) Enqueue(tx *gorm.DB, cmd models.SyncCommand) (bool, error) {
	if cmd.ID == "" {
		cmd.ID = uuid.New().String()
	}
	if cmd.Status == "" {
		cmd.Status = models.CommandPending
	}

	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "dedupe_key"}},
		DoNothing: true,
	}).Create(&cmd)
	if res.Error != nil {
		return false, fmt.Errorf("enqueue %s for device %s: %w", cmd.Type, cmd.DeviceID, res.Error)
	}

	inserted := res.RowsAffected > 0
	if inserted {
		telemetry.CommandsEnqueued.WithLabelValues(string(cmd.Type)).Inc()
		s.logger.Debug().
			Str("session_id", cmd.SessionID).
			Str("device_id", cmd.DeviceID).
			Str("type", string(cmd.Type)).
			Str("dedupe_key", cmd.DedupeKey).
			Msg("command enqueued")
	}
	return inserted, nil
}

// Pending returns the device's undelivered commands, oldest first.
func (s *Service) Pending(ctx context.Context, deviceID string) ([]models.SyncCommand, error) {
	var cmds []models.SyncCommand
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND status = ?", deviceID, models.CommandPending).
		Order("created_at ASC").
		Find(&cmds).Error
	if err != nil {
		return nil, fmt.Errorf("list pending commands: %w", err)
	}
	return cmds, nil
}

// Ack resolves a pending command to ACKED or FAILED. Acking an already
// resolved command is a no-op.
func (s *Service) Ack(ctx context.Context, deviceID, commandID string, status models.CommandStatus, errMsg string) error {
	if status != models.CommandAcked && status != models.CommandFailed {
		return fmt.Errorf("invalid ack status %q", status)
	}

	res := s.db.WithContext(ctx).
		Model(&models.SyncCommand{}).
		Where("id = ? AND device_id = ? AND status = ?", commandID, deviceID, models.CommandPending).
		Updates(map[string]any{"status": status, "error": errMsg})
	if res.Error != nil {
		return fmt.Errorf("ack command %s: %w", commandID, res.Error)
	}

	if res.RowsAffected == 0 {
		var count int64
		if err := s.db.WithContext(ctx).
			Model(&models.SyncCommand{}).
			Where("id = ? AND device_id = ?", commandID, deviceID).
			Count(&count).Error; err != nil {
			return fmt.Errorf("check command %s: %w", commandID, err)
		}
		if count == 0 {
			return ErrCommandNotFound
		}
		// Already resolved, treat the repeat ack as benign.
		return nil
	}

	telemetry.CommandsResolved.WithLabelValues(string(status)).Inc()
	return nil
}

// ExpireStale fails PENDING commands older than the retention window so dead
// devices do not accumulate live instructions. Redelivery of fresh commands
// stays poll-driven; this only ages out.
func (s *Service) ExpireStale(ctx context.Context, now time.Time, retention time.Duration) (int64, error) {
	cutoff := now.Add(-retention)
	res := s.db.WithContext(ctx).
		Model(&models.SyncCommand{}).
		Where("status = ? AND created_at < ?", models.CommandPending, cutoff).
		Updates(map[string]any{"status": models.CommandFailed, "error": "expired"})
	if res.Error != nil {
		return 0, fmt.Errorf("expire stale commands: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		s.logger.Info().Int64("count", res.RowsAffected).Msg("expired stale commands")
	}
	return res.RowsAffected, nil
}
