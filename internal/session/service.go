package session

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
	"github.com/wallfleet/wallsync/internal/outbox"
	"github.com/wallfleet/wallsync/internal/preset"
	"github.com/wallfleet/wallsync/internal/telemetry"
)

// Config bounds timing behavior at session start.
type Config struct {
	OnlineWindow      time.Duration // heartbeat recency required of every device
	ColdThreshold     time.Duration // heartbeat age that marks a device cold
	PrepBufferMinMs   int
	PrepBufferMaxMs   int
	StartTimeoutMinMs int
	StartTimeoutMaxMs int
}

// Service owns the session lifecycle: the start and stop contracts, the
// RUNNING promotion, and the readiness barrier.
type Service struct {
	db      *gorm.DB
	logger  zerolog.Logger
	clock   clockwork.Clock
	presets *preset.Service
	outbox  *outbox.Service
	bus     *events.Bus
	cfg     Config
}

// New creates the session service.
func New(db *gorm.DB, presets *preset.Service, ob *outbox.Service, bus *events.Bus, clock clockwork.Clock, cfg Config, logger zerolog.Logger) *Service {
	return &Service{
		db:      db,
		logger:  logger.With().Str("component", "session").Logger(),
		clock:   clock,
		presets: presets,
		outbox:  ob,
		bus:     bus,
		cfg:     cfg,
	}
}

// StartRequest describes a session start.
type StartRequest struct {
	PresetID            string
	RequestedBy         string
	StartTimeoutMs      *int
	PreparationBufferMs *int
}

// StartResult is returned on a successful start. TimeoutAtMs tells the
// caller when to give up and issue a stop; the coordinator never auto-cancels
// a STARTING session itself.
type StartResult struct {
	Session        *models.SyncSession
	StartTimeoutMs int
	TimeoutAtMs    int64
}

// Start validates preconditions, creates the session with its per-device
// rows, picks the initial master and enqueues one SYNC_PREPARE per device,
// all in a single transaction.
func (s *Service) Start(ctx context.Context, req StartRequest) (*StartResult, error) {
	p, err := s.presets.Get(ctx, req.PresetID)
	if err != nil {
		return nil, err
	}
	if len(p.Assignments) < 2 {
		return nil, preset.ErrTooFewDevices
	}

	now := s.clock.Now()

	var session models.SyncSession
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// One active session per caller.
		var activeCount int64
		if err := tx.Model(&models.SyncSession{}).
			Where("created_by = ? AND status NOT IN ?", req.RequestedBy, terminalStatuses()).
			Count(&activeCount).Error; err != nil {
			return fmt.Errorf("check caller sessions: %w", err)
		}
		if activeCount > 0 {
			return ErrAlreadyActive
		}

		devices, err := s.loadAssignedDevices(tx, p)
		if err != nil {
			return err
		}

		if offline := s.offlineDevices(devices, now); len(offline) > 0 {
			return &OfflineError{Devices: offline}
		}

		if err := s.checkDevicesFree(tx, devices); err != nil {
			return err
		}

		buffer := s.prepBuffer(len(devices), s.anyCold(devices, now), req.PreparationBufferMs)
		master := election.InitialMaster(devices)

		session = models.SyncSession{
			ID:                  uuid.New().String(),
			PresetID:            p.ID,
			CreatedBy:           req.RequestedBy,
			Status:              models.SessionStarting,
			DurationMs:          p.TargetDurationMs,
			PreparationBufferMs: buffer,
			MasterDeviceID:      master,
		}
		if err := tx.Create(&session).Error; err != nil {
			return fmt.Errorf("create session: %w", err)
		}

		masterID := ""
		if master != nil {
			masterID = *master
		}
		for _, d := range devices {
			row := models.SyncSessionDevice{
				ID:        uuid.New().String(),
				SessionID: session.ID,
				DeviceID:  d.ID,
				Status:    models.DeviceAssigned,
			}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("create session device %s: %w", d.ID, err)
			}

			mediaID, err := preset.MediaFor(p, d.ID)
			if err != nil {
				return err
			}
			cmd := models.SyncCommand{
				SessionID: session.ID,
				DeviceID:  d.ID,
				Type:      models.CommandSyncPrepare,
				Payload: models.CommandPayload{
					SessionID:           session.ID,
					PresetID:            p.ID,
					Mode:                p.Mode,
					MediaID:             mediaID,
					DurationMs:          p.TargetDurationMs,
					PreparationBufferMs: buffer,
					MasterDeviceID:      masterID,
				},
				DedupeKey: outbox.PrepareKey(session.ID, "assign", d.ID),
			}
			if _, err := s.outbox.Enqueue(tx, cmd); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	timeoutMs := s.startTimeout(req.StartTimeoutMs)

	telemetry.ActiveSessions.Inc()
	s.logger.Info().
		Str("session_id", session.ID).
		Str("preset_id", p.ID).
		Int("devices", len(p.Assignments)).
		Int("prep_buffer_ms", session.PreparationBufferMs).
		Msg("session started")
	s.bus.Publish(events.EventSessionStarted, events.Payload{
		"session_id": session.ID,
		"preset_id":  p.ID,
	})

	return &StartResult{
		Session:        &session,
		StartTimeoutMs: timeoutMs,
		TimeoutAtMs:    now.UnixMilli() + int64(timeoutMs),
	}, nil
}

func terminalStatuses() []models.SessionStatus {
	return []models.SessionStatus{models.SessionStopped, models.SessionErrored}
}

// loadAssignedDevices resolves the preset's devices, failing loudly on a
// missing row. A missing device is an upstream data-integrity problem, not a
// user error.
func (s *Service) loadAssignedDevices(tx *gorm.DB, p *models.Preset) ([]models.Device, error) {
	ids := make([]string, 0, len(p.Assignments))
	for _, a := range p.Assignments {
		ids = append(ids, a.DeviceID)
	}
	var devices []models.Device
	if err := tx.Where("id IN ?", ids).Find(&devices).Error; err != nil {
		return nil, fmt.Errorf("load devices: %w", err)
	}
	if len(devices) != len(ids) {
		found := make(map[string]bool, len(devices))
		for _, d := range devices {
			found[d.ID] = true
		}
		for _, id := range ids {
			if !found[id] {
				return nil, fmt.Errorf("device %s referenced by preset %s does not exist", id, p.ID)
			}
		}
	}
	return devices, nil
}

// offlineDevices returns every device outside the online window, with the
// reason split between a missing heartbeat and a stale one.
func (s *Service) offlineDevices(devices []models.Device, now time.Time) []OfflineDevice {
	var offline []OfflineDevice
	for _, d := range devices {
		switch {
		case d.LastHeartbeatAt == nil:
			offline = append(offline, OfflineDevice{
				DeviceID:   d.ID,
				DeviceName: d.Name,
				Reason:     ReasonMissingHeartbeat,
			})
		case now.Sub(*d.LastHeartbeatAt) > s.cfg.OnlineWindow:
			offline = append(offline, OfflineDevice{
				DeviceID:   d.ID,
				DeviceName: d.Name,
				LastSeenAt: d.LastHeartbeatAt,
				Reason:     ReasonStaleHeartbeat,
			})
		}
	}
	return offline
}

// checkDevicesFree rejects devices already held by another active session.
func (s *Service) checkDevicesFree(tx *gorm.DB, devices []models.Device) error {
	ids := make([]string, 0, len(devices))
	for _, d := range devices {
		ids = append(ids, d.ID)
	}
	type membership struct {
		DeviceID  string
		SessionID string
	}
	var busy []membership
	err := tx.Model(&models.SyncSessionDevice{}).
		Select("sync_session_devices.device_id, sync_session_devices.session_id").
		Joins("JOIN sync_sessions ON sync_sessions.id = sync_session_devices.session_id").
		Where("sync_session_devices.device_id IN ? AND sync_sessions.status NOT IN ?", ids, terminalStatuses()).
		Scan(&busy).Error
	if err != nil {
		return fmt.Errorf("check device membership: %w", err)
	}
	if len(busy) > 0 {
		return &BusyDeviceError{DeviceID: busy[0].DeviceID, SessionID: busy[0].SessionID}
	}
	return nil
}

func (s *Service) anyCold(devices []models.Device, now time.Time) bool {
	for _, d := range devices {
		if d.LastHeartbeatAt == nil || now.Sub(*d.LastHeartbeatAt) > s.cfg.ColdThreshold {
			return true
		}
	}
	return false
}

// prepBuffer sizes the preparation window: more devices and any cold device
// widen it, bounded to what the device protocol allows. A caller-requested
// buffer is clamped to the same bounds.
func (s *Service) prepBuffer(deviceCount int, anyCold bool, requested *int) int {
	if requested != nil {
		return clamp(*requested, s.cfg.PrepBufferMinMs, s.cfg.PrepBufferMaxMs)
	}
	buffer := s.cfg.PrepBufferMinMs + deviceCount*400
	if anyCold {
		buffer += 2000
	}
	return clamp(buffer, s.cfg.PrepBufferMinMs, s.cfg.PrepBufferMaxMs)
}

func (s *Service) startTimeout(requested *int) int {
	if requested != nil {
		return clamp(*requested, s.cfg.StartTimeoutMinMs, s.cfg.StartTimeoutMaxMs)
	}
	return (s.cfg.StartTimeoutMinMs + s.cfg.StartTimeoutMaxMs) / 2
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// StopResult is returned by Stop.
type StopResult struct {
	Session        *models.SyncSession
	StopReason     models.StopReason
	AlreadyStopped bool
}

// Stop marks the session terminal, disconnects its device rows and enqueues
// one SYNC_STOP per device. Stopping an already-terminal session is a
// side-effect-free success.
func (s *Service) Stop(ctx context.Context, sessionID string, reason models.StopReason) (*StopResult, error) {
	if reason == "" {
		reason = models.StopUser
	}

	var session models.SyncSession
	err := s.db.WithContext(ctx).First(&session, "id = ?", sessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}

	if session.Status.Terminal() {
		return &StopResult{Session: &session, StopReason: reason, AlreadyStopped: true}, nil
	}

	won := false
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.SyncSession{}).
			Where("id = ? AND status NOT IN ?", sessionID, terminalStatuses()).
			Updates(map[string]any{"status": models.SessionStopped, "stop_reason": reason})
		if res.Error != nil {
			return fmt.Errorf("stop session: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			// A concurrent stop won; nothing left to do.
			return nil
		}
		won = true

		if err := tx.Model(&models.SyncSessionDevice{}).
			Where("session_id = ?", sessionID).
			Update("status", models.DeviceDisconnected).Error; err != nil {
			return fmt.Errorf("disconnect session devices: %w", err)
		}

		var rows []models.SyncSessionDevice
		if err := tx.Where("session_id = ?", sessionID).Find(&rows).Error; err != nil {
			return fmt.Errorf("load session devices: %w", err)
		}
		for _, row := range rows {
			cmd := models.SyncCommand{
				SessionID: sessionID,
				DeviceID:  row.DeviceID,
				Type:      models.CommandSyncStop,
				Payload: models.CommandPayload{
					SessionID:  sessionID,
					StopReason: reason,
				},
				DedupeKey: outbox.StopKey(sessionID, row.DeviceID),
			}
			if _, err := s.outbox.Enqueue(tx, cmd); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !won {
		// A concurrent stop committed between the terminal check and the
		// guarded update. The side effects already happened on the winner's
		// path, so only report what is persisted.
		if err := s.db.WithContext(ctx).First(&session, "id = ?", sessionID).Error; err != nil {
			return nil, fmt.Errorf("reload session %s: %w", sessionID, err)
		}
		return &StopResult{Session: &session, StopReason: reason, AlreadyStopped: true}, nil
	}

	session.Status = models.SessionStopped
	session.StopReason = &reason

	telemetry.ActiveSessions.Dec()
	s.logger.Info().
		Str("session_id", sessionID).
		Str("reason", string(reason)).
		Msg("session stopped")
	s.bus.Publish(events.EventSessionStopped, events.Payload{
		"session_id": sessionID,
		"reason":     string(reason),
	})

	return &StopResult{Session: &session, StopReason: reason}, nil
}

// Get loads one session.
func (s *Service) Get(ctx context.Context, id string) (*models.SyncSession, error) {
	var session models.SyncSession
	err := s.db.WithContext(ctx).First(&session, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	return &session, nil
}

// Active returns the most recent non-terminal session with its device rows.
func (s *Service) Active(ctx context.Context) (*models.SyncSession, []models.SyncSessionDevice, error) {
	var session models.SyncSession
	err := s.db.WithContext(ctx).
		Where("status NOT IN ?", terminalStatuses()).
		Order("created_at DESC").
		First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, ErrNoActiveSession
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load active session: %w", err)
	}

	var devices []models.SyncSessionDevice
	if err := s.db.WithContext(ctx).Where("session_id = ?", session.ID).Find(&devices).Error; err != nil {
		return nil, nil, fmt.Errorf("load session devices: %w", err)
	}
	return &session, devices, nil
}
