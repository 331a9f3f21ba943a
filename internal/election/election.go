package election

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/wallfleet/wallsync/internal/cooldown"
	"github.com/wallfleet/wallsync/internal/events"
	"github.com/wallfleet/wallsync/internal/models"
	"github.com/wallfleet/wallsync/internal/outbox"
	"github.com/wallfleet/wallsync/internal/telemetry"
)

// statusPriority ranks per-session playback states for candidate ordering.
// DISCONNECTED and ERRORED devices are ineligible and never ranked.
var statusPriority = map[models.DeviceSyncStatus]int{
	models.DevicePlaying:    5,
	models.DeviceWarmingUp:  4,
	models.DeviceReady:      3,
	models.DevicePreloading: 2,
	models.DeviceAssigned:   1,
}

// Config bounds election behavior.
type Config struct {
	// MasterTimeout is the heartbeat freshness required of a healthy master
	// and of failover candidates.
	MasterTimeout time.Duration
	// Interval is the minimum spacing between election scans per session.
	Interval time.Duration
}

// Service elects the master device: the device whose play-start beacon the
// rest of the wall anchors to.
type Service struct {
	db     *gorm.DB
	logger zerolog.Logger
	clock  clockwork.Clock
	gate   cooldown.Gate
	outbox *outbox.Service
	bus    *events.Bus
	cfg    Config
}

// New creates the election service.
func New(db *gorm.DB, gate cooldown.Gate, ob *outbox.Service, bus *events.Bus, clock clockwork.Clock, cfg Config, logger zerolog.Logger) *Service {
	return &Service{
		db:     db,
		logger: logger.With().Str("component", "election").Logger(),
		clock:  clock,
		gate:   gate,
		outbox: ob,
		bus:    bus,
		cfg:    cfg,
	}
}

// InitialMaster picks the session's first master from the assigned devices.
// No device has reported a sync status yet, so eligibility degrades to "has
// any heartbeat at all": the most recently seen device wins, ties broken by
// device id for reproducibility. A device with no heartbeat at all can still
// win if nobody has one; initial selection is the only election allowed to
// fall back to a stale candidate.
func InitialMaster(devices []models.Device) *string {
	if len(devices) == 0 {
		return nil
	}
	best := devices[0]
	for _, d := range devices[1:] {
		if heartbeatAfter(d, best) {
			best = d
		}
	}
	id := best.ID
	return &id
}

func heartbeatAfter(a, b models.Device) bool {
	switch {
	case a.LastHeartbeatAt == nil && b.LastHeartbeatAt == nil:
		return a.ID < b.ID
	case a.LastHeartbeatAt == nil:
		return false
	case b.LastHeartbeatAt == nil:
		return true
	case a.LastHeartbeatAt.Equal(*b.LastHeartbeatAt):
		return a.ID < b.ID
	default:
		return a.LastHeartbeatAt.After(*b.LastHeartbeatAt)
	}
}

type candidate struct {
	deviceID    string
	status      models.DeviceSyncStatus
	healthScore float64
	hasHealth   bool
	lastSeen    time.Time
}

// MaybeElect evaluates mastership for an active session. It is invoked on
// every device heartbeat and throttled through the cooldown gate; a healthy
// current master short-circuits without opening a write transaction.
func (s *Service) MaybeElect(ctx context.Context, sessionID string) error {
	ok, err := s.gate.TryAcquire(ctx, "wallsync:election:"+sessionID, s.cfg.Interval)
	if err != nil {
		return fmt.Errorf("election cooldown: %w", err)
	}
	if !ok {
		return nil
	}

	var session models.SyncSession
	err = s.db.WithContext(ctx).First(&session, "id = ?", sessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("session %s vanished during election", sessionID)
	}
	if err != nil {
		return fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if session.Status.Terminal() {
		return nil
	}

	now := s.clock.Now()
	candidates, eligible, err := s.loadCandidates(ctx, sessionID, now)
	if err != nil {
		return err
	}

	prev := session.MasterDeviceID
	if prev != nil {
		for _, c := range candidates {
			if c.deviceID == *prev {
				// Master is eligible and fresh, nothing to do.
				telemetry.ElectionsTotal.WithLabelValues("skipped").Inc()
				return nil
			}
		}
	}

	if len(candidates) == 0 {
		// Nothing fresh to switch to; keep the current master rather than
		// electing a stale device.
		s.logger.Debug().Str("session_id", sessionID).Msg("no fresh candidates, election skipped")
		telemetry.ElectionsTotal.WithLabelValues("skipped").Inc()
		return nil
	}

	rank(candidates)
	winner := candidates[0].deviceID
	if prev != nil && winner == *prev {
		telemetry.ElectionsTotal.WithLabelValues("unchanged").Inc()
		return nil
	}

	electedAt := now.UnixMilli()
	won := false
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Optimistic guard: apply only if nobody else elected meanwhile.
		guard := tx.Model(&models.SyncSession{}).Where("id = ?", sessionID)
		if prev == nil {
			guard = guard.Where("master_device_id IS NULL")
		} else {
			guard = guard.Where("master_device_id = ?", *prev)
		}
		res := guard.Update("master_device_id", winner)
		if res.Error != nil {
			return fmt.Errorf("update master: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			// Lost the race to a concurrent elector.
			return nil
		}
		won = true

		payload := models.CommandPayload{
			SessionID:      sessionID,
			MasterDeviceID: winner,
			ElectedAtMs:    electedAt,
		}
		if prev != nil {
			payload.PrevMasterDeviceID = *prev
		}
		// Followers re-anchor to the new leader's beacon; stale but still
		// eligible devices get the command too, for when they reconnect.
		event := fmt.Sprintf("failover:%d", electedAt)
		for _, deviceID := range eligible {
			if deviceID == winner {
				continue
			}
			cmd := models.SyncCommand{
				SessionID: sessionID,
				DeviceID:  deviceID,
				Type:      models.CommandSyncPrepare,
				Payload:   payload,
				DedupeKey: outbox.PrepareKey(sessionID, event, deviceID),
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

	if !won {
		telemetry.ElectionsTotal.WithLabelValues("lost_race").Inc()
		return nil
	}

	prevID := ""
	if prev != nil {
		prevID = *prev
	}
	s.logger.Info().
		Str("session_id", sessionID).
		Str("master_device_id", winner).
		Str("prev_master_device_id", prevID).
		Msg("master elected")
	telemetry.ElectionsTotal.WithLabelValues("changed").Inc()
	s.bus.Publish(events.EventMasterElected, events.Payload{
		"session_id":            sessionID,
		"master_device_id":      winner,
		"prev_master_device_id": prevID,
		"elected_at_ms":         electedAt,
	})
	return nil
}

// loadCandidates returns fresh-heartbeat candidates plus the full set of
// eligible (non-errored, non-disconnected) device ids.
func (s *Service) loadCandidates(ctx context.Context, sessionID string, now time.Time) ([]candidate, []string, error) {
	var rows []models.SyncSessionDevice
	if err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Find(&rows).Error; err != nil {
		return nil, nil, fmt.Errorf("load session devices: %w", err)
	}

	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.DeviceID)
	}
	var devices []models.Device
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&devices).Error; err != nil {
		return nil, nil, fmt.Errorf("load device heartbeats: %w", err)
	}
	heartbeats := make(map[string]*time.Time, len(devices))
	for _, d := range devices {
		heartbeats[d.ID] = d.LastHeartbeatAt
	}

	var candidates []candidate
	var eligible []string
	for _, r := range rows {
		if !r.Eligible() {
			continue
		}
		eligible = append(eligible, r.DeviceID)
		hb := heartbeats[r.DeviceID]
		if hb == nil || now.Sub(*hb) > s.cfg.MasterTimeout {
			continue
		}
		c := candidate{
			deviceID: r.DeviceID,
			status:   r.Status,
			lastSeen: *hb,
		}
		if r.HealthScore != nil {
			c.healthScore = *r.HealthScore
			c.hasHealth = true
		}
		candidates = append(candidates, c)
	}
	return candidates, eligible, nil
}

// rank orders candidates best first: status priority, health score (unknown
// lowest), heartbeat recency, then device id as the deterministic tie-break.
func rank(candidates []candidate) {
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if pa, pb := statusPriority[a.status], statusPriority[b.status]; pa != pb {
			return pa > pb
		}
		ha, hb := -1.0, -1.0
		if a.hasHealth {
			ha = a.healthScore
		}
		if b.hasHealth {
			hb = b.healthScore
		}
		if ha != hb {
			return ha > hb
		}
		if !a.lastSeen.Equal(b.lastSeen) {
			return a.lastSeen.After(b.lastSeen)
		}
		return a.deviceID < b.deviceID
	})
}
