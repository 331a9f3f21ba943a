package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/wallfleet/wallsync/internal/cooldown"
	"github.com/wallfleet/wallsync/internal/election"
	"github.com/wallfleet/wallsync/internal/events"
	"github.com/wallfleet/wallsync/internal/models"
	"github.com/wallfleet/wallsync/internal/outbox"
	"github.com/wallfleet/wallsync/internal/preset"
	"github.com/wallfleet/wallsync/internal/session"
)

func setupTestDB(t *testing.T) *gorm.DB {
	// Plain ":memory:" gives every pooled connection its own empty database;
	// a named shared-cache DSN keeps all connections on one database so code
	// that queries the root *gorm.DB while a transaction is open still sees
	// the migrated tables.
	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	if err := db.AutoMigrate(
		&models.Device{},
		&models.Preset{},
		&models.PresetAssignment{},
		&models.SyncSession{},
		&models.SyncSessionDevice{},
		&models.SyncCommand{},
		&models.SyncCorrectionEvent{},
	); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

type fixture struct {
	db        *gorm.DB
	clock     *clockwork.FakeClock
	svc       *Service
	sessions  *session.Service
	sessionID string
	devices   []string
}

// newFixture builds the full ingest chain and a started two-device session.
func newFixture(t *testing.T) *fixture {
	db := setupTestDB(t)
	clock := clockwork.NewFakeClock()
	logger := zerolog.Nop()
	bus := events.NewBus()

	presets := preset.New(db, logger)
	ob := outbox.New(db, logger)
	elections := election.New(db, cooldown.NewMemoryGate(clock), ob, bus, clock, election.Config{
		MasterTimeout: 5 * time.Second,
		Interval:      10 * time.Second,
	}, logger)
	sessions := session.New(db, presets, ob, bus, clock, session.Config{
		OnlineWindow:      5 * time.Minute,
		ColdThreshold:     60 * time.Second,
		PrepBufferMinMs:   8000,
		PrepBufferMaxMs:   12000,
		StartTimeoutMinMs: 10000,
		StartTimeoutMaxMs: 20000,
	}, logger)
	svc := New(db, sessions, elections, bus, clock, logger)

	now := clock.Now()
	var deviceIDs []string
	p := &models.Preset{
		ID:                    uuid.NewString(),
		Name:                  "wall",
		Mode:                  models.AssignmentCommon,
		TargetDurationMs:      60000,
		CommonMediaID:         uuid.NewString(),
		CommonMediaDurationMs: 60000,
	}
	for _, name := range []string{"left", "right"} {
		d := models.Device{ID: uuid.NewString(), Name: name, LastHeartbeatAt: &now}
		if err := db.Create(&d).Error; err != nil {
			t.Fatalf("create device: %v", err)
		}
		deviceIDs = append(deviceIDs, d.ID)
		p.Assignments = append(p.Assignments, models.PresetAssignment{PresetID: p.ID, DeviceID: d.ID})
	}
	if err := db.Create(p).Error; err != nil {
		t.Fatalf("create preset: %v", err)
	}

	res, err := sessions.Start(context.Background(), session.StartRequest{PresetID: p.ID, RequestedBy: "operator"})
	if err != nil {
		t.Fatalf("start session: %v", err)
	}

	return &fixture{
		db:        db,
		clock:     clock,
		svc:       svc,
		sessions:  sessions,
		sessionID: res.Session.ID,
		devices:   deviceIDs,
	}
}

func (f *fixture) deviceRow(t *testing.T, deviceID string) models.SyncSessionDevice {
	t.Helper()
	var row models.SyncSessionDevice
	if err := f.db.Where("session_id = ? AND device_id = ?", f.sessionID, deviceID).
		First(&row).Error; err != nil {
		t.Fatalf("load device row: %v", err)
	}
	return row
}

func ptrF(v float64) *float64 { return &v }
func ptrI(v int) *int         { return &v }
func ptrB(v bool) *bool       { return &v }

func TestIngest_UnknownDevice(t *testing.T) {
	f := newFixture(t)
	err := f.svc.Ingest(context.Background(), uuid.NewString(), RuntimeReport{SessionID: f.sessionID})
	if !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}
}

func TestIngest_NotAMember(t *testing.T) {
	f := newFixture(t)
	outsider := models.Device{ID: uuid.NewString(), Name: "outsider"}
	if err := f.db.Create(&outsider).Error; err != nil {
		t.Fatalf("create device: %v", err)
	}
	err := f.svc.Ingest(context.Background(), outsider.ID, RuntimeReport{SessionID: f.sessionID})
	if !errors.Is(err, ErrNotMember) {
		t.Fatalf("expected ErrNotMember, got %v", err)
	}
}

func TestIngest_PartialUpdateLeavesAbsentFieldsUnchanged(t *testing.T) {
	f := newFixture(t)
	dev := f.devices[0]

	// First report sets a full telemetry baseline.
	err := f.svc.Ingest(context.Background(), dev, RuntimeReport{
		SessionID:   f.sessionID,
		Status:      string(models.DevicePreloading),
		DriftMs:     ptrF(12.5),
		AvgDriftMs:  ptrF(10),
		MaxDriftMs:  ptrF(25),
		HealthScore: ptrF(0.9),
		ResyncCount: ptrI(3),
		Throttled:   ptrB(false),
	})
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	row := f.deviceRow(t, dev)
	if row.Status != models.DevicePreloading {
		t.Fatalf("status = %s", row.Status)
	}
	if row.HealthScore == nil || *row.HealthScore != 0.9 {
		t.Fatalf("health = %v", row.HealthScore)
	}

	// Second report carries only drift; everything else must survive.
	f.clock.Advance(time.Second)
	err = f.svc.Ingest(context.Background(), dev, RuntimeReport{
		SessionID: f.sessionID,
		DriftMs:   ptrF(14),
	})
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	row = f.deviceRow(t, dev)
	if row.Status != models.DevicePreloading {
		t.Fatalf("status changed to %s", row.Status)
	}
	if row.HealthScore == nil || *row.HealthScore != 0.9 {
		t.Fatalf("health score lost: %v", row.HealthScore)
	}
	if row.AvgDriftMs == nil || *row.AvgDriftMs != 10 {
		t.Fatalf("avg drift lost: %v", row.AvgDriftMs)
	}
	if row.ResyncCount != 3 {
		t.Fatalf("resync count lost: %d", row.ResyncCount)
	}
	if len(row.DriftHistory) != 2 {
		t.Fatalf("expected 2 drift samples, got %d", len(row.DriftHistory))
	}
	if row.DriftHistory[1].DriftMs != 14 {
		t.Fatalf("latest sample drift = %v", row.DriftHistory[1].DriftMs)
	}
}

func TestIngest_RefreshesDeviceHeartbeat(t *testing.T) {
	f := newFixture(t)
	dev := f.devices[0]

	f.clock.Advance(time.Minute)
	if err := f.svc.Ingest(context.Background(), dev, RuntimeReport{SessionID: f.sessionID}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	var d models.Device
	if err := f.db.First(&d, "id = ?", dev).Error; err != nil {
		t.Fatalf("reload device: %v", err)
	}
	if d.LastHeartbeatAt == nil {
		t.Fatal("heartbeat not refreshed")
	}
	if diff := f.clock.Now().Sub(*d.LastHeartbeatAt); diff < 0 || diff > time.Millisecond {
		t.Fatalf("heartbeat %v not at report time %v", d.LastHeartbeatAt, f.clock.Now())
	}
}

func TestIngest_UnrecognizedStatusIgnoredButTelemetryApplied(t *testing.T) {
	f := newFixture(t)
	dev := f.devices[0]

	err := f.svc.Ingest(context.Background(), dev, RuntimeReport{
		SessionID:   f.sessionID,
		Status:      "REBOOTING",
		HealthScore: ptrF(0.5),
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	row := f.deviceRow(t, dev)
	if row.Status != models.DeviceAssigned {
		t.Fatalf("unknown status must not change state, got %s", row.Status)
	}
	if row.HealthScore == nil || *row.HealthScore != 0.5 {
		t.Fatalf("telemetry must still apply, health = %v", row.HealthScore)
	}
}

func TestIngest_IllegalTransitionRejected(t *testing.T) {
	f := newFixture(t)
	dev := f.devices[0]

	if err := f.svc.Ingest(context.Background(), dev, RuntimeReport{
		SessionID: f.sessionID,
		Status:    string(models.DevicePlaying),
	}); err != nil {
		t.Fatalf("ingest playing: %v", err)
	}

	// PLAYING back to WARMING_UP is not a resync rewind.
	if err := f.svc.Ingest(context.Background(), dev, RuntimeReport{
		SessionID: f.sessionID,
		Status:    string(models.DeviceWarmingUp),
	}); err != nil {
		t.Fatalf("ingest warming up: %v", err)
	}
	row := f.deviceRow(t, dev)
	if row.Status != models.DevicePlaying {
		t.Fatalf("illegal transition applied, status = %s", row.Status)
	}
}

func TestIngest_AllReadyFiresBarrier(t *testing.T) {
	f := newFixture(t)

	for _, dev := range f.devices {
		if err := f.svc.Ingest(context.Background(), dev, RuntimeReport{
			SessionID: f.sessionID,
			Status:    string(models.DeviceReady),
		}); err != nil {
			t.Fatalf("ingest ready: %v", err)
		}
	}

	var s models.SyncSession
	if err := f.db.First(&s, "id = ?", f.sessionID).Error; err != nil {
		t.Fatalf("reload session: %v", err)
	}
	if s.Status != models.SessionWarmingUp {
		t.Fatalf("expected WARMING_UP after all ready, got %s", s.Status)
	}
	if s.StartAtMs == 0 {
		t.Fatal("expected a pinned start time")
	}
}

func TestIngest_PlayingPromotesSession(t *testing.T) {
	f := newFixture(t)

	if err := f.svc.Ingest(context.Background(), f.devices[0], RuntimeReport{
		SessionID: f.sessionID,
		Status:    string(models.DevicePlaying),
	}); err != nil {
		t.Fatalf("ingest playing: %v", err)
	}

	var s models.SyncSession
	if err := f.db.First(&s, "id = ?", f.sessionID).Error; err != nil {
		t.Fatalf("reload session: %v", err)
	}
	if s.Status != models.SessionRunning {
		t.Fatalf("expected RUNNING on first playing report, got %s", s.Status)
	}
}

func TestIngest_DriftHistoryCapped(t *testing.T) {
	f := newFixture(t)
	dev := f.devices[0]

	row := f.deviceRow(t, dev)
	var ring models.DriftRing
	for i := 0; i < models.DriftHistoryCap+20; i++ {
		ring = ring.Push(models.DriftSample{AtMs: int64(i), DriftMs: float64(i)})
	}
	if err := f.db.Model(&models.SyncSessionDevice{}).
		Where("id = ?", row.ID).
		Update("drift_history", ring).Error; err != nil {
		t.Fatalf("seed ring: %v", err)
	}

	if err := f.svc.Ingest(context.Background(), dev, RuntimeReport{
		SessionID: f.sessionID,
		DriftMs:   ptrF(99),
	}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	row = f.deviceRow(t, dev)
	if len(row.DriftHistory) != models.DriftHistoryCap {
		t.Fatalf("ring size = %d, want %d", len(row.DriftHistory), models.DriftHistoryCap)
	}
	if last := row.DriftHistory[len(row.DriftHistory)-1]; last.DriftMs != 99 {
		t.Fatalf("latest sample = %v, want 99", last.DriftMs)
	}
}

func TestIngest_CorrectionTelemetryWindows(t *testing.T) {
	f := newFixture(t)
	devActive := f.devices[0]
	devIdle := f.devices[1]

	// An old event lands outside the active window but inside the lookback.
	if err := f.svc.Ingest(context.Background(), devIdle, RuntimeReport{
		SessionID: f.sessionID,
		Correction: &CorrectionReport{
			Kind:    string(models.CorrectionSoft),
			DriftMs: 30,
		},
	}); err != nil {
		t.Fatalf("ingest idle correction: %v", err)
	}

	f.clock.Advance(60 * time.Second)

	rate := 1.05
	if err := f.svc.Ingest(context.Background(), devActive, RuntimeReport{
		SessionID: f.sessionID,
		Correction: &CorrectionReport{
			Kind:         string(models.CorrectionSoft),
			DriftMs:      45,
			PlaybackRate: &rate,
		},
	}); err != nil {
		t.Fatalf("ingest active correction: %v", err)
	}

	telemetry, err := f.svc.CorrectionTelemetry(context.Background(), f.sessionID)
	if err != nil {
		t.Fatalf("correction telemetry: %v", err)
	}

	active, ok := telemetry[devActive]
	if !ok {
		t.Fatal("expected telemetry for the active device")
	}
	if !active.ActivelyCorrecting {
		t.Fatal("device with a fresh event must be actively correcting")
	}
	if active.LastDriftMs != 45 || active.LastKind != models.CorrectionSoft {
		t.Fatalf("last event: drift %v kind %s", active.LastDriftMs, active.LastKind)
	}
	if active.LastPlaybackRate == nil || *active.LastPlaybackRate != 1.05 {
		t.Fatalf("playback rate = %v", active.LastPlaybackRate)
	}

	idle, ok := telemetry[devIdle]
	if !ok {
		t.Fatal("expected telemetry for the idle device inside the lookback")
	}
	if idle.ActivelyCorrecting {
		t.Fatal("a 60s old event must not count as active")
	}
	if idle.EventsInWindow != 1 {
		t.Fatalf("idle events = %d", idle.EventsInWindow)
	}

	// Past the lookback the idle device drops out entirely.
	f.clock.Advance(90 * time.Second)
	telemetry, err = f.svc.CorrectionTelemetry(context.Background(), f.sessionID)
	if err != nil {
		t.Fatalf("correction telemetry: %v", err)
	}
	if _, ok := telemetry[devIdle]; ok {
		t.Fatal("event past the lookback must be excluded")
	}
}

func TestIngest_UnknownCorrectionKindIgnored(t *testing.T) {
	f := newFixture(t)

	if err := f.svc.Ingest(context.Background(), f.devices[0], RuntimeReport{
		SessionID: f.sessionID,
		Correction: &CorrectionReport{
			Kind:    "turbo_resync",
			DriftMs: 10,
		},
	}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	var count int64
	if err := f.db.Model(&models.SyncCorrectionEvent{}).Count(&count).Error; err != nil {
		t.Fatalf("count events: %v", err)
	}
	if count != 0 {
		t.Fatalf("unknown kind must not be stored, got %d events", count)
	}
}

// The drift-ring append and the correction insert share one transaction with
// the row read; a failure anywhere in it must leave the telemetry row exactly
// as it was.
func TestIngest_ReportPersistsAtomically(t *testing.T) {
	f := newFixture(t)
	dev := f.devices[0]

	if err := f.svc.Ingest(context.Background(), dev, RuntimeReport{
		SessionID:   f.sessionID,
		DriftMs:     ptrF(12),
		HealthScore: ptrF(0.75),
	}); err != nil {
		t.Fatalf("seed ingest: %v", err)
	}
	before := f.deviceRow(t, dev)

	if err := f.db.Migrator().DropTable(&models.SyncCorrectionEvent{}); err != nil {
		t.Fatalf("drop correction table: %v", err)
	}

	err := f.svc.Ingest(context.Background(), dev, RuntimeReport{
		SessionID:   f.sessionID,
		DriftMs:     ptrF(80),
		HealthScore: ptrF(0.25),
		Correction: &CorrectionReport{
			Kind:    string(models.CorrectionSoft),
			DriftMs: 80,
		},
	})
	if err == nil {
		t.Fatal("expected the report to fail once the correction insert fails")
	}

	after := f.deviceRow(t, dev)
	if len(after.DriftHistory) != len(before.DriftHistory) {
		t.Fatalf("drift ring grew %d -> %d despite rollback", len(before.DriftHistory), len(after.DriftHistory))
	}
	if after.HealthScore == nil || *after.HealthScore != 0.75 {
		t.Fatalf("health score must keep the seeded value, got %v", after.HealthScore)
	}
}
