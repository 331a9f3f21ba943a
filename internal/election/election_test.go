package election

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/wallfleet/wallsync/internal/cooldown"
	"github.com/wallfleet/wallsync/internal/events"
	"github.com/wallfleet/wallsync/internal/models"
	"github.com/wallfleet/wallsync/internal/outbox"
)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	if err := db.AutoMigrate(
		&models.Device{},
		&models.SyncSession{},
		&models.SyncSessionDevice{},
		&models.SyncCommand{},
	); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

func newTestService(t *testing.T, db *gorm.DB, clock clockwork.Clock) *Service {
	logger := zerolog.Nop()
	gate := cooldown.NewMemoryGate(clock)
	ob := outbox.New(db, logger)
	bus := events.NewBus()
	return New(db, gate, ob, bus, clock, Config{
		MasterTimeout: 5 * time.Second,
		Interval:      10 * time.Second,
	}, logger)
}

type fixtureDevice struct {
	id           string
	heartbeatAge time.Duration // negative = no heartbeat at all
	status       models.DeviceSyncStatus
	health       *float64
}

// buildSession writes a RUNNING session with the given devices and master.
func buildSession(t *testing.T, db *gorm.DB, now time.Time, master *string, devices []fixtureDevice) string {
	t.Helper()
	sessionID := uuid.NewString()
	session := models.SyncSession{
		ID:             sessionID,
		PresetID:       uuid.NewString(),
		CreatedBy:      "operator",
		Status:         models.SessionRunning,
		MasterDeviceID: master,
	}
	if err := db.Create(&session).Error; err != nil {
		t.Fatalf("create session: %v", err)
	}
	for i, fd := range devices {
		d := models.Device{ID: fd.id, Name: "dev-" + fd.id[:8]}
		if fd.heartbeatAge >= 0 {
			hb := now.Add(-fd.heartbeatAge)
			d.LastHeartbeatAt = &hb
		}
		if err := db.Create(&d).Error; err != nil {
			t.Fatalf("create device %d: %v", i, err)
		}
		row := models.SyncSessionDevice{
			ID:          uuid.NewString(),
			SessionID:   sessionID,
			DeviceID:    fd.id,
			Status:      fd.status,
			HealthScore: fd.health,
		}
		if err := db.Create(&row).Error; err != nil {
			t.Fatalf("create session device %d: %v", i, err)
		}
	}
	return sessionID
}

func health(v float64) *float64 { return &v }

func TestInitialMaster_MostRecentHeartbeatWins(t *testing.T) {
	now := time.Now()
	older := now.Add(-time.Minute)
	devices := []models.Device{
		{ID: "b", LastHeartbeatAt: &older},
		{ID: "a", LastHeartbeatAt: &now},
	}
	master := InitialMaster(devices)
	if master == nil || *master != "a" {
		t.Fatalf("expected a, got %v", master)
	}
}

func TestInitialMaster_TieBreaksById(t *testing.T) {
	now := time.Now()
	devices := []models.Device{
		{ID: "b", LastHeartbeatAt: &now},
		{ID: "a", LastHeartbeatAt: &now},
	}
	master := InitialMaster(devices)
	if master == nil || *master != "a" {
		t.Fatalf("expected a, got %v", master)
	}
}

func TestInitialMaster_FallsBackToStaleDevice(t *testing.T) {
	stale := time.Now().Add(-time.Hour)
	devices := []models.Device{
		{ID: "b"},
		{ID: "a", LastHeartbeatAt: &stale},
	}
	master := InitialMaster(devices)
	if master == nil || *master != "a" {
		t.Fatalf("expected the only device with any heartbeat, got %v", master)
	}

	if m := InitialMaster(nil); m != nil {
		t.Fatalf("expected nil for empty device list, got %v", m)
	}
}

func TestMaybeElect_HealthyMasterUnchanged(t *testing.T) {
	db := setupTestDB(t)
	clock := clockwork.NewFakeClock()
	svc := newTestService(t, db, clock)
	now := clock.Now()

	masterID := uuid.NewString()
	otherID := uuid.NewString()
	sessionID := buildSession(t, db, now, &masterID, []fixtureDevice{
		{id: masterID, heartbeatAge: time.Second, status: models.DevicePlaying},
		{id: otherID, heartbeatAge: 0, status: models.DevicePlaying},
	})

	if err := svc.MaybeElect(context.Background(), sessionID); err != nil {
		t.Fatalf("elect: %v", err)
	}

	var session models.SyncSession
	if err := db.First(&session, "id = ?", sessionID).Error; err != nil {
		t.Fatalf("reload session: %v", err)
	}
	if session.MasterDeviceID == nil || *session.MasterDeviceID != masterID {
		t.Fatalf("master changed to %v", session.MasterDeviceID)
	}
	var cmds int64
	if err := db.Model(&models.SyncCommand{}).Count(&cmds).Error; err != nil {
		t.Fatalf("count commands: %v", err)
	}
	if cmds != 0 {
		t.Fatalf("no commands expected for a healthy master, got %d", cmds)
	}
}

func TestMaybeElect_FailsOverFromStaleMaster(t *testing.T) {
	db := setupTestDB(t)
	clock := clockwork.NewFakeClock()
	svc := newTestService(t, db, clock)
	now := clock.Now()

	masterID := uuid.NewString()
	freshID := uuid.NewString()
	erroredID := uuid.NewString()
	sessionID := buildSession(t, db, now, &masterID, []fixtureDevice{
		{id: masterID, heartbeatAge: time.Minute, status: models.DevicePlaying},
		{id: freshID, heartbeatAge: time.Second, status: models.DevicePlaying, health: health(0.9)},
		{id: erroredID, heartbeatAge: time.Second, status: models.DeviceErrored},
	})

	if err := svc.MaybeElect(context.Background(), sessionID); err != nil {
		t.Fatalf("elect: %v", err)
	}

	var session models.SyncSession
	if err := db.First(&session, "id = ?", sessionID).Error; err != nil {
		t.Fatalf("reload session: %v", err)
	}
	if session.MasterDeviceID == nil || *session.MasterDeviceID != freshID {
		t.Fatalf("expected new master %s, got %v", freshID, session.MasterDeviceID)
	}

	// Re-anchor commands go to every eligible device except the winner; the
	// stale but still eligible old master gets one, the errored device none.
	var cmds []models.SyncCommand
	if err := db.Find(&cmds).Error; err != nil {
		t.Fatalf("load commands: %v", err)
	}
	if len(cmds) != 1 {
		t.Fatalf("expected 1 failover command, got %d", len(cmds))
	}
	cmd := cmds[0]
	if cmd.DeviceID != masterID {
		t.Fatalf("expected command for old master %s, got %s", masterID, cmd.DeviceID)
	}
	if cmd.Payload.MasterDeviceID != freshID || cmd.Payload.PrevMasterDeviceID != masterID {
		t.Fatalf("payload master %s prev %s", cmd.Payload.MasterDeviceID, cmd.Payload.PrevMasterDeviceID)
	}
	if cmd.Payload.ElectedAtMs != now.UnixMilli() {
		t.Fatalf("elected_at %d, want %d", cmd.Payload.ElectedAtMs, now.UnixMilli())
	}
}

// A second elector can commit between this elector's session read and its
// guarded update. The stale elector must treat the zero-row update as a lost
// race: no error, no re-anchor commands, the winner's choice left in place.
// The callback plays the concurrent elector just before the guard runs.
func TestMaybeElect_LostRaceIsNoOp(t *testing.T) {
	db := setupTestDB(t)
	clock := clockwork.NewFakeClock()
	svc := newTestService(t, db, clock)
	now := clock.Now()

	masterID := uuid.NewString()
	freshID := uuid.NewString()
	sessionID := buildSession(t, db, now, &masterID, []fixtureDevice{
		{id: masterID, heartbeatAge: time.Minute, status: models.DevicePlaying},
		{id: freshID, heartbeatAge: time.Second, status: models.DevicePlaying, health: health(0.9)},
	})

	raced := false
	err := db.Callback().Update().Before("gorm:update").Register("election_race", func(op *gorm.DB) {
		if raced || op.Statement.Table != "sync_sessions" {
			return
		}
		raced = true
		op.Session(&gorm.Session{NewDB: true}).Exec(
			"UPDATE sync_sessions SET master_device_id = ? WHERE id = ?",
			freshID, sessionID)
	})
	if err != nil {
		t.Fatalf("register callback: %v", err)
	}

	if err := svc.MaybeElect(context.Background(), sessionID); err != nil {
		t.Fatalf("elect: %v", err)
	}
	if !raced {
		t.Fatal("guarded update never ran")
	}

	var session models.SyncSession
	if err := db.First(&session, "id = ?", sessionID).Error; err != nil {
		t.Fatalf("reload session: %v", err)
	}
	if session.MasterDeviceID == nil || *session.MasterDeviceID != freshID {
		t.Fatalf("expected the concurrent winner %s kept, got %v", freshID, session.MasterDeviceID)
	}

	var cmds int64
	if err := db.Model(&models.SyncCommand{}).Count(&cmds).Error; err != nil {
		t.Fatalf("count commands: %v", err)
	}
	if cmds != 0 {
		t.Fatalf("lost race must enqueue nothing, got %d commands", cmds)
	}
}

func TestMaybeElect_CooldownBlocksRepeatScan(t *testing.T) {
	db := setupTestDB(t)
	clock := clockwork.NewFakeClock()
	svc := newTestService(t, db, clock)
	now := clock.Now()

	masterID := uuid.NewString()
	freshID := uuid.NewString()
	sessionID := buildSession(t, db, now, &masterID, []fixtureDevice{
		{id: masterID, heartbeatAge: time.Minute, status: models.DevicePlaying},
		{id: freshID, heartbeatAge: time.Second, status: models.DevicePlaying},
	})

	if err := svc.MaybeElect(context.Background(), sessionID); err != nil {
		t.Fatalf("first elect: %v", err)
	}

	// Put the old master back; a scan inside the cooldown must not touch it.
	if err := db.Model(&models.SyncSession{}).
		Where("id = ?", sessionID).
		Update("master_device_id", masterID).Error; err != nil {
		t.Fatalf("reset master: %v", err)
	}
	if err := svc.MaybeElect(context.Background(), sessionID); err != nil {
		t.Fatalf("second elect: %v", err)
	}
	var session models.SyncSession
	if err := db.First(&session, "id = ?", sessionID).Error; err != nil {
		t.Fatalf("reload session: %v", err)
	}
	if *session.MasterDeviceID != masterID {
		t.Fatal("scan ran inside the cooldown window")
	}

	// Past the window the scan runs again.
	clock.Advance(11 * time.Second)
	hb := clock.Now()
	if err := db.Model(&models.Device{}).
		Where("id = ?", freshID).
		Update("last_heartbeat_at", hb).Error; err != nil {
		t.Fatalf("refresh heartbeat: %v", err)
	}
	if err := svc.MaybeElect(context.Background(), sessionID); err != nil {
		t.Fatalf("third elect: %v", err)
	}
	if err := db.First(&session, "id = ?", sessionID).Error; err != nil {
		t.Fatalf("reload session: %v", err)
	}
	if *session.MasterDeviceID != freshID {
		t.Fatalf("expected failover to %s after cooldown, got %s", freshID, *session.MasterDeviceID)
	}
}

func TestMaybeElect_NoFreshCandidatesKeepsMaster(t *testing.T) {
	db := setupTestDB(t)
	clock := clockwork.NewFakeClock()
	svc := newTestService(t, db, clock)
	now := clock.Now()

	masterID := uuid.NewString()
	otherID := uuid.NewString()
	sessionID := buildSession(t, db, now, &masterID, []fixtureDevice{
		{id: masterID, heartbeatAge: time.Minute, status: models.DevicePlaying},
		{id: otherID, heartbeatAge: 2 * time.Minute, status: models.DevicePlaying},
	})

	if err := svc.MaybeElect(context.Background(), sessionID); err != nil {
		t.Fatalf("elect: %v", err)
	}
	var session models.SyncSession
	if err := db.First(&session, "id = ?", sessionID).Error; err != nil {
		t.Fatalf("reload session: %v", err)
	}
	if *session.MasterDeviceID != masterID {
		t.Fatalf("stale master must be kept over a staler candidate, got %s", *session.MasterDeviceID)
	}
}

func TestMaybeElect_SkipsTerminalSession(t *testing.T) {
	db := setupTestDB(t)
	clock := clockwork.NewFakeClock()
	svc := newTestService(t, db, clock)
	now := clock.Now()

	masterID := uuid.NewString()
	freshID := uuid.NewString()
	sessionID := buildSession(t, db, now, &masterID, []fixtureDevice{
		{id: masterID, heartbeatAge: time.Minute, status: models.DevicePlaying},
		{id: freshID, heartbeatAge: time.Second, status: models.DevicePlaying},
	})
	if err := db.Model(&models.SyncSession{}).
		Where("id = ?", sessionID).
		Update("status", models.SessionStopped).Error; err != nil {
		t.Fatalf("stop session: %v", err)
	}

	if err := svc.MaybeElect(context.Background(), sessionID); err != nil {
		t.Fatalf("elect: %v", err)
	}
	var session models.SyncSession
	if err := db.First(&session, "id = ?", sessionID).Error; err != nil {
		t.Fatalf("reload session: %v", err)
	}
	if *session.MasterDeviceID != masterID {
		t.Fatal("terminal session must never change masters")
	}
}

func TestRank_OrdersByStatusHealthRecencyId(t *testing.T) {
	now := time.Now()
	candidates := []candidate{
		{deviceID: "ready-high", status: models.DeviceReady, healthScore: 0.9, hasHealth: true, lastSeen: now},
		{deviceID: "playing-low", status: models.DevicePlaying, healthScore: 0.1, hasHealth: true, lastSeen: now},
		{deviceID: "playing-high-b", status: models.DevicePlaying, healthScore: 0.8, hasHealth: true, lastSeen: now},
		{deviceID: "playing-high-a", status: models.DevicePlaying, healthScore: 0.8, hasHealth: true, lastSeen: now},
		{deviceID: "playing-nohealth", status: models.DevicePlaying, lastSeen: now},
	}
	rank(candidates)

	want := []string{"playing-high-a", "playing-high-b", "playing-low", "playing-nohealth", "ready-high"}
	for i, id := range want {
		if candidates[i].deviceID != id {
			t.Fatalf("position %d: got %s, want %s", i, candidates[i].deviceID, id)
		}
	}
}
