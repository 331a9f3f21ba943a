package models

import (
	"time"
)

// AssignmentMode selects how preset media maps onto devices.
type AssignmentMode string

const (
	AssignmentCommon    AssignmentMode = "COMMON"
	AssignmentPerDevice AssignmentMode = "PER_DEVICE"
)

// SessionStatus enumerates the sync session lifecycle.
type SessionStatus string

const (
	SessionCreated   SessionStatus = "CREATED"
	SessionStarting  SessionStatus = "STARTING"
	SessionWarmingUp SessionStatus = "WARMING_UP"
	SessionRunning   SessionStatus = "RUNNING"
	SessionStopped   SessionStatus = "STOPPED"
	SessionErrored   SessionStatus = "ERRORED"
)

// Terminal reports whether the status permits no further transitions.
func (s SessionStatus) Terminal() bool {
	return s == SessionStopped || s == SessionErrored
}

// DeviceSyncStatus enumerates per-device playback states within a session.
type DeviceSyncStatus string

const (
	DeviceAssigned     DeviceSyncStatus = "ASSIGNED"
	DevicePreloading   DeviceSyncStatus = "PRELOADING"
	DeviceReady        DeviceSyncStatus = "READY"
	DeviceWarmingUp    DeviceSyncStatus = "WARMING_UP"
	DevicePlaying      DeviceSyncStatus = "PLAYING"
	DeviceErrored      DeviceSyncStatus = "ERRORED"
	DeviceDisconnected DeviceSyncStatus = "DISCONNECTED"
)

// ParseDeviceSyncStatus maps a reported status string to a known enum value.
func ParseDeviceSyncStatus(s string) (DeviceSyncStatus, bool) {
	switch DeviceSyncStatus(s) {
	case DeviceAssigned, DevicePreloading, DeviceReady, DeviceWarmingUp,
		DevicePlaying, DeviceErrored, DeviceDisconnected:
		return DeviceSyncStatus(s), true
	}
	return "", false
}

// CommandType enumerates device instructions.
type CommandType string

const (
	CommandSyncPrepare CommandType = "SYNC_PREPARE"
	CommandSyncStop    CommandType = "SYNC_STOP"
)

// CommandStatus tracks outbox delivery state.
type CommandStatus string

const (
	CommandPending CommandStatus = "PENDING"
	CommandAcked   CommandStatus = "ACKED"
	CommandFailed  CommandStatus = "FAILED"
)

// StopReason explains why a session was stopped.
type StopReason string

const (
	StopUser    StopReason = "USER_STOP"
	StopTimeout StopReason = "TIMEOUT"
	StopError   StopReason = "ERROR"
)

// Device is a playback endpoint. Pairing and general heartbeat mechanics are
// owned by the device-comms layer; the coordinator reads heartbeat recency
// and refreshes it when runtime reports arrive.
type Device struct {
	ID              string `gorm:"type:uuid;primaryKey"`
	Name            string `gorm:"uniqueIndex"`
	LastHeartbeatAt *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Preset is a reusable session configuration.
type Preset struct {
	ID                   string         `gorm:"type:uuid;primaryKey"`
	Name                 string         `gorm:"uniqueIndex"`
	Mode                 AssignmentMode `gorm:"type:varchar(16)"`
	TargetDurationMs     int64
	CommonMediaID        string `gorm:"type:uuid"`
	CommonMediaDurationMs int64
	Assignments          []PresetAssignment `gorm:"foreignKey:PresetID"`
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// PresetAssignment binds one device (and, in PER_DEVICE mode, its media) to a preset.
type PresetAssignment struct {
	PresetID        string `gorm:"type:uuid;primaryKey"`
	DeviceID        string `gorm:"type:uuid;primaryKey"`
	MediaID         string `gorm:"type:uuid"`
	MediaDurationMs int64
}

// SyncSession is one live synchronized playback run. Rows are never deleted.
type SyncSession struct {
	ID                  string        `gorm:"type:uuid;primaryKey"`
	PresetID            string        `gorm:"type:uuid;index"`
	CreatedBy           string        `gorm:"type:varchar(64);index"`
	Status              SessionStatus `gorm:"type:varchar(16);index"`
	DurationMs          int64
	PreparationBufferMs int
	StartAtMs           int64 // absolute epoch ms, 0 until the barrier fires
	StartedAt           *time.Time
	MasterDeviceID      *string     `gorm:"type:uuid"`
	StopReason          *StopReason `gorm:"type:varchar(16)"`
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// SyncSessionDevice is the per-(session, device) state row. Mutated only by
// the telemetry ingestor and session orchestration.
type SyncSessionDevice struct {
	ID            string           `gorm:"type:uuid;primaryKey"`
	SessionID     string           `gorm:"type:uuid;index;uniqueIndex:idx_session_device"`
	DeviceID      string           `gorm:"type:uuid;index;uniqueIndex:idx_session_device"`
	Status        DeviceSyncStatus `gorm:"type:varchar(16)"`
	LastSeenAt    *time.Time
	DriftHistory  DriftRing `gorm:"type:jsonb"`
	ResyncCount   int
	AvgDriftMs    *float64
	MaxDriftMs    *float64
	ResyncRate    *float64
	ClockOffsetMs *float64
	CPUTemp       *float64
	Throttled     *bool
	HealthScore   *float64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Eligible reports whether the device may hold or receive mastership.
func (d SyncSessionDevice) Eligible() bool {
	return d.Status != DeviceDisconnected && d.Status != DeviceErrored
}

// SyncCommand is one outbox row. Devices poll for PENDING rows and ack them;
// rows are retained after completion for traceability.
type SyncCommand struct {
	ID        string         `gorm:"type:uuid;primaryKey"`
	SessionID string         `gorm:"type:uuid;index"`
	DeviceID  string         `gorm:"type:uuid;index"`
	Type      CommandType    `gorm:"type:varchar(16)"`
	Payload   CommandPayload `gorm:"type:jsonb"`
	Status    CommandStatus  `gorm:"type:varchar(8);index"`
	DedupeKey string         `gorm:"type:varchar(160);uniqueIndex"`
	Error     string         `gorm:"type:text"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CorrectionKind distinguishes drift correction strategies.
type CorrectionKind string

const (
	CorrectionSoft CorrectionKind = "soft_correction"
	CorrectionHard CorrectionKind = "hard_resync"
)

// SyncCorrectionEvent logs one client-side drift correction, consumed by the
// monitoring surface only.
type SyncCorrectionEvent struct {
	ID           string         `gorm:"type:uuid;primaryKey"`
	SessionID    string         `gorm:"type:uuid;index"`
	DeviceID     string         `gorm:"type:uuid;index"`
	Kind         CorrectionKind `gorm:"type:varchar(24)"`
	DriftMs      float64
	PlaybackRate *float64
	SeekToMs     *int64
	CreatedAt    time.Time `gorm:"index"`
}
