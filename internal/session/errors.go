package session

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrSessionNotFound is returned when a session id does not exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrAlreadyActive rejects a start while the caller has a live session.
	ErrAlreadyActive = errors.New("caller already has an active session")
	// ErrNoActiveSession is returned by the active-session query when nothing runs.
	ErrNoActiveSession = errors.New("no active session")
)

// Offline reasons distinguish a device that never reported from one whose
// heartbeat is merely stale.
const (
	ReasonMissingHeartbeat = "missing_heartbeat"
	ReasonStaleHeartbeat   = "stale_heartbeat"
)

// OfflineDevice details one device that blocked a session start.
type OfflineDevice struct {
	DeviceID   string     `json:"device_id"`
	DeviceName string     `json:"device_name"`
	LastSeenAt *time.Time `json:"last_seen_at"`
	Reason     string     `json:"reason"`
}

// OfflineError carries the full offline-device detail for the caller.
type OfflineError struct {
	Devices []OfflineDevice
}

func (e *OfflineError) Error() string {
	names := make([]string, 0, len(e.Devices))
	for _, d := range e.Devices {
		names = append(names, d.DeviceName)
	}
	return fmt.Sprintf("devices offline: %s", strings.Join(names, ", "))
}

// BusyDeviceError marks a device already claimed by another active session.
type BusyDeviceError struct {
	DeviceID  string
	SessionID string
}

func (e *BusyDeviceError) Error() string {
	return fmt.Sprintf("device %s is already in active session %s", e.DeviceID, e.SessionID)
}
