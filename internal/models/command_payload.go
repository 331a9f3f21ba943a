package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// CommandPayload is the timing/media plan carried by an outbox command,
// persisted as jsonb. SYNC_PREPARE fills the timing fields; SYNC_STOP only
// the session id and stop reason.
type CommandPayload struct {
	SessionID           string         `json:"session_id"`
	PresetID            string         `json:"preset_id,omitempty"`
	Mode                AssignmentMode `json:"mode,omitempty"`
	MediaID             string         `json:"media_id,omitempty"`
	DurationMs          int64          `json:"duration_ms,omitempty"`
	StartAtMs           int64          `json:"start_at_ms,omitempty"`
	PreparationBufferMs int            `json:"preparation_buffer_ms,omitempty"`
	MasterDeviceID      string         `json:"master_device_id,omitempty"`
	PrevMasterDeviceID  string         `json:"prev_master_device_id,omitempty"`
	ElectedAtMs         int64          `json:"elected_at_ms,omitempty"`
	StopReason          StopReason     `json:"stop_reason,omitempty"`
}

// Value implements driver.Valuer.
func (p CommandPayload) Value() (driver.Value, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (p *CommandPayload) Scan(value any) error {
	if value == nil {
		*p = CommandPayload{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported command payload column type %T", value)
	}
	if len(data) == 0 {
		*p = CommandPayload{}
		return nil
	}
	return json.Unmarshal(data, p)
}
