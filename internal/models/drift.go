package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// DriftHistoryCap bounds the per-device drift sample ring.
const DriftHistoryCap = 300

// DriftSample is one telemetry observation.
type DriftSample struct {
	AtMs    int64   `json:"at_ms"`
	DriftMs float64 `json:"drift_ms"`
	Status  string  `json:"status,omitempty"`
}

// DriftRing is a fixed-capacity drop-oldest sample buffer persisted as jsonb.
type DriftRing []DriftSample

// Push appends a sample, evicting the oldest entries beyond DriftHistoryCap.
func (r DriftRing) Push(s DriftSample) DriftRing {
	out := append(r, s)
	if len(out) > DriftHistoryCap {
		out = out[len(out)-DriftHistoryCap:]
	}
	return out
}

// Value implements driver.Valuer.
func (r DriftRing) Value() (driver.Value, error) {
	if r == nil {
		return "[]", nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (r *DriftRing) Scan(value any) error {
	if value == nil {
		*r = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported drift history column type %T", value)
	}
	if len(data) == 0 {
		*r = nil
		return nil
	}
	return json.Unmarshal(data, r)
}
