package ingest

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
)

// RuntimeReport is the normalized device report. Heartbeat and sync
// endpoints deliver it in two shapes (form-encoded or JSON) and both
// normalize here. Nil fields were absent from the report and leave the
// stored value unchanged.
type RuntimeReport struct {
	SessionID     string            `json:"session_id"`
	Status        string            `json:"status"`
	DriftMs       *float64          `json:"drift_ms"`
	ResyncCount   *int              `json:"resync_count"`
	ClockOffsetMs *float64          `json:"clock_offset_ms"`
	CPUTemp       *float64          `json:"cpu_temp"`
	Throttled     *bool             `json:"throttled"`
	HealthScore   *float64          `json:"health_score"`
	AvgDriftMs    *float64          `json:"avg_drift_ms"`
	MaxDriftMs    *float64          `json:"max_drift_ms"`
	ResyncRate    *float64          `json:"resync_rate"`
	Correction    *CorrectionReport `json:"correction"`
}

// CorrectionReport describes one drift correction the device just applied.
type CorrectionReport struct {
	Kind         string   `json:"kind"` // soft_correction | hard_resync
	DriftMs      float64  `json:"drift_ms"`
	PlaybackRate *float64 `json:"playback_rate"`
	SeekToMs     *int64   `json:"seek_to_ms"`
}

// FromJSON decodes the structured report shape.
func FromJSON(data []byte) (RuntimeReport, error) {
	var rep RuntimeReport
	if err := json.Unmarshal(data, &rep); err != nil {
		return RuntimeReport{}, fmt.Errorf("decode report: %w", err)
	}
	if rep.SessionID == "" {
		return RuntimeReport{}, fmt.Errorf("report missing session_id")
	}
	return rep, nil
}

// FromForm decodes the form-encoded report shape used by the legacy
// heartbeat endpoint. Unparseable numeric values are treated as absent.
func FromForm(values url.Values) (RuntimeReport, error) {
	rep := RuntimeReport{
		SessionID: values.Get("session_id"),
		Status:    values.Get("status"),
	}
	if rep.SessionID == "" {
		return RuntimeReport{}, fmt.Errorf("report missing session_id")
	}

	rep.DriftMs = formFloat(values, "drift_ms")
	rep.ResyncCount = formInt(values, "resync_count")
	rep.ClockOffsetMs = formFloat(values, "clock_offset_ms")
	rep.CPUTemp = formFloat(values, "cpu_temp")
	rep.Throttled = formBool(values, "throttled")
	rep.HealthScore = formFloat(values, "health_score")
	rep.AvgDriftMs = formFloat(values, "avg_drift_ms")
	rep.MaxDriftMs = formFloat(values, "max_drift_ms")
	rep.ResyncRate = formFloat(values, "resync_rate")

	if kind := values.Get("correction_kind"); kind != "" {
		corr := &CorrectionReport{Kind: kind}
		if v := formFloat(values, "correction_drift_ms"); v != nil {
			corr.DriftMs = *v
		}
		corr.PlaybackRate = formFloat(values, "correction_playback_rate")
		if v := values.Get("correction_seek_to_ms"); v != "" {
			if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
				corr.SeekToMs = &parsed
			}
		}
		rep.Correction = corr
	}
	return rep, nil
}

func formFloat(values url.Values, key string) *float64 {
	v := values.Get(key)
	if v == "" {
		return nil
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil
	}
	return &parsed
}

func formInt(values url.Values, key string) *int {
	v := values.Get(key)
	if v == "" {
		return nil
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return nil
	}
	return &parsed
}

func formBool(values url.Values, key string) *bool {
	v := values.Get(key)
	if v == "" {
		return nil
	}
	b := v == "true" || v == "1" || v == "yes"
	return &b
}
