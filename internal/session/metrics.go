package session

import "github.com/wallfleet/wallsync/internal/models"

// Metrics aggregates per-device health fields for the monitoring surface.
type Metrics struct {
	DeviceCount    int              `json:"device_count"`
	ReadyCount     int              `json:"ready_count"`
	PlayingCount   int              `json:"playing_count"`
	DroppedCount   int              `json:"dropped_count"`
	AvgDriftMs     *float64         `json:"avg_drift_ms"`
	MaxDriftMs     *float64         `json:"max_drift_ms"`
	AvgHealthScore *float64         `json:"avg_health_score"`
	Devices        []DeviceSnapshot `json:"devices"`
}

// DeviceSnapshot is one device's latest telemetry view.
type DeviceSnapshot struct {
	DeviceID      string                  `json:"device_id"`
	Status        models.DeviceSyncStatus `json:"status"`
	AvgDriftMs    *float64                `json:"avg_drift_ms,omitempty"`
	MaxDriftMs    *float64                `json:"max_drift_ms,omitempty"`
	ResyncCount   int                     `json:"resync_count"`
	ResyncRate    *float64                `json:"resync_rate,omitempty"`
	ClockOffsetMs *float64                `json:"clock_offset_ms,omitempty"`
	Throttled     *bool                   `json:"throttled,omitempty"`
	HealthScore   *float64                `json:"health_score,omitempty"`
}

// Aggregate computes session-level metrics from the device rows.
func Aggregate(rows []models.SyncSessionDevice) Metrics {
	m := Metrics{DeviceCount: len(rows)}

	var driftSum, healthSum float64
	var driftN, healthN int
	for _, r := range rows {
		switch r.Status {
		case models.DeviceReady:
			m.ReadyCount++
		case models.DevicePlaying:
			m.PlayingCount++
		case models.DeviceErrored, models.DeviceDisconnected:
			m.DroppedCount++
		}
		if r.AvgDriftMs != nil {
			driftSum += *r.AvgDriftMs
			driftN++
		}
		if r.MaxDriftMs != nil {
			if m.MaxDriftMs == nil || *r.MaxDriftMs > *m.MaxDriftMs {
				v := *r.MaxDriftMs
				m.MaxDriftMs = &v
			}
		}
		if r.HealthScore != nil {
			healthSum += *r.HealthScore
			healthN++
		}
		m.Devices = append(m.Devices, DeviceSnapshot{
			DeviceID:      r.DeviceID,
			Status:        r.Status,
			AvgDriftMs:    r.AvgDriftMs,
			MaxDriftMs:    r.MaxDriftMs,
			ResyncCount:   r.ResyncCount,
			ResyncRate:    r.ResyncRate,
			ClockOffsetMs: r.ClockOffsetMs,
			Throttled:     r.Throttled,
			HealthScore:   r.HealthScore,
		})
	}
	if driftN > 0 {
		v := driftSum / float64(driftN)
		m.AvgDriftMs = &v
	}
	if healthN > 0 {
		v := healthSum / float64(healthN)
		m.AvgHealthScore = &v
	}
	return m
}
