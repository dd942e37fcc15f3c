package models

import "time"

// HealthSnapshot is one sample of a running instance. Timestamps are
// monotonically increasing per instance; a snapshot older than the
// configured staleness window means the instance is considered unresponsive.
type HealthSnapshot struct {
	InstanceID string    `json:"instance_id"`
	Timestamp  time.Time `json:"timestamp"`
	CPUPercent float64   `json:"cpu_percent"`
	RSSBytes   uint64    `json:"rss_bytes"`
	Responsive bool      `json:"responsive"`
}
