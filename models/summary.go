package models

import "time"

// InstanceSummary is the externally visible view of one instance, returned
// by list and status queries.
type InstanceSummary struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	State     InstanceState   `json:"state"`
	Reason    string          `json:"reason,omitempty"`
	Parked    bool            `json:"parked"`
	PID       int             `json:"pid,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	Health    *HealthSnapshot `json:"health,omitempty"`
}

type InstanceListResponse struct {
	Instances []InstanceSummary `json:"instances"`
	Total     int               `json:"total"`
}
