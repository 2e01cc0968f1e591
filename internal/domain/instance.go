package domain

import "time"

type InstanceStatus string

const (
	InstanceUnknown   InstanceStatus = "UNKNOWN"
	InstanceHealthy   InstanceStatus = "HEALTHY"
	InstanceDrift     InstanceStatus = "DRIFT"
	InstanceUnhealthy InstanceStatus = "UNHEALTHY"
)

func (s InstanceStatus) Valid() bool {
	switch s {
	case InstanceUnknown, InstanceHealthy, InstanceDrift, InstanceUnhealthy:
		return true
	}
	return false
}

// ServiceInstance is one running process, keyed by (ServiceID, InstanceID).
type ServiceInstance struct {
	ServiceID       string            `json:"service_id"`
	InstanceID      string            `json:"instance_id"`
	Host            string            `json:"host,omitempty"`
	Port            int               `json:"port,omitempty"`
	Environment     string            `json:"environment,omitempty"`
	Version         string            `json:"version,omitempty"`
	ConfigHash      string            `json:"config_hash,omitempty"`
	ExpectedHash    string            `json:"expected_hash,omitempty"`
	LastAppliedHash string            `json:"last_applied_hash,omitempty"`
	Status          InstanceStatus    `json:"status" enum:"UNKNOWN,HEALTHY,DRIFT,UNHEALTHY"`
	HasDrift        bool              `json:"has_drift"`
	LastSeenAt      time.Time         `json:"last_seen_at"`
	DriftDetectedAt *time.Time        `json:"drift_detected_at,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	TeamID          string            `json:"team_id,omitempty"`
	Revision        int64             `json:"revision"`
}

// Expired reports whether the instance missed its liveness window.
func (i ServiceInstance) Expired(now time.Time, ttl time.Duration) bool {
	return i.LastSeenAt.Before(now.Add(-ttl))
}

// Heartbeat is the ingestion contract produced by instance agents.
type Heartbeat struct {
	ServiceName string            `json:"service_name"`
	InstanceID  string            `json:"instance_id"`
	Host        string            `json:"host,omitempty"`
	Port        int               `json:"port,omitempty"`
	Environment string            `json:"environment,omitempty"`
	Version     string            `json:"version,omitempty"`
	ConfigHash  string            `json:"config_hash,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// InstanceCriteria filters list results. Zero values match everything.
type InstanceCriteria struct {
	ServiceID   string
	TeamIDs     []string
	Environment string
	Status      InstanceStatus
	HasDrift    *bool
}
