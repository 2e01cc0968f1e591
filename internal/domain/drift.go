package domain

import "time"

type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

type DriftStatus string

const (
	DriftDetected     DriftStatus = "DETECTED"
	DriftAcknowledged DriftStatus = "ACKNOWLEDGED"
	DriftResolving    DriftStatus = "RESOLVING"
	DriftResolved     DriftStatus = "RESOLVED"
	DriftIgnored      DriftStatus = "IGNORED"
)

// Open reports whether the event still awaits an operator outcome.
func (s DriftStatus) Open() bool {
	return s == DriftDetected || s == DriftAcknowledged || s == DriftResolving
}

var driftTransitions = map[DriftStatus][]DriftStatus{
	DriftDetected:     {DriftAcknowledged, DriftResolving, DriftResolved, DriftIgnored},
	DriftAcknowledged: {DriftResolving, DriftResolved, DriftIgnored},
	DriftResolving:    {DriftResolved, DriftIgnored},
}

// CanAdvance reports whether from -> to moves the lifecycle forward.
func (s DriftStatus) CanAdvance(to DriftStatus) bool {
	for _, next := range driftTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

type DriftEvent struct {
	ID           string      `json:"id"`
	ServiceName  string      `json:"service_name"`
	InstanceID   string      `json:"instance_id"`
	ServiceID    string      `json:"service_id"`
	TeamID       string      `json:"team_id,omitempty"`
	Environment  string      `json:"environment,omitempty"`
	ExpectedHash string      `json:"expected_hash"`
	AppliedHash  string      `json:"applied_hash"`
	Severity     Severity    `json:"severity" enum:"LOW,MEDIUM,HIGH,CRITICAL"`
	Status       DriftStatus `json:"status" enum:"DETECTED,ACKNOWLEDGED,RESOLVING,RESOLVED,IGNORED"`
	DetectedAt   time.Time   `json:"detected_at"`
	ResolvedAt   *time.Time  `json:"resolved_at,omitempty"`
	DetectedBy   string      `json:"detected_by"`
	ResolvedBy   string      `json:"resolved_by,omitempty"`
	Notes        string      `json:"notes,omitempty"`
}

type DriftEventFilters struct {
	ServiceID  string
	InstanceID string
	TeamIDs    []string
	Status     DriftStatus
	OpenOnly   bool
	Limit      int
}
