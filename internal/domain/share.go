package domain

import "time"

type ResourceLevel string

const (
	LevelService  ResourceLevel = "SERVICE"
	LevelInstance ResourceLevel = "INSTANCE"
)

type GrantToType string

const (
	GrantTeam GrantToType = "TEAM"
	GrantUser GrantToType = "USER"
)

// Permission tokens carried by shares.
type Permission string

const (
	PermRead         Permission = "READ"
	PermWrite        Permission = "WRITE"
	PermKVRead       Permission = "KV_READ"
	PermKVWrite      Permission = "KV_WRITE"
	PermInstanceRead Permission = "INSTANCE_READ"
	PermDriftManage  Permission = "DRIFT_MANAGE"
)

func (p Permission) Valid() bool {
	switch p {
	case PermRead, PermWrite, PermKVRead, PermKVWrite, PermInstanceRead, PermDriftManage:
		return true
	}
	return false
}

type ServiceShare struct {
	ID            string        `json:"id"`
	ResourceLevel ResourceLevel `json:"resource_level" enum:"SERVICE,INSTANCE"`
	ServiceID     string        `json:"service_id"`
	InstanceID    string        `json:"instance_id,omitempty"`
	GrantToType   GrantToType   `json:"grant_to_type" enum:"TEAM,USER"`
	GrantToID     string        `json:"grant_to_id"`
	Permissions   []Permission  `json:"permissions"`
	Environments  []string      `json:"environments,omitempty"`
	GrantedBy     string        `json:"granted_by"`
	CreatedAt     time.Time     `json:"created_at"`
	ExpiresAt     *time.Time    `json:"expires_at,omitempty"`
}

func (s ServiceShare) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && !s.ExpiresAt.After(now)
}
