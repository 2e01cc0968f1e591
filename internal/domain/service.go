package domain

import "time"

type Lifecycle string

const (
	LifecycleActive     Lifecycle = "ACTIVE"
	LifecycleDeprecated Lifecycle = "DEPRECATED"
	LifecycleRetired    Lifecycle = "RETIRED"
)

func (l Lifecycle) Valid() bool {
	switch l {
	case LifecycleActive, LifecycleDeprecated, LifecycleRetired:
		return true
	}
	return false
}

// ApplicationService is a registered deployable unit. OwnerTeamID nil means orphaned.
type ApplicationService struct {
	ID           string            `json:"id"`
	DisplayName  string            `json:"display_name"`
	OwnerTeamID  *string           `json:"owner_team_id,omitempty"`
	Lifecycle    Lifecycle         `json:"lifecycle" enum:"ACTIVE,DEPRECATED,RETIRED"`
	Environments []string          `json:"environments"`
	Tags         []string          `json:"tags"`
	RepoURL      string            `json:"repo_url,omitempty"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	CreatedBy    string            `json:"created_by"`
	Version      int64             `json:"version"`
}

func (s ApplicationService) Orphaned() bool {
	return s.OwnerTeamID == nil || *s.OwnerTeamID == ""
}

func (s ApplicationService) OwnedBy(teamID string) bool {
	return !s.Orphaned() && *s.OwnerTeamID == teamID
}
