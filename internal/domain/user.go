package domain

const RoleSysAdmin = "SYS_ADMIN"

// UserContext is the pre-resolved caller identity.
type UserContext struct {
	UserID     string   `json:"user_id"`
	TeamIDs    []string `json:"team_ids"`
	Roles      []string `json:"roles"`
	IsSysAdmin bool     `json:"is_sys_admin"`
	ManagerID  string   `json:"manager_id,omitempty"`
}

func (u UserContext) InTeam(teamID string) bool {
	if teamID == "" {
		return false
	}
	for _, t := range u.TeamIDs {
		if t == teamID {
			return true
		}
	}
	return false
}

func (u UserContext) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// SystemUser is the actor recorded for automatic transitions.
var SystemUser = UserContext{UserID: "system", IsSysAdmin: true}
