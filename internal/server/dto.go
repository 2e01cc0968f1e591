package server

import (
	"encoding/json"
	"time"

	"driftline/internal/domain"
)

type WhoAmIResponse struct {
	UserID     string   `json:"user_id"`
	TeamIDs    []string `json:"team_ids"`
	Roles      []string `json:"roles"`
	IsSysAdmin bool     `json:"is_sys_admin"`
	ManagerID  string   `json:"manager_id,omitempty"`
	Source     string   `json:"source" enum:"jwt,agent_key"`
	ServiceID  string   `json:"service_id,omitempty" doc:"Set for agent keys: the only service the key may act on"`
}

type DevTokenRequest struct {
	UserID     string   `json:"user_id"`
	Teams      []string `json:"teams,omitempty"`
	Roles      []string `json:"roles,omitempty"`
	SysAdmin   bool     `json:"sys_admin,omitempty"`
	ManagerID  string   `json:"manager_id,omitempty"`
	TTLSeconds int      `json:"ttl_seconds,omitempty"`
}

type DevTokenResponse struct {
	Token string `json:"token"`
}

type CreateServiceRequest struct {
	ID           string            `json:"id"`
	DisplayName  string            `json:"display_name,omitempty"`
	OwnerTeamID  string            `json:"owner_team_id,omitempty"`
	Lifecycle    domain.Lifecycle  `json:"lifecycle,omitempty" enum:"ACTIVE,DEPRECATED,RETIRED"`
	Environments []string          `json:"environments,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	RepoURL      string            `json:"repo_url,omitempty"`
	Attributes   map[string]string `json:"attributes,omitempty"`
}

type UpdateServiceRequest struct {
	DisplayName     *string           `json:"display_name,omitempty"`
	Lifecycle       *domain.Lifecycle `json:"lifecycle,omitempty" enum:"ACTIVE,DEPRECATED,RETIRED"`
	Environments    []string          `json:"environments,omitempty"`
	Tags            []string          `json:"tags,omitempty"`
	RepoURL         *string           `json:"repo_url,omitempty"`
	Attributes      map[string]string `json:"attributes,omitempty"`
	OwnerTeamID     *string           `json:"owner_team_id,omitempty" doc:"Direct ownership change; rejected while approval governance is on"`
	ExpectedVersion int64             `json:"expected_version,omitempty"`
}

type ShareRequest struct {
	ResourceLevel domain.ResourceLevel `json:"resource_level,omitempty" enum:"SERVICE,INSTANCE"`
	InstanceID    string               `json:"instance_id,omitempty"`
	GrantToType   domain.GrantToType   `json:"grant_to_type" enum:"TEAM,USER"`
	GrantToID     string               `json:"grant_to_id"`
	Permissions   []domain.Permission  `json:"permissions"`
	Environments  []string             `json:"environments,omitempty"`
	ExpiresAt     *time.Time           `json:"expires_at,omitempty"`
}

type AgentKeyRequest struct {
	Name string `json:"name"`
}

type AgentKeyResponse struct {
	Key      string          `json:"key" doc:"Plaintext key, shown once"`
	AgentKey domain.AgentKey `json:"agent_key"`
}

type RegisterInstanceRequest struct {
	InstanceID  string                `json:"instance_id"`
	Host        string                `json:"host,omitempty"`
	Port        int                   `json:"port,omitempty"`
	Environment string                `json:"environment,omitempty"`
	Version     string                `json:"version,omitempty"`
	Status      domain.InstanceStatus `json:"status,omitempty" enum:"UNKNOWN,HEALTHY,DRIFT,UNHEALTHY"`
	Metadata    map[string]string     `json:"metadata,omitempty"`
}

type EvaluationResponse struct {
	Instance     domain.ServiceInstance `json:"instance"`
	Evaluated    bool                   `json:"evaluated"`
	Drifted      bool                   `json:"drifted"`
	ExpectedHash string                 `json:"expected_hash,omitempty"`
}

type DriftTransitionRequest struct {
	Status domain.DriftStatus `json:"status" enum:"ACKNOWLEDGED,RESOLVING,RESOLVED,IGNORED"`
	Note   string             `json:"note,omitempty"`
}

type CreateApprovalRequest struct {
	Type     domain.RequestType       `json:"type" enum:"CLAIM_OWNERSHIP,TRANSFER_OWNERSHIP"`
	Target   domain.ApprovalTarget    `json:"target"`
	Required []domain.GateRequirement `json:"required,omitempty"`
	Reason   string                   `json:"reason,omitempty"`
}

type DecisionRequest struct {
	Gate     string      `json:"gate"`
	Decision domain.Vote `json:"decision" enum:"APPROVE,REJECT"`
	Note     string      `json:"note,omitempty"`
}

type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

type ApprovalResponse struct {
	Request   domain.ApprovalRequest    `json:"request"`
	Decisions []domain.ApprovalDecision `json:"decisions"`
}

type LeafRequest struct {
	Value string `json:"value"`
	Flags uint64 `json:"flags,omitempty"`
}

type LeafResponse struct {
	Path        string `json:"path"`
	Value       string `json:"value"`
	ModifyIndex uint64 `json:"modify_index"`
	CreateIndex uint64 `json:"create_index"`
	Flags       uint64 `json:"flags"`
}

type ObjectResponse struct {
	Data map[string]string `json:"data"`
}

type TxnRequest struct {
	Ops []TxnOp `json:"ops"`
}

// TxnOp carries the value as text; Index is the expected modify index for CAS verbs.
type TxnOp struct {
	Verb  domain.KVVerb `json:"verb" enum:"set,get,delete,cas,delete-cas,check-index,check-not-exists"`
	Path  string        `json:"path"`
	Value string        `json:"value,omitempty"`
	Flags uint64        `json:"flags,omitempty"`
	Index uint64        `json:"index,omitempty"`
}

type TxnResult struct {
	Verb  domain.KVVerb `json:"verb"`
	Path  string        `json:"path"`
	Entry *LeafResponse `json:"entry,omitempty"`
}

type TxnResponse struct {
	Results []TxnResult `json:"results"`
}

func leafResponse(e domain.KVEntry) LeafResponse {
	return LeafResponse{Path: e.Path, Value: string(e.Value), ModifyIndex: e.ModifyIndex, CreateIndex: e.CreateIndex, Flags: e.Flags}
}

func listResponse(l domain.KVList) domain.KVList {
	if l.Items == nil {
		l.Items = []domain.KVListItem{}
	}
	for i, it := range l.Items {
		if len(it.Data) == 0 {
			l.Items[i].Data = json.RawMessage("null")
		}
	}
	return l
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
