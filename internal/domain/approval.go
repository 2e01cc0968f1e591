package domain

import "time"

type RequestType string

const (
	RequestClaimOwnership    RequestType = "CLAIM_OWNERSHIP"
	RequestTransferOwnership RequestType = "TRANSFER_OWNERSHIP"
)

func (t RequestType) Valid() bool {
	return t == RequestClaimOwnership || t == RequestTransferOwnership
}

// Ownership reports whether approval of this type settles service ownership.
func (t RequestType) Ownership() bool {
	return t == RequestClaimOwnership || t == RequestTransferOwnership
}

type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "PENDING"
	ApprovalApproved  ApprovalStatus = "APPROVED"
	ApprovalRejected  ApprovalStatus = "REJECTED"
	ApprovalCancelled ApprovalStatus = "CANCELLED"
)

func (s ApprovalStatus) Terminal() bool {
	return s == ApprovalApproved || s == ApprovalRejected || s == ApprovalCancelled
}

type Vote string

const (
	VoteApprove Vote = "APPROVE"
	VoteReject  Vote = "REJECT"
)

// Well-known gates.
const (
	GateSysAdmin     = "SYS_ADMIN"
	GateTeamManager  = "TEAM_MANAGER"
	GateServiceOwner = "SERVICE_OWNER"
)

type ApprovalTarget struct {
	ServiceID string `json:"service_id"`
	TeamID    string `json:"team_id"`
}

type GateRequirement struct {
	Gate         string `json:"gate"`
	MinApprovals int    `json:"min_approvals"`
}

// RequesterSnapshot is captured once at creation and never re-derived.
type RequesterSnapshot struct {
	TeamIDs   []string `json:"team_ids"`
	Roles     []string `json:"roles"`
	ManagerID string   `json:"manager_id,omitempty"`
}

type ApprovalRequest struct {
	ID                string            `json:"id"`
	RequesterUserID   string            `json:"requester_user_id"`
	RequestType       RequestType       `json:"request_type" enum:"CLAIM_OWNERSHIP,TRANSFER_OWNERSHIP"`
	Target            ApprovalTarget    `json:"target"`
	Required          []GateRequirement `json:"required"`
	Status            ApprovalStatus    `json:"status" enum:"PENDING,APPROVED,REJECTED,CANCELLED"`
	RequesterSnapshot RequesterSnapshot `json:"requester_snapshot"`
	Counts            map[string]int    `json:"counts"`
	Reason            string            `json:"reason,omitempty"`
	Version           int64             `json:"version"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// GatesSatisfied reports whether every required gate reached its threshold.
func (r ApprovalRequest) GatesSatisfied() bool {
	for _, g := range r.Required {
		if r.Counts[g.Gate] < g.MinApprovals {
			return false
		}
	}
	return true
}

func (r ApprovalRequest) Requires(gate string) bool {
	for _, g := range r.Required {
		if g.Gate == gate {
			return true
		}
	}
	return false
}

type ApprovalDecision struct {
	ID             string    `json:"id"`
	RequestID      string    `json:"request_id"`
	ApproverUserID string    `json:"approver_user_id"`
	Gate           string    `json:"gate"`
	Decision       Vote      `json:"decision" enum:"APPROVE,REJECT"`
	DecidedAt      time.Time `json:"decided_at"`
	Note           string    `json:"note,omitempty"`
}

type ApprovalFilters struct {
	ServiceID       string
	RequesterUserID string
	Status          ApprovalStatus
	Limit           int
}
