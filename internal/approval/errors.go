package approval

import (
	"fmt"

	"driftline/internal/apperr"
)

// DuplicateRequestError: the requester already has a pending request for the service.
type DuplicateRequestError struct {
	RequesterUserID string
	ServiceID       string
	ExistingID      string
}

func (e *DuplicateRequestError) Error() string {
	if e.ExistingID != "" {
		return fmt.Sprintf("user %s already has pending request %s for service %s", e.RequesterUserID, e.ExistingID, e.ServiceID)
	}
	return fmt.Sprintf("user %s already has a pending request for service %s", e.RequesterUserID, e.ServiceID)
}

func (e *DuplicateRequestError) Is(target error) bool { return target == apperr.ErrConflict }

// NotEligibleError: the approver cannot vote on the gate.
type NotEligibleError struct {
	ApproverUserID string
	Gate           string
	Reason         string
}

func (e *NotEligibleError) Error() string {
	msg := fmt.Sprintf("user %s is not eligible for gate %s", e.ApproverUserID, e.Gate)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *NotEligibleError) Is(target error) bool { return target == apperr.ErrAccessDenied }

// AlreadyDecidedError: one vote per (request, approver, gate).
type AlreadyDecidedError struct {
	RequestID      string
	ApproverUserID string
	Gate           string
}

func (e *AlreadyDecidedError) Error() string {
	return fmt.Sprintf("user %s already decided gate %s on request %s", e.ApproverUserID, e.Gate, e.RequestID)
}

func (e *AlreadyDecidedError) Is(target error) bool { return target == apperr.ErrConflict }
