package notify

import (
	"context"
	"sync"

	"driftline/internal/domain"
)

// Recorder keeps notifications in memory.
type Recorder struct {
	mu        sync.Mutex
	Drifts    []domain.DriftEvent
	Approvals []domain.ApprovalRequest
}

func (r *Recorder) DriftDetected(_ context.Context, ev domain.DriftEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Drifts = append(r.Drifts, ev)
}

func (r *Recorder) ApprovalTransition(_ context.Context, req domain.ApprovalRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Approvals = append(r.Approvals, req)
}

// Snapshot returns copies of everything recorded so far.
func (r *Recorder) Snapshot() ([]domain.DriftEvent, []domain.ApprovalRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.DriftEvent(nil), r.Drifts...), append([]domain.ApprovalRequest(nil), r.Approvals...)
}
