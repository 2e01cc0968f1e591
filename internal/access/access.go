// Package access decides what a caller may do with a service. Denials are
// reported as not-found so unauthorized callers cannot probe for existence.
package access

import (
	"context"
	"errors"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"driftline/internal/apperr"
	"driftline/internal/domain"
	"driftline/internal/repo"
)

// Store is the read side the filter needs.
type Store interface {
	GetService(ctx context.Context, id string) (domain.ApplicationService, error)
	ListShares(ctx context.Context, serviceID string) ([]domain.ServiceShare, error)
}

// Resource narrows a check to an instance and/or environment of a service.
type Resource struct {
	ServiceID   string
	InstanceID  string
	Environment string
}

type Filter struct {
	Store Store
	Now   func() time.Time
}

func (f Filter) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

var implies = map[domain.Permission][]domain.Permission{
	domain.PermWrite:        {domain.PermRead},
	domain.PermKVWrite:      {domain.PermKVRead, domain.PermRead},
	domain.PermKVRead:       {domain.PermRead},
	domain.PermInstanceRead: {domain.PermRead},
	domain.PermDriftManage:  {domain.PermInstanceRead, domain.PermRead},
}

// Expand returns perms plus everything they imply.
func Expand(perms []domain.Permission) mapset.Set[domain.Permission] {
	set := mapset.NewThreadUnsafeSet[domain.Permission]()
	for _, p := range perms {
		set.Add(p)
		for _, q := range implies[p] {
			set.Add(q)
		}
	}
	return set
}

// IsOwner reports full access: sys-admins and members of the owning team.
func IsOwner(user domain.UserContext, svc domain.ApplicationService) bool {
	if user.IsSysAdmin || user.HasRole(domain.RoleSysAdmin) {
		return true
	}
	return !svc.Orphaned() && user.InTeam(*svc.OwnerTeamID)
}

// ShareGrants reports whether sh gives user perm on res at now.
func ShareGrants(sh domain.ServiceShare, user domain.UserContext, res Resource, perm domain.Permission, now time.Time) bool {
	if sh.Expired(now) || sh.ServiceID != res.ServiceID {
		return false
	}
	switch sh.GrantToType {
	case domain.GrantUser:
		if sh.GrantToID != user.UserID {
			return false
		}
	case domain.GrantTeam:
		if !user.InTeam(sh.GrantToID) {
			return false
		}
	default:
		return false
	}
	if sh.ResourceLevel == domain.LevelInstance && sh.InstanceID != res.InstanceID {
		return false
	}
	if len(sh.Environments) > 0 {
		if res.Environment == "" || !mapset.NewThreadUnsafeSet(sh.Environments...).Contains(res.Environment) {
			return false
		}
	}
	return Expand(sh.Permissions).Contains(perm)
}

// Check evaluates perm against an already loaded service.
func (f Filter) Check(ctx context.Context, user domain.UserContext, svc domain.ApplicationService, res Resource, perm domain.Permission) (bool, error) {
	if IsOwner(user, svc) {
		return true, nil
	}
	// Orphans are discoverable so they can be claimed.
	if svc.Orphaned() && perm == domain.PermRead && res.InstanceID == "" {
		return true, nil
	}
	shares, err := f.Store.ListShares(ctx, svc.ID)
	if err != nil {
		return false, err
	}
	now := f.now()
	res.ServiceID = svc.ID
	for _, sh := range shares {
		if ShareGrants(sh, user, res, perm, now) {
			return true, nil
		}
	}
	return false, nil
}

// Authorize loads the service and checks perm. Missing and forbidden look identical.
func (f Filter) Authorize(ctx context.Context, user domain.UserContext, res Resource, perm domain.Permission) (domain.ApplicationService, error) {
	svc, err := f.Store.GetService(ctx, res.ServiceID)
	if errors.Is(err, repo.ErrNotFound) {
		return svc, apperr.NotFound("service", res.ServiceID)
	}
	if err != nil {
		return svc, err
	}
	ok, err := f.Check(ctx, user, svc, res, perm)
	if err != nil {
		return svc, err
	}
	if !ok {
		return domain.ApplicationService{}, apperr.NotFound("service", res.ServiceID)
	}
	return svc, nil
}

// RequireOwner is for management operations: callers that cannot see the service get
// NotFound, callers that can see it but do not own it get AccessDenied.
func (f Filter) RequireOwner(ctx context.Context, user domain.UserContext, serviceID, action string) (domain.ApplicationService, error) {
	svc, err := f.Authorize(ctx, user, Resource{ServiceID: serviceID}, domain.PermRead)
	if err != nil {
		return svc, err
	}
	if !IsOwner(user, svc) {
		return svc, apperr.Denied(action)
	}
	return svc, nil
}
