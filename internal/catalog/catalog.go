// Package catalog manages application services, their shares and agent keys.
package catalog

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"driftline/internal/access"
	"driftline/internal/apperr"
	"driftline/internal/domain"
	"driftline/internal/events"
	"driftline/internal/occ"
	"driftline/internal/repo"
)

type Store interface {
	access.Store
	InsertService(ctx context.Context, s domain.ApplicationService, recs ...events.Record) error
	ListServices(ctx context.Context, f repo.ServiceFilters) ([]domain.ApplicationService, error)
	UpdateService(ctx context.Context, s domain.ApplicationService, expectedVersion int64, recs ...events.Record) (domain.ApplicationService, error)
	DeleteServiceCascade(ctx context.Context, id string, recs ...events.Record) error
	InsertShare(ctx context.Context, sh domain.ServiceShare, recs ...events.Record) error
	ListSharesForGrantee(ctx context.Context, userID string, teamIDs []string) ([]domain.ServiceShare, error)
	DeleteShare(ctx context.Context, serviceID, id string, recs ...events.Record) error
	InsertAgentKey(ctx context.Context, key domain.AgentKey, recs ...events.Record) error
	GetAgentKeyByHash(ctx context.Context, hash string) (domain.AgentKey, error)
	ListAgentKeys(ctx context.Context, serviceID string) ([]domain.AgentKey, error)
	DeleteAgentKey(ctx context.Context, serviceID, id string, recs ...events.Record) error
}

type Catalog struct {
	Store  Store
	Access access.Filter
	// GovernanceEnabled routes every ownership change through the approval workflow.
	GovernanceEnabled bool
	Retry             occ.Policy
	Now               func() time.Time
	Logger            *zap.Logger
}

func (c Catalog) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

func (c Catalog) logger() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return zap.NewNop()
}

type CreateServiceInput struct {
	ID           string
	DisplayName  string
	OwnerTeamID  string
	Lifecycle    domain.Lifecycle
	Environments []string
	Tags         []string
	RepoURL      string
	Attributes   map[string]string
}

func validServiceID(id string) error {
	if strings.TrimSpace(id) == "" {
		return apperr.Invalid("id", "required")
	}
	if strings.ContainsAny(id, "/ \t\n") {
		return apperr.Invalid("id", "must not contain slashes or whitespace")
	}
	return nil
}

func (c Catalog) CreateService(ctx context.Context, user domain.UserContext, in CreateServiceInput) (domain.ApplicationService, error) {
	if err := validServiceID(in.ID); err != nil {
		return domain.ApplicationService{}, err
	}
	if in.Lifecycle == "" {
		in.Lifecycle = domain.LifecycleActive
	}
	if !in.Lifecycle.Valid() {
		return domain.ApplicationService{}, apperr.Invalid("lifecycle", fmt.Sprintf("unknown lifecycle %q", in.Lifecycle))
	}
	if in.OwnerTeamID != "" && !user.IsSysAdmin && !user.InTeam(in.OwnerTeamID) {
		return domain.ApplicationService{}, apperr.Invalid("owner_team_id", "caller is not a member of the owner team")
	}
	if in.DisplayName == "" {
		in.DisplayName = in.ID
	}
	now := c.now()
	svc := domain.ApplicationService{
		ID:           in.ID,
		DisplayName:  in.DisplayName,
		Lifecycle:    in.Lifecycle,
		Environments: dedupe(in.Environments),
		Tags:         dedupe(in.Tags),
		RepoURL:      in.RepoURL,
		Attributes:   in.Attributes,
		CreatedAt:    now,
		UpdatedAt:    now,
		CreatedBy:    user.UserID,
		Version:      1,
	}
	if in.OwnerTeamID != "" {
		owner := in.OwnerTeamID
		svc.OwnerTeamID = &owner
	}
	err := c.Store.InsertService(ctx, svc, events.Record{
		Type: "service.created", ServiceID: svc.ID, EntityKind: "service", EntityID: svc.ID, ActorID: user.UserID,
		Payload: events.EventPayload{"owner_team_id": in.OwnerTeamID},
	})
	if errors.Is(err, repo.ErrDuplicate) {
		return domain.ApplicationService{}, apperr.Conflict("service %s already exists", svc.ID)
	}
	if err != nil {
		return domain.ApplicationService{}, err
	}
	c.logger().Info("service created", zap.String("service", svc.ID), zap.String("actor", user.UserID))
	return svc, nil
}

func (c Catalog) GetService(ctx context.Context, user domain.UserContext, id string) (domain.ApplicationService, error) {
	return c.Access.Authorize(ctx, user, access.Resource{ServiceID: id}, domain.PermRead)
}

type ListFilters struct {
	Lifecycle   domain.Lifecycle
	OwnerTeamID string
	Orphaned    bool
}

// ListServices returns the services the caller can see.
func (c Catalog) ListServices(ctx context.Context, user domain.UserContext, f ListFilters) ([]domain.ApplicationService, error) {
	all, err := c.Store.ListServices(ctx, repo.ServiceFilters{Lifecycle: f.Lifecycle, OwnerTeamID: f.OwnerTeamID, Orphaned: f.Orphaned})
	if err != nil {
		return nil, err
	}
	if user.IsSysAdmin {
		return all, nil
	}
	shares, err := c.Store.ListSharesForGrantee(ctx, user.UserID, user.TeamIDs)
	if err != nil {
		return nil, err
	}
	now := c.now()
	shared := map[string]bool{}
	for _, sh := range shares {
		if !sh.Expired(now) {
			shared[sh.ServiceID] = true
		}
	}
	out := make([]domain.ApplicationService, 0, len(all))
	for _, svc := range all {
		if access.IsOwner(user, svc) || svc.Orphaned() || shared[svc.ID] {
			out = append(out, svc)
		}
	}
	return out, nil
}

// UpdateServiceInput carries optional changes. Nil fields are left untouched.
type UpdateServiceInput struct {
	DisplayName  *string
	Lifecycle    *domain.Lifecycle
	Environments []string
	Tags         []string
	RepoURL      *string
	Attributes   map[string]string
	// OwnerTeamID is a direct ownership change; "" orphans the service.
	OwnerTeamID     *string
	ExpectedVersion int64
}

func (c Catalog) UpdateService(ctx context.Context, user domain.UserContext, id string, in UpdateServiceInput) (domain.ApplicationService, error) {
	if in.Lifecycle != nil && !in.Lifecycle.Valid() {
		return domain.ApplicationService{}, apperr.Invalid("lifecycle", fmt.Sprintf("unknown lifecycle %q", *in.Lifecycle))
	}
	if in.OwnerTeamID != nil {
		if c.GovernanceEnabled {
			return domain.ApplicationService{}, apperr.Invalid("owner_team_id", "ownership changes require an approved CLAIM_OWNERSHIP or TRANSFER_OWNERSHIP request")
		}
		if !user.IsSysAdmin {
			return domain.ApplicationService{}, apperr.Denied("change service owner")
		}
	}
	var out domain.ApplicationService
	err := occ.Do(ctx, c.Retry, func(ctx context.Context) error {
		svc, err := c.Access.Authorize(ctx, user, access.Resource{ServiceID: id}, domain.PermWrite)
		if err != nil {
			return err
		}
		if in.ExpectedVersion != 0 && in.ExpectedVersion != svc.Version {
			return &apperr.ConflictError{Reason: "service version is stale", Expected: in.ExpectedVersion, Current: svc.Version}
		}
		expected := svc.Version
		changes := events.EventPayload{}
		if in.DisplayName != nil {
			svc.DisplayName = *in.DisplayName
			changes["display_name"] = *in.DisplayName
		}
		if in.Lifecycle != nil {
			svc.Lifecycle = *in.Lifecycle
			changes["lifecycle"] = *in.Lifecycle
		}
		if in.Environments != nil {
			svc.Environments = dedupe(in.Environments)
			changes["environments"] = svc.Environments
		}
		if in.Tags != nil {
			svc.Tags = dedupe(in.Tags)
			changes["tags"] = svc.Tags
		}
		if in.RepoURL != nil {
			svc.RepoURL = *in.RepoURL
			changes["repo_url"] = *in.RepoURL
		}
		if in.Attributes != nil {
			svc.Attributes = in.Attributes
			changes["attributes"] = in.Attributes
		}
		if in.OwnerTeamID != nil {
			if *in.OwnerTeamID == "" {
				svc.OwnerTeamID = nil
			} else {
				owner := *in.OwnerTeamID
				svc.OwnerTeamID = &owner
			}
			changes["owner_team_id"] = *in.OwnerTeamID
		}
		svc.UpdatedAt = c.now()
		out, err = c.Store.UpdateService(ctx, svc, expected, events.Record{
			Type: "service.updated", ServiceID: id, EntityKind: "service", EntityID: id, ActorID: user.UserID, Payload: changes,
		})
		return err
	})
	if errors.Is(err, occ.ErrExhausted) {
		return domain.ApplicationService{}, apperr.Conflict("service %s is being modified concurrently", id)
	}
	return out, err
}

// DeleteService is reserved for sys-admins and removes everything scoped to the service.
func (c Catalog) DeleteService(ctx context.Context, user domain.UserContext, id string) error {
	if !user.IsSysAdmin && !user.HasRole(domain.RoleSysAdmin) {
		return apperr.Denied("delete service")
	}
	err := c.Store.DeleteServiceCascade(ctx, id, events.Record{
		Type: "service.deleted", ServiceID: id, EntityKind: "service", EntityID: id, ActorID: user.UserID,
	})
	if errors.Is(err, repo.ErrNotFound) {
		return apperr.NotFound("service", id)
	}
	if err == nil {
		c.logger().Info("service deleted", zap.String("service", id), zap.String("actor", user.UserID))
	}
	return err
}

type ShareInput struct {
	ResourceLevel domain.ResourceLevel
	InstanceID    string
	GrantToType   domain.GrantToType
	GrantToID     string
	Permissions   []domain.Permission
	Environments  []string
	ExpiresAt     *time.Time
}

func (c Catalog) GrantShare(ctx context.Context, user domain.UserContext, serviceID string, in ShareInput) (domain.ServiceShare, error) {
	if in.ResourceLevel == "" {
		in.ResourceLevel = domain.LevelService
	}
	switch in.ResourceLevel {
	case domain.LevelService:
		if in.InstanceID != "" {
			return domain.ServiceShare{}, apperr.Invalid("instance_id", "only allowed on INSTANCE shares")
		}
	case domain.LevelInstance:
		if in.InstanceID == "" {
			return domain.ServiceShare{}, apperr.Invalid("instance_id", "required for INSTANCE shares")
		}
	default:
		return domain.ServiceShare{}, apperr.Invalid("resource_level", fmt.Sprintf("unknown level %q", in.ResourceLevel))
	}
	if in.GrantToType != domain.GrantTeam && in.GrantToType != domain.GrantUser {
		return domain.ServiceShare{}, apperr.Invalid("grant_to_type", "must be TEAM or USER")
	}
	if strings.TrimSpace(in.GrantToID) == "" {
		return domain.ServiceShare{}, apperr.Invalid("grant_to_id", "required")
	}
	if len(in.Permissions) == 0 {
		return domain.ServiceShare{}, apperr.Invalid("permissions", "at least one permission required")
	}
	for _, p := range in.Permissions {
		if !p.Valid() {
			return domain.ServiceShare{}, apperr.Invalid("permissions", fmt.Sprintf("unknown permission %q", p))
		}
	}
	now := c.now()
	if in.ExpiresAt != nil && !in.ExpiresAt.After(now) {
		return domain.ServiceShare{}, apperr.Invalid("expires_at", "must be in the future")
	}
	svc, err := c.Access.RequireOwner(ctx, user, serviceID, "grant share")
	if err != nil {
		return domain.ServiceShare{}, err
	}
	for _, env := range in.Environments {
		if !contains(svc.Environments, env) {
			return domain.ServiceShare{}, apperr.Invalid("environments", fmt.Sprintf("service has no environment %q", env))
		}
	}
	sh := domain.ServiceShare{
		ID:            uuid.NewString(),
		ResourceLevel: in.ResourceLevel,
		ServiceID:     serviceID,
		InstanceID:    in.InstanceID,
		GrantToType:   in.GrantToType,
		GrantToID:     in.GrantToID,
		Permissions:   in.Permissions,
		Environments:  dedupe(in.Environments),
		GrantedBy:     user.UserID,
		CreatedAt:     now,
		ExpiresAt:     in.ExpiresAt,
	}
	err = c.Store.InsertShare(ctx, sh, events.Record{
		Type: "share.granted", ServiceID: serviceID, EntityKind: "share", EntityID: sh.ID, ActorID: user.UserID,
		Payload: events.EventPayload{"grant_to_type": sh.GrantToType, "grant_to_id": sh.GrantToID, "permissions": sh.Permissions},
	})
	if err != nil {
		return domain.ServiceShare{}, err
	}
	return sh, nil
}

func (c Catalog) ListShares(ctx context.Context, user domain.UserContext, serviceID string) ([]domain.ServiceShare, error) {
	if _, err := c.Access.RequireOwner(ctx, user, serviceID, "list shares"); err != nil {
		return nil, err
	}
	return c.Store.ListShares(ctx, serviceID)
}

func (c Catalog) RevokeShare(ctx context.Context, user domain.UserContext, serviceID, shareID string) error {
	if _, err := c.Access.RequireOwner(ctx, user, serviceID, "revoke share"); err != nil {
		return err
	}
	err := c.Store.DeleteShare(ctx, serviceID, shareID, events.Record{
		Type: "share.revoked", ServiceID: serviceID, EntityKind: "share", EntityID: shareID, ActorID: user.UserID,
	})
	if errors.Is(err, repo.ErrNotFound) {
		return apperr.NotFound("share", shareID)
	}
	return err
}

// IssueAgentKey creates a key for instance agents of the service. The plaintext is only returned here.
func (c Catalog) IssueAgentKey(ctx context.Context, user domain.UserContext, serviceID, name string) (string, domain.AgentKey, error) {
	if _, err := c.Access.RequireOwner(ctx, user, serviceID, "issue agent key"); err != nil {
		return "", domain.AgentKey{}, err
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", domain.AgentKey{}, err
	}
	plain := "dla_" + hex.EncodeToString(buf)
	key := domain.AgentKey{
		ID:        uuid.NewString(),
		ServiceID: serviceID,
		Name:      name,
		KeyHash:   repo.HashAgentKey(plain),
		CreatedBy: user.UserID,
		CreatedAt: c.now(),
	}
	err := c.Store.InsertAgentKey(ctx, key, events.Record{
		Type: "agent_key.issued", ServiceID: serviceID, EntityKind: "agent_key", EntityID: key.ID, ActorID: user.UserID,
	})
	if err != nil {
		return "", domain.AgentKey{}, err
	}
	return plain, key, nil
}

func (c Catalog) ListAgentKeys(ctx context.Context, user domain.UserContext, serviceID string) ([]domain.AgentKey, error) {
	if _, err := c.Access.RequireOwner(ctx, user, serviceID, "list agent keys"); err != nil {
		return nil, err
	}
	return c.Store.ListAgentKeys(ctx, serviceID)
}

func (c Catalog) RevokeAgentKey(ctx context.Context, user domain.UserContext, serviceID, keyID string) error {
	if _, err := c.Access.RequireOwner(ctx, user, serviceID, "revoke agent key"); err != nil {
		return err
	}
	err := c.Store.DeleteAgentKey(ctx, serviceID, keyID, events.Record{
		Type: "agent_key.revoked", ServiceID: serviceID, EntityKind: "agent_key", EntityID: keyID, ActorID: user.UserID,
	})
	if errors.Is(err, repo.ErrNotFound) {
		return apperr.NotFound("agent key", keyID)
	}
	return err
}

// ResolveAgentKey maps a presented plaintext key to its record.
func (c Catalog) ResolveAgentKey(ctx context.Context, plain string) (domain.AgentKey, error) {
	key, err := c.Store.GetAgentKeyByHash(ctx, repo.HashAgentKey(plain))
	if errors.Is(err, repo.ErrNotFound) {
		return key, apperr.NotFound("agent key", "")
	}
	return key, err
}

func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]bool{}
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
