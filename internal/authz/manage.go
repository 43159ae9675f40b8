package authz

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/text/cases"

	"github.com/granary-farm/granary/internal/audit"
)

// manageStore is the slice of the repository the manager mutates through.
type manageStore interface {
	CreateRole(ctx context.Context, name, description string) (Role, error)
	UpdateRole(ctx context.Context, id int64, name, description string) (Role, error)
	DeleteRole(ctx context.Context, id int64) error
	GetRole(ctx context.Context, id int64) (Role, error)
	GetRoleByFoldedName(ctx context.Context, folded string) (Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	RoleReferenceCounts(ctx context.Context, roleID int64, at time.Time) (grants int64, assignments int64, err error)

	GetPermission(ctx context.Context, id int64) (Permission, error)

	CreateGrant(ctx context.Context, roleID, permissionID, grantedBy int64, expiresAt *time.Time) (PermissionGrant, error)
	GetGrant(ctx context.Context, id int64) (PermissionGrant, error)
	RevokeGrant(ctx context.Context, id, revokedBy int64, at time.Time) (PermissionGrant, error)
	ListGrantsExpiredBetween(ctx context.Context, from, to time.Time) ([]PermissionGrant, error)
	ActorIDsWithRole(ctx context.Context, roleID int64, at time.Time) ([]int64, error)

	CreateAssignment(ctx context.Context, a RoleAssignment) (RoleAssignment, error)
	GetAssignment(ctx context.Context, id int64) (RoleAssignment, error)
	RevokeAssignment(ctx context.Context, id, revokedBy int64, at time.Time) (RoleAssignment, error)
	ListAssignmentsExpiredBetween(ctx context.Context, from, to time.Time) ([]RoleAssignment, error)
}

// Recorder appends to the audit trail.
type Recorder interface {
	RecordChange(ctx context.Context, change audit.Change) error
}

// Manager owns mutations of roles and of the grant and assignment graph.
// Every mutation invalidates the decision cache in the same unit of work
// and leaves an audit record.
type Manager struct {
	store    manageStore
	cache    *DecisionCache
	recorder Recorder
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
}

// NewManager constructs a Manager.
func NewManager(store manageStore, cache *DecisionCache, recorder Recorder, logger *slog.Logger) *Manager {
	return &Manager{
		store:    store,
		cache:    cache,
		recorder: recorder,
		validate: validator.New(),
		logger:   logger,
		now:      time.Now,
	}
}

// FoldRoleName normalizes a role name for case-insensitive comparison.
func FoldRoleName(name string) string {
	return cases.Fold().String(strings.TrimSpace(name))
}

// CreateRoleInput carries a role creation request.
type CreateRoleInput struct {
	Name        string `validate:"required,max=80"`
	Description string `validate:"max=500"`
	ActorID     int64  `validate:"required"`
}

// CreateRole inserts a new role with a case-insensitively unique name.
func (m *Manager) CreateRole(ctx context.Context, input CreateRoleInput) (Role, error) {
	input.Name = strings.TrimSpace(input.Name)
	if err := m.validate.Struct(input); err != nil {
		return Role{}, err
	}
	role, err := m.store.CreateRole(ctx, input.Name, strings.TrimSpace(input.Description))
	if err != nil {
		return Role{}, err
	}
	if err := m.record(ctx, audit.Change{
		RoleID:  &role.ID,
		Type:    audit.ChangeCreated,
		ActorID: &input.ActorID,
	}); err != nil {
		return Role{}, err
	}
	return role, nil
}

// UpdateRoleInput carries a role update request.
type UpdateRoleInput struct {
	RoleID      int64  `validate:"required"`
	Name        string `validate:"required,max=80"`
	Description string `validate:"max=500"`
	ActorID     int64  `validate:"required"`
}

// UpdateRole renames or redescribes a role.
func (m *Manager) UpdateRole(ctx context.Context, input UpdateRoleInput) (Role, error) {
	input.Name = strings.TrimSpace(input.Name)
	if err := m.validate.Struct(input); err != nil {
		return Role{}, err
	}
	previous, err := m.store.GetRole(ctx, input.RoleID)
	if err != nil {
		return Role{}, err
	}
	role, err := m.store.UpdateRole(ctx, input.RoleID, input.Name, strings.TrimSpace(input.Description))
	if err != nil {
		return Role{}, err
	}
	if err := m.record(ctx, audit.Change{
		RoleID:   &role.ID,
		Type:     audit.ChangeUpdated,
		ActorID:  &input.ActorID,
		Previous: roleSnapshot(previous),
	}); err != nil {
		return Role{}, err
	}
	return role, nil
}

// DeleteRole removes a role. Deletion is rejected while active grants or
// assignments still reference it.
func (m *Manager) DeleteRole(ctx context.Context, roleID, deletedBy int64) error {
	role, err := m.store.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	grants, assignments, err := m.store.RoleReferenceCounts(ctx, roleID, m.now())
	if err != nil {
		return err
	}
	if grants > 0 || assignments > 0 {
		return ErrRoleInUse
	}
	// Recorded before the delete; the FK nulls the reference afterwards and
	// the snapshot keeps the role recoverable from the trail.
	if err := m.record(ctx, audit.Change{
		RoleID:   &role.ID,
		Type:     audit.ChangeDeleted,
		ActorID:  &deletedBy,
		Previous: roleSnapshot(role),
	}); err != nil {
		return err
	}
	return m.store.DeleteRole(ctx, roleID)
}

// ListRoles returns all roles.
func (m *Manager) ListRoles(ctx context.Context) ([]Role, error) {
	return m.store.ListRoles(ctx)
}

// RoleByName resolves a role case-insensitively.
func (m *Manager) RoleByName(ctx context.Context, name string) (Role, error) {
	return m.store.GetRoleByFoldedName(ctx, FoldRoleName(name))
}

// GrantInput carries a grant request.
type GrantInput struct {
	RoleID       int64 `validate:"required"`
	PermissionID int64 `validate:"required"`
	GrantedBy    int64 `validate:"required"`
	ExpiresAt    *time.Time
}

// GrantRole creates an active edge from role to permission.
func (m *Manager) GrantRole(ctx context.Context, input GrantInput) (PermissionGrant, error) {
	if err := m.validate.Struct(input); err != nil {
		return PermissionGrant{}, err
	}
	perm, err := m.store.GetPermission(ctx, input.PermissionID)
	if err != nil {
		return PermissionGrant{}, err
	}
	grant, err := m.store.CreateGrant(ctx, input.RoleID, input.PermissionID, input.GrantedBy, input.ExpiresAt)
	if err != nil {
		return PermissionGrant{}, err
	}
	// Staleness toward "granted" is tolerable, so a failed sweep here only warns.
	if err := m.invalidateGrantScope(ctx, perm, input.RoleID); err != nil {
		m.warn("invalidate after grant", err)
	}
	if err := m.record(ctx, audit.Change{
		PermissionID: &perm.ID,
		RoleID:       &input.RoleID,
		Type:         audit.ChangeCreated,
		ActorID:      &input.GrantedBy,
		Previous:     grantSnapshot(grant),
	}); err != nil {
		return PermissionGrant{}, err
	}
	return grant, nil
}

// RevokeGrant revokes an active grant. The cache sweep is synchronous: a
// failed sweep fails the call so no stale "granted" decision survives it.
func (m *Manager) RevokeGrant(ctx context.Context, grantID, revokedBy int64) error {
	previous, err := m.store.GetGrant(ctx, grantID)
	if err != nil {
		return err
	}
	perm, err := m.store.GetPermission(ctx, previous.PermissionID)
	if err != nil {
		return err
	}
	revoked, err := m.store.RevokeGrant(ctx, grantID, revokedBy, m.now())
	if err != nil {
		return err
	}
	if err := m.invalidateGrantScope(ctx, perm, revoked.RoleID); err != nil {
		return err
	}
	return m.record(ctx, audit.Change{
		PermissionID: &perm.ID,
		RoleID:       &revoked.RoleID,
		Type:         audit.ChangeUpdated,
		ActorID:      &revokedBy,
		Previous:     grantSnapshot(previous),
	})
}

// AssignInput carries an assignment request. Exactly one of Global or
// TenantID must be set.
type AssignInput struct {
	ActorID   int64 `validate:"required"`
	RoleID    int64 `validate:"required"`
	GrantedBy int64 `validate:"required"`
	TenantID  *int64
	Global    bool
	ExpiresAt *time.Time
}

// AssignRole creates an active edge from actor to role at one scope.
func (m *Manager) AssignRole(ctx context.Context, input AssignInput) (RoleAssignment, error) {
	if err := m.validate.Struct(input); err != nil {
		return RoleAssignment{}, err
	}
	if input.Global && input.TenantID != nil {
		return RoleAssignment{}, &InvalidAssignmentError{Reason: "global assignment cannot carry a tenant"}
	}
	if !input.Global && input.TenantID == nil {
		return RoleAssignment{}, &InvalidAssignmentError{Reason: "scoped assignment requires a tenant"}
	}
	assignment, err := m.store.CreateAssignment(ctx, RoleAssignment{
		ActorID:   input.ActorID,
		RoleID:    input.RoleID,
		TenantID:  input.TenantID,
		Global:    input.Global,
		GrantedBy: input.GrantedBy,
		ExpiresAt: input.ExpiresAt,
	})
	if err != nil {
		return RoleAssignment{}, err
	}
	if err := m.invalidateAssignmentScope(ctx, assignment); err != nil {
		m.warn("invalidate after assign", err)
	}
	if err := m.record(ctx, audit.Change{
		RoleID:   &assignment.RoleID,
		Type:     audit.ChangeCreated,
		ActorID:  &input.GrantedBy,
		Previous: assignmentSnapshot(assignment),
	}); err != nil {
		return RoleAssignment{}, err
	}
	return assignment, nil
}

// RevokeAssignment revokes an active assignment. Like RevokeGrant, the
// sweep is synchronous and its failure fails the call.
func (m *Manager) RevokeAssignment(ctx context.Context, assignmentID, revokedBy int64) error {
	previous, err := m.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return err
	}
	revoked, err := m.store.RevokeAssignment(ctx, assignmentID, revokedBy, m.now())
	if err != nil {
		return err
	}
	if err := m.invalidateAssignmentScope(ctx, revoked); err != nil {
		return err
	}
	return m.record(ctx, audit.Change{
		RoleID:   &revoked.RoleID,
		Type:     audit.ChangeUpdated,
		ActorID:  &revokedBy,
		Previous: assignmentSnapshot(previous),
	})
}

// ExpireDue sweeps edges whose expiry passed since the previous sweep.
// Evaluation is already time-aware, so this only converges caches and
// leaves archived markers in the trail.
func (m *Manager) ExpireDue(ctx context.Context, since time.Time) (int, error) {
	now := m.now()
	expired := 0

	grants, err := m.store.ListGrantsExpiredBetween(ctx, since, now)
	if err != nil {
		return 0, err
	}
	for _, grant := range grants {
		perm, err := m.store.GetPermission(ctx, grant.PermissionID)
		if err != nil {
			return expired, err
		}
		if err := m.invalidateGrantScope(ctx, perm, grant.RoleID); err != nil {
			return expired, err
		}
		if err := m.record(ctx, audit.Change{
			PermissionID: &perm.ID,
			RoleID:       &grant.RoleID,
			Type:         audit.ChangeArchived,
			Previous:     grantSnapshot(grant),
		}); err != nil {
			return expired, err
		}
		expired++
	}

	assignments, err := m.store.ListAssignmentsExpiredBetween(ctx, since, now)
	if err != nil {
		return expired, err
	}
	for _, assignment := range assignments {
		if err := m.invalidateAssignmentScope(ctx, assignment); err != nil {
			return expired, err
		}
		if err := m.record(ctx, audit.Change{
			RoleID:   &assignment.RoleID,
			Type:     audit.ChangeArchived,
			Previous: assignmentSnapshot(assignment),
		}); err != nil {
			return expired, err
		}
		expired++
	}

	return expired, nil
}

// invalidateGrantScope sweeps by permission identity and by every actor
// currently holding the owning role.
func (m *Manager) invalidateGrantScope(ctx context.Context, perm Permission, roleID int64) error {
	if err := m.cache.InvalidatePermission(ctx, perm.Operation()); err != nil {
		return err
	}
	actorIDs, err := m.store.ActorIDsWithRole(ctx, roleID, m.now())
	if err != nil {
		return err
	}
	for _, actorID := range actorIDs {
		if err := m.cache.InvalidateActor(ctx, actorID, nil); err != nil {
			return err
		}
	}
	return nil
}

// invalidateAssignmentScope sweeps the actor at the assignment's scope:
// the one tenant for scoped assignments, every scope for global ones.
func (m *Manager) invalidateAssignmentScope(ctx context.Context, a RoleAssignment) error {
	if a.Global {
		return m.cache.InvalidateActor(ctx, a.ActorID, nil)
	}
	return m.cache.InvalidateActor(ctx, a.ActorID, a.TenantID)
}

func (m *Manager) record(ctx context.Context, change audit.Change) error {
	if m.recorder == nil {
		return nil
	}
	return m.recorder.RecordChange(ctx, change)
}

func (m *Manager) warn(msg string, err error) {
	if m.logger != nil {
		m.logger.Warn(msg, slog.Any("error", err))
	}
}

func roleSnapshot(role Role) map[string]any {
	return map[string]any{
		"name":        role.Name,
		"description": role.Description,
	}
}

func grantSnapshot(grant PermissionGrant) map[string]any {
	snapshot := map[string]any{
		"grant_id":      grant.ID,
		"role_id":       grant.RoleID,
		"permission_id": grant.PermissionID,
		"granted_by":    grant.GrantedBy,
	}
	if grant.ExpiresAt != nil {
		snapshot["expires_at"] = grant.ExpiresAt.UTC().Format(time.RFC3339)
	}
	if grant.RevokedAt != nil {
		snapshot["revoked_at"] = grant.RevokedAt.UTC().Format(time.RFC3339)
	}
	return snapshot
}

func assignmentSnapshot(a RoleAssignment) map[string]any {
	snapshot := map[string]any{
		"assignment_id": a.ID,
		"actor_id":      a.ActorID,
		"role_id":       a.RoleID,
		"global":        a.Global,
		"granted_by":    a.GrantedBy,
	}
	if a.TenantID != nil {
		snapshot["tenant_id"] = *a.TenantID
	}
	if a.ExpiresAt != nil {
		snapshot["expires_at"] = a.ExpiresAt.UTC().Format(time.RFC3339)
	}
	if a.RevokedAt != nil {
		snapshot["revoked_at"] = a.RevokedAt.UTC().Format(time.RFC3339)
	}
	return snapshot
}
