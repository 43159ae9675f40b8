package authz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgUniqueViolation = "23505"

// Repository provides PostgreSQL backed persistence for the catalog and the
// assignment graph.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// --- roles ---

const roleColumns = `id, name, description, created_at, updated_at`

// CreateRole inserts a new role. Names collide case-insensitively.
func (r *Repository) CreateRole(ctx context.Context, name, description string) (Role, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO roles (name, description, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		RETURNING `+roleColumns, name, description)
	role, err := scanRole(row)
	if err != nil {
		if isUniqueViolation(err) {
			return Role{}, ErrRoleExists
		}
		return Role{}, fmt.Errorf("authz: create role: %w", err)
	}
	return role, nil
}

// UpdateRole updates name and description of an existing role.
func (r *Repository) UpdateRole(ctx context.Context, id int64, name, description string) (Role, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE roles SET name = $2, description = $3, updated_at = NOW()
		WHERE id = $1
		RETURNING `+roleColumns, id, name, description)
	role, err := scanRole(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, ErrNotFound
		}
		if isUniqueViolation(err) {
			return Role{}, ErrRoleExists
		}
		return Role{}, fmt.Errorf("authz: update role: %w", err)
	}
	return role, nil
}

// DeleteRole removes a role row. Callers enforce the referential guard first.
func (r *Repository) DeleteRole(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM roles WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("authz: delete role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRole fetches a role by ID.
func (r *Repository) GetRole(ctx context.Context, id int64) (Role, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = $1`, id)
	role, err := scanRole(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, ErrNotFound
		}
		return Role{}, fmt.Errorf("authz: get role: %w", err)
	}
	return role, nil
}

// GetRoleByFoldedName fetches a role by its case-folded name.
func (r *Repository) GetRoleByFoldedName(ctx context.Context, folded string) (Role, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE LOWER(name) = $1`, folded)
	role, err := scanRole(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, ErrNotFound
		}
		return Role{}, fmt.Errorf("authz: get role by name: %w", err)
	}
	return role, nil
}

// ListRoles returns all roles ordered by name.
func (r *Repository) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+roleColumns+` FROM roles ORDER BY LOWER(name)`)
	if err != nil {
		return nil, fmt.Errorf("authz: list roles: %w", err)
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// RoleReferenceCounts counts active grants and assignments still pointing
// at the role, for the deletion guard.
func (r *Repository) RoleReferenceCounts(ctx context.Context, roleID int64, at time.Time) (grants int64, assignments int64, err error) {
	err = r.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM permission_grants
			 WHERE role_id = $1 AND revoked_at IS NULL AND (expires_at IS NULL OR expires_at > $2)),
			(SELECT COUNT(*) FROM role_assignments
			 WHERE role_id = $1 AND revoked_at IS NULL AND (expires_at IS NULL OR expires_at > $2))`,
		roleID, at).Scan(&grants, &assignments)
	if err != nil {
		return 0, 0, fmt.Errorf("authz: role reference counts: %w", err)
	}
	return grants, assignments, nil
}

// --- permissions ---

const permissionColumns = `id, namespace, resource, operation, status, description, discovered_at, created_at, updated_at`

// GetPermission fetches a catalog entry by ID.
func (r *Repository) GetPermission(ctx context.Context, id int64) (Permission, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+permissionColumns+` FROM permissions WHERE id = $1`, id)
	perm, err := scanPermission(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Permission{}, ErrNotFound
		}
		return Permission{}, fmt.Errorf("authz: get permission: %w", err)
	}
	return perm, nil
}

// GetPermissionByOperation fetches a catalog entry by its identity triple.
func (r *Repository) GetPermissionByOperation(ctx context.Context, op Operation) (Permission, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+permissionColumns+` FROM permissions
		WHERE namespace = $1 AND resource = $2 AND operation = $3`,
		op.Namespace, op.Resource, op.Name)
	perm, err := scanPermission(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Permission{}, ErrNotFound
		}
		return Permission{}, fmt.Errorf("authz: get permission by operation: %w", err)
	}
	return perm, nil
}

// ListPermissions returns the whole catalog ordered by identity.
func (r *Repository) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+permissionColumns+` FROM permissions
		ORDER BY namespace, resource, operation`)
	if err != nil {
		return nil, fmt.Errorf("authz: list permissions: %w", err)
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		perm, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		perms = append(perms, perm)
	}
	return perms, rows.Err()
}

// CreatePermission inserts a newly discovered catalog entry as active.
func (r *Repository) CreatePermission(ctx context.Context, op Operation, description string, discoveredAt time.Time) (Permission, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO permissions (namespace, resource, operation, status, description, discovered_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		RETURNING `+permissionColumns,
		op.Namespace, op.Resource, op.Name, string(PermissionActive), description, discoveredAt)
	perm, err := scanPermission(row)
	if err != nil {
		return Permission{}, fmt.Errorf("authz: create permission: %w", err)
	}
	return perm, nil
}

// SetPermissionStatus flips a catalog entry between active and legacy,
// restamping discovered_at on reactivation. Never deletes.
func (r *Repository) SetPermissionStatus(ctx context.Context, id int64, status PermissionStatus, discoveredAt *time.Time) (Permission, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE permissions
		SET status = $2, discovered_at = COALESCE($3, discovered_at), updated_at = NOW()
		WHERE id = $1
		RETURNING `+permissionColumns, id, string(status), discoveredAt)
	perm, err := scanPermission(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Permission{}, ErrNotFound
		}
		return Permission{}, fmt.Errorf("authz: set permission status: %w", err)
	}
	return perm, nil
}

// --- grants ---

const grantColumns = `id, role_id, permission_id, granted_by, revoked_by, revoked_at, expires_at, created_at`

// CreateGrant inserts a new role-to-permission edge. A partial unique index
// keeps at most one active grant per (role, permission) pair.
func (r *Repository) CreateGrant(ctx context.Context, roleID, permissionID, grantedBy int64, expiresAt *time.Time) (PermissionGrant, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO permission_grants (role_id, permission_id, granted_by, expires_at, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING `+grantColumns, roleID, permissionID, grantedBy, expiresAt)
	grant, err := scanGrant(row)
	if err != nil {
		if isUniqueViolation(err) {
			return PermissionGrant{}, ErrDuplicateGrant
		}
		return PermissionGrant{}, fmt.Errorf("authz: create grant: %w", err)
	}
	return grant, nil
}

// GetGrant fetches a grant by ID.
func (r *Repository) GetGrant(ctx context.Context, id int64) (PermissionGrant, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+grantColumns+` FROM permission_grants WHERE id = $1`, id)
	grant, err := scanGrant(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PermissionGrant{}, ErrNotFound
		}
		return PermissionGrant{}, fmt.Errorf("authz: get grant: %w", err)
	}
	return grant, nil
}

// RevokeGrant stamps revocation on an active grant.
func (r *Repository) RevokeGrant(ctx context.Context, id, revokedBy int64, at time.Time) (PermissionGrant, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE permission_grants SET revoked_by = $2, revoked_at = $3
		WHERE id = $1 AND revoked_at IS NULL
		RETURNING `+grantColumns, id, revokedBy, at)
	grant, err := scanGrant(row)
	if err == nil {
		return grant, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return PermissionGrant{}, fmt.Errorf("authz: revoke grant: %w", err)
	}
	if _, getErr := r.GetGrant(ctx, id); getErr == nil {
		return PermissionGrant{}, ErrAlreadyRevoked
	}
	return PermissionGrant{}, ErrNotFound
}

// ListGrantsExpiredBetween returns unrevoked grants whose expiry fell in
// (from, to], for the audit sweep.
func (r *Repository) ListGrantsExpiredBetween(ctx context.Context, from, to time.Time) ([]PermissionGrant, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+grantColumns+` FROM permission_grants
		WHERE revoked_at IS NULL AND expires_at > $1 AND expires_at <= $2
		ORDER BY expires_at`, from, to)
	if err != nil {
		return nil, fmt.Errorf("authz: list expired grants: %w", err)
	}
	defer rows.Close()
	var grants []PermissionGrant
	for rows.Next() {
		grant, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		grants = append(grants, grant)
	}
	return grants, rows.Err()
}

// ActorIDsWithRole lists actors holding the role through any active
// assignment, for targeted cache sweeps after grant changes.
func (r *Repository) ActorIDsWithRole(ctx context.Context, roleID int64, at time.Time) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT actor_id FROM role_assignments
		WHERE role_id = $1 AND revoked_at IS NULL AND (expires_at IS NULL OR expires_at > $2)`,
		roleID, at)
	if err != nil {
		return nil, fmt.Errorf("authz: actors with role: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- assignments ---

const assignmentColumns = `id, actor_id, role_id, tenant_id, is_global, granted_by, revoked_by, revoked_at, expires_at, created_at`

// CreateAssignment inserts a new actor-to-role edge. A partial unique index
// on (actor_id, role_id, tenant_id) blocks double-assignment at one scope.
func (r *Repository) CreateAssignment(ctx context.Context, a RoleAssignment) (RoleAssignment, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO role_assignments (actor_id, role_id, tenant_id, is_global, granted_by, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		RETURNING `+assignmentColumns,
		a.ActorID, a.RoleID, a.TenantID, a.Global, a.GrantedBy, a.ExpiresAt)
	created, err := scanAssignment(row)
	if err != nil {
		if isUniqueViolation(err) {
			return RoleAssignment{}, &InvalidAssignmentError{Reason: "role already assigned at this scope"}
		}
		return RoleAssignment{}, fmt.Errorf("authz: create assignment: %w", err)
	}
	return created, nil
}

// GetAssignment fetches an assignment by ID.
func (r *Repository) GetAssignment(ctx context.Context, id int64) (RoleAssignment, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+assignmentColumns+` FROM role_assignments WHERE id = $1`, id)
	assignment, err := scanAssignment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RoleAssignment{}, ErrNotFound
		}
		return RoleAssignment{}, fmt.Errorf("authz: get assignment: %w", err)
	}
	return assignment, nil
}

// RevokeAssignment stamps revocation on an active assignment.
func (r *Repository) RevokeAssignment(ctx context.Context, id, revokedBy int64, at time.Time) (RoleAssignment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE role_assignments SET revoked_by = $2, revoked_at = $3
		WHERE id = $1 AND revoked_at IS NULL
		RETURNING `+assignmentColumns, id, revokedBy, at)
	assignment, err := scanAssignment(row)
	if err == nil {
		return assignment, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return RoleAssignment{}, fmt.Errorf("authz: revoke assignment: %w", err)
	}
	if _, getErr := r.GetAssignment(ctx, id); getErr == nil {
		return RoleAssignment{}, ErrAlreadyRevoked
	}
	return RoleAssignment{}, ErrNotFound
}

// ListAssignmentsExpiredBetween returns unrevoked assignments whose expiry
// fell in (from, to], for the audit sweep.
func (r *Repository) ListAssignmentsExpiredBetween(ctx context.Context, from, to time.Time) ([]RoleAssignment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+assignmentColumns+` FROM role_assignments
		WHERE revoked_at IS NULL AND expires_at > $1 AND expires_at <= $2
		ORDER BY expires_at`, from, to)
	if err != nil {
		return nil, fmt.Errorf("authz: list expired assignments: %w", err)
	}
	defer rows.Close()
	var assignments []RoleAssignment
	for rows.Next() {
		assignment, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		assignments = append(assignments, assignment)
	}
	return assignments, rows.Err()
}

// --- decision queries ---

// ActiveRoleIDs resolves the effective role set for the actor in the tenant
// context: active global assignments, plus tenant-scoped ones when a tenant
// is supplied.
func (r *Repository) ActiveRoleIDs(ctx context.Context, actorID int64, tenantID *int64, at time.Time) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT role_id FROM role_assignments
		WHERE actor_id = $1
		  AND revoked_at IS NULL
		  AND (expires_at IS NULL OR expires_at > $2)
		  AND (is_global OR ($3::BIGINT IS NOT NULL AND tenant_id = $3))`,
		actorID, at, tenantID)
	if err != nil {
		return nil, fmt.Errorf("authz: active role ids: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RoleSetHasPermission reports whether any role in the set holds an active
// grant on an active catalog entry matching op. Legacy permissions never
// authorize.
func (r *Repository) RoleSetHasPermission(ctx context.Context, roleIDs []int64, op Operation, at time.Time) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM permission_grants g
			JOIN permissions p ON p.id = g.permission_id
			WHERE g.role_id = ANY($1)
			  AND p.namespace = $2 AND p.resource = $3 AND p.operation = $4
			  AND p.status = $5
			  AND g.revoked_at IS NULL
			  AND (g.expires_at IS NULL OR g.expires_at > $6)
		)`, roleIDs, op.Namespace, op.Resource, op.Name, string(PermissionActive), at).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("authz: role set has permission: %w", err)
	}
	return exists, nil
}

// RoleSetPermissionKeys lists every active operation key reachable from the
// role set, in one batched query.
func (r *Repository) RoleSetPermissionKeys(ctx context.Context, roleIDs []int64, at time.Time) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT p.namespace || ':' || p.resource || ':' || p.operation
		FROM permission_grants g
		JOIN permissions p ON p.id = g.permission_id
		WHERE g.role_id = ANY($1)
		  AND p.status = $2
		  AND g.revoked_at IS NULL
		  AND (g.expires_at IS NULL OR g.expires_at > $3)`,
		roleIDs, string(PermissionActive), at)
	if err != nil {
		return nil, fmt.Errorf("authz: role set permission keys: %w", err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// --- scan helpers ---

func scanRole(row pgx.Row) (Role, error) {
	var role Role
	err := row.Scan(&role.ID, &role.Name, &role.Description, &role.CreatedAt, &role.UpdatedAt)
	return role, err
}

func scanPermission(row pgx.Row) (Permission, error) {
	var (
		perm   Permission
		status string
	)
	err := row.Scan(&perm.ID, &perm.Namespace, &perm.Resource, &perm.Name, &status,
		&perm.Description, &perm.DiscoveredAt, &perm.CreatedAt, &perm.UpdatedAt)
	perm.Status = PermissionStatus(status)
	return perm, err
}

func scanGrant(row pgx.Row) (PermissionGrant, error) {
	var grant PermissionGrant
	err := row.Scan(&grant.ID, &grant.RoleID, &grant.PermissionID, &grant.GrantedBy,
		&grant.RevokedBy, &grant.RevokedAt, &grant.ExpiresAt, &grant.CreatedAt)
	return grant, err
}

func scanAssignment(row pgx.Row) (RoleAssignment, error) {
	var assignment RoleAssignment
	err := row.Scan(&assignment.ID, &assignment.ActorID, &assignment.RoleID, &assignment.TenantID,
		&assignment.Global, &assignment.GrantedBy, &assignment.RevokedBy, &assignment.RevokedAt,
		&assignment.ExpiresAt, &assignment.CreatedAt)
	return assignment, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
