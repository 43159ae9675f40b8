package authz

import (
	"fmt"
	"strings"
	"time"
)

// Principal describes the authenticated actor being checked.
type Principal interface {
	GetID() int64
	IsSuperUser() bool
}

// Tenant scopes a role assignment to a single farm.
type Tenant struct {
	ID   int64
	Name string
}

// Operation identifies one protectable action exposed by the host application.
type Operation struct {
	Namespace string
	Resource  string
	Name      string
}

// Key renders the canonical "namespace:resource:operation" form.
func (o Operation) Key() string {
	return o.Namespace + ":" + o.Resource + ":" + o.Name
}

// ParseOperation splits a "namespace:resource:operation" key.
func ParseOperation(key string) (Operation, error) {
	parts := strings.Split(strings.TrimSpace(key), ":")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return Operation{}, fmt.Errorf("authz: malformed operation key %q", key)
	}
	return Operation{Namespace: parts[0], Resource: parts[1], Name: parts[2]}, nil
}

// PermissionStatus tracks the catalog lifecycle of a permission.
type PermissionStatus string

const (
	// PermissionActive marks operations currently exposed by the application.
	PermissionActive PermissionStatus = "active"
	// PermissionLegacy marks operations no longer observed. Legacy entries
	// are kept for grant and audit history and never authorize.
	PermissionLegacy PermissionStatus = "legacy"
)

// Permission is one catalog entry. The (namespace, resource, operation)
// triple is unique regardless of status.
type Permission struct {
	ID           int64
	Namespace    string
	Resource     string
	Name         string
	Status       PermissionStatus
	Description  string
	DiscoveredAt time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Operation returns the identity triple of the permission.
func (p Permission) Operation() Operation {
	return Operation{Namespace: p.Namespace, Resource: p.Resource, Name: p.Name}
}

// Key renders the canonical operation key of the permission.
func (p Permission) Key() string {
	return p.Operation().Key()
}

// Role represents a named, reusable bundle of permissions.
type Role struct {
	ID          int64
	Name        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// PermissionGrant is a time-bounded edge between a role and a permission.
// Re-granting after revocation creates a new edge, never an update.
type PermissionGrant struct {
	ID           int64
	RoleID       int64
	PermissionID int64
	GrantedBy    int64
	RevokedBy    *int64
	RevokedAt    *time.Time
	ExpiresAt    *time.Time
	CreatedAt    time.Time
}

// ActiveAt reports whether the grant contributes to decisions at t.
func (g PermissionGrant) ActiveAt(t time.Time) bool {
	if g.RevokedAt != nil && !g.RevokedAt.After(t) {
		return false
	}
	if g.ExpiresAt != nil && !g.ExpiresAt.After(t) {
		return false
	}
	return true
}

// RoleAssignment is a time-bounded edge between an actor and a role,
// scoped to one tenant or marked global. Exactly one of Global/TenantID
// must be set.
type RoleAssignment struct {
	ID        int64
	ActorID   int64
	RoleID    int64
	TenantID  *int64
	Global    bool
	GrantedBy int64
	RevokedBy *int64
	RevokedAt *time.Time
	ExpiresAt *time.Time
	CreatedAt time.Time
}

// ActiveAt reports whether the assignment contributes to decisions at t.
func (a RoleAssignment) ActiveAt(t time.Time) bool {
	if a.RevokedAt != nil && !a.RevokedAt.After(t) {
		return false
	}
	if a.ExpiresAt != nil && !a.ExpiresAt.After(t) {
		return false
	}
	return true
}

// AppliesTo reports whether the assignment is in scope for the tenant
// context. Global assignments apply everywhere; scoped ones only when the
// tenant matches exactly.
func (a RoleAssignment) AppliesTo(tenantID *int64) bool {
	if a.Global {
		return true
	}
	if a.TenantID == nil || tenantID == nil {
		return false
	}
	return *a.TenantID == *tenantID
}

// PermissionSet is a request-scoped preload of operation keys an actor may
// currently exercise.
type PermissionSet map[string]struct{}

// Has tests membership of an operation key.
func (s PermissionSet) Has(key string) bool {
	_, ok := s[key]
	return ok
}

// Keys returns the member operation keys in unspecified order.
func (s PermissionSet) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	return keys
}

// NewPermissionSet builds a set from operation keys.
func NewPermissionSet(keys ...string) PermissionSet {
	set := make(PermissionSet, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set
}
