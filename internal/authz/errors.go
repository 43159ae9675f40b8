package authz

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("authz: not found")
	// ErrRoleExists indicates a role with the same folded name already exists.
	ErrRoleExists = errors.New("authz: role name already in use")
	// ErrRoleInUse rejects deletion of a role still referenced by active
	// grants or assignments.
	ErrRoleInUse = errors.New("authz: role has active grants or assignments")
	// ErrDuplicateGrant rejects a second active grant for the same
	// (role, permission) pair.
	ErrDuplicateGrant = errors.New("authz: permission already granted to role")
	// ErrAlreadyRevoked rejects revoking an edge twice.
	ErrAlreadyRevoked = errors.New("authz: already revoked")
)

// DeniedError reports a failed authorization check. The message stays
// generic on purpose; the fields exist for audit logging, not for the
// actor being denied.
type DeniedError struct {
	ActorID  int64
	Op       Operation
	TenantID *int64
}

func (e *DeniedError) Error() string {
	return "authz: not authorized"
}

// InvalidAssignmentError reports a role assignment that violates the
// scoping or uniqueness invariants.
type InvalidAssignmentError struct {
	Reason string
}

func (e *InvalidAssignmentError) Error() string {
	return "authz: invalid assignment: " + e.Reason
}

// ReconciliationError wraps a failed catalog reconciliation run. The run is
// idempotent and safe to retry; the catalog keeps whatever progress was made.
type ReconciliationError struct {
	RunID string
	Err   error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("authz: reconcile run %s: %v", e.RunID, e.Err)
}

func (e *ReconciliationError) Unwrap() error {
	return e.Err
}

// CacheUnavailableError signals the decision cache could not be reached.
// The engine degrades to computing directly against the graph.
type CacheUnavailableError struct {
	Err error
}

func (e *CacheUnavailableError) Error() string {
	return fmt.Sprintf("authz: decision cache unavailable: %v", e.Err)
}

func (e *CacheUnavailableError) Unwrap() error {
	return e.Err
}
