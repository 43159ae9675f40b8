package authz

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	_ "github.com/granary-farm/granary/internal/testing/guard"
)

type testActor struct {
	id    int64
	super bool
}

func (a testActor) GetID() int64      { return a.id }
func (a testActor) IsSuperUser() bool { return a.super }

// memoryStore implements the graph and catalog store slices in memory.
type memoryStore struct {
	mu          sync.Mutex
	assignments []RoleAssignment
	grants      []PermissionGrant
	perms       map[int64]Permission
	nextPermID  int64

	roleCalls  int
	grantCalls int
	keyCalls   int
	failGraph  error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{perms: make(map[int64]Permission)}
}

func (s *memoryStore) addPermission(op Operation, status PermissionStatus) Permission {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextPermID++
	perm := Permission{
		ID:           s.nextPermID,
		Namespace:    op.Namespace,
		Resource:     op.Resource,
		Name:         op.Name,
		Status:       status,
		DiscoveredAt: time.Now(),
	}
	s.perms[perm.ID] = perm
	return perm
}

func (s *memoryStore) addGrant(roleID, permID int64, expiresAt *time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants = append(s.grants, PermissionGrant{
		ID:           int64(len(s.grants) + 1),
		RoleID:       roleID,
		PermissionID: permID,
		GrantedBy:    1,
		ExpiresAt:    expiresAt,
	})
}

func (s *memoryStore) addAssignment(actorID, roleID int64, tenantID *int64, global bool, expiresAt *time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignments = append(s.assignments, RoleAssignment{
		ID:        int64(len(s.assignments) + 1),
		ActorID:   actorID,
		RoleID:    roleID,
		TenantID:  tenantID,
		Global:    global,
		GrantedBy: 1,
		ExpiresAt: expiresAt,
	})
}

func (s *memoryStore) ActiveRoleIDs(_ context.Context, actorID int64, tenantID *int64, at time.Time) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roleCalls++
	if s.failGraph != nil {
		return nil, s.failGraph
	}
	seen := make(map[int64]struct{})
	var ids []int64
	for _, a := range s.assignments {
		if a.ActorID != actorID || !a.ActiveAt(at) || !a.AppliesTo(tenantID) {
			continue
		}
		if _, dup := seen[a.RoleID]; dup {
			continue
		}
		seen[a.RoleID] = struct{}{}
		ids = append(ids, a.RoleID)
	}
	return ids, nil
}

func (s *memoryStore) RoleSetHasPermission(_ context.Context, roleIDs []int64, op Operation, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grantCalls++
	if s.failGraph != nil {
		return false, s.failGraph
	}
	roles := make(map[int64]struct{}, len(roleIDs))
	for _, id := range roleIDs {
		roles[id] = struct{}{}
	}
	for _, g := range s.grants {
		if _, ok := roles[g.RoleID]; !ok || !g.ActiveAt(at) {
			continue
		}
		perm, ok := s.perms[g.PermissionID]
		if !ok || perm.Status != PermissionActive {
			continue
		}
		if perm.Operation() == op {
			return true, nil
		}
	}
	return false, nil
}

func (s *memoryStore) RoleSetPermissionKeys(_ context.Context, roleIDs []int64, at time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keyCalls++
	if s.failGraph != nil {
		return nil, s.failGraph
	}
	roles := make(map[int64]struct{}, len(roleIDs))
	for _, id := range roleIDs {
		roles[id] = struct{}{}
	}
	keys := make(map[string]struct{})
	for _, g := range s.grants {
		if _, ok := roles[g.RoleID]; !ok || !g.ActiveAt(at) {
			continue
		}
		perm, ok := s.perms[g.PermissionID]
		if !ok || perm.Status != PermissionActive {
			continue
		}
		keys[perm.Key()] = struct{}{}
	}
	var out []string
	for k := range keys {
		out = append(out, k)
	}
	return out, nil
}

// catalog store slice, for discovery tests.

func (s *memoryStore) ListPermissions(context.Context) ([]Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var perms []Permission
	for _, p := range s.perms {
		perms = append(perms, p)
	}
	return perms, nil
}

func (s *memoryStore) CreatePermission(_ context.Context, op Operation, description string, discoveredAt time.Time) (Permission, error) {
	perm := s.addPermission(op, PermissionActive)
	s.mu.Lock()
	defer s.mu.Unlock()
	perm.Description = description
	perm.DiscoveredAt = discoveredAt
	s.perms[perm.ID] = perm
	return perm, nil
}

func (s *memoryStore) SetPermissionStatus(_ context.Context, id int64, status PermissionStatus, discoveredAt *time.Time) (Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	perm, ok := s.perms[id]
	if !ok {
		return Permission{}, ErrNotFound
	}
	perm.Status = status
	if discoveredAt != nil {
		perm.DiscoveredAt = *discoveredAt
	}
	s.perms[id] = perm
	return perm, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, store *memoryStore) (*Engine, *DecisionCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache := NewDecisionCache(client, time.Minute)
	return NewEngine(store, cache, discardLogger()), cache, mr
}

func int64ptr(v int64) *int64 { return &v }

var opRecordUpdate = Operation{Namespace: "farms", Resource: "record", Name: "update"}

func TestHasPermissionSuperuserAlwaysAllowed(t *testing.T) {
	engine, _, _ := newTestEngine(t, newMemoryStore())
	// Not in the catalog at all; the fast path skips cache and graph.
	allowed := engine.HasPermission(context.Background(), testActor{id: 9, super: true},
		Operation{Namespace: "nowhere", Resource: "nothing", Name: "noop"}, nil)
	require.True(t, allowed)
}

func TestHasPermissionNilActorDenied(t *testing.T) {
	engine, _, _ := newTestEngine(t, newMemoryStore())
	require.False(t, engine.HasPermission(context.Background(), nil, opRecordUpdate, nil))
}

func TestTenantScoping(t *testing.T) {
	store := newMemoryStore()
	perm := store.addPermission(opRecordUpdate, PermissionActive)
	store.addGrant(10, perm.ID, nil)
	// Editor role scoped to tenant 1 only.
	store.addAssignment(7, 10, int64ptr(1), false, nil)
	engine, _, _ := newTestEngine(t, store)

	actor := testActor{id: 7}
	ctx := context.Background()
	require.True(t, engine.HasPermission(ctx, actor, opRecordUpdate, &Tenant{ID: 1}))
	require.False(t, engine.HasPermission(ctx, actor, opRecordUpdate, &Tenant{ID: 2}))
	require.False(t, engine.HasPermission(ctx, actor, opRecordUpdate, nil))
}

func TestGlobalAssignmentAppliesEverywhere(t *testing.T) {
	store := newMemoryStore()
	perm := store.addPermission(opRecordUpdate, PermissionActive)
	store.addGrant(10, perm.ID, nil)
	store.addAssignment(7, 10, nil, true, nil)
	engine, _, _ := newTestEngine(t, store)

	actor := testActor{id: 7}
	ctx := context.Background()
	require.True(t, engine.HasPermission(ctx, actor, opRecordUpdate, nil))
	require.True(t, engine.HasPermission(ctx, actor, opRecordUpdate, &Tenant{ID: 1}))
	require.True(t, engine.HasPermission(ctx, actor, opRecordUpdate, &Tenant{ID: 42}))
}

func TestExpiredAssignmentNeverAuthorizes(t *testing.T) {
	store := newMemoryStore()
	perm := store.addPermission(opRecordUpdate, PermissionActive)
	store.addGrant(10, perm.ID, nil)
	expired := time.Now().Add(-time.Hour)
	store.addAssignment(7, 10, nil, true, &expired)
	engine, _, _ := newTestEngine(t, store)

	require.False(t, engine.HasPermission(context.Background(), testActor{id: 7}, opRecordUpdate, nil))
}

func TestExpiredGrantNeverAuthorizes(t *testing.T) {
	store := newMemoryStore()
	perm := store.addPermission(opRecordUpdate, PermissionActive)
	expired := time.Now().Add(-time.Minute)
	store.addGrant(10, perm.ID, &expired)
	store.addAssignment(7, 10, nil, true, nil)
	engine, _, _ := newTestEngine(t, store)

	require.False(t, engine.HasPermission(context.Background(), testActor{id: 7}, opRecordUpdate, nil))
}

func TestLegacyPermissionNeverAuthorizes(t *testing.T) {
	store := newMemoryStore()
	perm := store.addPermission(opRecordUpdate, PermissionLegacy)
	store.addGrant(10, perm.ID, nil)
	store.addAssignment(7, 10, nil, true, nil)
	engine, _, _ := newTestEngine(t, store)

	require.False(t, engine.HasPermission(context.Background(), testActor{id: 7}, opRecordUpdate, nil))
}

func TestDecisionIsCached(t *testing.T) {
	store := newMemoryStore()
	perm := store.addPermission(opRecordUpdate, PermissionActive)
	store.addGrant(10, perm.ID, nil)
	store.addAssignment(7, 10, nil, true, nil)
	engine, _, _ := newTestEngine(t, store)

	ctx := context.Background()
	actor := testActor{id: 7}
	require.True(t, engine.HasPermission(ctx, actor, opRecordUpdate, nil))
	require.True(t, engine.HasPermission(ctx, actor, opRecordUpdate, nil))
	require.Equal(t, 1, store.roleCalls, "second check should be served from cache")
}

func TestCacheOutageDegradesToGraph(t *testing.T) {
	store := newMemoryStore()
	perm := store.addPermission(opRecordUpdate, PermissionActive)
	store.addGrant(10, perm.ID, nil)
	store.addAssignment(7, 10, nil, true, nil)
	engine, _, mr := newTestEngine(t, store)
	mr.Close()

	require.True(t, engine.HasPermission(context.Background(), testActor{id: 7}, opRecordUpdate, nil))
	require.Equal(t, 1, store.roleCalls)
}

func TestFailClosedOnGraphError(t *testing.T) {
	store := newMemoryStore()
	store.failGraph = errors.New("connection refused")
	engine, _, _ := newTestEngine(t, store)

	require.False(t, engine.HasPermission(context.Background(), testActor{id: 7}, opRecordUpdate, nil))
}

func TestPreloadedSetShortCircuitsStore(t *testing.T) {
	store := newMemoryStore()
	engine, _, _ := newTestEngine(t, store)

	set := NewPermissionSet(opRecordUpdate.Key())
	ctx := ContextWithPreload(context.Background(), 7, nil, set)
	require.True(t, engine.HasPermission(ctx, testActor{id: 7}, opRecordUpdate, nil))
	require.False(t, engine.HasPermission(ctx, testActor{id: 7},
		Operation{Namespace: "farms", Resource: "record", Name: "delete"}, nil))
	require.Equal(t, 0, store.roleCalls)
}

func TestPreloadedSetIgnoredForOtherScope(t *testing.T) {
	store := newMemoryStore()
	engine, _, _ := newTestEngine(t, store)

	set := NewPermissionSet(opRecordUpdate.Key())
	// Preloaded for tenant 1; a check against tenant 2 must not use it.
	ctx := ContextWithPreload(context.Background(), 7, int64ptr(1), set)
	require.False(t, engine.HasPermission(ctx, testActor{id: 7}, opRecordUpdate, &Tenant{ID: 2}))
	require.Equal(t, 1, store.roleCalls)
}

func TestPreloadPermissions(t *testing.T) {
	store := newMemoryStore()
	permA := store.addPermission(opRecordUpdate, PermissionActive)
	permB := store.addPermission(Operation{Namespace: "farms", Resource: "record", Name: "view"}, PermissionActive)
	legacy := store.addPermission(Operation{Namespace: "farms", Resource: "record", Name: "export"}, PermissionLegacy)
	store.addGrant(10, permA.ID, nil)
	store.addGrant(10, permB.ID, nil)
	store.addGrant(10, legacy.ID, nil)
	store.addAssignment(7, 10, int64ptr(3), false, nil)
	engine, _, _ := newTestEngine(t, store)

	set, err := engine.PreloadPermissions(context.Background(), testActor{id: 7}, &Tenant{ID: 3})
	require.NoError(t, err)
	require.True(t, set.Has(permA.Key()))
	require.True(t, set.Has(permB.Key()))
	require.False(t, set.Has(legacy.Key()))
	require.Len(t, set, 2)
}

func TestPreloadPermissionsEmptyWithoutRoles(t *testing.T) {
	engine, _, _ := newTestEngine(t, newMemoryStore())
	set, err := engine.PreloadPermissions(context.Background(), testActor{id: 7}, nil)
	require.NoError(t, err)
	require.Empty(t, set)
}

func TestAuthorizeReturnsDeniedError(t *testing.T) {
	engine, _, _ := newTestEngine(t, newMemoryStore())

	err := engine.Authorize(context.Background(), testActor{id: 7}, opRecordUpdate, &Tenant{ID: 2})
	var denied *DeniedError
	require.ErrorAs(t, err, &denied)
	require.Equal(t, int64(7), denied.ActorID)
	require.Equal(t, opRecordUpdate, denied.Op)
	// The message never names the missing permission.
	require.Equal(t, "authz: not authorized", denied.Error())
}
