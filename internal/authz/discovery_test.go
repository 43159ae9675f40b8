package authz

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/granary-farm/granary/internal/audit"
)

func newTestDiscovery(t *testing.T, store *memoryStore) (*Discovery, *recorderStub, *DecisionCache) {
	t.Helper()
	recorder := &recorderStub{}
	cache, _ := newTestCache(t, time.Minute)
	return NewDiscovery(store, cache, recorder, discardLogger()), recorder, cache
}

func TestReconcileCreatesMissingPermissions(t *testing.T) {
	store := newMemoryStore()
	discovery, recorder, _ := newTestDiscovery(t, store)

	observed := []Operation{
		{Namespace: "farms", Resource: "record", Name: "update"},
		{Namespace: "farms", Resource: "record", Name: "view"},
		{Namespace: "fields", Resource: "harvest", Name: "create"},
	}
	result, err := discovery.Reconcile(context.Background(), observed)
	require.NoError(t, err)
	require.NotEmpty(t, result.RunID)
	require.Equal(t, 3, result.Created)
	require.Zero(t, result.Reactivated)
	require.Zero(t, result.Archived)
	require.Len(t, recorder.byType(audit.ChangeCreated), 3)

	perms, err := store.ListPermissions(context.Background())
	require.NoError(t, err)
	require.Len(t, perms, 3)
	for _, perm := range perms {
		require.Equal(t, PermissionActive, perm.Status)
		require.False(t, perm.DiscoveredAt.IsZero())
	}
}

func TestReconcileArchivesUnobservedPermissions(t *testing.T) {
	store := newMemoryStore()
	discovery, recorder, _ := newTestDiscovery(t, store)
	kept := store.addPermission(opRecordUpdate, PermissionActive)
	dropped := store.addPermission(Operation{Namespace: "markets", Resource: "listing", Name: "publish"}, PermissionActive)

	result, err := discovery.Reconcile(context.Background(), []Operation{opRecordUpdate})
	require.NoError(t, err)
	require.Equal(t, 1, result.Archived)

	perms, err := store.ListPermissions(context.Background())
	require.NoError(t, err)
	statuses := make(map[int64]PermissionStatus, len(perms))
	for _, perm := range perms {
		statuses[perm.ID] = perm.Status
	}
	require.Equal(t, PermissionActive, statuses[kept.ID])
	require.Equal(t, PermissionLegacy, statuses[dropped.ID], "unobserved entries move to legacy, never get deleted")
	require.Len(t, recorder.byType(audit.ChangeArchived), 1)
}

func TestReconcileReactivatesLegacyPermission(t *testing.T) {
	store := newMemoryStore()
	discovery, recorder, _ := newTestDiscovery(t, store)
	perm := store.addPermission(opRecordUpdate, PermissionLegacy)
	stale := time.Now().Add(-90 * 24 * time.Hour)
	_, err := store.SetPermissionStatus(context.Background(), perm.ID, PermissionLegacy, &stale)
	require.NoError(t, err)

	result, err := discovery.Reconcile(context.Background(), []Operation{opRecordUpdate})
	require.NoError(t, err)
	require.Equal(t, 1, result.Reactivated)

	perms, err := store.ListPermissions(context.Background())
	require.NoError(t, err)
	require.Len(t, perms, 1)
	require.Equal(t, PermissionActive, perms[0].Status)
	require.True(t, perms[0].DiscoveredAt.After(stale), "reactivation restamps the discovery time")
	require.Len(t, recorder.byType(audit.ChangeUpdated), 1)
}

func TestReconcileIsIdempotent(t *testing.T) {
	store := newMemoryStore()
	discovery, recorder, _ := newTestDiscovery(t, store)
	observed := []Operation{opRecordUpdate, {Namespace: "people", Resource: "member", Name: "invite"}}

	first, err := discovery.Reconcile(context.Background(), observed)
	require.NoError(t, err)
	require.Equal(t, 2, first.Created)
	recordsAfterFirst := len(recorder.changes)

	second, err := discovery.Reconcile(context.Background(), observed)
	require.NoError(t, err)
	require.Zero(t, second.Created)
	require.Zero(t, second.Reactivated)
	require.Zero(t, second.Archived)
	require.Len(t, recorder.changes, recordsAfterFirst, "a no-op run leaves no audit records")
	require.NotEqual(t, first.RunID, second.RunID)
}

func TestReconcileBulkRunEmitsSummary(t *testing.T) {
	store := newMemoryStore()
	discovery, recorder, _ := newTestDiscovery(t, store)

	observed := make([]Operation, 0, bulkAuditThreshold+1)
	for _, name := range []string{"create", "view", "update", "delete", "export", "share"} {
		observed = append(observed, Operation{Namespace: "fields", Resource: "harvest", Name: name})
	}
	result, err := discovery.Reconcile(context.Background(), observed)
	require.NoError(t, err)
	require.Equal(t, len(observed), result.Created)

	var summaries int
	for _, change := range recorder.changes {
		if change.Previous == nil {
			continue
		}
		if bulk, ok := change.Previous["bulk"].(bool); ok && bulk {
			summaries++
			require.Equal(t, result.RunID, change.Previous["run_id"])
			require.Equal(t, result.Created, change.Previous["created"])
		}
	}
	require.Equal(t, 1, summaries)
}

func TestReconcileFlushesDecisionCache(t *testing.T) {
	store := newMemoryStore()
	discovery, _, cache := newTestDiscovery(t, store)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, 7, nil, opRecordUpdate, true))

	_, err := discovery.Reconcile(ctx, []Operation{opRecordUpdate})
	require.NoError(t, err)

	_, hit, _ := cache.Get(ctx, 7, nil, opRecordUpdate)
	require.False(t, hit, "a changed catalog flushes every cached decision")
}

// An operation retired from the application must stop authorizing even for
// actors whose grants on it were never revoked.
func TestRetiredOperationStopsAuthorizing(t *testing.T) {
	store := newMemoryStore()
	engine, cache, _ := newTestEngine(t, store)
	discovery := NewDiscovery(store, cache, &recorderStub{}, discardLogger())

	perm := store.addPermission(opRecordUpdate, PermissionActive)
	store.addGrant(1, perm.ID, nil)
	store.addAssignment(7, 1, nil, true, nil)
	ctx := context.Background()
	actor := testActor{id: 7}

	require.True(t, engine.HasPermission(ctx, actor, opRecordUpdate, nil))

	// The host app stops exposing the operation; the next run archives it.
	_, err := discovery.Reconcile(ctx, nil)
	require.NoError(t, err)

	require.False(t, engine.HasPermission(ctx, actor, opRecordUpdate, nil))
}
