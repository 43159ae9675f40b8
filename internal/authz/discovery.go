package authz

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/granary-farm/granary/internal/audit"
)

// bulkAuditThreshold is the batch size above which a reconciliation run
// emits one summary record alongside the per-item ones, so dashboards can
// tell a sweeping change from many small ones.
const bulkAuditThreshold = 5

// catalogStore is the slice of the repository discovery works against.
type catalogStore interface {
	ListPermissions(ctx context.Context) ([]Permission, error)
	CreatePermission(ctx context.Context, op Operation, description string, discoveredAt time.Time) (Permission, error)
	SetPermissionStatus(ctx context.Context, id int64, status PermissionStatus, discoveredAt *time.Time) (Permission, error)
}

// ReconcileResult counts the catalog transitions of one run.
type ReconcileResult struct {
	RunID       string
	Created     int
	Reactivated int
	Archived    int
}

// changed reports whether the run transitioned anything.
func (r ReconcileResult) changed() bool {
	return r.Created+r.Reactivated+r.Archived > 0
}

// Discovery reconciles the permission catalog against the set of operations
// the host application currently exposes. It never deletes a catalog row;
// status only moves between active and legacy.
type Discovery struct {
	store    catalogStore
	cache    *DecisionCache
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// NewDiscovery constructs a Discovery service.
func NewDiscovery(store catalogStore, cache *DecisionCache, recorder Recorder, logger *slog.Logger) *Discovery {
	return &Discovery{
		store:    store,
		cache:    cache,
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
	}
}

// Reconcile find-or-creates a catalog entry for every observed operation,
// reactivates legacy entries that reappeared, and archives active entries
// no longer observed. A run that fails mid-way leaves the catalog in its
// partially-updated state; runs are idempotent and safe to re-run.
func (d *Discovery) Reconcile(ctx context.Context, observed []Operation) (ReconcileResult, error) {
	result := ReconcileResult{RunID: uuid.NewString()}
	now := d.now()

	existing, err := d.store.ListPermissions(ctx)
	if err != nil {
		return result, &ReconciliationError{RunID: result.RunID, Err: err}
	}
	byKey := make(map[string]Permission, len(existing))
	for _, perm := range existing {
		byKey[perm.Key()] = perm
	}

	observedKeys := make(map[string]struct{}, len(observed))
	for _, op := range observed {
		observedKeys[op.Key()] = struct{}{}
		perm, known := byKey[op.Key()]
		if !known {
			created, err := d.store.CreatePermission(ctx, op, "", now)
			if err != nil {
				return result, d.fail(result, err)
			}
			result.Created++
			if err := d.record(ctx, audit.Change{
				PermissionID: &created.ID,
				Type:         audit.ChangeCreated,
			}); err != nil {
				return result, d.fail(result, err)
			}
			continue
		}
		if perm.Status == PermissionLegacy {
			if _, err := d.store.SetPermissionStatus(ctx, perm.ID, PermissionActive, &now); err != nil {
				return result, d.fail(result, err)
			}
			result.Reactivated++
			if err := d.record(ctx, audit.Change{
				PermissionID: &perm.ID,
				Type:         audit.ChangeUpdated,
				Previous:     permissionSnapshot(perm),
			}); err != nil {
				return result, d.fail(result, err)
			}
		}
	}

	for _, perm := range existing {
		if perm.Status != PermissionActive {
			continue
		}
		if _, stillObserved := observedKeys[perm.Key()]; stillObserved {
			continue
		}
		if _, err := d.store.SetPermissionStatus(ctx, perm.ID, PermissionLegacy, nil); err != nil {
			return result, d.fail(result, err)
		}
		result.Archived++
		if err := d.record(ctx, audit.Change{
			PermissionID: &perm.ID,
			Type:         audit.ChangeArchived,
			Previous:     permissionSnapshot(perm),
		}); err != nil {
			return result, d.fail(result, err)
		}
	}

	if result.Created+result.Reactivated+result.Archived > bulkAuditThreshold {
		if err := d.record(ctx, audit.Change{
			Type: audit.ChangeUpdated,
			Previous: map[string]any{
				"run_id":      result.RunID,
				"bulk":        true,
				"created":     result.Created,
				"reactivated": result.Reactivated,
				"archived":    result.Archived,
			},
		}); err != nil {
			return result, d.fail(result, err)
		}
	}

	if result.changed() {
		if err := d.cache.InvalidateAll(ctx); err != nil {
			d.warn("flush decision cache", err)
		}
	}

	if d.logger != nil {
		d.logger.Info("catalog reconciled",
			slog.String("run", result.RunID),
			slog.Int("created", result.Created),
			slog.Int("reactivated", result.Reactivated),
			slog.Int("archived", result.Archived))
	}
	return result, nil
}

func (d *Discovery) fail(result ReconcileResult, err error) error {
	wrapped := &ReconciliationError{RunID: result.RunID, Err: err}
	if d.logger != nil {
		d.logger.Error("catalog reconcile", slog.Any("error", wrapped))
	}
	return wrapped
}

func (d *Discovery) record(ctx context.Context, change audit.Change) error {
	if d.recorder == nil {
		return nil
	}
	// ActorID stays nil: reconciliation is system-initiated.
	return d.recorder.RecordChange(ctx, change)
}

func (d *Discovery) warn(msg string, err error) {
	if d.logger != nil {
		d.logger.Warn(msg, slog.Any("error", err))
	}
}

func permissionSnapshot(perm Permission) map[string]any {
	return map[string]any{
		"namespace":     perm.Namespace,
		"resource":      perm.Resource,
		"operation":     perm.Name,
		"status":        string(perm.Status),
		"discovered_at": perm.DiscoveredAt.UTC().Format(time.RFC3339),
	}
}
