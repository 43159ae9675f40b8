package authz

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
)

// graphStore is the slice of the repository the engine reads from.
type graphStore interface {
	// ActiveRoleIDs resolves the actor's effective role set at t: active
	// global assignments plus, when a tenant is supplied, active
	// assignments scoped to that tenant.
	ActiveRoleIDs(ctx context.Context, actorID int64, tenantID *int64, at time.Time) ([]int64, error)
	// RoleSetHasPermission reports whether any role in the set holds an
	// active grant on an active permission matching op at t.
	RoleSetHasPermission(ctx context.Context, roleIDs []int64, op Operation, at time.Time) (bool, error)
	// RoleSetPermissionKeys lists every operation key the role set may
	// exercise at t, for bulk preloads.
	RoleSetPermissionKeys(ctx context.Context, roleIDs []int64, at time.Time) ([]string, error)
}

// Engine answers authorization checks against the assignment graph, with a
// Redis memoization layer underneath.
type Engine struct {
	store  graphStore
	cache  *DecisionCache
	logger *slog.Logger
	group  singleflight.Group
	now    func() time.Time
}

// NewEngine constructs the decision engine.
func NewEngine(store graphStore, cache *DecisionCache, logger *slog.Logger) *Engine {
	return &Engine{
		store:  store,
		cache:  cache,
		logger: logger,
		now:    time.Now,
	}
}

// HasPermission reports whether actor may perform op in the given tenant
// context. Internal faults resolve to false; they are logged, never
// surfaced to the caller performing the check.
func (e *Engine) HasPermission(ctx context.Context, actor Principal, op Operation, tenant *Tenant) bool {
	if actor == nil {
		return false
	}
	if actor.IsSuperUser() {
		// Bypasses cache and graph entirely, catalog state included.
		return true
	}

	actorID := actor.GetID()
	tenantID := tenantIDOf(tenant)

	if set, ok := preloadFromContext(ctx, actorID, tenantID); ok {
		return set.Has(op.Key())
	}

	cached, hit, err := e.cache.Get(ctx, actorID, tenantID, op)
	if err != nil {
		// Degrade to the graph; correctness over performance.
		e.warn("decision cache read", err)
	} else if hit {
		return cached
	}

	allowed, err := e.decideShared(ctx, actorID, tenantID, op)
	if err != nil {
		// Fail closed on evaluation faults.
		if e.logger != nil {
			e.logger.Error("authz decision", slog.Any("error", err),
				slog.Int64("actor", actorID), slog.String("operation", op.Key()))
		}
		return false
	}

	if err := e.cache.Set(ctx, actorID, tenantID, op, allowed); err != nil {
		e.warn("decision cache write", err)
	}
	return allowed
}

// Authorize behaves like HasPermission but returns a DeniedError on a false
// decision, for call sites that propagate errors.
func (e *Engine) Authorize(ctx context.Context, actor Principal, op Operation, tenant *Tenant) error {
	if e.HasPermission(ctx, actor, op, tenant) {
		return nil
	}
	denied := &DeniedError{Op: op, TenantID: tenantIDOf(tenant)}
	if actor != nil {
		denied.ActorID = actor.GetID()
	}
	return denied
}

// PreloadPermissions computes the full set of operation keys the actor may
// currently exercise in the tenant context, in a single batched graph
// query. Attach the result to the request context with ContextWithPreload.
func (e *Engine) PreloadPermissions(ctx context.Context, actor Principal, tenant *Tenant) (PermissionSet, error) {
	if actor == nil {
		return PermissionSet{}, nil
	}
	tenantID := tenantIDOf(tenant)
	roleIDs, err := e.store.ActiveRoleIDs(ctx, actor.GetID(), tenantID, e.now())
	if err != nil {
		return nil, err
	}
	if len(roleIDs) == 0 {
		return PermissionSet{}, nil
	}
	keys, err := e.store.RoleSetPermissionKeys(ctx, roleIDs, e.now())
	if err != nil {
		return nil, err
	}
	return NewPermissionSet(keys...), nil
}

// decideShared collapses concurrent misses on the same key into a single
// graph query. A cold-key thundering herd is tolerated across processes;
// recomputation is cheap and idempotent.
func (e *Engine) decideShared(ctx context.Context, actorID int64, tenantID *int64, op Operation) (bool, error) {
	key := decisionKey(actorID, tenantID, op)
	res, err, _ := e.group.Do(key, func() (interface{}, error) {
		return e.decide(ctx, actorID, tenantID, op)
	})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

func (e *Engine) decide(ctx context.Context, actorID int64, tenantID *int64, op Operation) (bool, error) {
	at := e.now()
	roleIDs, err := e.store.ActiveRoleIDs(ctx, actorID, tenantID, at)
	if err != nil {
		return false, err
	}
	if len(roleIDs) == 0 {
		return false, nil
	}
	return e.store.RoleSetHasPermission(ctx, roleIDs, op, at)
}

func (e *Engine) warn(msg string, err error) {
	if e.logger != nil {
		e.logger.Warn(msg, slog.Any("error", err))
	}
}

func tenantIDOf(tenant *Tenant) *int64 {
	if tenant == nil {
		return nil
	}
	id := tenant.ID
	return &id
}
