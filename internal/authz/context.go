package authz

import "context"

type actorContextKey struct{}

type tenantContextKey struct{}

// ContextWithActor stores the current actor in context.
func ContextWithActor(ctx context.Context, actor Principal) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the current actor, or nil.
func ActorFromContext(ctx context.Context) Principal {
	actor, _ := ctx.Value(actorContextKey{}).(Principal)
	return actor
}

// ContextWithTenant stores the current tenant in context.
func ContextWithTenant(ctx context.Context, tenant *Tenant) context.Context {
	return context.WithValue(ctx, tenantContextKey{}, tenant)
}

// TenantFromContext extracts the current tenant, or nil.
func TenantFromContext(ctx context.Context) *Tenant {
	tenant, _ := ctx.Value(tenantContextKey{}).(*Tenant)
	return tenant
}

type preloadContextKey struct{}

type preloadEntry struct {
	actorID  int64
	tenantID *int64
	set      PermissionSet
}

// ContextWithPreload attaches a preloaded permission set for one actor and
// tenant scope to the request context. The set lives only as long as the
// context; it is never persisted.
func ContextWithPreload(ctx context.Context, actorID int64, tenantID *int64, set PermissionSet) context.Context {
	return context.WithValue(ctx, preloadContextKey{}, preloadEntry{
		actorID:  actorID,
		tenantID: tenantID,
		set:      set,
	})
}

// preloadFromContext returns the preloaded set when one exists for exactly
// this actor and tenant scope. A set preloaded for a different scope is
// ignored rather than reused.
func preloadFromContext(ctx context.Context, actorID int64, tenantID *int64) (PermissionSet, bool) {
	entry, ok := ctx.Value(preloadContextKey{}).(preloadEntry)
	if !ok || entry.set == nil {
		return nil, false
	}
	if entry.actorID != actorID {
		return nil, false
	}
	if (entry.tenantID == nil) != (tenantID == nil) {
		return nil, false
	}
	if entry.tenantID != nil && *entry.tenantID != *tenantID {
		return nil, false
	}
	return entry.set, true
}
