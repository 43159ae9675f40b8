package shared

// Operation keys exposed by the Granary application, one constant per
// protectable action in "namespace:resource:operation" form. Discovery
// consumes this manifest; the application never scans its own routes.

// Core platform operations.
const (
	ScopePeopleView = "people:person:view"
	ScopePeopleEdit = "people:person:edit"

	ScopeRolesView = "platform:role:view"
	ScopeRolesEdit = "platform:role:edit"

	ScopePermissionsView = "platform:permission:view"

	ScopeAuditView = "platform:audit:view"
)

// Farm record-keeping operations.
const (
	ScopeFarmView   = "farms:farm:view"
	ScopeFarmEdit   = "farms:farm:edit"
	ScopeFarmManage = "farms:farm:manage"

	ScopeRecordView   = "farms:record:view"
	ScopeRecordCreate = "farms:record:create"
	ScopeRecordUpdate = "farms:record:update"
	ScopeRecordDelete = "farms:record:delete"

	ScopePlantingView   = "fields:planting:view"
	ScopePlantingCreate = "fields:planting:create"
	ScopePlantingUpdate = "fields:planting:update"

	ScopeHarvestView   = "fields:harvest:view"
	ScopeHarvestCreate = "fields:harvest:create"

	ScopeMarketPriceView = "markets:price:view"
	ScopeMarketPriceEdit = "markets:price:edit"
)

// CoreScopes lists platform-level operations.
func CoreScopes() []string {
	return []string{
		ScopePeopleView,
		ScopePeopleEdit,
		ScopeRolesView,
		ScopeRolesEdit,
		ScopePermissionsView,
		ScopeAuditView,
	}
}

// FarmScopes lists record-keeping operations.
func FarmScopes() []string {
	return []string{
		ScopeFarmView,
		ScopeFarmEdit,
		ScopeFarmManage,
		ScopeRecordView,
		ScopeRecordCreate,
		ScopeRecordUpdate,
		ScopeRecordDelete,
		ScopePlantingView,
		ScopePlantingCreate,
		ScopePlantingUpdate,
		ScopeHarvestView,
		ScopeHarvestCreate,
		ScopeMarketPriceView,
		ScopeMarketPriceEdit,
	}
}

// ObservedOperations enumerates every operation the application currently
// exposes, for catalog reconciliation.
func ObservedOperations() []string {
	return append(CoreScopes(), FarmScopes()...)
}
