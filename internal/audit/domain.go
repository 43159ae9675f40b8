package audit

import "time"

// ChangeType classifies one catalog or grant mutation.
type ChangeType string

const (
	ChangeCreated  ChangeType = "created"
	ChangeUpdated  ChangeType = "updated"
	ChangeArchived ChangeType = "archived"
	ChangeRestored ChangeType = "restored"
	ChangeDeleted  ChangeType = "deleted"
)

// Change describes a mutation to append to the trail. Nil ActorID means the
// change was system-initiated (discovery, expiry sweeps).
type Change struct {
	PermissionID *int64
	RoleID       *int64
	Type         ChangeType
	ActorID      *int64
	Previous     map[string]any
}

// Record is one immutable row of the trail.
type Record struct {
	ID           int64
	PermissionID *int64
	RoleID       *int64
	Type         ChangeType
	ActorID      *int64
	Previous     map[string]any
	CreatedAt    time.Time
}

// Filters narrows a trail query. Zero values match everything.
type Filters struct {
	PermissionID *int64
	RoleID       *int64
	Namespace    string
	Resource     string
	Operation    string
	ActorID      *int64
	Types        []ChangeType
}

// ActorCount pairs an actor with a change count.
type ActorCount struct {
	ActorID int64
	Count   int
}

// DayCount pairs a calendar day with a change count.
type DayCount struct {
	Day   time.Time
	Count int
}

// Stats summarises trail activity over a window.
type Stats struct {
	WindowDays   int
	TotalChanges int
	ByType       map[ChangeType]int
	TopActors    []ActorCount
	DailyTrend   []DayCount
}
