package ledger

import (
	"context"

	"chorus.org/internal/perm"
)

// Table names shared by the storage implementations and the traversal
// descriptors that walk them.
const (
	TableOrganizations      = "organizations"
	TablePeople             = "people"
	TableRoles              = "roles"
	TableGrants             = "role_capabilities"
	TableRoleHoldings       = "role_holdings"
	TableDecorations        = "decorations"
	TableDecorationHoldings = "decoration_holdings"
	TableEvents             = "events"
	TableAttendances        = "attendances"
	TableCapabilities       = "capabilities"
)

// Reader is a point-in-time view of the ledger. Every read issued through one
// Reader observes the same committed state.
type Reader interface {
	Organizations(ctx context.Context) ([]Organization, error)
	Person(ctx context.Context, id string) (Person, error)
	Role(ctx context.Context, id string) (Role, error)
	// Grants returns the stored capability names of a role, unparsed.
	Grants(ctx context.Context, roleID string) ([]string, error)
	RoleHolding(ctx context.Context, id string) (RoleHolding, error)
	RoleHoldingsOf(ctx context.Context, personID string) ([]RoleHolding, error)
	Decoration(ctx context.Context, id string) (Decoration, error)
	DecorationHolding(ctx context.Context, id string) (DecorationHolding, error)
	DecorationHoldingsOf(ctx context.Context, personID string) ([]DecorationHolding, error)
	Event(ctx context.Context, id string) (Event, error)

	// Keys lists every primary key in table.
	Keys(ctx context.Context, table string) ([]string, error)
	// Follow returns the distinct values of column to for rows of table whose
	// column from is one of keys. Rows of the role holdings table are also
	// filtered by window.
	Follow(ctx context.Context, table, from, to string, keys []string, window Window) ([]string, error)
}

// Snapshot is a Reader that must be closed when the request ends.
type Snapshot interface {
	Reader
	Close() error
}

// Writer applies atomic changes with the ledger invariants enforced.
type Writer interface {
	CreateOrganization(ctx context.Context, org Organization) (Organization, error)
	CreatePerson(ctx context.Context, p Person) (Person, error)
	UpdatePreferences(ctx context.Context, personID string, prefs Preferences) error

	CreateRole(ctx context.Context, r Role) (Role, error)
	// UpdateRole renames a role and replaces its grants in one change.
	UpdateRole(ctx context.Context, id, name string, caps []perm.Capability) (Role, error)
	DeleteRole(ctx context.Context, id string) error
	SetGrants(ctx context.Context, roleID string, caps []perm.Capability) error

	CreateRoleHolding(ctx context.Context, h RoleHolding) (RoleHolding, error)
	UpdateRoleHolding(ctx context.Context, h RoleHolding) (RoleHolding, error)
	DeleteRoleHolding(ctx context.Context, id string) error

	CreateDecoration(ctx context.Context, d Decoration) (Decoration, error)
	SetLowerTier(ctx context.Context, decorationID, lowerID string) error
	CreateDecorationHolding(ctx context.Context, h DecorationHolding) (DecorationHolding, error)
	UpdateDecorationHolding(ctx context.Context, h DecorationHolding) (DecorationHolding, error)
	DeleteDecorationHolding(ctx context.Context, id string) error

	CreateEvent(ctx context.Context, e Event) (Event, error)
	CreateAttendance(ctx context.Context, a Attendance) (Attendance, error)
}

// Store combines snapshots for reading with atomic writes.
type Store interface {
	Writer
	Snapshot(ctx context.Context) (Snapshot, error)
}
