package access

import (
	"errors"
	"fmt"
	"strings"

	"chorus.org/internal/ledger"
	"chorus.org/internal/perm"
)

// EntityType enumerates the record types the engine can scope.
type EntityType uint8

const (
	entityInvalid EntityType = iota
	Organization
	Person
	Role
	RoleHolding
	Capability
	Decoration
	DecorationHolding
	Event
	Attendance
	entitySentinel
)

var entityNames = [...]string{
	entityInvalid:     "",
	Organization:      "organization",
	Person:            "person",
	Role:              "role",
	RoleHolding:       "role_holding",
	Capability:        "capability",
	Decoration:        "decoration",
	DecorationHolding: "decoration_holding",
	Event:             "event",
	Attendance:        "attendance",
}

func (e EntityType) String() string {
	if e <= entityInvalid || e >= entitySentinel {
		return fmt.Sprintf("entity(%d)", uint8(e))
	}
	return entityNames[e]
}

// ParseEntity maps an external entity name to its type.
func ParseEntity(name string) (EntityType, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for e := Organization; e < entitySentinel; e++ {
		if entityNames[e] == name {
			return e, true
		}
	}
	return entityInvalid, false
}

// Entities lists every entity type.
func Entities() []EntityType {
	out := make([]EntityType, 0, int(entitySentinel)-1)
	for e := Organization; e < entitySentinel; e++ {
		out = append(out, e)
	}
	return out
}

// Edge is one hop of a traversal: rows of Table whose From column matches the
// current keys yield their To column as the next keys, which identify Target.
type Edge struct {
	Table  string
	From   string
	To     string
	Target EntityType
	// Temporal edges run over role holdings and honour the predicate window.
	Temporal bool
}

// Relation declares that records of Source reference the scoped entity
// through Column of Table.
type Relation struct {
	Source EntityType
	Table  string
	Column string
}

// Descriptor is the static traversal metadata of one entity type.
type Descriptor struct {
	Type  EntityType
	Table string
	// Capability governs viewing and editing records of this type.
	Capability perm.Capability
	// Public entities are visible to every authenticated person.
	Public bool
	// OrgPath leads from a record to the organizations it belongs to. An empty
	// path means the record key is itself an organization id.
	OrgPath []Edge
	// SelfPath leads from a record to the people it concerns. HasSelf with an
	// empty path means the record key is itself a person id.
	SelfPath []Edge
	HasSelf  bool
	// Related lists records whose visibility extends view access to this type.
	Related []Relation
}

var (
	roleToOrg       = Edge{Table: ledger.TableRoles, From: "id", To: "organization_id", Target: Organization}
	decorationToOrg = Edge{Table: ledger.TableDecorations, From: "id", To: "organization_id", Target: Organization}
	eventToOrg      = Edge{Table: ledger.TableEvents, From: "id", To: "organization_id", Target: Organization}
)

var descriptors = map[EntityType]Descriptor{
	Organization: {
		Type:   Organization,
		Table:  ledger.TableOrganizations,
		Public: true,
	},
	Person: {
		Type:       Person,
		Table:      ledger.TablePeople,
		Capability: perm.MemberData,
		OrgPath: []Edge{
			{Table: ledger.TableRoleHoldings, From: "person_id", To: "role_id", Target: Role, Temporal: true},
			roleToOrg,
		},
		HasSelf: true,
		Related: []Relation{
			{Source: RoleHolding, Table: ledger.TableRoleHoldings, Column: "person_id"},
			{Source: DecorationHolding, Table: ledger.TableDecorationHoldings, Column: "person_id"},
			{Source: Attendance, Table: ledger.TableAttendances, Column: "person_id"},
		},
	},
	Role: {
		Type:       Role,
		Table:      ledger.TableRoles,
		Capability: perm.Role,
		OrgPath:    []Edge{roleToOrg},
		SelfPath: []Edge{
			{Table: ledger.TableRoleHoldings, From: "role_id", To: "person_id", Target: Person, Temporal: true},
		},
		HasSelf: true,
		Related: []Relation{
			{Source: RoleHolding, Table: ledger.TableRoleHoldings, Column: "role_id"},
		},
	},
	RoleHolding: {
		Type:       RoleHolding,
		Table:      ledger.TableRoleHoldings,
		Capability: perm.RoleHolding,
		OrgPath: []Edge{
			{Table: ledger.TableRoleHoldings, From: "id", To: "role_id", Target: Role},
			roleToOrg,
		},
		SelfPath: []Edge{
			{Table: ledger.TableRoleHoldings, From: "id", To: "person_id", Target: Person},
		},
		HasSelf: true,
	},
	Capability: {
		Type:       Capability,
		Table:      ledger.TableCapabilities,
		Capability: perm.Grants,
		Public:     true,
		OrgPath: []Edge{
			{Table: ledger.TableGrants, From: "capability_id", To: "role_id", Target: Role},
			roleToOrg,
		},
		SelfPath: []Edge{
			{Table: ledger.TableGrants, From: "capability_id", To: "role_id", Target: Role},
			{Table: ledger.TableRoleHoldings, From: "role_id", To: "person_id", Target: Person, Temporal: true},
		},
		HasSelf: true,
	},
	Decoration: {
		Type:       Decoration,
		Table:      ledger.TableDecorations,
		Capability: perm.Decoration,
		OrgPath:    []Edge{decorationToOrg},
		Related: []Relation{
			{Source: DecorationHolding, Table: ledger.TableDecorationHoldings, Column: "decoration_id"},
		},
	},
	DecorationHolding: {
		Type:       DecorationHolding,
		Table:      ledger.TableDecorationHoldings,
		Capability: perm.DecorationHolding,
		OrgPath: []Edge{
			{Table: ledger.TableDecorationHoldings, From: "id", To: "decoration_id", Target: Decoration},
			decorationToOrg,
		},
		SelfPath: []Edge{
			{Table: ledger.TableDecorationHoldings, From: "id", To: "person_id", Target: Person},
		},
		HasSelf: true,
	},
	Event: {
		Type:       Event,
		Table:      ledger.TableEvents,
		Capability: perm.Schedule,
		OrgPath:    []Edge{eventToOrg},
		SelfPath: []Edge{
			{Table: ledger.TableAttendances, From: "event_id", To: "person_id", Target: Person},
		},
		HasSelf: true,
		Related: []Relation{
			{Source: Attendance, Table: ledger.TableAttendances, Column: "event_id"},
		},
	},
	Attendance: {
		Type:       Attendance,
		Table:      ledger.TableAttendances,
		Capability: perm.Attendance,
		OrgPath: []Edge{
			{Table: ledger.TableAttendances, From: "id", To: "event_id", Target: Event},
			eventToOrg,
		},
		SelfPath: []Edge{
			{Table: ledger.TableAttendances, From: "id", To: "person_id", Target: Person},
		},
		HasSelf: true,
	},
}

// Describe returns the descriptor of e. Asking for an unknown entity type is a
// programming error and panics.
func Describe(e EntityType) Descriptor {
	d, ok := descriptors[e]
	if !ok {
		panic(fmt.Sprintf("access: no descriptor for %s", e))
	}
	return d
}

// ValidateDescriptors checks that every entity type has a complete descriptor.
// Binaries call it at startup.
func ValidateDescriptors() error {
	var errs []error
	for _, e := range Entities() {
		d, ok := descriptors[e]
		if !ok {
			errs = append(errs, fmt.Errorf("%s: missing descriptor", e))
			continue
		}
		if d.Type != e {
			errs = append(errs, fmt.Errorf("%s: descriptor declares type %s", e, d.Type))
		}
		if d.Table == "" {
			errs = append(errs, fmt.Errorf("%s: missing table", e))
		}
		if !d.Public && !d.Capability.Valid() {
			errs = append(errs, fmt.Errorf("%s: missing governing capability", e))
		}
		if e != Organization && (!d.Public || len(d.OrgPath) > 0) {
			if err := checkPath(d.OrgPath, Organization); err != nil {
				errs = append(errs, fmt.Errorf("%s organization path: %w", e, err))
			}
		}
		if d.HasSelf && e != Person {
			if err := checkPath(d.SelfPath, Person); err != nil {
				errs = append(errs, fmt.Errorf("%s self path: %w", e, err))
			}
		}
		for _, rel := range d.Related {
			if _, ok := descriptors[rel.Source]; !ok {
				errs = append(errs, fmt.Errorf("%s related: unknown source %s", e, rel.Source))
			}
			if rel.Source == e {
				errs = append(errs, fmt.Errorf("%s related: relation to itself", e))
			}
			if rel.Table == "" || rel.Column == "" {
				errs = append(errs, fmt.Errorf("%s related: incomplete relation from %s", e, rel.Source))
			}
		}
	}
	return errors.Join(errs...)
}

func checkPath(path []Edge, end EntityType) error {
	if len(path) == 0 {
		return errors.New("empty")
	}
	for i, edge := range path {
		if edge.Table == "" || edge.From == "" || edge.To == "" {
			return fmt.Errorf("edge %d incomplete", i)
		}
		if edge.Target <= entityInvalid || edge.Target >= entitySentinel {
			return fmt.Errorf("edge %d targets unknown entity", i)
		}
		if edge.Temporal && edge.Table != ledger.TableRoleHoldings {
			return fmt.Errorf("edge %d is temporal over %s", i, edge.Table)
		}
	}
	if last := path[len(path)-1].Target; last != end {
		return fmt.Errorf("ends at %s, want %s", last, end)
	}
	return nil
}
