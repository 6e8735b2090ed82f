// Package fieldauth decides, field by field, what a person may change on a
// record form, and reconciles submitted values against those decisions.
package fieldauth

import (
	"fmt"

	"chorus.org/internal/access"
	"chorus.org/internal/perm"
)

// Mode is the authorization outcome for one field.
type Mode uint8

const (
	// Locked fields render their stored value; submitted changes are discarded.
	Locked Mode = iota
	Open
	// Partial applies to multi-valued relations whose enable-set is a strict
	// subset of the options.
	Partial
)

func (m Mode) String() string {
	switch m {
	case Locked:
		return "locked"
	case Open:
		return "open"
	case Partial:
		return "partial"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// Kind distinguishes plain values from relations.
type Kind uint8

const (
	Scalar Kind = iota
	Single
	Multi
)

func (k Kind) String() string {
	switch k {
	case Scalar:
		return "scalar"
	case Single:
		return "single"
	case Multi:
		return "multi"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Choice selects how the enable-set of a relation field is computed.
type Choice uint8

const (
	// AnyVisible enables every visible option.
	AnyVisible Choice = iota
	// InScope enables options in the field capability's scope over Target.
	InScope
	// HeldCapabilities enables the capabilities the editor holds in the
	// record's organization.
	HeldCapabilities
	// WithinCeiling is InScope without roles that grant a capability the
	// editor lacks in the role's organization.
	WithinCeiling
)

// FieldSpec declares one field of a surface.
type FieldSpec struct {
	Name   string
	Kind   Kind
	Target access.EntityType
	// Capability governs edits of this field. The zero value means the
	// surface entity's governing capability.
	Capability perm.Capability
	// Protected fields stay locked on structural records.
	Protected bool
	Choices   Choice
}

// Relation reports whether the field references other records.
func (f FieldSpec) Relation() bool { return f.Kind != Scalar }

// Surface is the declared set of editable fields of an entity type.
type Surface struct {
	Entity access.EntityType
	Fields []FieldSpec
}

// Field looks up a field by name.
func (s Surface) Field(name string) (FieldSpec, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}

// DeleteField is the pseudo-field that carries permission to delete a record.
const DeleteField = "delete"

var surfaces = map[access.EntityType]Surface{
	access.Person: {Entity: access.Person, Fields: []FieldSpec{
		{Name: "name"},
		{Name: "email"},
	}},
	access.Role: {Entity: access.Role, Fields: []FieldSpec{
		{Name: "name", Protected: true},
		{Name: "capabilities", Kind: Multi, Target: access.Capability, Capability: perm.Grants, Choices: HeldCapabilities},
		{Name: DeleteField, Protected: true},
	}},
	access.RoleHolding: {Entity: access.RoleHolding, Fields: []FieldSpec{
		{Name: "person", Kind: Single, Target: access.Person},
		{Name: "role", Kind: Single, Target: access.Role, Choices: WithinCeiling},
		{Name: "start"},
		{Name: "end"},
		{Name: DeleteField},
	}},
	access.Decoration: {Entity: access.Decoration, Fields: []FieldSpec{
		{Name: "name"},
		{Name: "lower_tier", Kind: Single, Target: access.Decoration, Choices: InScope},
		{Name: DeleteField},
	}},
	access.DecorationHolding: {Entity: access.DecorationHolding, Fields: []FieldSpec{
		{Name: "person", Kind: Single, Target: access.Person},
		{Name: "decoration", Kind: Single, Target: access.Decoration, Choices: InScope},
		{Name: "start"},
		{Name: DeleteField},
	}},
	access.Event: {Entity: access.Event, Fields: []FieldSpec{
		{Name: "name"},
		{Name: "start"},
		{Name: "invitees", Kind: Multi, Target: access.Person, Choices: InScope},
	}},
}

// SurfaceFor returns the surface of entity. Entities without a declared
// surface are not editable through forms, and asking for one panics.
func SurfaceFor(entity access.EntityType) Surface {
	s, ok := surfaces[entity]
	if !ok {
		panic(fmt.Sprintf("fieldauth: no surface for %s", entity))
	}
	return s
}

// HasSurface reports whether entity has a declared surface.
func HasSurface(entity access.EntityType) bool {
	_, ok := surfaces[entity]
	return ok
}

func (f FieldSpec) capability(entity access.EntityType) perm.Capability {
	if f.Capability.Valid() {
		return f.Capability
	}
	return access.Describe(entity).Capability
}
