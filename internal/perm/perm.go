// Package perm declares the closed set of capabilities a role can confer.
package perm

import (
	"sort"
	"strings"
)

// Capability identifies one permission. The zero value is not a valid capability.
type Capability uint8

const (
	invalid Capability = iota
	Decoration
	DecorationHolding
	Role
	RoleHolding
	Grants
	MemberData
	Schedule
	Attendance
	Link
	Tour
	Export
	CrossOrg
	sentinel
)

var names = [...]string{
	invalid:           "",
	Decoration:        "decoration",
	DecorationHolding: "decorationHolding",
	Role:              "role",
	RoleHolding:       "roleHolding",
	Grants:            "capability",
	MemberData:        "memberData",
	Schedule:          "schedule",
	Attendance:        "attendance",
	Link:              "link",
	Tour:              "tour",
	Export:            "export",
	CrossOrg:          "tversAvKor",
}

var byName = func() map[string]Capability {
	m := make(map[string]Capability, len(names))
	for c := Decoration; c < sentinel; c++ {
		m[strings.ToLower(names[c])] = c
	}
	return m
}()

// String returns the stored name of the capability.
func (c Capability) String() string {
	if !c.Valid() {
		return "unknown"
	}
	return names[c]
}

// Valid reports whether c belongs to the enumeration.
func (c Capability) Valid() bool {
	return c > invalid && c < sentinel
}

// Parse maps a stored capability name to its identifier. Names are matched
// case-insensitively; unknown names report false.
func Parse(name string) (Capability, bool) {
	c, ok := byName[strings.ToLower(strings.TrimSpace(name))]
	return c, ok
}

// ParseList parses every known name in names and silently drops the rest.
func ParseList(list []string) []Capability {
	out := make([]Capability, 0, len(list))
	seen := make(map[Capability]struct{}, len(list))
	for _, name := range list {
		c, ok := Parse(name)
		if !ok {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	Sort(out)
	return out
}

// All returns every capability in declaration order.
func All() []Capability {
	out := make([]Capability, 0, int(sentinel)-1)
	for c := Decoration; c < sentinel; c++ {
		out = append(out, c)
	}
	return out
}

// Sort orders capabilities by declaration order.
func Sort(caps []Capability) {
	sort.Slice(caps, func(i, j int) bool { return caps[i] < caps[j] })
}

// MarshalText implements encoding.TextMarshaler so capabilities encode by name.
func (c Capability) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Unknown names decode to
// the invalid capability, which grants nothing.
func (c *Capability) UnmarshalText(text []byte) error {
	parsed, _ := Parse(string(text))
	*c = parsed
	return nil
}

// Describe returns a short description shown next to the capability in grant editors.
func (c Capability) Describe() string {
	switch c {
	case Decoration:
		return "Create, edit and delete decorations."
	case DecorationHolding:
		return "Award and revoke decorations."
	case Role:
		return "Create, edit and delete roles."
	case RoleHolding:
		return "Assign people to roles and end their holdings."
	case Grants:
		return "Change which capabilities a role confers."
	case MemberData:
		return "View and edit member data."
	case Schedule:
		return "Edit the season schedule and its events."
	case Attendance:
		return "Register and approve attendance."
	case Link:
		return "Manage links."
	case Tour:
		return "Manage tours and their participants."
	case Export:
		return "Export member lists."
	case CrossOrg:
		return "Relate records across choirs when the personal cross-choir setting is on."
	case invalid, sentinel:
		return ""
	}
	return ""
}
