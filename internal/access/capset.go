package access

import (
	"sort"

	"chorus.org/internal/perm"
)

// Grant pairs a capability with the organization it applies to. The same
// capability in two organizations is two distinct grants.
type Grant struct {
	Capability     perm.Capability `json:"capability"`
	OrganizationID string          `json:"organization_id,omitempty"`
}

// CapabilitySet is an immutable set of grants.
type CapabilitySet struct {
	grants map[Grant]struct{}
}

func newCapabilitySet(grants ...Grant) CapabilitySet {
	s := CapabilitySet{grants: make(map[Grant]struct{}, len(grants))}
	for _, g := range grants {
		if g.Capability.Valid() {
			s.grants[g] = struct{}{}
		}
	}
	return s
}

// Len returns the number of grants.
func (s CapabilitySet) Len() int { return len(s.grants) }

// Has reports whether c is held in organization orgID.
func (s CapabilitySet) Has(c perm.Capability, orgID string) bool {
	_, ok := s.grants[Grant{Capability: c, OrganizationID: orgID}]
	return ok
}

// Any reports whether c is held in at least one organization, or through an
// organization-independent role.
func (s CapabilitySet) Any(c perm.Capability) bool {
	for g := range s.grants {
		if g.Capability == c {
			return true
		}
	}
	return false
}

// Organizations returns the organizations in which c is held, sorted.
// Grants from organization-independent roles carry no organization and are
// not listed.
func (s CapabilitySet) Organizations(c perm.Capability) []string {
	var out []string
	for g := range s.grants {
		if g.Capability == c && g.OrganizationID != "" {
			out = append(out, g.OrganizationID)
		}
	}
	sort.Strings(out)
	return out
}

// Capabilities returns the distinct capabilities held anywhere.
func (s CapabilitySet) Capabilities() []perm.Capability {
	seen := make(map[perm.Capability]struct{})
	var out []perm.Capability
	for g := range s.grants {
		if _, ok := seen[g.Capability]; ok {
			continue
		}
		seen[g.Capability] = struct{}{}
		out = append(out, g.Capability)
	}
	perm.Sort(out)
	return out
}

// Grants returns every grant ordered by capability then organization.
func (s CapabilitySet) Grants() []Grant {
	out := make([]Grant, 0, len(s.grants))
	for g := range s.grants {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Capability != out[j].Capability {
			return out[i].Capability < out[j].Capability
		}
		return out[i].OrganizationID < out[j].OrganizationID
	})
	return out
}

// Equal reports whether both sets hold the same grants.
func (s CapabilitySet) Equal(other CapabilitySet) bool {
	if len(s.grants) != len(other.grants) {
		return false
	}
	for g := range s.grants {
		if _, ok := other.grants[g]; !ok {
			return false
		}
	}
	return true
}
