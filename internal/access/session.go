package access

import (
	"context"

	"chorus.org/internal/ledger"
	"chorus.org/internal/obs"
	"chorus.org/internal/perm"
)

// Session memoizes authorization decisions for a single request. It reads
// through one snapshot and is not safe for concurrent use.
type Session struct {
	subject  Subject
	reader   ledger.Reader
	caps     CapabilitySet
	crossOrg bool
	scoped   map[scopeKey]Predicate
}

type scopeKey struct {
	entity EntityType
	cap    perm.Capability
}

// Subject returns the request context the session was built for.
func (s *Session) Subject() Subject { return s.subject }

// Reader returns the snapshot the session reads through.
func (s *Session) Reader() ledger.Reader { return s.reader }

// Capabilities returns the subject's effective capability set.
func (s *Session) Capabilities() CapabilitySet { return s.caps }

// CrossOrg reports whether organization scoping is lifted for this subject.
func (s *Session) CrossOrg() bool { return s.crossOrg }

// ScopedSet returns the predicate selecting records of entity the subject may
// act on with capability c. Invalid capabilities select nothing.
func (s *Session) ScopedSet(entity EntityType, c perm.Capability) Predicate {
	Describe(entity)
	key := scopeKey{entity: entity, cap: c}
	if p, ok := s.scoped[key]; ok {
		return p
	}
	p := Predicate{Entity: entity, Window: ledger.Window{AsOf: s.subject.AsOf}}
	switch {
	case !c.Valid():
	case s.crossOrg:
		p.Unscoped = true
	default:
		p.Organizations = s.caps.Organizations(c)
	}
	obs.ObserveScope(entity.String(), p.scopeLabel())
	s.scoped[key] = p
	return p
}

// EditSet is ScopedSet with the entity's governing capability.
func (s *Session) EditSet(entity EntityType) Predicate {
	d := Describe(entity)
	if d.Public {
		return Predicate{Entity: entity}
	}
	return s.ScopedSet(entity, d.Capability)
}

// VisibleSet returns the read-only predicate for entity: the capability scope
// united with records that concern the subject and records referenced by
// other records the subject may access. With IncludeInactive the membership
// traversal also counts ended holdings.
func (s *Session) VisibleSet(entity EntityType) Predicate {
	d := Describe(entity)
	var p Predicate
	if d.Public {
		p = Predicate{Entity: entity, Unscoped: true}
	} else {
		p = s.ScopedSet(entity, d.Capability)
	}
	if d.HasSelf && s.subject.PersonID != "" {
		p.Self = s.subject.PersonID
	}
	for _, rel := range d.Related {
		inner := s.EditSet(rel.Source)
		if inner.Empty() {
			continue
		}
		p.Related = append(p.Related, RelatedPredicate{Relation: rel, Scope: inner})
	}
	if s.subject.Overrides.IncludeInactive {
		p = IncludeHistorical(p)
	}
	return p
}

// Allows evaluates p for one record through the session snapshot.
func (s *Session) Allows(ctx context.Context, p Predicate, id string) (bool, error) {
	return NewEvaluator(s.reader).Allows(ctx, p, id)
}

// Filter keeps the ids matched by p.
func (s *Session) Filter(ctx context.Context, p Predicate, ids []string) ([]string, error) {
	return NewEvaluator(s.reader).Filter(ctx, p, ids)
}
