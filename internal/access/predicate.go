package access

import (
	"chorus.org/internal/ledger"
)

// Predicate describes a set of records of one entity type. A record matches
// when it is unscoped, belongs to one of Organizations, concerns the person
// Self, or is referenced by a record matching one of Related. The zero
// Predicate matches nothing.
type Predicate struct {
	Entity        EntityType
	Unscoped      bool
	Organizations []string
	// Window filters role holdings on temporal edges.
	Window  ledger.Window
	Self    string
	Related []RelatedPredicate
}

// RelatedPredicate matches records referenced by a Scope record through Relation.
type RelatedPredicate struct {
	Relation Relation
	Scope    Predicate
}

// Empty reports whether the predicate can match no record.
func (p Predicate) Empty() bool {
	return !p.Unscoped && len(p.Organizations) == 0 && p.Self == "" && len(p.Related) == 0
}

// Union merges q into p. Both must describe the same entity type.
func (p Predicate) Union(q Predicate) Predicate {
	if p.Entity != q.Entity {
		panic("access: union of predicates over " + p.Entity.String() + " and " + q.Entity.String())
	}
	out := p
	out.Unscoped = p.Unscoped || q.Unscoped
	out.Organizations = mergeSorted(p.Organizations, q.Organizations)
	if out.Self == "" {
		out.Self = q.Self
	}
	out.Related = append(append([]RelatedPredicate(nil), p.Related...), q.Related...)
	if q.Window.Historical {
		out.Window.Historical = true
	}
	return out
}

func (p Predicate) scopeLabel() string {
	switch {
	case p.Unscoped:
		return "all"
	case len(p.Organizations) > 0:
		return "organizations"
	default:
		return "none"
	}
}

// IncludeHistorical widens membership traversal of p, and of every related
// scope, to holdings that have already ended. It is a read-only augmentation:
// the capability set behind p is unchanged.
func IncludeHistorical(p Predicate) Predicate {
	p.Window.Historical = true
	if len(p.Related) > 0 {
		related := make([]RelatedPredicate, len(p.Related))
		for i, r := range p.Related {
			r.Scope = IncludeHistorical(r.Scope)
			related[i] = r
		}
		p.Related = related
	}
	return p
}

func mergeSorted(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	if len(a) == 0 {
		return b
	}
	out := make([]string, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		switch {
		case j >= len(b) || (i < len(a) && a[i] < b[j]):
			out = append(out, a[i])
			i++
		case i >= len(a) || b[j] < a[i]:
			out = append(out, b[j])
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}
	return out
}
