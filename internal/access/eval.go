package access

import (
	"context"

	"chorus.org/internal/ledger"
)

// Evaluator matches predicates against records by walking traversal
// descriptors through a ledger reader.
type Evaluator struct {
	reader ledger.Reader
}

// NewEvaluator returns an evaluator bound to reader.
func NewEvaluator(reader ledger.Reader) Evaluator {
	return Evaluator{reader: reader}
}

// Allows reports whether the record with key id matches p.
func (e Evaluator) Allows(ctx context.Context, p Predicate, id string) (bool, error) {
	if p.Unscoped {
		return true, nil
	}
	d := Describe(p.Entity)
	if len(p.Organizations) > 0 {
		orgs, err := e.walk(ctx, d.OrgPath, id, p.Window)
		if err != nil {
			return false, err
		}
		if intersects(orgs, p.Organizations) {
			return true, nil
		}
	}
	if p.Self != "" && d.HasSelf {
		people, err := e.walk(ctx, d.SelfPath, id, p.Window)
		if err != nil {
			return false, err
		}
		if contains(people, p.Self) {
			return true, nil
		}
	}
	for _, rel := range p.Related {
		sources, err := e.reader.Follow(ctx, rel.Relation.Table, rel.Relation.Column, "id", []string{id}, ledger.Window{})
		if err != nil {
			return false, err
		}
		for _, src := range sources {
			ok, err := e.Allows(ctx, rel.Scope, src)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
	}
	return false, nil
}

// Filter returns the ids matched by p, preserving order.
func (e Evaluator) Filter(ctx context.Context, p Predicate, ids []string) ([]string, error) {
	var out []string
	for _, id := range ids {
		ok, err := e.Allows(ctx, p, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, id)
		}
	}
	return out, nil
}

// Lister is implemented by readers that evaluate predicates natively, such
// as a SQL snapshot.
type Lister interface {
	ScopedIDs(ctx context.Context, p Predicate) ([]string, error)
}

// List returns every key of p's entity table matched by p, sorted.
func (e Evaluator) List(ctx context.Context, p Predicate) ([]string, error) {
	if p.Empty() {
		return nil, nil
	}
	if l, ok := e.reader.(Lister); ok {
		return l.ScopedIDs(ctx, p)
	}
	keys, err := e.reader.Keys(ctx, Describe(p.Entity).Table)
	if err != nil {
		return nil, err
	}
	return e.Filter(ctx, p, keys)
}

// OrganizationsOf returns the organizations a record of entity belongs to.
func (e Evaluator) OrganizationsOf(ctx context.Context, entity EntityType, id string, window ledger.Window) ([]string, error) {
	return e.walk(ctx, Describe(entity).OrgPath, id, window)
}

func (e Evaluator) walk(ctx context.Context, path []Edge, id string, window ledger.Window) ([]string, error) {
	keys := []string{id}
	for _, edge := range path {
		w := ledger.Window{}
		if edge.Temporal {
			w = window
		}
		next, err := e.reader.Follow(ctx, edge.Table, edge.From, edge.To, keys, w)
		if err != nil {
			return nil, err
		}
		if len(next) == 0 {
			return nil, nil
		}
		keys = next
	}
	return keys, nil
}

func intersects(a, b []string) bool {
	set := make(map[string]struct{}, len(b))
	for _, v := range b {
		set[v] = struct{}{}
	}
	for _, v := range a {
		if _, ok := set[v]; ok {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
