package pg

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"chorus.org/internal/access"
)

// CompilePredicate renders p as a SQL boolean expression over key, the
// expression holding a record key of p's entity. Bind values are appended to
// args so the result can be embedded with further parameters.
func CompilePredicate(p access.Predicate, key string, args *[]any) (string, error) {
	c := compiler{args: args}
	return c.predicate(p, key)
}

type compiler struct {
	args  *[]any
	alias int
}

func (c *compiler) next() string {
	c.alias++
	return "t" + strconv.Itoa(c.alias)
}

func (c *compiler) predicate(p access.Predicate, key string) (string, error) {
	if p.Unscoped {
		return "true", nil
	}
	if p.Empty() {
		return "false", nil
	}
	d := access.Describe(p.Entity)
	var terms []string
	if len(p.Organizations) > 0 {
		t, err := c.path(d.OrgPath, key, p.Organizations, p)
		if err != nil {
			return "", err
		}
		terms = append(terms, t)
	}
	if p.Self != "" && d.HasSelf {
		t, err := c.path(d.SelfPath, key, []string{p.Self}, p)
		if err != nil {
			return "", err
		}
		terms = append(terms, t)
	}
	for _, rel := range p.Related {
		if err := checkColumn(rel.Relation.Table, rel.Relation.Column); err != nil {
			return "", err
		}
		a := c.next()
		inner, err := c.predicate(rel.Scope, a+".id")
		if err != nil {
			return "", err
		}
		terms = append(terms, fmt.Sprintf("%s in (select %s.%s from %s %s where %s)",
			key, a, rel.Relation.Column, rel.Relation.Table, a, inner))
	}
	if len(terms) == 0 {
		return "false", nil
	}
	if len(terms) == 1 {
		return terms[0], nil
	}
	return "(" + strings.Join(terms, " or ") + ")", nil
}

// path renders "key reaches one of values along path". Each edge becomes a
// nested subquery; temporal edges carry the predicate window.
func (c *compiler) path(path []access.Edge, key string, values []string, p access.Predicate) (string, error) {
	if len(path) == 0 {
		return fmt.Sprintf("%s in (%s)", key, placeholders(c.args, values)), nil
	}
	e := path[0]
	if err := checkColumn(e.Table, e.From); err != nil {
		return "", err
	}
	if err := checkColumn(e.Table, e.To); err != nil {
		return "", err
	}
	a := c.next()
	inner, err := c.path(path[1:], a+"."+e.To, values, p)
	if err != nil {
		return "", err
	}
	if e.Temporal {
		if w := windowCondition(c.args, a, p.Window); w != "" {
			inner += " and " + w
		}
	}
	return fmt.Sprintf("%s in (select %s.%s from %s %s where %s)", key, a, e.From, e.Table, a, inner), nil
}

// ScopedIDs lists the keys of p's entity matched by p, sorted.
func (s *Store) ScopedIDs(ctx context.Context, p access.Predicate) ([]string, error) {
	return scopedIDs(ctx, reader{q: s.db}, p)
}

// ScopedIDs evaluates p inside the snapshot transaction.
func (s *snapshot) ScopedIDs(ctx context.Context, p access.Predicate) ([]string, error) {
	return scopedIDs(ctx, s.reader, p)
}

func scopedIDs(ctx context.Context, r reader, p access.Predicate) ([]string, error) {
	if p.Empty() {
		return nil, nil
	}
	table := access.Describe(p.Entity).Table
	if err := checkColumn(table, "id"); err != nil {
		return nil, err
	}
	var args []any
	where, err := CompilePredicate(p, "r.id", &args)
	if err != nil {
		return nil, err
	}
	return r.strings(ctx, fmt.Sprintf("select r.id from %s r where %s order by r.id", table, where), args...)
}
