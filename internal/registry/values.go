package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"chorus.org/internal/access"
	"chorus.org/internal/fieldauth"
	"chorus.org/internal/ledger"
)

func date(t time.Time) []string {
	return []string{ledger.Day(t).Format(ledger.DateLayout)}
}

func parseDate(field, v string) (time.Time, error) {
	t, err := time.Parse(ledger.DateLayout, strings.TrimSpace(v))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s %q is not a date", ledger.ErrInvalidInput, field, v)
	}
	return t, nil
}

func one(v string) []string {
	if v == "" {
		return nil
	}
	return []string{v}
}

func roleHoldingValues(h ledger.RoleHolding) fieldauth.Values {
	v := fieldauth.Values{
		"person": one(h.PersonID),
		"role":   one(h.RoleID),
		"start":  date(h.Start),
	}
	if h.End != nil {
		v["end"] = date(*h.End)
	}
	return v
}

func roleHoldingFrom(id string, v fieldauth.Values) (ledger.RoleHolding, error) {
	h := ledger.RoleHolding{ID: id, PersonID: v.Get("person"), RoleID: v.Get("role")}
	if s := v.Get("start"); s != "" {
		start, err := parseDate("start", s)
		if err != nil {
			return ledger.RoleHolding{}, err
		}
		h.Start = start
	}
	if s := v.Get("end"); s != "" {
		end, err := parseDate("end", s)
		if err != nil {
			return ledger.RoleHolding{}, err
		}
		h.End = &end
	}
	return h, nil
}

func decorationHoldingValues(h ledger.DecorationHolding) fieldauth.Values {
	return fieldauth.Values{
		"person":     one(h.PersonID),
		"decoration": one(h.DecorationID),
		"start":      date(h.Start),
	}
}

func decorationHoldingFrom(id string, v fieldauth.Values) (ledger.DecorationHolding, error) {
	h := ledger.DecorationHolding{ID: id, PersonID: v.Get("person"), DecorationID: v.Get("decoration")}
	if s := v.Get("start"); s != "" {
		start, err := parseDate("start", s)
		if err != nil {
			return ledger.DecorationHolding{}, err
		}
		h.Start = start
	}
	return h, nil
}

func roleValues(r ledger.Role, grants []string) fieldauth.Values {
	caps := append([]string(nil), grants...)
	sort.Strings(caps)
	return fieldauth.Values{"name": one(r.Name), "capabilities": caps}
}

// load returns the record behind a form together with its organization.
func load(ctx context.Context, r ledger.Reader, entity access.EntityType, id string) (fieldauth.Record, string, error) {
	rec := fieldauth.Record{Entity: entity, ID: id}
	var org string
	switch entity {
	case access.Person:
		p, err := r.Person(ctx, id)
		if err != nil {
			return rec, "", err
		}
		rec.Values = fieldauth.Values{"name": one(p.Name), "email": one(p.Email)}
	case access.Role:
		role, err := r.Role(ctx, id)
		if err != nil {
			return rec, "", err
		}
		grants, err := r.Grants(ctx, id)
		if err != nil {
			return rec, "", err
		}
		rec.Structural = role.Structural
		rec.Values = roleValues(role, grants)
		org = role.OrganizationID
	case access.RoleHolding:
		h, err := r.RoleHolding(ctx, id)
		if err != nil {
			return rec, "", err
		}
		role, err := r.Role(ctx, h.RoleID)
		if err != nil {
			return rec, "", err
		}
		rec.Values = roleHoldingValues(h)
		org = role.OrganizationID
	case access.Decoration:
		d, err := r.Decoration(ctx, id)
		if err != nil {
			return rec, "", err
		}
		rec.Values = fieldauth.Values{"name": one(d.Name), "lower_tier": one(d.LowerTierID)}
		org = d.OrganizationID
	case access.DecorationHolding:
		h, err := r.DecorationHolding(ctx, id)
		if err != nil {
			return rec, "", err
		}
		d, err := r.Decoration(ctx, h.DecorationID)
		if err != nil {
			return rec, "", err
		}
		rec.Values = decorationHoldingValues(h)
		org = d.OrganizationID
	case access.Event:
		e, err := r.Event(ctx, id)
		if err != nil {
			return rec, "", err
		}
		invitees, err := r.Follow(ctx, ledger.TableAttendances, "event_id", "person_id", []string{id}, ledger.Window{})
		if err != nil {
			return rec, "", err
		}
		rec.Values = fieldauth.Values{"name": one(e.Name), "start": date(e.Start), "invitees": invitees}
		org = e.OrganizationID
	default:
		return rec, "", fmt.Errorf("%w: %s has no form", ledger.ErrNotFound, entity)
	}
	return rec, org, nil
}
