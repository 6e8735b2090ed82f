package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"chorus.org/internal/ids"
	"chorus.org/internal/ledger"
	"chorus.org/internal/perm"
)

func (s *Store) CreateOrganization(ctx context.Context, org ledger.Organization) (ledger.Organization, error) {
	if err := ledger.Validate(&org); err != nil {
		return ledger.Organization{}, err
	}
	if org.ID == "" {
		org.ID = ids.New()
	}
	if _, err := s.db.ExecContext(ctx,
		`insert into organizations (id, name) values ($1, $2)`, org.ID, org.Name); err != nil {
		return ledger.Organization{}, mapError(err, fmt.Sprintf("organization %q", org.Name))
	}
	return org, nil
}

func (s *Store) CreatePerson(ctx context.Context, p ledger.Person) (ledger.Person, error) {
	if err := ledger.Validate(&p); err != nil {
		return ledger.Person{}, err
	}
	if p.ID == "" {
		p.ID = ids.New()
	}
	if _, err := s.db.ExecContext(ctx, `
		insert into people (id, name, email, login_id, cross_org)
		values ($1, $2, $3, $4, $5)`,
		p.ID, p.Name, nullIfEmpty(p.Email), nullIfEmpty(p.LoginID), p.Preferences.CrossOrg); err != nil {
		return ledger.Person{}, mapError(err, "person "+p.ID)
	}
	return p, nil
}

func (s *Store) UpdatePreferences(ctx context.Context, personID string, prefs ledger.Preferences) error {
	res, err := s.db.ExecContext(ctx, `update people set cross_org = $2 where id = $1`, personID, prefs.CrossOrg)
	if err != nil {
		return err
	}
	return affected(res, fmt.Errorf("%w: person %s", ledger.ErrNotFound, personID))
}

func (s *Store) CreateRole(ctx context.Context, r ledger.Role) (ledger.Role, error) {
	if err := ledger.Validate(&r); err != nil {
		return ledger.Role{}, err
	}
	if r.ID == "" {
		r.ID = ids.New()
	}
	if _, err := s.db.ExecContext(ctx, `
		insert into roles (id, name, organization_id, structural)
		values ($1, $2, $3, $4)`,
		r.ID, r.Name, nullIfEmpty(r.OrganizationID), r.Structural); err != nil {
		return ledger.Role{}, mapError(err, fmt.Sprintf("role %q", r.Name))
	}
	return r, nil
}

// UpdateRole renames the role and replaces its grants in one transaction.
func (s *Store) UpdateRole(ctx context.Context, id, name string, caps []perm.Capability) (ledger.Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return ledger.Role{}, fmt.Errorf("%w: name is required", ledger.ErrInvalidInput)
	}
	names, err := grantNames(caps)
	if err != nil {
		return ledger.Role{}, err
	}
	var out ledger.Role
	err = s.inTx(ctx, nil, func(tx *sql.Tx) error {
		var err error
		if out, err = renameRole(ctx, tx, id, name); err != nil {
			return err
		}
		return replaceGrants(ctx, tx, id, names)
	})
	if err != nil {
		return ledger.Role{}, err
	}
	return out, nil
}

// renameRole locks the role row and renames it unless it is structural.
func renameRole(ctx context.Context, tx *sql.Tx, id, name string) (ledger.Role, error) {
	r, err := lockRole(ctx, tx, id)
	if err != nil {
		return ledger.Role{}, err
	}
	if r.Name == name {
		return r, nil
	}
	if r.Structural {
		return ledger.Role{}, fmt.Errorf("%w: role %q", ledger.ErrProtected, r.Name)
	}
	if _, err := tx.ExecContext(ctx, `update roles set name = $2 where id = $1`, id, name); err != nil {
		return ledger.Role{}, mapError(err, fmt.Sprintf("role %q", name))
	}
	r.Name = name
	return r, nil
}

func lockRole(ctx context.Context, tx *sql.Tx, id string) (ledger.Role, error) {
	return scanRole(tx.QueryRowContext(ctx, `
		select id, name, organization_id, structural
		from roles where id = $1 for update`, id), id)
}

func (s *Store) DeleteRole(ctx context.Context, id string) error {
	return s.inTx(ctx, nil, func(tx *sql.Tx) error {
		r, err := lockRole(ctx, tx, id)
		if err != nil {
			return err
		}
		if r.Structural {
			return fmt.Errorf("%w: role %q", ledger.ErrProtected, r.Name)
		}
		var held bool
		if err := tx.QueryRowContext(ctx,
			`select exists (select 1 from role_holdings where role_id = $1)`, id).Scan(&held); err != nil {
			return err
		}
		if held {
			return fmt.Errorf("%w: role %q has holdings", ledger.ErrConflict, r.Name)
		}
		if _, err := tx.ExecContext(ctx, `delete from roles where id = $1`, id); err != nil {
			return mapError(err, fmt.Sprintf("role %q", r.Name))
		}
		return nil
	})
}

func (s *Store) SetGrants(ctx context.Context, roleID string, caps []perm.Capability) error {
	names, err := grantNames(caps)
	if err != nil {
		return err
	}
	return s.inTx(ctx, nil, func(tx *sql.Tx) error {
		if _, err := lockRole(ctx, tx, roleID); err != nil {
			return err
		}
		return replaceGrants(ctx, tx, roleID, names)
	})
}

func grantNames(caps []perm.Capability) ([]string, error) {
	names := make([]string, 0, len(caps))
	seen := make(map[string]struct{}, len(caps))
	for _, c := range caps {
		if !c.Valid() {
			return nil, fmt.Errorf("%w: unknown capability", ledger.ErrInvalidInput)
		}
		if _, dup := seen[c.String()]; dup {
			continue
		}
		seen[c.String()] = struct{}{}
		names = append(names, c.String())
	}
	sort.Strings(names)
	return names, nil
}

func replaceGrants(ctx context.Context, tx *sql.Tx, roleID string, names []string) error {
	if _, err := tx.ExecContext(ctx, `delete from role_capabilities where role_id = $1`, roleID); err != nil {
		return err
	}
	for _, name := range names {
		if _, err := tx.ExecContext(ctx,
			`insert into role_capabilities (role_id, capability_id) values ($1, $2)`, roleID, name); err != nil {
			return mapError(err, "grant "+name)
		}
	}
	return nil
}

func (s *Store) CreateRoleHolding(ctx context.Context, h ledger.RoleHolding) (ledger.RoleHolding, error) {
	if err := ledger.ValidateRoleHolding(&h); err != nil {
		return ledger.RoleHolding{}, err
	}
	if h.ID == "" {
		h.ID = ids.New()
	}
	if _, err := s.db.ExecContext(ctx, `
		insert into role_holdings (id, person_id, role_id, start_date, end_date)
		values ($1, $2, $3, $4, $5)`,
		h.ID, h.PersonID, h.RoleID, h.Start, nullDate(h.End)); err != nil {
		return ledger.RoleHolding{}, mapError(err, holdingLabel(h.PersonID, h.RoleID, h.Start))
	}
	return h, nil
}

func (s *Store) UpdateRoleHolding(ctx context.Context, h ledger.RoleHolding) (ledger.RoleHolding, error) {
	if err := ledger.ValidateRoleHolding(&h); err != nil {
		return ledger.RoleHolding{}, err
	}
	res, err := s.db.ExecContext(ctx, `
		update role_holdings
		set person_id = $2, role_id = $3, start_date = $4, end_date = $5
		where id = $1`,
		h.ID, h.PersonID, h.RoleID, h.Start, nullDate(h.End))
	if err != nil {
		return ledger.RoleHolding{}, mapError(err, holdingLabel(h.PersonID, h.RoleID, h.Start))
	}
	if err := affected(res, fmt.Errorf("%w: role holding %s", ledger.ErrNotFound, h.ID)); err != nil {
		return ledger.RoleHolding{}, err
	}
	return h, nil
}

func (s *Store) DeleteRoleHolding(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from role_holdings where id = $1`, id)
	if err != nil {
		return err
	}
	return affected(res, fmt.Errorf("%w: role holding %s", ledger.ErrNotFound, id))
}

func (s *Store) CreateDecoration(ctx context.Context, d ledger.Decoration) (ledger.Decoration, error) {
	if err := ledger.Validate(&d); err != nil {
		return ledger.Decoration{}, err
	}
	if d.ID == "" {
		d.ID = ids.New()
	}
	err := s.inTx(ctx, serializable, func(tx *sql.Tx) error {
		decorations, err := reader{q: tx}.decorations(ctx)
		if err != nil {
			return err
		}
		lower := d.LowerTierID
		placed := d
		placed.LowerTierID = ""
		decorations[d.ID] = placed
		if err := ledger.ValidateTierLink(decorations, d.ID, lower); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			insert into decorations (id, name, organization_id, lower_tier_id)
			values ($1, $2, $3, $4)`,
			d.ID, d.Name, d.OrganizationID, nullIfEmpty(lower)); err != nil {
			return mapError(err, fmt.Sprintf("decoration %q", d.Name))
		}
		return nil
	})
	if err != nil {
		return ledger.Decoration{}, err
	}
	return d, nil
}

func (s *Store) SetLowerTier(ctx context.Context, decorationID, lowerID string) error {
	return s.inTx(ctx, serializable, func(tx *sql.Tx) error {
		r := reader{q: tx}
		decorations, err := r.decorations(ctx)
		if err != nil {
			return err
		}
		d, ok := decorations[decorationID]
		if !ok {
			return fmt.Errorf("%w: decoration %s", ledger.ErrNotFound, decorationID)
		}
		if err := ledger.ValidateTierLink(decorations, decorationID, lowerID); err != nil {
			return err
		}
		d.LowerTierID = lowerID
		decorations[decorationID] = d
		holders, err := r.strings(ctx, `
			select distinct person_id from decoration_holdings
			where decoration_id = $1 order by person_id`, decorationID)
		if err != nil {
			return err
		}
		for _, personID := range holders {
			held, err := r.DecorationHoldingsOf(ctx, personID)
			if err != nil {
				return err
			}
			if err := ledger.CheckDecorationOrder(decorations, held); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx,
			`update decorations set lower_tier_id = $2 where id = $1`, decorationID, nullIfEmpty(lowerID)); err != nil {
			return mapError(err, fmt.Sprintf("decoration %q", d.Name))
		}
		return nil
	})
}

// checkDecorationHoldings validates each person's holdings as they would be
// after replacing or removing holding id with next.
func checkDecorationHoldings(ctx context.Context, r reader, decorations map[string]ledger.Decoration, id string, next *ledger.DecorationHolding, people ...string) error {
	for _, personID := range people {
		held, err := r.DecorationHoldingsOf(ctx, personID)
		if err != nil {
			return err
		}
		after := held[:0]
		for _, h := range held {
			if h.ID != id {
				after = append(after, h)
			}
		}
		if next != nil && next.PersonID == personID {
			after = append(after, *next)
		}
		if err := ledger.CheckDecorationOrder(decorations, after); err != nil {
			return err
		}
	}
	return nil
}

func decorationRefs(ctx context.Context, r reader, decorations map[string]ledger.Decoration, h ledger.DecorationHolding) error {
	if _, err := r.Person(ctx, h.PersonID); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return fmt.Errorf("%w: unknown person %s", ledger.ErrInvalidInput, h.PersonID)
		}
		return err
	}
	if _, ok := decorations[h.DecorationID]; !ok {
		return fmt.Errorf("%w: unknown decoration %s", ledger.ErrInvalidInput, h.DecorationID)
	}
	var other string
	err := r.q.QueryRowContext(ctx, `
		select id from decoration_holdings
		where person_id = $1 and decoration_id = $2 and start_date = $3 and id <> $4`,
		h.PersonID, h.DecorationID, h.Start, h.ID).Scan(&other)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil
	case err != nil:
		return err
	}
	return fmt.Errorf("%w: holding %s already starts on %s", ledger.ErrConflict, other, h.Start.Format(ledger.DateLayout))
}

func (s *Store) CreateDecorationHolding(ctx context.Context, h ledger.DecorationHolding) (ledger.DecorationHolding, error) {
	if err := ledger.ValidateDecorationHolding(&h); err != nil {
		return ledger.DecorationHolding{}, err
	}
	if h.ID == "" {
		h.ID = ids.New()
	}
	err := s.inTx(ctx, serializable, func(tx *sql.Tx) error {
		r := reader{q: tx}
		decorations, err := r.decorations(ctx)
		if err != nil {
			return err
		}
		if err := decorationRefs(ctx, r, decorations, h); err != nil {
			return err
		}
		if err := checkDecorationHoldings(ctx, r, decorations, h.ID, &h, h.PersonID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			insert into decoration_holdings (id, person_id, decoration_id, start_date)
			values ($1, $2, $3, $4)`,
			h.ID, h.PersonID, h.DecorationID, h.Start); err != nil {
			return mapError(err, "decoration holding "+h.ID)
		}
		return nil
	})
	if err != nil {
		return ledger.DecorationHolding{}, err
	}
	return h, nil
}

func (s *Store) UpdateDecorationHolding(ctx context.Context, h ledger.DecorationHolding) (ledger.DecorationHolding, error) {
	if err := ledger.ValidateDecorationHolding(&h); err != nil {
		return ledger.DecorationHolding{}, err
	}
	err := s.inTx(ctx, serializable, func(tx *sql.Tx) error {
		r := reader{q: tx}
		prev, err := r.DecorationHolding(ctx, h.ID)
		if err != nil {
			return err
		}
		decorations, err := r.decorations(ctx)
		if err != nil {
			return err
		}
		if err := decorationRefs(ctx, r, decorations, h); err != nil {
			return err
		}
		people := []string{h.PersonID}
		if prev.PersonID != h.PersonID {
			people = append(people, prev.PersonID)
		}
		if err := checkDecorationHoldings(ctx, r, decorations, h.ID, &h, people...); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			update decoration_holdings
			set person_id = $2, decoration_id = $3, start_date = $4
			where id = $1`,
			h.ID, h.PersonID, h.DecorationID, h.Start); err != nil {
			return mapError(err, "decoration holding "+h.ID)
		}
		return nil
	})
	if err != nil {
		return ledger.DecorationHolding{}, err
	}
	return h, nil
}

func (s *Store) DeleteDecorationHolding(ctx context.Context, id string) error {
	return s.inTx(ctx, serializable, func(tx *sql.Tx) error {
		r := reader{q: tx}
		prev, err := r.DecorationHolding(ctx, id)
		if err != nil {
			return err
		}
		decorations, err := r.decorations(ctx)
		if err != nil {
			return err
		}
		if err := checkDecorationHoldings(ctx, r, decorations, id, nil, prev.PersonID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `delete from decoration_holdings where id = $1`, id)
		return err
	})
}

func (s *Store) CreateEvent(ctx context.Context, e ledger.Event) (ledger.Event, error) {
	if err := ledger.Validate(&e); err != nil {
		return ledger.Event{}, err
	}
	if e.ID == "" {
		e.ID = ids.New()
	}
	e.Start = ledger.Day(e.Start)
	if _, err := s.db.ExecContext(ctx, `
		insert into events (id, name, organization_id, start_date)
		values ($1, $2, $3, $4)`,
		e.ID, e.Name, e.OrganizationID, e.Start); err != nil {
		return ledger.Event{}, mapError(err, fmt.Sprintf("event %q", e.Name))
	}
	return e, nil
}

func (s *Store) CreateAttendance(ctx context.Context, a ledger.Attendance) (ledger.Attendance, error) {
	if err := ledger.Validate(&a); err != nil {
		return ledger.Attendance{}, err
	}
	if a.ID == "" {
		a.ID = ids.New()
	}
	if _, err := s.db.ExecContext(ctx, `
		insert into attendances (id, event_id, person_id)
		values ($1, $2, $3)`, a.ID, a.EventID, a.PersonID); err != nil {
		return ledger.Attendance{}, mapError(err, "attendance of "+a.PersonID)
	}
	return a, nil
}

func holdingLabel(personID, roleID string, start time.Time) string {
	return fmt.Sprintf("holding of role %s by %s from %s", roleID, personID, start.Format(ledger.DateLayout))
}
