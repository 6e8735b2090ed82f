package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"chorus.org/internal/ledger"
)

// columns lists, per table, the key columns traversals may name. Table and
// column names are spliced into SQL, so anything outside this list is refused.
var columns = map[string][]string{
	ledger.TableOrganizations:      {"id"},
	ledger.TablePeople:             {"id"},
	ledger.TableRoles:              {"id", "organization_id"},
	ledger.TableGrants:             {"role_id", "capability_id"},
	ledger.TableCapabilities:       {"id"},
	ledger.TableRoleHoldings:       {"id", "person_id", "role_id"},
	ledger.TableDecorations:        {"id", "organization_id", "lower_tier_id"},
	ledger.TableDecorationHoldings: {"id", "person_id", "decoration_id"},
	ledger.TableEvents:             {"id", "organization_id"},
	ledger.TableAttendances:        {"id", "event_id", "person_id"},
}

func checkColumn(table, column string) error {
	cols, ok := columns[table]
	if !ok {
		return fmt.Errorf("unknown table %q", table)
	}
	for _, c := range cols {
		if c == column {
			return nil
		}
	}
	return fmt.Errorf("unknown column %s.%s", table, column)
}

type reader struct {
	q querier
}

func (r reader) Organizations(ctx context.Context) ([]ledger.Organization, error) {
	rows, err := r.q.QueryContext(ctx, `select id, name from organizations order by id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ledger.Organization
	for rows.Next() {
		var o ledger.Organization
		if err := rows.Scan(&o.ID, &o.Name); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (r reader) Person(ctx context.Context, id string) (ledger.Person, error) {
	var (
		p            ledger.Person
		email, login sql.NullString
	)
	err := r.q.QueryRowContext(ctx, `
		select id, name, email, login_id, cross_org
		from people where id = $1`, id).
		Scan(&p.ID, &p.Name, &email, &login, &p.Preferences.CrossOrg)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Person{}, fmt.Errorf("%w: person %s", ledger.ErrNotFound, id)
	}
	if err != nil {
		return ledger.Person{}, err
	}
	p.Email, p.LoginID = email.String, login.String
	return p, nil
}

func (r reader) Role(ctx context.Context, id string) (ledger.Role, error) {
	return scanRole(r.q.QueryRowContext(ctx, `
		select id, name, organization_id, structural
		from roles where id = $1`, id), id)
}

func scanRole(row *sql.Row, id string) (ledger.Role, error) {
	var (
		role ledger.Role
		org  sql.NullString
	)
	err := row.Scan(&role.ID, &role.Name, &org, &role.Structural)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Role{}, fmt.Errorf("%w: role %s", ledger.ErrNotFound, id)
	}
	if err != nil {
		return ledger.Role{}, err
	}
	role.OrganizationID = org.String
	return role, nil
}

func (r reader) Grants(ctx context.Context, roleID string) ([]string, error) {
	rows, err := r.q.QueryContext(ctx, `
		select r.id, rc.capability_id
		from roles r
		left join role_capabilities rc on rc.role_id = r.id
		where r.id = $1
		order by rc.capability_id`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	found := false
	out := []string{}
	for rows.Next() {
		var (
			id   string
			name sql.NullString
		)
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		found = true
		if name.Valid {
			out = append(out, name.String)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: role %s", ledger.ErrNotFound, roleID)
	}
	return out, nil
}

const roleHoldingColumns = `id, person_id, role_id, start_date, end_date`

type scanner interface {
	Scan(dest ...any) error
}

func scanRoleHolding(s scanner) (ledger.RoleHolding, error) {
	var (
		h   ledger.RoleHolding
		end sql.NullTime
	)
	if err := s.Scan(&h.ID, &h.PersonID, &h.RoleID, &h.Start, &end); err != nil {
		return ledger.RoleHolding{}, err
	}
	h.Start = ledger.Day(h.Start)
	if end.Valid {
		e := ledger.Day(end.Time)
		h.End = &e
	}
	return h, nil
}

func (r reader) RoleHolding(ctx context.Context, id string) (ledger.RoleHolding, error) {
	h, err := scanRoleHolding(r.q.QueryRowContext(ctx,
		`select `+roleHoldingColumns+` from role_holdings where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.RoleHolding{}, fmt.Errorf("%w: role holding %s", ledger.ErrNotFound, id)
	}
	return h, err
}

func (r reader) RoleHoldingsOf(ctx context.Context, personID string) ([]ledger.RoleHolding, error) {
	rows, err := r.q.QueryContext(ctx,
		`select `+roleHoldingColumns+` from role_holdings where person_id = $1 order by id`, personID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ledger.RoleHolding
	for rows.Next() {
		h, err := scanRoleHolding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func scanDecoration(s scanner) (ledger.Decoration, error) {
	var (
		d     ledger.Decoration
		lower sql.NullString
	)
	if err := s.Scan(&d.ID, &d.Name, &d.OrganizationID, &lower); err != nil {
		return ledger.Decoration{}, err
	}
	d.LowerTierID = lower.String
	return d, nil
}

func (r reader) Decoration(ctx context.Context, id string) (ledger.Decoration, error) {
	d, err := scanDecoration(r.q.QueryRowContext(ctx, `
		select id, name, organization_id, lower_tier_id
		from decorations where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Decoration{}, fmt.Errorf("%w: decoration %s", ledger.ErrNotFound, id)
	}
	return d, err
}

// decorations loads every decoration keyed by id.
func (r reader) decorations(ctx context.Context) (map[string]ledger.Decoration, error) {
	rows, err := r.q.QueryContext(ctx, `select id, name, organization_id, lower_tier_id from decorations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]ledger.Decoration)
	for rows.Next() {
		d, err := scanDecoration(rows)
		if err != nil {
			return nil, err
		}
		out[d.ID] = d
	}
	return out, rows.Err()
}

func scanDecorationHolding(s scanner) (ledger.DecorationHolding, error) {
	var h ledger.DecorationHolding
	if err := s.Scan(&h.ID, &h.PersonID, &h.DecorationID, &h.Start); err != nil {
		return ledger.DecorationHolding{}, err
	}
	h.Start = ledger.Day(h.Start)
	return h, nil
}

func (r reader) DecorationHolding(ctx context.Context, id string) (ledger.DecorationHolding, error) {
	h, err := scanDecorationHolding(r.q.QueryRowContext(ctx, `
		select id, person_id, decoration_id, start_date
		from decoration_holdings where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.DecorationHolding{}, fmt.Errorf("%w: decoration holding %s", ledger.ErrNotFound, id)
	}
	return h, err
}

func (r reader) DecorationHoldingsOf(ctx context.Context, personID string) ([]ledger.DecorationHolding, error) {
	rows, err := r.q.QueryContext(ctx, `
		select id, person_id, decoration_id, start_date
		from decoration_holdings where person_id = $1 order by id`, personID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ledger.DecorationHolding
	for rows.Next() {
		h, err := scanDecorationHolding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (r reader) Event(ctx context.Context, id string) (ledger.Event, error) {
	var e ledger.Event
	err := r.q.QueryRowContext(ctx, `
		select id, name, organization_id, start_date
		from events where id = $1`, id).
		Scan(&e.ID, &e.Name, &e.OrganizationID, &e.Start)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Event{}, fmt.Errorf("%w: event %s", ledger.ErrNotFound, id)
	}
	if err != nil {
		return ledger.Event{}, err
	}
	e.Start = ledger.Day(e.Start)
	return e, nil
}

func (r reader) Keys(ctx context.Context, table string) ([]string, error) {
	if err := checkColumn(table, "id"); err != nil {
		return nil, err
	}
	return r.strings(ctx, `select id from `+table+` order by id`)
}

func (r reader) Follow(ctx context.Context, table, from, to string, keys []string, window ledger.Window) ([]string, error) {
	if err := checkColumn(table, from); err != nil {
		return nil, err
	}
	if err := checkColumn(table, to); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}
	var args []any
	var b strings.Builder
	fmt.Fprintf(&b, "select distinct %s from %s where %s in (%s) and %s is not null",
		to, table, from, placeholders(&args, keys), to)
	if table == ledger.TableRoleHoldings {
		if cond := windowCondition(&args, "", window); cond != "" {
			b.WriteString(" and ")
			b.WriteString(cond)
		}
	}
	fmt.Fprintf(&b, " order by %s", to)
	return r.strings(ctx, b.String(), args...)
}

func (r reader) strings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// placeholders appends values to args and returns their "$n" list.
func placeholders(args *[]any, values []string) string {
	parts := make([]string, len(values))
	for i, v := range values {
		*args = append(*args, v)
		parts[i] = "$" + strconv.Itoa(len(*args))
	}
	return strings.Join(parts, ", ")
}

func bind(args *[]any, v any) string {
	*args = append(*args, v)
	return "$" + strconv.Itoa(len(*args))
}

// windowCondition renders w over role holding columns qualified by alias.
// The zero window admits every holding and renders nothing.
func windowCondition(args *[]any, alias string, w ledger.Window) string {
	if w.AsOf.IsZero() {
		return ""
	}
	if alias != "" {
		alias += "."
	}
	day := ledger.Day(w.AsOf)
	if w.Historical {
		return fmt.Sprintf("%sstart_date <= %s", alias, bind(args, day))
	}
	p := bind(args, day)
	return fmt.Sprintf("%sstart_date <= %s and (%send_date is null or %send_date >= %s)", alias, p, alias, alias, p)
}
