package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"chorus.org/internal/perm"
)

// InMemory implements Store with in-process concurrency safety. Snapshots are
// copies taken under the read lock, so a request keeps a consistent view while
// writers continue.
type InMemory struct {
	mu sync.RWMutex
	st *state
}

var _ Store = (*InMemory)(nil)

// NewInMemory creates an empty ledger.
func NewInMemory() *InMemory {
	return &InMemory{st: newState()}
}

type state struct {
	orgs         map[string]Organization
	people       map[string]Person
	roles        map[string]Role
	grants       map[string][]string
	holdings     map[string]RoleHolding
	decorations  map[string]Decoration
	decoHoldings map[string]DecorationHolding
	events       map[string]Event
	attendances  map[string]Attendance
}

func newState() *state {
	return &state{
		orgs:         make(map[string]Organization),
		people:       make(map[string]Person),
		roles:        make(map[string]Role),
		grants:       make(map[string][]string),
		holdings:     make(map[string]RoleHolding),
		decorations:  make(map[string]Decoration),
		decoHoldings: make(map[string]DecorationHolding),
		events:       make(map[string]Event),
		attendances:  make(map[string]Attendance),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.orgs {
		c.orgs[k] = v
	}
	for k, v := range s.people {
		c.people[k] = v
	}
	for k, v := range s.roles {
		c.roles[k] = v
	}
	for k, v := range s.grants {
		c.grants[k] = append([]string(nil), v...)
	}
	for k, v := range s.holdings {
		if v.End != nil {
			end := *v.End
			v.End = &end
		}
		c.holdings[k] = v
	}
	for k, v := range s.decorations {
		c.decorations[k] = v
	}
	for k, v := range s.decoHoldings {
		c.decoHoldings[k] = v
	}
	for k, v := range s.events {
		c.events[k] = v
	}
	for k, v := range s.attendances {
		c.attendances[k] = v
	}
	return c
}

// Snapshot returns a frozen copy of the current state.
func (m *InMemory) Snapshot(ctx context.Context) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return memSnapshot{m.st.clone()}, nil
}

type memSnapshot struct{ *state }

func (memSnapshot) Close() error { return nil }

// --- reads ---

func (s *state) Organizations(ctx context.Context) ([]Organization, error) {
	out := make([]Organization, 0, len(s.orgs))
	for _, o := range s.orgs {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *state) Person(ctx context.Context, id string) (Person, error) {
	p, ok := s.people[id]
	if !ok {
		return Person{}, fmt.Errorf("%w: person %s", ErrNotFound, id)
	}
	return p, nil
}

func (s *state) Role(ctx context.Context, id string) (Role, error) {
	r, ok := s.roles[id]
	if !ok {
		return Role{}, fmt.Errorf("%w: role %s", ErrNotFound, id)
	}
	return r, nil
}

func (s *state) Grants(ctx context.Context, roleID string) ([]string, error) {
	if _, ok := s.roles[roleID]; !ok {
		return nil, fmt.Errorf("%w: role %s", ErrNotFound, roleID)
	}
	return append([]string(nil), s.grants[roleID]...), nil
}

func (s *state) RoleHolding(ctx context.Context, id string) (RoleHolding, error) {
	h, ok := s.holdings[id]
	if !ok {
		return RoleHolding{}, fmt.Errorf("%w: role holding %s", ErrNotFound, id)
	}
	return h, nil
}

func (s *state) RoleHoldingsOf(ctx context.Context, personID string) ([]RoleHolding, error) {
	var out []RoleHolding
	for _, h := range s.holdings {
		if h.PersonID == personID {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *state) Decoration(ctx context.Context, id string) (Decoration, error) {
	d, ok := s.decorations[id]
	if !ok {
		return Decoration{}, fmt.Errorf("%w: decoration %s", ErrNotFound, id)
	}
	return d, nil
}

func (s *state) DecorationHolding(ctx context.Context, id string) (DecorationHolding, error) {
	h, ok := s.decoHoldings[id]
	if !ok {
		return DecorationHolding{}, fmt.Errorf("%w: decoration holding %s", ErrNotFound, id)
	}
	return h, nil
}

func (s *state) DecorationHoldingsOf(ctx context.Context, personID string) ([]DecorationHolding, error) {
	var out []DecorationHolding
	for _, h := range s.decoHoldings {
		if h.PersonID == personID {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *state) Event(ctx context.Context, id string) (Event, error) {
	e, ok := s.events[id]
	if !ok {
		return Event{}, fmt.Errorf("%w: event %s", ErrNotFound, id)
	}
	return e, nil
}

type row struct {
	cols    map[string]string
	holding *RoleHolding
}

func (s *state) rows(table string) ([]row, error) {
	var out []row
	switch table {
	case TableOrganizations:
		for id := range s.orgs {
			out = append(out, row{cols: map[string]string{"id": id}})
		}
	case TablePeople:
		for id := range s.people {
			out = append(out, row{cols: map[string]string{"id": id}})
		}
	case TableRoles:
		for id, r := range s.roles {
			out = append(out, row{cols: map[string]string{"id": id, "organization_id": r.OrganizationID}})
		}
	case TableGrants:
		for roleID, names := range s.grants {
			for _, name := range names {
				out = append(out, row{cols: map[string]string{"role_id": roleID, "capability_id": name}})
			}
		}
	case TableCapabilities:
		for _, c := range perm.All() {
			out = append(out, row{cols: map[string]string{"id": c.String()}})
		}
	case TableRoleHoldings:
		for id, h := range s.holdings {
			h := h
			out = append(out, row{
				cols:    map[string]string{"id": id, "person_id": h.PersonID, "role_id": h.RoleID},
				holding: &h,
			})
		}
	case TableDecorations:
		for id, d := range s.decorations {
			out = append(out, row{cols: map[string]string{"id": id, "organization_id": d.OrganizationID, "lower_tier_id": d.LowerTierID}})
		}
	case TableDecorationHoldings:
		for id, h := range s.decoHoldings {
			out = append(out, row{cols: map[string]string{"id": id, "person_id": h.PersonID, "decoration_id": h.DecorationID}})
		}
	case TableEvents:
		for id, e := range s.events {
			out = append(out, row{cols: map[string]string{"id": id, "organization_id": e.OrganizationID}})
		}
	case TableAttendances:
		for id, a := range s.attendances {
			out = append(out, row{cols: map[string]string{"id": id, "event_id": a.EventID, "person_id": a.PersonID}})
		}
	default:
		return nil, fmt.Errorf("unknown table %q", table)
	}
	return out, nil
}

func (s *state) Keys(ctx context.Context, table string) ([]string, error) {
	rows, err := s.rows(table)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		if id := r.cols["id"]; id != "" {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *state) Follow(ctx context.Context, table, from, to string, keys []string, window Window) ([]string, error) {
	rows, err := s.rows(table)
	if err != nil {
		return nil, err
	}
	want := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		want[k] = struct{}{}
	}
	seen := make(map[string]struct{})
	var out []string
	for _, r := range rows {
		if _, ok := want[r.cols[from]]; !ok {
			continue
		}
		if r.holding != nil && !window.Admits(*r.holding) {
			continue
		}
		v := r.cols[to]
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out, nil
}

// --- writes ---

func (m *InMemory) CreateOrganization(ctx context.Context, org Organization) (Organization, error) {
	if err := Validate(&org); err != nil {
		return Organization{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.st.orgs {
		if strings.EqualFold(o.Name, org.Name) {
			return Organization{}, fmt.Errorf("%w: organization %q exists", ErrConflict, org.Name)
		}
	}
	if org.ID == "" {
		org.ID = newID()
	}
	m.st.orgs[org.ID] = org
	return org, nil
}

func (m *InMemory) CreatePerson(ctx context.Context, p Person) (Person, error) {
	if err := Validate(&p); err != nil {
		return Person{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.LoginID != "" {
		for _, other := range m.st.people {
			if other.LoginID == p.LoginID {
				return Person{}, fmt.Errorf("%w: login %s already linked", ErrConflict, p.LoginID)
			}
		}
	}
	if p.ID == "" {
		p.ID = newID()
	}
	m.st.people[p.ID] = p
	return p, nil
}

func (m *InMemory) UpdatePreferences(ctx context.Context, personID string, prefs Preferences) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.st.people[personID]
	if !ok {
		return fmt.Errorf("%w: person %s", ErrNotFound, personID)
	}
	p.Preferences = prefs
	m.st.people[personID] = p
	return nil
}

func (m *InMemory) CreateRole(ctx context.Context, r Role) (Role, error) {
	if err := Validate(&r); err != nil {
		return Role{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.OrganizationID != "" {
		if _, ok := m.st.orgs[r.OrganizationID]; !ok {
			return Role{}, fmt.Errorf("%w: unknown organization %s", ErrInvalidInput, r.OrganizationID)
		}
	}
	if err := m.st.uniqueRole(r.ID, r.Name, r.OrganizationID); err != nil {
		return Role{}, err
	}
	if r.ID == "" {
		r.ID = newID()
	}
	m.st.roles[r.ID] = r
	return r, nil
}

func (s *state) uniqueRole(id, name, orgID string) error {
	for _, other := range s.roles {
		if other.ID != id && other.OrganizationID == orgID && strings.EqualFold(other.Name, name) {
			return fmt.Errorf("%w: role %q exists in organization", ErrConflict, name)
		}
	}
	return nil
}

// UpdateRole renames role id and replaces its grants under one lock. Nothing
// changes when either step is rejected.
func (m *InMemory) UpdateRole(ctx context.Context, id, name string, caps []perm.Capability) (Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Role{}, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	names, err := grantNames(caps)
	if err != nil {
		return Role{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.st.renameRole(id, name)
	if err != nil {
		return Role{}, err
	}
	m.st.grants[id] = names
	return r, nil
}

func (s *state) renameRole(id, name string) (Role, error) {
	r, ok := s.roles[id]
	if !ok {
		return Role{}, fmt.Errorf("%w: role %s", ErrNotFound, id)
	}
	if r.Name == name {
		return r, nil
	}
	if r.Structural {
		return Role{}, fmt.Errorf("%w: role %q", ErrProtected, r.Name)
	}
	if err := s.uniqueRole(id, name, r.OrganizationID); err != nil {
		return Role{}, err
	}
	r.Name = name
	s.roles[id] = r
	return r, nil
}

func (m *InMemory) DeleteRole(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.st.roles[id]
	if !ok {
		return fmt.Errorf("%w: role %s", ErrNotFound, id)
	}
	if r.Structural {
		return fmt.Errorf("%w: role %q", ErrProtected, r.Name)
	}
	for _, h := range m.st.holdings {
		if h.RoleID == id {
			return fmt.Errorf("%w: role %q has holdings", ErrConflict, r.Name)
		}
	}
	delete(m.st.roles, id)
	delete(m.st.grants, id)
	return nil
}

func (m *InMemory) SetGrants(ctx context.Context, roleID string, caps []perm.Capability) error {
	names, err := grantNames(caps)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.st.roles[roleID]; !ok {
		return fmt.Errorf("%w: role %s", ErrNotFound, roleID)
	}
	m.st.grants[roleID] = names
	return nil
}

// grantNames returns the sorted, distinct names of caps.
func grantNames(caps []perm.Capability) ([]string, error) {
	names := make([]string, 0, len(caps))
	for _, c := range caps {
		if !c.Valid() {
			return nil, fmt.Errorf("%w: unknown capability", ErrInvalidInput)
		}
		names = append(names, c.String())
	}
	sort.Strings(names)
	return dedupe(names), nil
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i > 0 && sorted[i-1] == s {
			continue
		}
		out = append(out, s)
	}
	return out
}

func (m *InMemory) CreateRoleHolding(ctx context.Context, h RoleHolding) (RoleHolding, error) {
	if err := ValidateRoleHolding(&h); err != nil {
		return RoleHolding{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.st.checkRoleHolding(h); err != nil {
		return RoleHolding{}, err
	}
	if h.ID == "" {
		h.ID = newID()
	}
	m.st.holdings[h.ID] = h
	return h, nil
}

func (m *InMemory) UpdateRoleHolding(ctx context.Context, h RoleHolding) (RoleHolding, error) {
	if err := ValidateRoleHolding(&h); err != nil {
		return RoleHolding{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.st.holdings[h.ID]; !ok {
		return RoleHolding{}, fmt.Errorf("%w: role holding %s", ErrNotFound, h.ID)
	}
	if err := m.st.checkRoleHolding(h); err != nil {
		return RoleHolding{}, err
	}
	m.st.holdings[h.ID] = h
	return h, nil
}

// checkRoleHolding enforces references and (person, role, start) uniqueness.
// Overlapping intervals are accepted.
func (s *state) checkRoleHolding(h RoleHolding) error {
	if _, ok := s.people[h.PersonID]; !ok {
		return fmt.Errorf("%w: unknown person %s", ErrInvalidInput, h.PersonID)
	}
	if _, ok := s.roles[h.RoleID]; !ok {
		return fmt.Errorf("%w: unknown role %s", ErrInvalidInput, h.RoleID)
	}
	for _, other := range s.holdings {
		if other.ID != h.ID && other.PersonID == h.PersonID && other.RoleID == h.RoleID && other.Start.Equal(h.Start) {
			return fmt.Errorf("%w: holding %s already starts on %s", ErrConflict, other.ID, h.Start.Format(DateLayout))
		}
	}
	return nil
}

func (m *InMemory) DeleteRoleHolding(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.st.holdings[id]; !ok {
		return fmt.Errorf("%w: role holding %s", ErrNotFound, id)
	}
	delete(m.st.holdings, id)
	return nil
}

func (m *InMemory) CreateDecoration(ctx context.Context, d Decoration) (Decoration, error) {
	if err := Validate(&d); err != nil {
		return Decoration{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.st.orgs[d.OrganizationID]; !ok {
		return Decoration{}, fmt.Errorf("%w: unknown organization %s", ErrInvalidInput, d.OrganizationID)
	}
	for _, other := range m.st.decorations {
		if other.OrganizationID == d.OrganizationID && strings.EqualFold(other.Name, d.Name) {
			return Decoration{}, fmt.Errorf("%w: decoration %q exists in organization", ErrConflict, d.Name)
		}
	}
	if d.ID == "" {
		d.ID = newID()
	}
	lower := d.LowerTierID
	d.LowerTierID = ""
	decorations := m.st.decorationsWith(d)
	if err := ValidateTierLink(decorations, d.ID, lower); err != nil {
		return Decoration{}, err
	}
	d.LowerTierID = lower
	m.st.decorations[d.ID] = d
	return d, nil
}

func (s *state) decorationsWith(changed ...Decoration) map[string]Decoration {
	out := make(map[string]Decoration, len(s.decorations)+len(changed))
	for k, v := range s.decorations {
		out[k] = v
	}
	for _, d := range changed {
		out[d.ID] = d
	}
	return out
}

func (m *InMemory) SetLowerTier(ctx context.Context, decorationID, lowerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.st.decorations[decorationID]
	if !ok {
		return fmt.Errorf("%w: decoration %s", ErrNotFound, decorationID)
	}
	if err := ValidateTierLink(m.st.decorations, decorationID, lowerID); err != nil {
		return err
	}
	d.LowerTierID = lowerID
	decorations := m.st.decorationsWith(d)
	for _, personID := range m.st.holdersOf(decorationID) {
		if err := CheckDecorationOrder(decorations, m.st.decorationHoldingsOf(personID)); err != nil {
			return err
		}
	}
	m.st.decorations[decorationID] = d
	return nil
}

func (s *state) holdersOf(decorationID string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, h := range s.decoHoldings {
		if h.DecorationID != decorationID {
			continue
		}
		if _, ok := seen[h.PersonID]; ok {
			continue
		}
		seen[h.PersonID] = struct{}{}
		out = append(out, h.PersonID)
	}
	sort.Strings(out)
	return out
}

func (s *state) decorationHoldingsOf(personID string) []DecorationHolding {
	var out []DecorationHolding
	for _, h := range s.decoHoldings {
		if h.PersonID == personID {
			out = append(out, h)
		}
	}
	return out
}

// checkDecorationHoldings validates the holdings of every affected person as
// they would be after replacing or removing holding id with next.
func (s *state) checkDecorationHoldings(id string, next *DecorationHolding, people ...string) error {
	for _, personID := range people {
		var after []DecorationHolding
		for _, h := range s.decoHoldings {
			if h.PersonID == personID && h.ID != id {
				after = append(after, h)
			}
		}
		if next != nil && next.PersonID == personID {
			after = append(after, *next)
		}
		if err := CheckDecorationOrder(s.decorations, after); err != nil {
			return err
		}
	}
	return nil
}

func (m *InMemory) CreateDecorationHolding(ctx context.Context, h DecorationHolding) (DecorationHolding, error) {
	if err := ValidateDecorationHolding(&h); err != nil {
		return DecorationHolding{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.st.decorationRefs(h); err != nil {
		return DecorationHolding{}, err
	}
	if h.ID == "" {
		h.ID = newID()
	}
	if err := m.st.checkDecorationHoldings(h.ID, &h, h.PersonID); err != nil {
		return DecorationHolding{}, err
	}
	m.st.decoHoldings[h.ID] = h
	return h, nil
}

func (s *state) decorationRefs(h DecorationHolding) error {
	if _, ok := s.people[h.PersonID]; !ok {
		return fmt.Errorf("%w: unknown person %s", ErrInvalidInput, h.PersonID)
	}
	if _, ok := s.decorations[h.DecorationID]; !ok {
		return fmt.Errorf("%w: unknown decoration %s", ErrInvalidInput, h.DecorationID)
	}
	for _, other := range s.decoHoldings {
		if other.ID != h.ID && other.PersonID == h.PersonID && other.DecorationID == h.DecorationID && other.Start.Equal(h.Start) {
			return fmt.Errorf("%w: holding %s already starts on %s", ErrConflict, other.ID, h.Start.Format(DateLayout))
		}
	}
	return nil
}

func (m *InMemory) UpdateDecorationHolding(ctx context.Context, h DecorationHolding) (DecorationHolding, error) {
	if err := ValidateDecorationHolding(&h); err != nil {
		return DecorationHolding{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.st.decoHoldings[h.ID]
	if !ok {
		return DecorationHolding{}, fmt.Errorf("%w: decoration holding %s", ErrNotFound, h.ID)
	}
	if err := m.st.decorationRefs(h); err != nil {
		return DecorationHolding{}, err
	}
	people := []string{h.PersonID}
	if prev.PersonID != h.PersonID {
		people = append(people, prev.PersonID)
	}
	if err := m.st.checkDecorationHoldings(h.ID, &h, people...); err != nil {
		return DecorationHolding{}, err
	}
	m.st.decoHoldings[h.ID] = h
	return h, nil
}

func (m *InMemory) DeleteDecorationHolding(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.st.decoHoldings[id]
	if !ok {
		return fmt.Errorf("%w: decoration holding %s", ErrNotFound, id)
	}
	if err := m.st.checkDecorationHoldings(id, nil, prev.PersonID); err != nil {
		return err
	}
	delete(m.st.decoHoldings, id)
	return nil
}

func (m *InMemory) CreateEvent(ctx context.Context, e Event) (Event, error) {
	if err := Validate(&e); err != nil {
		return Event{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.st.orgs[e.OrganizationID]; !ok {
		return Event{}, fmt.Errorf("%w: unknown organization %s", ErrInvalidInput, e.OrganizationID)
	}
	if e.ID == "" {
		e.ID = newID()
	}
	m.st.events[e.ID] = e
	return e, nil
}

func (m *InMemory) CreateAttendance(ctx context.Context, a Attendance) (Attendance, error) {
	if err := Validate(&a); err != nil {
		return Attendance{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.st.events[a.EventID]; !ok {
		return Attendance{}, fmt.Errorf("%w: unknown event %s", ErrInvalidInput, a.EventID)
	}
	if _, ok := m.st.people[a.PersonID]; !ok {
		return Attendance{}, fmt.Errorf("%w: unknown person %s", ErrInvalidInput, a.PersonID)
	}
	for _, other := range m.st.attendances {
		if other.EventID == a.EventID && other.PersonID == a.PersonID {
			return Attendance{}, fmt.Errorf("%w: person already invited", ErrConflict)
		}
	}
	if a.ID == "" {
		a.ID = newID()
	}
	m.st.attendances[a.ID] = a
	return a, nil
}
