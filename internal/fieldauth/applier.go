package fieldauth

import (
	"context"
	"fmt"
	"sort"

	"chorus.org/internal/access"
	"chorus.org/internal/ledger"
	"chorus.org/internal/obs"
	"chorus.org/internal/perm"
)

// Values maps field names to their values. Scalars carry at most one element;
// relations carry the sorted ids of the related records.
type Values map[string][]string

// Clone returns a deep copy of v.
func (v Values) Clone() Values {
	out := make(Values, len(v))
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}

// Get returns the first value of field, or "".
func (v Values) Get(field string) string {
	if vals := v[field]; len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// Record is a form subject: an existing record (ID set) or a new one.
type Record struct {
	Entity access.EntityType
	ID     string
	// OrganizationID places a new record for capability checks. Existing
	// records are placed through their organization path.
	OrganizationID string
	Structural     bool
	Values         Values
}

// Decision is the outcome for one field.
type Decision struct {
	Field   string   `json:"field"`
	Kind    Kind     `json:"kind"`
	Mode    Mode     `json:"mode"`
	Value   []string `json:"value,omitempty"`
	Options []string `json:"options,omitempty"`
	Enable  []string `json:"enable,omitempty"`
}

// Form collects the decisions of every field of a record.
type Form struct {
	Entity   access.EntityType `json:"-"`
	RecordID string            `json:"record_id,omitempty"`
	Editable bool              `json:"editable"`
	Fields   []Decision        `json:"fields"`
}

// Decision returns the decision for field.
func (f Form) Decision(field string) (Decision, bool) {
	for _, d := range f.Fields {
		if d.Field == field {
			return d, true
		}
	}
	return Decision{}, false
}

// Applier computes field decisions. It is stateless; all request state comes
// from the session.
type Applier struct{}

// NewApplier returns an Applier.
func NewApplier() Applier { return Applier{} }

// Decide returns the form of rec as seen by the session's subject.
func (a Applier) Decide(ctx context.Context, s *access.Session, rec Record) (Form, error) {
	surface := SurfaceFor(rec.Entity)
	d := decider{session: s, eval: access.NewEvaluator(s.Reader()), rec: rec, editable: map[perm.Capability]bool{}}

	form := Form{Entity: rec.Entity, RecordID: rec.ID}
	for _, f := range surface.Fields {
		dec, err := d.decide(ctx, f)
		if err != nil {
			return Form{}, fmt.Errorf("field %s: %w", f.Name, err)
		}
		if dec.Mode != Locked {
			form.Editable = true
		}
		form.Fields = append(form.Fields, dec)
	}
	if d.beyondCeiling {
		lockAll(&form)
	}
	return form, nil
}

// lockAll leaves form readable but unchangeable, including deletion.
func lockAll(form *Form) {
	form.Editable = false
	for i := range form.Fields {
		form.Fields[i].Mode = Locked
		form.Fields[i].Enable = nil
	}
}

type decider struct {
	session  *access.Session
	eval     access.Evaluator
	rec      Record
	editable map[perm.Capability]bool
	orgs     []string
	placed   bool
	// beyondCeiling is set when the stored value of a ceiling-bound field
	// confers capabilities the editor lacks. The record is then locked whole.
	beyondCeiling bool
}

func (d *decider) decide(ctx context.Context, f FieldSpec) (Decision, error) {
	initial := normalize(d.rec.Values[f.Name])
	dec := Decision{Field: f.Name, Kind: f.Kind, Value: initial}

	ok, err := d.canEdit(ctx, f.capability(d.rec.Entity))
	if err != nil {
		return Decision{}, err
	}
	if f.Relation() {
		visible, err := d.eval.List(ctx, d.session.VisibleSet(f.Target))
		if err != nil {
			return Decision{}, err
		}
		dec.Options = union(visible, initial)
	}
	if !ok || (f.Protected && d.rec.Structural) {
		return dec, nil
	}
	if !f.Relation() {
		dec.Mode = Open
		return dec, nil
	}

	dec.Enable, err = d.enable(ctx, f, dec.Options)
	if err != nil {
		return Decision{}, err
	}
	// Whatever may be attached is also shown.
	dec.Options = union(dec.Options, dec.Enable)
	if f.Choices == WithinCeiling && len(difference(initial, dec.Enable)) > 0 {
		d.beyondCeiling = true
	}
	switch {
	case len(dec.Enable) == 0:
		dec.Mode = Locked
	case f.Kind == Single && len(difference(initial, dec.Enable)) > 0:
		// The stored value cannot be detached, so the single slot is fixed.
		dec.Mode = Locked
	case f.Kind == Multi && len(dec.Enable) < len(dec.Options):
		dec.Mode = Partial
	default:
		dec.Mode = Open
	}
	return dec, nil
}

// canEdit reports whether the record lies in the scope of c.
func (d *decider) canEdit(ctx context.Context, c perm.Capability) (bool, error) {
	if ok, seen := d.editable[c]; seen {
		return ok, nil
	}
	p := d.session.ScopedSet(d.rec.Entity, c)
	var ok bool
	switch {
	case p.Unscoped:
		ok = true
	case d.rec.ID != "":
		var err error
		ok, err = d.session.Allows(ctx, p, d.rec.ID)
		if err != nil {
			return false, err
		}
	default:
		ok = len(p.Organizations) > 0 && (d.rec.OrganizationID == "" || contains(p.Organizations, d.rec.OrganizationID))
	}
	d.editable[c] = ok
	return ok, nil
}

func (d *decider) enable(ctx context.Context, f FieldSpec, options []string) ([]string, error) {
	switch f.Choices {
	case AnyVisible:
		return options, nil
	case InScope:
		return d.eval.List(ctx, d.session.ScopedSet(f.Target, f.capability(d.rec.Entity)))
	case HeldCapabilities:
		orgs, err := d.organizations(ctx)
		if err != nil {
			return nil, err
		}
		var out []string
		for _, name := range options {
			c, ok := perm.Parse(name)
			if ok && d.holds(c, orgs...) {
				out = append(out, name)
			}
		}
		return out, nil
	case WithinCeiling:
		scoped, err := d.eval.List(ctx, d.session.ScopedSet(f.Target, f.capability(d.rec.Entity)))
		if err != nil {
			return nil, err
		}
		return d.ceiling(ctx, scoped)
	default:
		return nil, fmt.Errorf("unknown choice %d", f.Choices)
	}
}

// ceiling drops roles that would confer a capability the editor does not hold
// in the role's organization.
func (d *decider) ceiling(ctx context.Context, roleIDs []string) ([]string, error) {
	reader := d.session.Reader()
	var out []string
	for _, id := range roleIDs {
		role, err := reader.Role(ctx, id)
		if err != nil {
			return nil, err
		}
		caps, err := ledger.CapabilitiesOf(ctx, reader, id)
		if err != nil {
			return nil, err
		}
		within := true
		for _, c := range caps {
			if !d.holds(c, role.OrganizationID) {
				within = false
				break
			}
		}
		if within {
			out = append(out, id)
		}
	}
	return out, nil
}

func (d *decider) holds(c perm.Capability, orgs ...string) bool {
	caps := d.session.Capabilities()
	if d.session.CrossOrg() && caps.Any(c) {
		return true
	}
	for _, org := range orgs {
		if org != "" && caps.Has(c, org) {
			return true
		}
	}
	return false
}

func (d *decider) organizations(ctx context.Context) ([]string, error) {
	if d.placed {
		return d.orgs, nil
	}
	if d.rec.ID == "" {
		if d.rec.OrganizationID != "" {
			d.orgs = []string{d.rec.OrganizationID}
		}
	} else {
		window := ledger.Window{AsOf: d.session.Subject().AsOf}
		orgs, err := d.eval.OrganizationsOf(ctx, d.rec.Entity, d.rec.ID, window)
		if err != nil {
			return nil, err
		}
		d.orgs = orgs
	}
	d.placed = true
	return d.orgs, nil
}

// Accept merges a submission into the stored values according to form.
// Locked fields keep their stored value, relations are reconciled against
// their enable-set and unknown fields are dropped. Discarded changes are not
// reported to the submitter.
func (a Applier) Accept(form Form, stored, submitted Values) Values {
	out := stored.Clone()
	discarded := 0
	for name := range submitted {
		if _, ok := form.Decision(name); !ok {
			discarded++
		}
	}
	for _, dec := range form.Fields {
		sub, ok := submitted[dec.Field]
		if !ok {
			continue
		}
		current := stored[dec.Field]
		var next []string
		switch {
		case dec.Mode == Locked:
			next = current
		case dec.Kind == Scalar:
			next = sub
		default:
			next = Reconcile(current, dec.Enable, sub)
			if dec.Kind == Single && (len(next) > 1 || (len(next) == 0 && len(normalize(sub)) > 0)) {
				next = current
			}
		}
		if !equal(normalizeFor(dec.Kind, next), normalizeFor(dec.Kind, sub)) {
			discarded++
		}
		if len(next) == 0 {
			if _, had := stored[dec.Field]; !had {
				continue
			}
		}
		out[dec.Field] = append([]string(nil), next...)
	}
	obs.ObserveDiscards(form.Entity.String(), discarded)
	return out
}

// Accept is a shorthand for Applier{}.Accept.
func Accept(form Form, stored, submitted Values) Values {
	return Applier{}.Accept(form, stored, submitted)
}

func normalizeFor(k Kind, vals []string) []string {
	if k == Scalar {
		return vals
	}
	return normalize(vals)
}

// normalize sorts and deduplicates ids, dropping empty ones.
func normalize(vals []string) []string {
	if len(vals) == 0 {
		return nil
	}
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		if v != "" {
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return dedupe(out)
}

func dedupe(sorted []string) []string {
	if len(sorted) < 2 {
		return sorted
	}
	out := sorted[:1]
	for _, v := range sorted[1:] {
		if v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
