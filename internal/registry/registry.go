// Package registry is the write path of the member registry. Every change is
// decided field by field for the acting subject, reconciled against what
// they may touch, validated by the ledger and recorded in history.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"chorus.org/internal/access"
	"chorus.org/internal/fieldauth"
	"chorus.org/internal/history"
	"chorus.org/internal/ledger"
	"chorus.org/internal/perm"
)

// ErrForbidden reports a write on a record the subject may not edit.
var ErrForbidden = errors.New("forbidden")

// Service applies authorized writes to the ledger.
type Service struct {
	store    ledger.Store
	resolver *access.Resolver
	applier  fieldauth.Applier
	sink     history.Sink
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithSink sets where history records go.
func WithSink(s history.Sink) Option {
	return func(svc *Service) { svc.sink = s }
}

// WithLogger sets the logger used for history failures.
func WithLogger(l *slog.Logger) Option {
	return func(svc *Service) {
		if l != nil {
			svc.logger = l
		}
	}
}

// WithClock overrides the clock stamped on history records.
func WithClock(now func() time.Time) Option {
	return func(svc *Service) {
		if now != nil {
			svc.now = now
		}
	}
}

// New constructs a Service.
func New(store ledger.Store, resolver *access.Resolver, opts ...Option) *Service {
	s := &Service{
		store:    store,
		resolver: resolver,
		applier:  fieldauth.NewApplier(),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sink == nil {
		s.sink = history.NewLogSink(s.logger)
	}
	return s
}

// view is a snapshot and a session for one request.
type view struct {
	snap    ledger.Snapshot
	session *access.Session
}

func (s *Service) open(ctx context.Context, subj access.Subject) (*view, error) {
	snap, err := s.store.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	session, err := s.resolver.Session(ctx, snap, subj)
	if err != nil {
		_ = snap.Close()
		return nil, err
	}
	return &view{snap: snap, session: session}, nil
}

func (v *view) close() { _ = v.snap.Close() }

// Form returns the field decisions for an existing record.
func (s *Service) Form(ctx context.Context, subj access.Subject, entity access.EntityType, id string) (fieldauth.Form, error) {
	if !fieldauth.HasSurface(entity) {
		return fieldauth.Form{}, fmt.Errorf("%w: %s has no form", ledger.ErrNotFound, entity)
	}
	v, err := s.open(ctx, subj)
	if err != nil {
		return fieldauth.Form{}, err
	}
	defer v.close()

	rec, _, err := load(ctx, v.snap, entity, id)
	if err != nil {
		return fieldauth.Form{}, err
	}
	if err := v.visible(ctx, entity, id); err != nil {
		return fieldauth.Form{}, err
	}
	return s.applier.Decide(ctx, v.session, rec)
}

// visible hides records outside the subject's visible set as not found.
func (v *view) visible(ctx context.Context, entity access.EntityType, id string) error {
	ok, err := v.session.Allows(ctx, v.session.VisibleSet(entity), id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s %s", ledger.ErrNotFound, entity, id)
	}
	return nil
}

func (s *Service) emit(ctx context.Context, subj access.Subject, entity access.EntityType, change history.Change, id, org string, before, after fieldauth.Values, relations ...string) {
	rec, ok := history.NewRecord(ctx, history.Entry{
		Change:         change,
		EntityType:     entity.String(),
		InstanceID:     id,
		AuthorID:       subj.PersonID,
		OrganizationID: org,
		Before:         history.Fields(before),
		After:          history.Fields(after),
		Relations:      relations,
	}, s.now())
	if !ok {
		return
	}
	history.Emit(ctx, s.sink, s.logger, rec)
}

// RoleHoldingInput is a new role holding as submitted.
type RoleHoldingInput struct {
	PersonID string     `json:"person_id"`
	RoleID   string     `json:"role_id"`
	Start    time.Time  `json:"start"`
	End      *time.Time `json:"end,omitempty"`
}

// CreateRoleHolding assigns a person to a role.
func (s *Service) CreateRoleHolding(ctx context.Context, subj access.Subject, in RoleHoldingInput) (ledger.RoleHolding, error) {
	v, err := s.open(ctx, subj)
	if err != nil {
		return ledger.RoleHolding{}, err
	}
	defer v.close()

	role, err := v.snap.Role(ctx, in.RoleID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return ledger.RoleHolding{}, fmt.Errorf("%w: role %s does not exist", ledger.ErrInvalidInput, in.RoleID)
		}
		return ledger.RoleHolding{}, err
	}
	form, err := s.applier.Decide(ctx, v.session, fieldauth.Record{Entity: access.RoleHolding, OrganizationID: role.OrganizationID})
	if err != nil {
		return ledger.RoleHolding{}, err
	}
	if !form.Editable {
		return ledger.RoleHolding{}, ErrForbidden
	}
	submitted := roleHoldingValues(ledger.RoleHolding{PersonID: in.PersonID, RoleID: in.RoleID, Start: in.Start, End: in.End})
	if in.Start.IsZero() {
		delete(submitted, "start")
	}
	accepted := s.applier.Accept(form, fieldauth.Values{}, submitted)
	h, err := roleHoldingFrom("", accepted)
	if err != nil {
		return ledger.RoleHolding{}, err
	}
	if h.RoleID == "" || h.PersonID == "" {
		return ledger.RoleHolding{}, ErrForbidden
	}

	created, err := s.store.CreateRoleHolding(ctx, h)
	if err != nil {
		return ledger.RoleHolding{}, err
	}
	s.emit(ctx, subj, access.RoleHolding, history.Create, created.ID, role.OrganizationID, nil, roleHoldingValues(created))
	return created, nil
}

// UpdateRoleHolding applies submitted field values to a role holding. Fields
// the subject may not change keep their stored values.
func (s *Service) UpdateRoleHolding(ctx context.Context, subj access.Subject, id string, submitted fieldauth.Values) (ledger.RoleHolding, error) {
	v, err := s.open(ctx, subj)
	if err != nil {
		return ledger.RoleHolding{}, err
	}
	defer v.close()

	rec, org, err := load(ctx, v.snap, access.RoleHolding, id)
	if err != nil {
		return ledger.RoleHolding{}, err
	}
	form, err := s.decideEditable(ctx, v, rec)
	if err != nil {
		return ledger.RoleHolding{}, err
	}
	delete(submitted, fieldauth.DeleteField)
	accepted := s.applier.Accept(form, rec.Values, submitted)
	h, err := roleHoldingFrom(id, accepted)
	if err != nil {
		return ledger.RoleHolding{}, err
	}
	updated, err := s.store.UpdateRoleHolding(ctx, h)
	if err != nil {
		return ledger.RoleHolding{}, err
	}
	s.emit(ctx, subj, access.RoleHolding, history.Update, id, org, rec.Values, roleHoldingValues(updated))
	return updated, nil
}

// DeleteRoleHolding removes a role holding.
func (s *Service) DeleteRoleHolding(ctx context.Context, subj access.Subject, id string) error {
	return s.remove(ctx, subj, access.RoleHolding, id, s.store.DeleteRoleHolding)
}

// DecorationHoldingInput is a new decoration holding as submitted.
type DecorationHoldingInput struct {
	PersonID     string    `json:"person_id"`
	DecorationID string    `json:"decoration_id"`
	Start        time.Time `json:"start"`
}

// CreateDecorationHolding awards a decoration.
func (s *Service) CreateDecorationHolding(ctx context.Context, subj access.Subject, in DecorationHoldingInput) (ledger.DecorationHolding, error) {
	v, err := s.open(ctx, subj)
	if err != nil {
		return ledger.DecorationHolding{}, err
	}
	defer v.close()

	d, err := v.snap.Decoration(ctx, in.DecorationID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return ledger.DecorationHolding{}, fmt.Errorf("%w: decoration %s does not exist", ledger.ErrInvalidInput, in.DecorationID)
		}
		return ledger.DecorationHolding{}, err
	}
	form, err := s.applier.Decide(ctx, v.session, fieldauth.Record{Entity: access.DecorationHolding, OrganizationID: d.OrganizationID})
	if err != nil {
		return ledger.DecorationHolding{}, err
	}
	if !form.Editable {
		return ledger.DecorationHolding{}, ErrForbidden
	}
	submitted := decorationHoldingValues(ledger.DecorationHolding{PersonID: in.PersonID, DecorationID: in.DecorationID, Start: in.Start})
	if in.Start.IsZero() {
		delete(submitted, "start")
	}
	accepted := s.applier.Accept(form, fieldauth.Values{}, submitted)
	h, err := decorationHoldingFrom("", accepted)
	if err != nil {
		return ledger.DecorationHolding{}, err
	}
	if h.DecorationID == "" || h.PersonID == "" {
		return ledger.DecorationHolding{}, ErrForbidden
	}

	created, err := s.store.CreateDecorationHolding(ctx, h)
	if err != nil {
		return ledger.DecorationHolding{}, err
	}
	s.emit(ctx, subj, access.DecorationHolding, history.Create, created.ID, d.OrganizationID, nil, decorationHoldingValues(created))
	return created, nil
}

// DeleteDecorationHolding revokes a decoration. Holdings that a higher tier
// depends on cannot be removed.
func (s *Service) DeleteDecorationHolding(ctx context.Context, subj access.Subject, id string) error {
	return s.remove(ctx, subj, access.DecorationHolding, id, s.store.DeleteDecorationHolding)
}

// UpdateRole renames a role and changes the capabilities it grants.
func (s *Service) UpdateRole(ctx context.Context, subj access.Subject, id string, submitted fieldauth.Values) (ledger.Role, error) {
	v, err := s.open(ctx, subj)
	if err != nil {
		return ledger.Role{}, err
	}
	defer v.close()

	rec, org, err := load(ctx, v.snap, access.Role, id)
	if err != nil {
		return ledger.Role{}, err
	}
	form, err := s.decideEditable(ctx, v, rec)
	if err != nil {
		return ledger.Role{}, err
	}
	delete(submitted, fieldauth.DeleteField)
	accepted := s.applier.Accept(form, rec.Values, submitted)

	role, err := v.snap.Role(ctx, id)
	if err != nil {
		return ledger.Role{}, err
	}
	name := accepted.Get("name")
	if name == role.Name && sameSet(rec.Values["capabilities"], accepted["capabilities"]) {
		return role, nil
	}
	role, err = s.store.UpdateRole(ctx, id, name, perm.ParseList(accepted["capabilities"]))
	if err != nil {
		return ledger.Role{}, err
	}
	s.emit(ctx, subj, access.Role, history.Update, id, org, rec.Values, accepted, "capabilities")
	return role, nil
}

// DeleteRole removes a role without holdings. Structural roles are kept.
func (s *Service) DeleteRole(ctx context.Context, subj access.Subject, id string) error {
	return s.remove(ctx, subj, access.Role, id, s.store.DeleteRole)
}

func (s *Service) decideEditable(ctx context.Context, v *view, rec fieldauth.Record) (fieldauth.Form, error) {
	if err := v.visible(ctx, rec.Entity, rec.ID); err != nil {
		return fieldauth.Form{}, err
	}
	form, err := s.applier.Decide(ctx, v.session, rec)
	if err != nil {
		return fieldauth.Form{}, err
	}
	if !form.Editable {
		return fieldauth.Form{}, ErrForbidden
	}
	return form, nil
}

func (s *Service) remove(ctx context.Context, subj access.Subject, entity access.EntityType, id string, del func(context.Context, string) error) error {
	v, err := s.open(ctx, subj)
	if err != nil {
		return err
	}
	defer v.close()

	rec, org, err := load(ctx, v.snap, entity, id)
	if err != nil {
		return err
	}
	if err := v.visible(ctx, entity, id); err != nil {
		return err
	}
	form, err := s.applier.Decide(ctx, v.session, rec)
	if err != nil {
		return err
	}
	if d, ok := form.Decision(fieldauth.DeleteField); !ok || d.Mode == fieldauth.Locked {
		if rec.Structural && form.Editable {
			return fmt.Errorf("%w: %s %s", ledger.ErrProtected, entity, id)
		}
		return ErrForbidden
	}
	if err := del(ctx, id); err != nil {
		return err
	}
	s.emit(ctx, subj, entity, history.Delete, id, org, rec.Values, nil)
	return nil
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, v := range a {
		seen[v]++
	}
	for _, v := range b {
		if seen[v] == 0 {
			return false
		}
		seen[v]--
	}
	return true
}
