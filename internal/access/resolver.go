// Package access resolves what a person may do on a given day: the
// capabilities they hold per organization, and the record sets those
// capabilities open for viewing and editing.
package access

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"chorus.org/internal/ledger"
	"chorus.org/internal/obs"
	"chorus.org/internal/perm"
)

// Resolver computes effective capabilities. It holds no per-request state.
type Resolver struct {
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger used for refused elevations.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock overrides the clock that supplies the default as-of date.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// NewResolver constructs a Resolver.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Now returns the resolver clock's current day.
func (r *Resolver) Now() time.Time {
	return ledger.Day(r.now())
}

// EffectiveCapabilities returns the (capability, organization) grants of the
// subject on subject.AsOf. A zero AsOf means today.
func (r *Resolver) EffectiveCapabilities(ctx context.Context, reader ledger.Reader, subj Subject) (CapabilitySet, error) {
	if subj.AsOf.IsZero() {
		subj.AsOf = r.Now()
	}
	if subj.Overrides.SimulateNoCapabilities {
		obs.ObserveResolution("simulated")
		return newCapabilitySet(), nil
	}

	var grants []Grant
	if subj.PersonID != "" {
		active, err := ledger.ActiveRoles(ctx, reader, subj.PersonID, subj.AsOf)
		if err != nil {
			return CapabilitySet{}, fmt.Errorf("active roles: %w", err)
		}
		byRole := make(map[string][]perm.Capability, len(active))
		for _, a := range active {
			caps, ok := byRole[a.Role.ID]
			if !ok {
				caps, err = ledger.CapabilitiesOf(ctx, reader, a.Role.ID)
				if err != nil {
					return CapabilitySet{}, fmt.Errorf("capabilities of %s: %w", a.Role.ID, err)
				}
				byRole[a.Role.ID] = caps
			}
			for _, c := range caps {
				grants = append(grants, Grant{Capability: c, OrganizationID: a.OrganizationID})
			}
		}
	}

	outcome := "ledger"
	if e := subj.Overrides.Elevate; e != nil {
		if !subj.Superuser {
			r.logger.WarnContext(ctx, "elevation refused", slog.String("person_id", subj.PersonID))
		} else {
			synthesized, err := r.elevate(ctx, reader, *e)
			if err != nil {
				return CapabilitySet{}, err
			}
			grants = append(grants, synthesized...)
			outcome = "elevated"
		}
	}

	set := newCapabilitySet(grants...)
	if set.Len() == 0 {
		outcome = "empty"
	}
	obs.ObserveResolution(outcome)
	return set, nil
}

func (r *Resolver) elevate(ctx context.Context, reader ledger.Reader, e Elevation) ([]Grant, error) {
	var orgs []string
	switch {
	case e.AllOrganizations:
		all, err := reader.Organizations(ctx)
		if err != nil {
			return nil, fmt.Errorf("organizations: %w", err)
		}
		for _, o := range all {
			orgs = append(orgs, o.ID)
		}
	case e.OrganizationID != "":
		orgs = []string{e.OrganizationID}
	}

	caps := e.Capabilities
	if e.AllCapabilities {
		caps = perm.All()
	}

	out := make([]Grant, 0, len(orgs)*len(caps))
	for _, org := range orgs {
		for _, c := range caps {
			out = append(out, Grant{Capability: c, OrganizationID: org})
		}
	}
	return out, nil
}

// Session resolves the subject's capabilities once and returns a request-scoped
// handle for scoping queries. Discard it when the request ends.
func (r *Resolver) Session(ctx context.Context, reader ledger.Reader, subj Subject) (*Session, error) {
	if subj.AsOf.IsZero() {
		subj.AsOf = r.Now()
	}
	subj.AsOf = ledger.Day(subj.AsOf)
	caps, err := r.EffectiveCapabilities(ctx, reader, subj)
	if err != nil {
		return nil, err
	}
	return &Session{
		subject:  subj,
		reader:   reader,
		caps:     caps,
		crossOrg: subj.Overrides.CrossOrg && caps.Any(perm.CrossOrg),
		scoped:   make(map[scopeKey]Predicate),
	}, nil
}
