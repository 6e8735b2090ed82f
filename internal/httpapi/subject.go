package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chorus.org/internal/access"
	"chorus.org/internal/auth"
	"chorus.org/internal/ledger"
	"chorus.org/internal/perm"
)

const allMarker = "*"

// subject builds the authorization subject of a request from the token
// identity and the query overrides:
//
//	as_of=2024-03-01        resolve capabilities on that day
//	simulate=true           preview without capabilities
//	elevate_org=<id>|*      superuser elevation scope
//	elevate_caps=a,b|*      superuser elevation capabilities
//	cross_org=true|false    override the stored cross-choir preference
//	include_inactive=true   widen visibility to ended holdings
func (a *API) subject(ctx context.Context, r *http.Request, reader ledger.Reader) (access.Subject, error) {
	id, ok := auth.IdentityFromContext(ctx)
	if !ok {
		return access.Subject{}, auth.ErrUnauthorized
	}
	q := r.URL.Query()
	subj := access.Subject{PersonID: id.PersonID, Superuser: id.Superuser}

	if v := q.Get("as_of"); v != "" {
		t, err := time.Parse(ledger.DateLayout, v)
		if err != nil {
			return access.Subject{}, fmt.Errorf("%w: as_of %q is not a date", ledger.ErrInvalidInput, v)
		}
		subj.AsOf = t
	} else {
		subj.AsOf = a.resolver.Now()
	}

	var err error
	if subj.Overrides.SimulateNoCapabilities, err = boolParam(q.Get("simulate"), "simulate"); err != nil {
		return access.Subject{}, err
	}
	if subj.Overrides.IncludeInactive, err = boolParam(q.Get("include_inactive"), "include_inactive"); err != nil {
		return access.Subject{}, err
	}

	if v := q.Get("cross_org"); v != "" {
		if subj.Overrides.CrossOrg, err = boolParam(v, "cross_org"); err != nil {
			return access.Subject{}, err
		}
	} else if subj.PersonID != "" {
		p, err := reader.Person(ctx, subj.PersonID)
		switch {
		case err == nil:
			subj.Overrides.CrossOrg = p.Preferences.CrossOrg
		case !errors.Is(err, ledger.ErrNotFound):
			return access.Subject{}, err
		}
	}

	org, caps := strings.TrimSpace(q.Get("elevate_org")), strings.TrimSpace(q.Get("elevate_caps"))
	if org != "" || caps != "" {
		e := &access.Elevation{}
		if org == allMarker {
			e.AllOrganizations = true
		} else {
			e.OrganizationID = org
		}
		if caps == allMarker {
			e.AllCapabilities = true
		} else if caps != "" {
			e.Capabilities = perm.ParseList(splitList(caps))
		}
		subj.Overrides.Elevate = e
	}
	return subj, nil
}

func boolParam(v, name string) (bool, error) {
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%w: %s must be a boolean", ledger.ErrInvalidInput, name)
	}
	return b, nil
}

// requestSubject resolves the subject against a short-lived snapshot. Used
// by handlers that delegate to the registry, which opens its own.
func (a *API) requestSubject(r *http.Request) (access.Subject, error) {
	snap, err := a.store.Snapshot(r.Context())
	if err != nil {
		return access.Subject{}, err
	}
	defer snap.Close()
	return a.subject(r.Context(), r, snap)
}

type view struct {
	snap    ledger.Snapshot
	session *access.Session
}

func (a *API) open(r *http.Request) (*view, error) {
	snap, err := a.store.Snapshot(r.Context())
	if err != nil {
		return nil, err
	}
	subj, err := a.subject(r.Context(), r, snap)
	if err != nil {
		_ = snap.Close()
		return nil, err
	}
	session, err := a.resolver.Session(r.Context(), snap, subj)
	if err != nil {
		_ = snap.Close()
		return nil, err
	}
	return &view{snap: snap, session: session}, nil
}

func (v *view) close() { _ = v.snap.Close() }

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
