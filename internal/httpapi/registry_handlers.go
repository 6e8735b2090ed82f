package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"chorus.org/internal/fieldauth"
	"chorus.org/internal/ledger"
	"chorus.org/internal/registry"
)

type roleHoldingRequest struct {
	PersonID string `json:"person_id"`
	RoleID   string `json:"role_id"`
	Start    string `json:"start"`
	End      string `json:"end,omitempty"`
}

type decorationHoldingRequest struct {
	PersonID     string `json:"person_id"`
	DecorationID string `json:"decoration_id"`
	Start        string `json:"start"`
}

func parseDay(field, v string) (time.Time, error) {
	if strings.TrimSpace(v) == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(ledger.DateLayout, strings.TrimSpace(v))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s %q is not a date", ledger.ErrInvalidInput, field, v)
	}
	return t, nil
}

func (a *API) handleCreateRoleHolding(w http.ResponseWriter, r *http.Request) {
	var req roleHoldingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	in := registry.RoleHoldingInput{PersonID: req.PersonID, RoleID: req.RoleID}
	var err error
	if in.Start, err = parseDay("start", req.Start); err != nil {
		a.respondError(w, r, err)
		return
	}
	if req.End != "" {
		end, err := parseDay("end", req.End)
		if err != nil {
			a.respondError(w, r, err)
			return
		}
		in.End = &end
	}
	subj, err := a.requestSubject(r)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	h, err := a.registry.CreateRoleHolding(r.Context(), subj, in)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, h)
}

func (a *API) handleUpdateRoleHolding(w http.ResponseWriter, r *http.Request) {
	var values fieldauth.Values
	if err := decodeJSON(r, &values); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	subj, err := a.requestSubject(r)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	h, err := a.registry.UpdateRoleHolding(r.Context(), subj, chi.URLParam(r, "id"), values)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (a *API) handleDeleteRoleHolding(w http.ResponseWriter, r *http.Request) {
	subj, err := a.requestSubject(r)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	if err := a.registry.DeleteRoleHolding(r.Context(), subj, chi.URLParam(r, "id")); err != nil {
		a.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleCreateDecorationHolding(w http.ResponseWriter, r *http.Request) {
	var req decorationHoldingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	start, err := parseDay("start", req.Start)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	subj, err := a.requestSubject(r)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	h, err := a.registry.CreateDecorationHolding(r.Context(), subj, registry.DecorationHoldingInput{
		PersonID: req.PersonID, DecorationID: req.DecorationID, Start: start,
	})
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, h)
}

func (a *API) handleDeleteDecorationHolding(w http.ResponseWriter, r *http.Request) {
	subj, err := a.requestSubject(r)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	if err := a.registry.DeleteDecorationHolding(r.Context(), subj, chi.URLParam(r, "id")); err != nil {
		a.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	var values fieldauth.Values
	if err := decodeJSON(r, &values); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	subj, err := a.requestSubject(r)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	role, err := a.registry.UpdateRole(r.Context(), subj, chi.URLParam(r, "id"), values)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (a *API) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	subj, err := a.requestSubject(r)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	if err := a.registry.DeleteRole(r.Context(), subj, chi.URLParam(r, "id")); err != nil {
		a.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
