package httpapi

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"chorus.org/internal/access"
	"chorus.org/internal/ledger"
	"chorus.org/internal/perm"
)

type capabilitiesResponse struct {
	PersonID     string            `json:"person_id,omitempty"`
	AsOf         string            `json:"as_of"`
	CrossOrg     bool              `json:"cross_org"`
	Capabilities []perm.Capability `json:"capabilities"`
	Grants       []access.Grant    `json:"grants"`
}

func (a *API) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	v, err := a.open(r)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	defer v.close()

	caps := v.session.Capabilities()
	subj := v.session.Subject()
	resp := capabilitiesResponse{
		PersonID:     subj.PersonID,
		AsOf:         subj.AsOf.Format(ledger.DateLayout),
		CrossOrg:     v.session.CrossOrg(),
		Capabilities: caps.Capabilities(),
		Grants:       caps.Grants(),
	}
	if resp.Capabilities == nil {
		resp.Capabilities = []perm.Capability{}
	}
	if resp.Grants == nil {
		resp.Grants = []access.Grant{}
	}
	writeJSON(w, http.StatusOK, resp)
}

type scopeResponse struct {
	Entity   string   `json:"entity"`
	Mode     string   `json:"mode"`
	Unscoped bool     `json:"unscoped"`
	IDs      []string `json:"ids"`
}

// handleScope lists the records of an entity the subject may reach. The
// visible set is returned for visible=true, the scoped set of one capability
// for capability=<name>, and the edit set otherwise.
func (a *API) handleScope(w http.ResponseWriter, r *http.Request) {
	entity, ok := access.ParseEntity(chi.URLParam(r, "entity"))
	if !ok {
		writeError(w, r, http.StatusNotFound, "unknown entity")
		return
	}
	visible, err := boolParam(r.URL.Query().Get("visible"), "visible")
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	v, err := a.open(r)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	defer v.close()

	resp := scopeResponse{Entity: entity.String(), IDs: []string{}}
	var p access.Predicate
	switch name := r.URL.Query().Get("capability"); {
	case visible:
		resp.Mode = "visible"
		p = v.session.VisibleSet(entity)
	case name != "":
		resp.Mode = "capability"
		c, ok := perm.Parse(name)
		if !ok {
			writeJSON(w, http.StatusOK, resp)
			return
		}
		p = v.session.ScopedSet(entity, c)
	default:
		resp.Mode = "edit"
		p = v.session.EditSet(entity)
	}
	resp.Unscoped = p.Unscoped

	ids, err := access.NewEvaluator(v.snap).List(r.Context(), p)
	if err != nil {
		a.respondError(w, r, fmt.Errorf("list %s: %w", entity, err))
		return
	}
	if ids != nil {
		resp.IDs = ids
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleForm(w http.ResponseWriter, r *http.Request) {
	entity, ok := access.ParseEntity(chi.URLParam(r, "entity"))
	if !ok {
		writeError(w, r, http.StatusNotFound, "unknown entity")
		return
	}
	subj, err := a.requestSubject(r)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	form, err := a.registry.Form(r.Context(), subj, entity, chi.URLParam(r, "id"))
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, form)
}

func (a *API) handleNav(w http.ResponseWriter, r *http.Request) {
	v, err := a.open(r)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	defer v.close()
	writeJSON(w, http.StatusOK, a.nav.For(v.session.Capabilities()))
}

func (a *API) handleNavPath(w http.ResponseWriter, r *http.Request) {
	v, err := a.open(r)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	defer v.close()
	node, ok := a.nav.PathFor(v.session.Capabilities(), chi.URLParam(r, "*"))
	if !ok {
		writeError(w, r, http.StatusNotFound, "page not found")
		return
	}
	writeJSON(w, http.StatusOK, node)
}
