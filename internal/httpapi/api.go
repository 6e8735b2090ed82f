// Package httpapi exposes the authorization engine and the registry write
// path over HTTP/JSON, with a gRPC health service alongside.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"chorus.org/internal/access"
	"chorus.org/internal/auth"
	"chorus.org/internal/ledger"
	"chorus.org/internal/nav"
	"chorus.org/internal/obs"
	"chorus.org/internal/registry"
	"chorus.org/internal/stream"
)

const serviceName = "chorus-api"

type pinger interface {
	PingContext(ctx context.Context) error
}

// ReadyProbe checks the backing services. Nil members are skipped.
type ReadyProbe struct {
	DB    pinger
	Redis *redis.Client
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if rp.Redis != nil {
		if err := rp.Redis.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	return nil
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Deps are the collaborators of the API.
type Deps struct {
	Store    ledger.Store
	Resolver *access.Resolver
	Registry *registry.Service
	Auth     *auth.Service
	Nav      *nav.Tree
	Hub      *stream.Hub
	Ready    readinessChecker
	Logger   *slog.Logger
	Version  string

	RateBurst    int
	RatePerSec   int
	MaxBodyBytes int64
}

// API is the HTTP layer.
type API struct {
	store    ledger.Store
	resolver *access.Resolver
	registry *registry.Service
	auth     *auth.Service
	nav      *nav.Tree
	hub      *stream.Hub
	ready    readinessChecker
	logger   *slog.Logger
	version  string

	rateBurst    int
	ratePerSec   int
	maxBodyBytes int64

	router chi.Router
}

func New(d Deps) *API {
	a := &API{
		store:        d.Store,
		resolver:     d.Resolver,
		registry:     d.Registry,
		auth:         d.Auth,
		nav:          d.Nav,
		hub:          d.Hub,
		ready:        d.Ready,
		logger:       d.Logger,
		version:      d.Version,
		rateBurst:    d.RateBurst,
		ratePerSec:   d.RatePerSec,
		maxBodyBytes: d.MaxBodyBytes,
	}
	if a.logger == nil {
		a.logger = obs.Logger()
	}
	if a.ready == nil {
		a.ready = ReadyProbe{}
	}
	if a.nav == nil {
		a.nav = nav.Default()
	}
	if a.resolver == nil {
		a.resolver = access.NewResolver(access.WithLogger(a.logger))
	}
	if a.rateBurst <= 0 {
		a.rateBurst = 40
	}
	if a.ratePerSec <= 0 {
		a.ratePerSec = 20
	}
	if a.maxBodyBytes <= 0 {
		a.maxBodyBytes = 1 << 20
	}
	a.router = a.routes()
	return a
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(RequestID)
	r.Use(Logging(a.logger))
	r.Use(SecurityHeaders)
	r.Use(func(next http.Handler) http.Handler { return MaxBodyBytes(next, a.maxBodyBytes) })
	r.Use(func(next http.Handler) http.Handler { return RateLimit(next, a.rateBurst, a.ratePerSec) })

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Handle("/metrics", obs.Handler())
	r.Post("/v1/auth/token", a.handleToken)

	r.Group(func(r chi.Router) {
		r.Use(a.withAuth)

		r.Get("/v1/me/capabilities", a.handleCapabilities)
		r.Get("/v1/scope/{entity}", a.handleScope)
		r.Get("/v1/forms/{entity}/{id}", a.handleForm)

		r.Post("/v1/role-holdings", a.handleCreateRoleHolding)
		r.Put("/v1/role-holdings/{id}", a.handleUpdateRoleHolding)
		r.Delete("/v1/role-holdings/{id}", a.handleDeleteRoleHolding)

		r.Post("/v1/decoration-holdings", a.handleCreateDecorationHolding)
		r.Delete("/v1/decoration-holdings/{id}", a.handleDeleteDecorationHolding)

		r.Put("/v1/roles/{id}", a.handleUpdateRole)
		r.Delete("/v1/roles/{id}", a.handleDeleteRole)

		r.Get("/v1/nav", a.handleNav)
		r.Get("/v1/nav/*", a.handleNavPath)

		r.Get("/v1/history/stream", a.Stream)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// Handler returns the instrumented router.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.router)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.ready.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}
