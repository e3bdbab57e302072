// Package httpapi is the dashboard's HTTP surface: identity middleware, the
// audit log endpoints and session management.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"

	"agencydash.app/internal/audit"
	"agencydash.app/internal/dal"
	"agencydash.app/internal/identity"
	"agencydash.app/internal/obs"
	"agencydash.app/internal/session"
	"agencydash.app/internal/stream"
)

const serviceName = "agencydash-api"

// ReadinessChecker reports whether dependencies are reachable.
type ReadinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyFunc adapts a function to ReadinessChecker.
type ReadyFunc func(ctx context.Context) error

func (f ReadyFunc) Check(ctx context.Context) error {
	if f == nil {
		return nil
	}
	return f(ctx)
}

// Extractor resolves the caller of a request; *identity.Extractor satisfies it.
type Extractor interface {
	Extract(r *http.Request) *identity.EnhancedUser
}

// Deps are the collaborators of the API.
type Deps struct {
	Extractor   Extractor
	Layer       *dal.Layer
	AuditStore  audit.Store
	Sessions    session.Registry
	Live        *stream.Hub
	Ready       ReadinessChecker
	Version     string
	RateBurst   int
	RatePerSec  int
	CORSOrigins []string
	Clock       func() time.Time
}

// API is the HTTP layer.
type API struct {
	extractor  Extractor
	layer      *dal.Layer
	store      audit.Store
	sessions   session.Registry
	live       *stream.Hub
	ready      ReadinessChecker
	version    string
	rateBurst  int
	ratePerSec int
	origins    []string
	now        func() time.Time
}

func New(d Deps) *API {
	a := &API{
		extractor:  d.Extractor,
		layer:      d.Layer,
		store:      d.AuditStore,
		sessions:   d.Sessions,
		live:       d.Live,
		ready:      d.Ready,
		version:    d.Version,
		rateBurst:  d.RateBurst,
		ratePerSec: d.RatePerSec,
		origins:    d.CORSOrigins,
		now:        d.Clock,
	}
	if a.ready == nil {
		a.ready = ReadyFunc(nil)
	}
	if a.now == nil {
		a.now = time.Now
	}
	if a.rateBurst <= 0 {
		a.rateBurst = 40
	}
	if a.ratePerSec <= 0 {
		a.ratePerSec = 20
	}
	return a
}

// Handler builds the router with the full middleware chain.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(obs.Instrument)
	r.Use(LoggingJSON)
	r.Use(middleware.Recoverer)
	r.Use(CORS(a.origins))

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Handle("/metrics", obs.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(RateLimit(a.rateBurst, a.ratePerSec))
		r.Use(a.withIdentity)
		r.Get("/me", a.Me)
		r.Get("/audit", a.ListAudit)
		r.Get("/audit/stats", a.AuditStats)
		r.Get("/audit/stream", a.AuditStream)
		r.Get("/sessions", a.ListSessions)
		r.Delete("/sessions/{id}", a.EndSession)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.ready.Check(ctx); err != nil {
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

// Me returns the caller's identity, permissions included.
func (a *API) Me(w http.ResponseWriter, r *http.Request) {
	user, ok := a.requireUser(w, r, "users", audit.ActionSelect)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, user)
}

type userKey struct{}

func withUser(ctx context.Context, u *identity.EnhancedUser) context.Context {
	return context.WithValue(ctx, userKey{}, u)
}

// UserFromContext returns the user attached by the identity middleware.
func UserFromContext(ctx context.Context) *identity.EnhancedUser {
	u, _ := ctx.Value(userKey{}).(*identity.EnhancedUser)
	return u
}

func auditContext(r *http.Request, now time.Time) audit.Context {
	if ac, ok := audit.FromContext(r.Context()); ok {
		return ac
	}
	return audit.BuildContext(r, nil, now)
}

// requireUser rejects anonymous callers with 401 and an audit row.
func (a *API) requireUser(w http.ResponseWriter, r *http.Request, table string, action audit.Action) (*identity.EnhancedUser, bool) {
	user := UserFromContext(r.Context())
	if user == nil {
		a.deny(w, r, table, action, http.StatusUnauthorized, "authentication required")
		return nil, false
	}
	return user, true
}

// requireAny passes when the user holds at least one of actions.
func (a *API) requireAny(w http.ResponseWriter, r *http.Request, table string, action audit.Action, actions ...string) (*identity.EnhancedUser, bool) {
	user, ok := a.requireUser(w, r, table, action)
	if !ok {
		return nil, false
	}
	for _, perm := range actions {
		if user.HasPermission(perm) {
			return user, true
		}
	}
	a.deny(w, r, table, action, http.StatusForbidden, "forbidden")
	return nil, false
}

func (a *API) deny(w http.ResponseWriter, r *http.Request, table string, action audit.Action, code int, msg string) {
	if a.layer != nil {
		a.layer.RecordDenial(r.Context(), auditContext(r, a.now()), table, action, code)
	}
	writeError(w, r, code, msg)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeJSONError(w, r, code, msg, nil)
}

func writeJSONError(w http.ResponseWriter, r *http.Request, code int, msg string, extra map[string]any) {
	payload := map[string]any{
		"error": msg,
	}
	for k, v := range extra {
		payload[k] = v
	}
	if rid := obs.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func (a *API) logError(r *http.Request, err error) {
	obs.Ctx(r.Context()).Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request_failed")
}
