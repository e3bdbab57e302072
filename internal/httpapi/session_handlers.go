package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"agencydash.app/internal/audit"
	"agencydash.app/internal/auth"
	"agencydash.app/internal/dal"
	"agencydash.app/internal/identity"
	"agencydash.app/internal/session"
)

const sessionTable = "user_sessions"

type sessionListResponse struct {
	Items   []session.UserSession `json:"items"`
	Current string                `json:"current"`
}

// ListSessions serves GET /api/sessions. scope=tenant lists every session of
// the caller's tenant and needs admin:client or admin:all.
func (a *API) ListSessions(w http.ResponseWriter, r *http.Request) {
	user, ok := a.requireUser(w, r, sessionTable, audit.ActionSelect)
	if !ok {
		return
	}
	q := r.URL.Query()
	opts := session.ListOptions{}
	if raw := q.Get("include_inactive"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeValidationError(w, r, map[string]string{"include_inactive": "boolean"})
			return
		}
		opts.IncludeInactive = v
	}
	byTenant := false
	switch q.Get("scope") {
	case "", "own":
	case "tenant":
		if !user.HasPermission("admin:client") {
			a.deny(w, r, sessionTable, audit.ActionSelect, http.StatusForbidden, "forbidden")
			return
		}
		byTenant = true
	default:
		writeValidationError(w, r, map[string]string{"scope": "oneof=own tenant"})
		return
	}

	var list []session.UserSession
	err := a.layer.Track(r.Context(), auditContext(r, a.now()), sessionTable, audit.ActionSelect, func(ctx context.Context) error {
		var err error
		if byTenant {
			list, err = a.sessions.ListByTenant(ctx, user.TenantID, opts)
		} else {
			list, err = a.sessions.ListByUser(ctx, user.ID, opts)
		}
		return err
	})
	if err != nil {
		a.storeError(w, r, err)
		return
	}
	if list == nil {
		list = []session.UserSession{}
	}
	writeJSON(w, http.StatusOK, sessionListResponse{Items: list, Current: user.SessionID})
}

// EndSession serves DELETE /api/sessions/{id}. Callers may end their own
// sessions; admin:client reaches the caller's tenant and admin:all any tenant.
// Anything else answers 404 so session ids cannot be probed across tenants.
func (a *API) EndSession(w http.ResponseWriter, r *http.Request) {
	user, ok := a.requireUser(w, r, sessionTable, audit.ActionDelete)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	ac := auditContext(r, a.now())

	var ended session.UserSession
	err := a.layer.TrackRecord(r.Context(), ac, sessionTable, audit.ActionDelete, id, func(ctx context.Context) error {
		s, err := a.sessions.Get(ctx, id)
		if errors.Is(err, session.ErrNotFound) {
			return fmt.Errorf("%w: %w", dal.ErrNotFound, err)
		}
		if err != nil {
			return err
		}
		if !canEnd(user, s) {
			return auth.ErrForbidden
		}
		ended, err = a.sessions.End(ctx, id)
		return err
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, ended)
	case errors.Is(err, session.ErrNotFound), errors.Is(err, auth.ErrForbidden):
		// Sessions out of the caller's reach look missing; the audit row keeps 403.
		writeError(w, r, http.StatusNotFound, "session not found")
	default:
		a.storeError(w, r, err)
	}
}

func canEnd(user *identity.EnhancedUser, s session.UserSession) bool {
	switch {
	case s.UserID == user.ID && s.TenantID == user.TenantID:
		return true
	case user.HasPermission("admin:all"):
		return true
	default:
		return s.TenantID == user.TenantID && user.HasPermission("admin:client")
	}
}
