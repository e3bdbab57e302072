package httpapi

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"agencydash.app/internal/audit"
	"agencydash.app/internal/identity"
)

const auditTable = "audit_logs"

type auditListQuery struct {
	Limit    int    `query:"limit" validate:"min=0,max=500"`
	Offset   int    `query:"offset" validate:"min=0"`
	Table    string `query:"table" validate:"omitempty,max=63,identifier"`
	Action   string `query:"action"`
	Since    string `query:"since" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	UserID   string `query:"userId" validate:"omitempty,max=128"`
	TenantID string `query:"tenantId" validate:"omitempty,max=128"`
}

type auditStatsQuery struct {
	TenantID string `query:"tenantId" validate:"omitempty,max=128"`
	UserID   string `query:"userId" validate:"omitempty,max=128"`
	Days     int    `query:"days" validate:"min=0,max=3650"`
}

type auditListResponse struct {
	Items  []audit.SummaryRow `json:"items"`
	Total  int                `json:"total"`
	Limit  int                `json:"limit"`
	Offset int                `json:"offset"`
}

// ListAudit serves GET /api/audit. Callers holding only audit:client see
// their own tenant.
func (a *API) ListAudit(w http.ResponseWriter, r *http.Request) {
	user, ok := a.requireAny(w, r, auditTable, audit.ActionSelect, "audit:client", "audit:all")
	if !ok {
		return
	}
	q := r.URL.Query()
	var req auditListQuery
	fields := map[string]string{}
	req.Limit = intParam(q, "limit", fields)
	req.Offset = intParam(q, "offset", fields)
	req.Table = strings.TrimSpace(q.Get("table"))
	if raw := strings.TrimSpace(q.Get("action")); raw != "" {
		action, err := audit.ParseAction(raw)
		if err != nil {
			fields["action"] = "oneof=SELECT INSERT UPDATE DELETE"
		}
		req.Action = string(action)
	}
	req.Since = strings.TrimSpace(q.Get("since"))
	req.UserID = strings.TrimSpace(q.Get("userId"))
	req.TenantID = strings.TrimSpace(q.Get("tenantId"))
	if !a.validQuery(w, r, &req, fields) {
		return
	}
	tenant, ok := a.scopeTenant(w, r, user, req.TenantID)
	if !ok {
		return
	}

	f := audit.Filter{
		TenantID: tenant,
		UserID:   req.UserID,
		Table:    req.Table,
		Action:   audit.Action(req.Action),
		Limit:    req.Limit,
		Offset:   req.Offset,
	}
	if req.Since != "" {
		f.Since, _ = time.Parse(time.RFC3339, req.Since)
	}
	f = f.Normalize()

	var (
		rows  []audit.SummaryRow
		total int
	)
	err := a.layer.Track(r.Context(), auditContext(r, a.now()), auditTable, audit.ActionSelect, func(ctx context.Context) error {
		var err error
		rows, total, err = a.store.List(ctx, f)
		return err
	})
	if err != nil {
		a.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, auditListResponse{Items: rows, Total: total, Limit: f.Limit, Offset: f.Offset})
}

// AuditStats serves GET /api/audit/stats.
func (a *API) AuditStats(w http.ResponseWriter, r *http.Request) {
	user, ok := a.requireAny(w, r, auditTable, audit.ActionSelect, "audit:client", "audit:all")
	if !ok {
		return
	}
	q := r.URL.Query()
	var req auditStatsQuery
	fields := map[string]string{}
	req.Days = intParam(q, "days", fields)
	req.TenantID = strings.TrimSpace(q.Get("tenantId"))
	req.UserID = strings.TrimSpace(q.Get("userId"))
	if !a.validQuery(w, r, &req, fields) {
		return
	}
	tenant, ok := a.scopeTenant(w, r, user, req.TenantID)
	if !ok {
		return
	}

	f := audit.StatsFilter{TenantID: tenant, UserID: req.UserID, Days: req.Days}.Normalize()
	var st audit.Stats
	err := a.layer.Track(r.Context(), auditContext(r, a.now()), auditTable, audit.ActionSelect, func(ctx context.Context) error {
		var err error
		st, err = a.store.Stats(ctx, f)
		return err
	})
	if err != nil {
		a.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id": f.TenantID,
		"user_id":   f.UserID,
		"days":      f.Days,
		"stats":     st,
	})
}

// scopeTenant pins audit:client callers to their own tenant; asking for
// another tenant is a 403.
func (a *API) scopeTenant(w http.ResponseWriter, r *http.Request, user *identity.EnhancedUser, requested string) (string, bool) {
	if user.HasPermission("audit:all") {
		return requested, true
	}
	if requested != "" && requested != user.TenantID {
		a.deny(w, r, auditTable, audit.ActionSelect, http.StatusForbidden, "forbidden")
		return "", false
	}
	return user.TenantID, true
}

func (a *API) validQuery(w http.ResponseWriter, r *http.Request, req any, fields map[string]string) bool {
	if err := getValidator().Struct(req); err != nil {
		for k, v := range fieldErrors(err) {
			if _, seen := fields[k]; !seen {
				fields[k] = v
			}
		}
	}
	if len(fields) > 0 {
		writeValidationError(w, r, fields)
		return false
	}
	return true
}

func (a *API) storeError(w http.ResponseWriter, r *http.Request, err error) {
	a.logError(r, err)
	writeError(w, r, http.StatusInternalServerError, "internal error")
}

// intParam parses an optional integer parameter; a malformed value is
// recorded in fields.
func intParam(q url.Values, name string, fields map[string]string) int {
	raw := strings.TrimSpace(q.Get(name))
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		fields[name] = "integer"
		return 0
	}
	return n
}
