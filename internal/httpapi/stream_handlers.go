package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"agencydash.app/internal/audit"
	"agencydash.app/internal/stream"
)

const streamHeartbeat = 15 * time.Second

// AuditStream pushes newly stored audit rows as Server-Sent Events. Callers
// without audit:all only see their own tenant.
func (a *API) AuditStream(w http.ResponseWriter, r *http.Request) {
	user, ok := a.requireAny(w, r, auditTable, audit.ActionSelect, "audit:client", "audit:all")
	if !ok {
		return
	}
	if a.live == nil {
		writeError(w, r, http.StatusServiceUnavailable, "streaming disabled")
		return
	}
	tenant, ok := a.scopeTenant(w, r, user, r.URL.Query().Get("tenantId"))
	if !ok {
		return
	}
	var filter stream.Filter
	if tenant != "" {
		filter = stream.TenantFilter(tenant)
	}

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	ch := a.live.Subscribe(ctx, filter)

	// The subscription itself is an audited read.
	_ = a.layer.Track(ctx, auditContext(r, a.now()), auditTable, audit.ActionSelect, func(context.Context) error {
		return nil
	})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write([]byte(": stream started\n\n")); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		a.logError(r, err)
		return
	}

	ticker := time.NewTicker(streamHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
		case e, open := <-ch:
			if !open {
				return
			}
			payload, err := json.Marshal(e)
			if err != nil {
				continue
			}
			_, _ = w.Write([]byte("event: audit\nid: " + e.ID + "\ndata: "))
			_, _ = w.Write(payload)
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
