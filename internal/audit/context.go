// Package audit builds per-request audit contexts and persists the
// append-only audit trail.
package audit

import (
	"context"
	"net/http"
	"time"

	"agencydash.app/internal/identity"
	"agencydash.app/internal/obs"
)

// UnknownTenant is recorded when no identity could be extracted.
const UnknownTenant = "unknown"

// Context is the immutable audit context of one request. Every audit row the
// request emits copies its fields from the same Context.
type Context struct {
	tenantID       string
	userID         string
	sessionID      string
	networkAddress string
	userAgent      string
	endpoint       string
	method         string
	requestID      string
	metadata       map[string]any
}

func (c Context) TenantID() string       { return c.tenantID }
func (c Context) UserID() string         { return c.userID }
func (c Context) SessionID() string      { return c.sessionID }
func (c Context) NetworkAddress() string { return c.networkAddress }
func (c Context) UserAgent() string      { return c.userAgent }
func (c Context) Endpoint() string       { return c.endpoint }
func (c Context) Method() string         { return c.method }
func (c Context) RequestID() string      { return c.requestID }

// Anonymous reports whether the request carried no identity.
func (c Context) Anonymous() bool { return c.userID == "" }

// Metadata returns a deep copy of the context metadata.
func (c Context) Metadata() map[string]any { return copyMap(c.metadata) }

// BuildContext derives the audit context of r. user may be nil.
func BuildContext(r *http.Request, user *identity.EnhancedUser, now time.Time) Context {
	c := Context{
		tenantID:       UnknownTenant,
		networkAddress: identity.ClientIP(r),
	}
	meta := map[string]any{
		"timestamp": now.UTC().Format(time.RFC3339Nano),
	}
	if r != nil {
		c.userAgent = r.UserAgent()
		c.endpoint = r.URL.Path
		c.method = r.Method
		c.requestID = obs.RequestIDFromContext(r.Context())
		meta["referer"] = r.Referer()
		meta["origin"] = r.Header.Get("Origin")
	}
	if c.requestID != "" {
		meta["request_id"] = c.requestID
	}
	if user != nil {
		c.tenantID = user.TenantID
		c.userID = user.ID
		c.sessionID = user.SessionID
		meta["user"] = map[string]any{
			"email":      user.Email,
			"name":       user.Name,
			"role":       string(user.Role),
			"login_time": user.LoginTime.UTC().Format(time.RFC3339Nano),
			"device": map[string]any{
				"type":    user.Device.Type,
				"browser": user.Device.Browser,
				"os":      user.Device.OS,
			},
			"geo": map[string]any{
				"country": user.Geo.Country,
				"region":  user.Geo.Region,
				"city":    user.Geo.City,
			},
		}
	}
	c.metadata = meta
	return c
}

// SystemContext is used for operations that do not originate from an HTTP
// request, such as operator commands.
func SystemContext(actor, endpoint string, now time.Time) Context {
	return Context{
		tenantID:       "system",
		userID:         actor,
		networkAddress: "local",
		endpoint:       endpoint,
		method:         "CLI",
		metadata:       map[string]any{"timestamp": now.UTC().Format(time.RFC3339Nano)},
	}
}

// NewEntry starts an audit row for an operation under this context.
func (c Context) NewEntry(table string, action Action) Entry {
	return Entry{
		TenantID:       c.tenantID,
		UserID:         c.userID,
		TableName:      table,
		Action:         action,
		Endpoint:       c.endpoint,
		Method:         c.method,
		NetworkAddress: c.networkAddress,
		UserAgent:      c.userAgent,
		SessionID:      c.sessionID,
		Metadata:       c.Metadata(),
	}
}

type ctxKey struct{}

// WithContext attaches c to ctx.
func WithContext(ctx context.Context, c Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// FromContext returns the attached audit context.
func FromContext(ctx context.Context) (Context, bool) {
	if ctx == nil {
		return Context{}, false
	}
	c, ok := ctx.Value(ctxKey{}).(Context)
	return c, ok
}

func copyMap(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMap(t)
	case []any:
		s := make([]any, len(t))
		for i := range t {
			s[i] = copyValue(t[i])
		}
		return s
	case map[string]string:
		m := make(map[string]string, len(t))
		for k, v := range t {
			m[k] = v
		}
		return m
	default:
		return v
	}
}
