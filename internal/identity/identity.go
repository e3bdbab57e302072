// Package identity turns a verified request credential into a session-aware
// user and keeps the session registry current.
package identity

import (
	"errors"
	"net/http"
	"time"

	"agencydash.app/internal/auth"
	"agencydash.app/internal/ids"
	"agencydash.app/internal/obs"
	"agencydash.app/internal/session"
)

// EnhancedUser is the authenticated actor of one request.
type EnhancedUser struct {
	ID             string            `json:"id"`
	Email          string            `json:"email"`
	Name           string            `json:"name"`
	Role           auth.Role         `json:"role"`
	TenantID       string            `json:"tenant_id"`
	Permissions    []auth.Permission `json:"permissions"`
	SessionID      string            `json:"session_id"`
	LoginTime      time.Time         `json:"login_time"`
	LastActivity   time.Time         `json:"last_activity"`
	NetworkAddress string            `json:"network_address"`
	UserAgent      string            `json:"user_agent"`
	Device         DeviceInfo        `json:"device"`
	Geo            GeoInfo           `json:"geo"`
}

// HasPermission reports whether the user holds action. A nil user holds nothing.
func (u *EnhancedUser) HasPermission(action string) bool {
	if u == nil {
		return false
	}
	return auth.HasPermission(u.Permissions, action)
}

// CredentialVerifier is satisfied by *auth.Verifier.
type CredentialVerifier interface {
	Verify(r *http.Request) (*auth.Claims, error)
}

type Extractor struct {
	verifier CredentialVerifier
	engine   *auth.Engine
	registry session.Registry
	now      func() time.Time
}

type Option func(*Extractor)

func WithClock(fn func() time.Time) Option {
	return func(x *Extractor) {
		if fn != nil {
			x.now = fn
		}
	}
}

func NewExtractor(verifier CredentialVerifier, engine *auth.Engine, registry session.Registry, opts ...Option) *Extractor {
	x := &Extractor{verifier: verifier, engine: engine, registry: registry, now: time.Now}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Extract returns the request's user, or nil for anonymous callers. A nil
// result is not an error: callers still build an audit context.
func (x *Extractor) Extract(r *http.Request) *EnhancedUser {
	if x == nil || x.verifier == nil || r == nil {
		return nil
	}
	ctx := r.Context()
	claims, err := x.verifier.Verify(r)
	if err != nil {
		obs.Ctx(ctx).Debug().Err(err).Msg("identity_anonymous")
		return nil
	}

	now := x.now().UTC()
	sessionID := claims.TokenID()
	issuedAt := claims.IssuedAtTime()
	switch {
	case sessionID != "":
	case !issuedAt.IsZero():
		sessionID = ids.DerivedSessionID(claims.Subject, claims.TenantID, issuedAt)
	default:
		sessionID = ids.NewSessionID()
	}
	loginTime := issuedAt
	if loginTime.IsZero() {
		loginTime = now
	}
	addr := ClientIP(r)
	ua := r.UserAgent()

	user := &EnhancedUser{
		ID:             claims.Subject,
		Email:          claims.Email,
		Name:           claims.Name,
		Role:           claims.Role,
		TenantID:       claims.TenantID,
		SessionID:      sessionID,
		LoginTime:      loginTime.UTC(),
		LastActivity:   now,
		NetworkAddress: addr,
		UserAgent:      ua,
		Device:         ClassifyDevice(ua),
		Geo:            LocateIP(addr),
	}
	if x.engine != nil {
		user.Permissions = x.engine.Permissions(claims.Role)
	}

	if x.registry == nil {
		return user
	}
	stored, err := x.registry.Upsert(ctx, session.UserSession{
		ID:             sessionID,
		UserID:         user.ID,
		TenantID:       user.TenantID,
		Role:           user.Role,
		LoginTime:      user.LoginTime,
		LastActivity:   now,
		NetworkAddress: addr,
		UserAgent:      ua,
		Metadata:       map[string]string{"source": claims.Source},
	})
	if err != nil {
		ev := obs.Ctx(ctx).Warn().Err(err).Str("session_id", sessionID).Str("user_id", user.ID)
		switch {
		case errors.Is(err, session.ErrIdentityMismatch):
			ev.Msg("session_invalidated")
		case errors.Is(err, session.ErrEnded):
			ev.Msg("session_ended")
		default:
			ev.Msg("session_registry_failed")
		}
		return nil
	}
	user.LoginTime = stored.LoginTime
	user.LastActivity = stored.LastActivity
	return user
}
