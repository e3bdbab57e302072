package identity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"agencydash.app/internal/auth"
	"agencydash.app/internal/session"
)

const testSecret = "identity-test-secret"

func issue(t *testing.T, c auth.Claims) string {
	t.Helper()
	iss, err := auth.NewIssuer(testSecret, "")
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	token, err := iss.Issue(c, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return token
}

func claimsFor(sub string, role auth.Role, jti string) auth.Claims {
	c := auth.Claims{Email: sub + "@agency.test", Name: sub, Role: role, TenantID: "tenant-1"}
	c.Subject = sub
	c.ID = jti
	return c
}

func bearerRequest(token string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/calls", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) Mobile/15E148")
	req.RemoteAddr = "127.0.0.1:40000"
	return req
}

func newTestExtractor(reg session.Registry) *Extractor {
	return NewExtractor(auth.NewVerifier(auth.WithJWTSecret(testSecret)), auth.DefaultEngine(), reg)
}

func TestExtractBuildsUserAndSession(t *testing.T) {
	reg := session.NewMemoryRegistry()
	x := newTestExtractor(reg)

	user := x.Extract(bearerRequest(issue(t, claimsFor("ana", auth.RoleAdmin, "sess-ana"))))
	if user == nil {
		t.Fatalf("expected user")
	}
	if user.ID != "ana" || user.TenantID != "tenant-1" || user.SessionID != "sess-ana" {
		t.Fatalf("unexpected user: %+v", user)
	}
	if !user.HasPermission("audit:client") || user.HasPermission("audit:all") {
		t.Fatalf("unexpected permissions: %v", user.Permissions)
	}
	if user.Device.Type != DeviceMobile || user.Geo.Country != "Local" || user.NetworkAddress != "127.0.0.1" {
		t.Fatalf("unexpected telemetry: %+v %+v %s", user.Device, user.Geo, user.NetworkAddress)
	}

	stored, err := reg.Get(context.Background(), "sess-ana")
	if err != nil || !stored.IsActive || stored.UserID != "ana" {
		t.Fatalf("session not registered: %+v %v", stored, err)
	}
}

func TestExtractAnonymous(t *testing.T) {
	x := newTestExtractor(session.NewMemoryRegistry())
	if u := x.Extract(httptest.NewRequest(http.MethodGet, "/", nil)); u != nil {
		t.Fatalf("expected anonymous, got %+v", u)
	}
	if u := x.Extract(bearerRequest("forged.token.value")); u != nil {
		t.Fatalf("expected anonymous for forged token, got %+v", u)
	}
	var nilUser *EnhancedUser
	if nilUser.HasPermission("read:own") {
		t.Fatalf("nil user must hold nothing")
	}
}

func TestExtractSynthesizesSessionID(t *testing.T) {
	reg := session.NewMemoryRegistry()
	x := NewExtractor(stubVerifier{claims: &auth.Claims{Role: auth.RoleSales, TenantID: "t"}}, auth.DefaultEngine(), reg)
	user := x.Extract(httptest.NewRequest(http.MethodGet, "/", nil))
	if user == nil {
		t.Fatalf("expected user")
	}
	if user.SessionID == "" {
		t.Fatalf("expected synthesized session id")
	}
	if user.LoginTime.IsZero() {
		t.Fatalf("expected login time fallback")
	}
	if _, err := reg.Get(context.Background(), user.SessionID); err != nil {
		t.Fatalf("synthesized session not registered: %v", err)
	}
}

func TestExtractReusesSessionForTokenWithoutID(t *testing.T) {
	reg := session.NewMemoryRegistry()
	claims := &auth.Claims{Role: auth.RoleSales, TenantID: "t"}
	claims.IssuedAt = jwt.NewNumericDate(time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC))
	x := NewExtractor(stubVerifier{claims: claims}, auth.DefaultEngine(), reg)

	first := x.Extract(httptest.NewRequest(http.MethodGet, "/", nil))
	second := x.Extract(httptest.NewRequest(http.MethodGet, "/", nil))
	if first == nil || second == nil {
		t.Fatalf("expected users")
	}
	if first.SessionID != second.SessionID {
		t.Fatalf("expected one session per token, got %s and %s", first.SessionID, second.SessionID)
	}
	list, err := reg.ListByUser(context.Background(), "stub-user", session.ListOptions{IncludeInactive: true})
	if err != nil || len(list) != 1 {
		t.Fatalf("expected a single registry entry, got %d (%v)", len(list), err)
	}
}

func TestExtractRoleChangeInvalidatesSession(t *testing.T) {
	reg := session.NewMemoryRegistry()
	x := newTestExtractor(reg)

	if u := x.Extract(bearerRequest(issue(t, claimsFor("cy", auth.RoleAdmin, "sess-cy")))); u == nil {
		t.Fatalf("expected first extraction to succeed")
	}
	if u := x.Extract(bearerRequest(issue(t, claimsFor("cy", auth.RoleCEO, "sess-cy")))); u != nil {
		t.Fatalf("role change must not yield an identity")
	}
	s, err := reg.Get(context.Background(), "sess-cy")
	if err != nil || s.IsActive || s.Role != auth.RoleAdmin {
		t.Fatalf("session should be invalidated, not updated: %+v %v", s, err)
	}
}

func TestExtractRegistryFailureIsAnonymous(t *testing.T) {
	x := newTestExtractor(failingRegistry{session.NewMemoryRegistry()})
	if u := x.Extract(bearerRequest(issue(t, claimsFor("di", auth.RoleAdmin, "sess-di")))); u != nil {
		t.Fatalf("expected nil identity on registry failure")
	}
}

type stubVerifier struct {
	claims *auth.Claims
}

func (s stubVerifier) Verify(*http.Request) (*auth.Claims, error) {
	c := *s.claims
	c.Subject = "stub-user"
	return &c, nil
}

type failingRegistry struct {
	*session.MemoryRegistry
}

func (failingRegistry) Upsert(context.Context, session.UserSession) (session.UserSession, error) {
	return session.UserSession{}, errors.New("backend down")
}
