package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testSessionSecret = "session-secret"
	testJWTSecret     = "jwt-secret"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func testIssuer(t *testing.T, secret string) *Issuer {
	t.Helper()
	iss, err := NewIssuer(secret, "agencydash")
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	iss.now = func() time.Time { return fixedNow }
	return iss
}

func testVerifier() *Verifier {
	return NewVerifier(
		WithSessionSecret(testSessionSecret),
		WithJWTSecret(testJWTSecret),
		WithIssuer("agencydash"),
		WithClock(func() time.Time { return fixedNow.Add(time.Minute) }),
	)
}

func sampleClaims() Claims {
	c := Claims{Email: "Ana@Agency.test", Name: "Ana", Role: RoleAdmin, TenantID: "agency-1"}
	c.Subject = "user-1"
	c.ID = "sess-1"
	return c
}

func TestVerifyBearer(t *testing.T) {
	token, err := testIssuer(t, testJWTSecret).Issue(sampleClaims(), time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	claims, err := testVerifier().Verify(req)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Subject != "user-1" || claims.TenantID != "agency-1" || claims.Role != RoleAdmin {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.Email != "ana@agency.test" {
		t.Fatalf("email not normalised: %s", claims.Email)
	}
	if claims.Source != SourceBearer || claims.TokenID() != "sess-1" {
		t.Fatalf("unexpected source/jti: %s %s", claims.Source, claims.TokenID())
	}
	if !claims.IssuedAtTime().Equal(fixedNow) {
		t.Fatalf("unexpected iat: %v", claims.IssuedAtTime())
	}
}

func TestVerifyPrefersSessionCookie(t *testing.T) {
	sessionToken, _ := testIssuer(t, testSessionSecret).Issue(sampleClaims(), time.Hour)
	other := sampleClaims()
	other.Subject = "user-2"
	bearer, _ := testIssuer(t, testJWTSecret).Issue(other, time.Hour)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "session-token", Value: sessionToken})
	req.Header.Set("Authorization", "Bearer "+bearer)

	claims, err := testVerifier().Verify(req)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Subject != "user-1" || claims.Source != SourceSession {
		t.Fatalf("expected session claims, got %+v", claims)
	}
}

func TestInvalidCookieDoesNotFallThrough(t *testing.T) {
	bearer, _ := testIssuer(t, testJWTSecret).Issue(sampleClaims(), time.Hour)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "session-token", Value: "garbage"})
	req.Header.Set("Authorization", "Bearer "+bearer)

	if _, err := testVerifier().Verify(req); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestVerifyRejects(t *testing.T) {
	valid := sampleClaims()

	expiredIssuer := testIssuer(t, testJWTSecret)
	expiredIssuer.now = func() time.Time { return fixedNow.Add(-2 * time.Hour) }
	expired, _ := expiredIssuer.Issue(valid, time.Hour)

	forged, _ := testIssuer(t, "wrong-secret").Issue(valid, time.Hour)

	noTenant := valid
	noTenant.TenantID = ""
	missingTenant, _ := signRaw(t, noTenant)

	badRole := valid
	badRole.Role = "root"
	unknownRole, _ := signRaw(t, badRole)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, valid)
	unsigned, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)

	cases := map[string]string{
		"expired":        expired,
		"forged":         forged,
		"missing tenant": missingTenant,
		"unknown role":   unknownRole,
		"alg none":       unsigned,
		"malformed":      "not.a.token",
	}
	v := testVerifier()
	for name, token := range cases {
		if _, err := v.VerifyBearer(token); !errors.Is(err, ErrUnauthenticated) {
			t.Fatalf("%s: expected ErrUnauthenticated, got %v", name, err)
		}
	}
}

func TestVerifyNoCredential(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, err := testVerifier().Verify(req); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
	req.Header.Set("Authorization", "Basic abc")
	if _, err := testVerifier().Verify(req); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestBearerDisabledWithoutSecret(t *testing.T) {
	token, _ := testIssuer(t, testJWTSecret).Issue(sampleClaims(), time.Hour)
	v := NewVerifier(WithSessionSecret(testSessionSecret))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	if _, err := v.Verify(req); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestBearerToken(t *testing.T) {
	if tok, ok := BearerToken("bearer abc"); !ok || tok != "abc" {
		t.Fatalf("unexpected: %q %v", tok, ok)
	}
	if _, ok := BearerToken("Bearer "); ok {
		t.Fatalf("empty bearer should fail")
	}
}

// signRaw signs claims without the Issuer's role check.
func signRaw(t *testing.T, c Claims) (string, error) {
	t.Helper()
	c.Issuer = "agencydash"
	c.IssuedAt = jwt.NewNumericDate(fixedNow)
	c.ExpiresAt = jwt.NewNumericDate(fixedNow.Add(time.Hour))
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(testJWTSecret))
}
