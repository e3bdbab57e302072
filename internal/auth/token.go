package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	SourceSession = "session"
	SourceBearer  = "bearer"

	defaultCookie    = "session-token"
	defaultClockSkew = 5 * time.Second
	bearerPrefix     = "bearer "
)

var hmacMethods = []string{
	jwt.SigningMethodHS256.Alg(),
	jwt.SigningMethodHS384.Alg(),
	jwt.SigningMethodHS512.Alg(),
}

// Claims is the verified claim set carried by both credential formats.
type Claims struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Role     Role   `json:"role"`
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims

	// Source records which credential produced the claims.
	Source string `json:"-"`
}

// TokenID returns the jti claim, used as the session id.
func (c *Claims) TokenID() string { return c.ID }

// IssuedAtTime returns iat or the zero time.
func (c *Claims) IssuedAtTime() time.Time {
	if c.IssuedAt == nil {
		return time.Time{}
	}
	return c.IssuedAt.Time
}

// Verifier turns request credentials into claims. The session cookie is tried
// first; the Authorization bearer header is the fallback. Either path is
// disabled when its secret is empty.
type Verifier struct {
	sessionKey []byte
	jwtKey     []byte
	cookieName string
	issuer     string
	skew       time.Duration
	now        func() time.Time
}

type VerifierOption func(*Verifier)

// WithSessionSecret enables the session-cookie path.
func WithSessionSecret(secret string) VerifierOption {
	return func(v *Verifier) {
		if s := strings.TrimSpace(secret); s != "" {
			v.sessionKey = []byte(s)
		}
	}
}

// WithJWTSecret enables the standalone bearer token path.
func WithJWTSecret(secret string) VerifierOption {
	return func(v *Verifier) {
		if s := strings.TrimSpace(secret); s != "" {
			v.jwtKey = []byte(s)
		}
	}
}

func WithSessionCookie(name string) VerifierOption {
	return func(v *Verifier) {
		if name = strings.TrimSpace(name); name != "" {
			v.cookieName = name
		}
	}
}

// WithIssuer requires the iss claim to match.
func WithIssuer(issuer string) VerifierOption {
	return func(v *Verifier) { v.issuer = strings.TrimSpace(issuer) }
}

func WithClockSkew(d time.Duration) VerifierOption {
	return func(v *Verifier) {
		if d >= 0 {
			v.skew = d
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(fn func() time.Time) VerifierOption {
	return func(v *Verifier) {
		if fn != nil {
			v.now = fn
		}
	}
}

func NewVerifier(opts ...VerifierOption) *Verifier {
	v := &Verifier{
		cookieName: defaultCookie,
		skew:       defaultClockSkew,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// SupportsBearer reports whether standalone tokens can be verified.
func (v *Verifier) SupportsBearer() bool { return v != nil && len(v.jwtKey) > 0 }

// SupportsSession reports whether session cookies can be verified.
func (v *Verifier) SupportsSession() bool { return v != nil && len(v.sessionKey) > 0 }

// Verify extracts and verifies the request credential. Every failure is
// reported as ErrUnauthenticated. A cookie that is present but invalid does
// not fall through to the bearer header.
func (v *Verifier) Verify(r *http.Request) (*Claims, error) {
	if v == nil || r == nil {
		return nil, ErrUnauthenticated
	}
	if v.SupportsSession() {
		if c, err := r.Cookie(v.cookieName); err == nil && strings.TrimSpace(c.Value) != "" {
			return v.parse(strings.TrimSpace(c.Value), v.sessionKey, SourceSession)
		}
	}
	if !v.SupportsBearer() {
		return nil, ErrUnauthenticated
	}
	token, ok := BearerToken(r.Header.Get("Authorization"))
	if !ok {
		return nil, ErrUnauthenticated
	}
	return v.parse(token, v.jwtKey, SourceBearer)
}

// VerifyBearer verifies a raw standalone token.
func (v *Verifier) VerifyBearer(token string) (*Claims, error) {
	if !v.SupportsBearer() {
		return nil, ErrUnauthenticated
	}
	return v.parse(strings.TrimSpace(token), v.jwtKey, SourceBearer)
}

func (v *Verifier) parse(token string, key []byte, source string) (*Claims, error) {
	if token == "" {
		return nil, ErrUnauthenticated
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(hmacMethods),
		jwt.WithLeeway(v.skew),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrUnauthenticated
		}
		return key, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrUnauthenticated
	}
	if err := validateClaims(claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	claims.Source = source
	return claims, nil
}

func validateClaims(c *Claims) error {
	c.Subject = strings.TrimSpace(c.Subject)
	c.TenantID = strings.TrimSpace(c.TenantID)
	c.Email = strings.TrimSpace(strings.ToLower(c.Email))
	if c.Subject == "" {
		return errors.New("subject missing")
	}
	if c.TenantID == "" {
		return errors.New("tenant missing")
	}
	role, err := ParseRole(string(c.Role))
	if err != nil {
		return err
	}
	c.Role = role
	return nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if len(header) < len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(bearerPrefix):])
	return token, token != ""
}

// Issuer signs HS256 tokens in the format Verifier accepts. It backs the
// operator CLI and tests; production session cookies come from the web tier.
type Issuer struct {
	key    []byte
	issuer string
	now    func() time.Time
}

func NewIssuer(secret, issuer string) (*Issuer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("auth: signing secret is required")
	}
	return &Issuer{key: []byte(secret), issuer: strings.TrimSpace(issuer), now: time.Now}, nil
}

// Issue signs the claims with the given lifetime, filling iat, exp, iss and jti.
func (i *Issuer) Issue(c Claims, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", errors.New("auth: ttl must be greater than zero")
	}
	if _, err := ParseRole(string(c.Role)); err != nil {
		return "", err
	}
	now := i.now().UTC()
	c.IssuedAt = jwt.NewNumericDate(now)
	c.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	if c.Issuer == "" {
		c.Issuer = i.issuer
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
