package ids

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier used for audit rows.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewSessionID returns a random session identifier for credentials that carry no token id.
func NewSessionID() string {
	return uuid.NewString()
}

var sessionNamespace = uuid.MustParse("5b1f6c2e-8d0a-4c3e-9a57-2f1d8e4b7c60")

// DerivedSessionID returns a stable session identifier for a credential that
// carries no token id, so repeated requests with the same token share one
// registry entry.
func DerivedSessionID(subject, tenantID string, issuedAt time.Time) string {
	name := subject + "\x00" + tenantID + "\x00" + issuedAt.UTC().Format(time.RFC3339Nano)
	return uuid.NewSHA1(sessionNamespace, []byte(name)).String()
}

// NewRequestID returns a random request identifier.
func NewRequestID() string {
	return uuid.NewString()
}
