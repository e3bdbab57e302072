// Package session tracks live user sessions keyed by session id.
package session

import (
	"context"
	"errors"
	"maps"
	"sort"
	"strings"
	"time"

	"agencydash.app/internal/auth"
)

var (
	ErrNotFound = errors.New("session: not found")
	// ErrEnded is returned when a request presents a session id that was ended or swept.
	ErrEnded = errors.New("session: ended")
	// ErrIdentityMismatch is returned when claims disagree with the cached
	// session's user, tenant or role. The cached session is invalidated.
	ErrIdentityMismatch = errors.New("session: identity mismatch")
	ErrInvalidSession   = errors.New("session: invalid session")
)

// UserSession is one registry entry.
type UserSession struct {
	ID             string            `json:"id"`
	UserID         string            `json:"user_id"`
	TenantID       string            `json:"tenant_id"`
	Role           auth.Role         `json:"role"`
	LoginTime      time.Time         `json:"login_time"`
	LastActivity   time.Time         `json:"last_activity"`
	NetworkAddress string            `json:"network_address"`
	UserAgent      string            `json:"user_agent"`
	IsActive       bool              `json:"is_active"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

func (s UserSession) clone() UserSession {
	s.Metadata = maps.Clone(s.Metadata)
	return s
}

type ListOptions struct {
	// IncludeInactive returns ended and swept sessions as well.
	IncludeInactive bool
}

// Registry is the session store shared by every request.
type Registry interface {
	// Upsert inserts a new active session or refreshes an existing one.
	Upsert(ctx context.Context, s UserSession) (UserSession, error)
	Get(ctx context.Context, id string) (UserSession, error)
	ListByUser(ctx context.Context, userID string, opts ListOptions) ([]UserSession, error)
	ListByTenant(ctx context.Context, tenantID string, opts ListOptions) ([]UserSession, error)
	// End marks the session inactive. Ending an inactive session is a no-op.
	End(ctx context.Context, id string) (UserSession, error)
	// SweepIdle marks active sessions idle for longer than maxIdle inactive
	// and returns how many were flipped. Nothing is deleted.
	SweepIdle(ctx context.Context, maxIdle time.Duration) (int, error)
	// PurgeInactive deletes inactive sessions whose last activity predates before.
	PurgeInactive(ctx context.Context, before time.Time) (int, error)
	CountActive(ctx context.Context) (int, error)
}

func normalize(s UserSession, now time.Time) (UserSession, error) {
	s.ID = strings.TrimSpace(s.ID)
	s.UserID = strings.TrimSpace(s.UserID)
	s.TenantID = strings.TrimSpace(s.TenantID)
	if s.ID == "" || s.UserID == "" || s.TenantID == "" {
		return UserSession{}, ErrInvalidSession
	}
	if s.LastActivity.IsZero() {
		s.LastActivity = now
	}
	if s.LoginTime.IsZero() {
		s.LoginTime = s.LastActivity
	}
	s.LastActivity = s.LastActivity.UTC()
	s.LoginTime = s.LoginTime.UTC()
	s.IsActive = true
	s.Metadata = maps.Clone(s.Metadata)
	return s, nil
}

// merge applies an upsert of in onto the stored session cur and returns the
// value to store. On ErrEnded the stored value is returned unchanged; on
// ErrIdentityMismatch the returned value is the invalidated session and must
// still be persisted.
func merge(cur, in UserSession, now time.Time) (UserSession, error) {
	next := cur.clone()
	if !cur.IsActive {
		return next, ErrEnded
	}
	if cur.UserID != in.UserID || cur.TenantID != in.TenantID || cur.Role != in.Role {
		next.IsActive = false
		next.LastActivity = latest(cur.LastActivity, now.UTC())
		return next, ErrIdentityMismatch
	}
	next.LastActivity = latest(cur.LastActivity, in.LastActivity)
	if in.NetworkAddress != "" {
		next.NetworkAddress = in.NetworkAddress
	}
	if in.UserAgent != "" {
		next.UserAgent = in.UserAgent
	}
	if len(in.Metadata) > 0 {
		if next.Metadata == nil {
			next.Metadata = make(map[string]string, len(in.Metadata))
		}
		maps.Copy(next.Metadata, in.Metadata)
	}
	return next, nil
}

func latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

func sortByActivity(list []UserSession) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].LastActivity.Equal(list[j].LastActivity) {
			return list[i].ID < list[j].ID
		}
		return list[i].LastActivity.After(list[j].LastActivity)
	})
}
