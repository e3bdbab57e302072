package session

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryRegistry is an in-process Registry. All access, including sweeps,
// goes through the same lock.
type MemoryRegistry struct {
	mu       sync.RWMutex
	sessions map[string]UserSession
	now      func() time.Time
}

type MemoryOption func(*MemoryRegistry)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) MemoryOption {
	return func(r *MemoryRegistry) {
		if fn != nil {
			r.now = fn
		}
	}
}

func NewMemoryRegistry(opts ...MemoryOption) *MemoryRegistry {
	r := &MemoryRegistry{sessions: make(map[string]UserSession), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *MemoryRegistry) Upsert(_ context.Context, s UserSession) (UserSession, error) {
	now := r.now()
	in, err := normalize(s, now)
	if err != nil {
		return UserSession{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.sessions[in.ID]
	if !ok {
		r.sessions[in.ID] = in
		return in.clone(), nil
	}
	next, err := merge(cur, in, now)
	r.sessions[in.ID] = next
	return next.clone(), err
}

func (r *MemoryRegistry) Get(_ context.Context, id string) (UserSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[strings.TrimSpace(id)]
	if !ok {
		return UserSession{}, ErrNotFound
	}
	return s.clone(), nil
}

func (r *MemoryRegistry) ListByUser(_ context.Context, userID string, opts ListOptions) ([]UserSession, error) {
	return r.list(func(s UserSession) bool { return s.UserID == userID }, opts), nil
}

func (r *MemoryRegistry) ListByTenant(_ context.Context, tenantID string, opts ListOptions) ([]UserSession, error) {
	return r.list(func(s UserSession) bool { return s.TenantID == tenantID }, opts), nil
}

func (r *MemoryRegistry) list(match func(UserSession) bool, opts ListOptions) []UserSession {
	r.mu.RLock()
	out := make([]UserSession, 0)
	for _, s := range r.sessions {
		if !match(s) || (!s.IsActive && !opts.IncludeInactive) {
			continue
		}
		out = append(out, s.clone())
	}
	r.mu.RUnlock()
	sortByActivity(out)
	return out
}

func (r *MemoryRegistry) End(_ context.Context, id string) (UserSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id = strings.TrimSpace(id)
	s, ok := r.sessions[id]
	if !ok {
		return UserSession{}, ErrNotFound
	}
	if s.IsActive {
		s.IsActive = false
		s.LastActivity = latest(s.LastActivity, r.now().UTC())
		r.sessions[id] = s
	}
	return s.clone(), nil
}

func (r *MemoryRegistry) SweepIdle(_ context.Context, maxIdle time.Duration) (int, error) {
	cutoff := r.now().Add(-maxIdle)
	r.mu.Lock()
	defer r.mu.Unlock()
	swept := 0
	for id, s := range r.sessions {
		if s.IsActive && s.LastActivity.Before(cutoff) {
			s.IsActive = false
			r.sessions[id] = s
			swept++
		}
	}
	return swept, nil
}

func (r *MemoryRegistry) PurgeInactive(_ context.Context, before time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	purged := 0
	for id, s := range r.sessions {
		if !s.IsActive && s.LastActivity.Before(before) {
			delete(r.sessions, id)
			purged++
		}
	}
	return purged, nil
}

func (r *MemoryRegistry) CountActive(_ context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.sessions {
		if s.IsActive {
			n++
		}
	}
	return n, nil
}
