package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"agencydash.app/internal/auth"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func sample(id string) UserSession {
	return UserSession{
		ID:             id,
		UserID:         "user-1",
		TenantID:       "tenant-1",
		Role:           auth.RoleAdmin,
		NetworkAddress: "10.0.0.1",
		UserAgent:      "test-agent",
	}
}

// runRegistryContract exercises the behaviour every Registry shares.
func runRegistryContract(t *testing.T, reg Registry, clock *fakeClock) {
	t.Helper()
	ctx := context.Background()

	t.Run("upsert refreshes activity", func(t *testing.T) {
		first, err := reg.Upsert(ctx, sample("s-refresh"))
		if err != nil {
			t.Fatalf("upsert: %v", err)
		}
		if !first.IsActive || !first.LoginTime.Equal(clock.Now()) {
			t.Fatalf("unexpected new session: %+v", first)
		}
		clock.Advance(time.Minute)
		next := sample("s-refresh")
		next.NetworkAddress = "10.0.0.2"
		got, err := reg.Upsert(ctx, next)
		if err != nil {
			t.Fatalf("second upsert: %v", err)
		}
		if !got.LastActivity.Equal(clock.Now()) || !got.LoginTime.Equal(first.LoginTime) {
			t.Fatalf("activity not refreshed: %+v", got)
		}
		if got.NetworkAddress != "10.0.0.2" {
			t.Fatalf("network address not refreshed: %s", got.NetworkAddress)
		}
	})

	t.Run("last activity never moves backwards", func(t *testing.T) {
		now := clock.Now()
		late := sample("s-order")
		late.LastActivity = now.Add(time.Second)
		if _, err := reg.Upsert(ctx, late); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		early := sample("s-order")
		early.LastActivity = now
		got, err := reg.Upsert(ctx, early)
		if err != nil {
			t.Fatalf("upsert: %v", err)
		}
		if !got.LastActivity.Equal(now.Add(time.Second)) {
			t.Fatalf("expected max activity, got %v", got.LastActivity)
		}
	})

	t.Run("identity mismatch invalidates", func(t *testing.T) {
		if _, err := reg.Upsert(ctx, sample("s-mismatch")); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		other := sample("s-mismatch")
		other.Role = auth.RoleCEO
		if _, err := reg.Upsert(ctx, other); !errors.Is(err, ErrIdentityMismatch) {
			t.Fatalf("expected ErrIdentityMismatch, got %v", err)
		}
		got, err := reg.Get(ctx, "s-mismatch")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.IsActive || got.Role != auth.RoleAdmin {
			t.Fatalf("cached session must be invalidated, not updated: %+v", got)
		}
		if _, err := reg.Upsert(ctx, sample("s-mismatch")); !errors.Is(err, ErrEnded) {
			t.Fatalf("expected ErrEnded after invalidation, got %v", err)
		}
	})

	t.Run("end is idempotent", func(t *testing.T) {
		if _, err := reg.Upsert(ctx, sample("s-end")); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		clock.Advance(time.Second)
		ended, err := reg.End(ctx, "s-end")
		if err != nil {
			t.Fatalf("end: %v", err)
		}
		if ended.IsActive || !ended.LastActivity.Equal(clock.Now()) {
			t.Fatalf("unexpected ended session: %+v", ended)
		}
		if _, err := reg.End(ctx, "s-end"); err != nil {
			t.Fatalf("second end: %v", err)
		}
		if _, err := reg.End(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if _, err := reg.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("listing is active only by default", func(t *testing.T) {
		a := sample("s-list-a")
		a.UserID = "lister"
		b := sample("s-list-b")
		b.UserID = "lister"
		if _, err := reg.Upsert(ctx, a); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		clock.Advance(time.Second)
		if _, err := reg.Upsert(ctx, b); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		list, err := reg.ListByUser(ctx, "lister", ListOptions{})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(list) != 2 || list[0].ID != "s-list-b" {
			t.Fatalf("expected newest first, got %+v", list)
		}
		if _, err := reg.End(ctx, "s-list-a"); err != nil {
			t.Fatalf("end: %v", err)
		}
		list, _ = reg.ListByUser(ctx, "lister", ListOptions{})
		if len(list) != 1 {
			t.Fatalf("expected 1 active, got %d", len(list))
		}
		list, _ = reg.ListByUser(ctx, "lister", ListOptions{IncludeInactive: true})
		if len(list) != 2 {
			t.Fatalf("expected 2 including inactive, got %d", len(list))
		}
		tenant, _ := reg.ListByTenant(ctx, "tenant-1", ListOptions{})
		for _, s := range tenant {
			if s.TenantID != "tenant-1" || !s.IsActive {
				t.Fatalf("unexpected tenant listing entry: %+v", s)
			}
		}
	})

	t.Run("sweep flips idle sessions once", func(t *testing.T) {
		if _, err := reg.Upsert(ctx, sample("s-idle")); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		clock.Advance(2 * time.Hour)
		if _, err := reg.Upsert(ctx, sample("s-fresh")); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		n, err := reg.SweepIdle(ctx, time.Hour)
		if err != nil {
			t.Fatalf("sweep: %v", err)
		}
		if n == 0 {
			t.Fatalf("expected idle sessions to be swept")
		}
		again, err := reg.SweepIdle(ctx, time.Hour)
		if err != nil || again != 0 {
			t.Fatalf("second sweep should be a no-op, got %d %v", again, err)
		}
		idle, err := reg.Get(ctx, "s-idle")
		if err != nil || idle.IsActive {
			t.Fatalf("idle session should be retained inactive: %+v %v", idle, err)
		}
		fresh, _ := reg.Get(ctx, "s-fresh")
		if !fresh.IsActive {
			t.Fatalf("fresh session must stay active")
		}
		active, err := reg.CountActive(ctx)
		if err != nil || active != 1 {
			t.Fatalf("expected 1 active session, got %d %v", active, err)
		}
	})

	t.Run("purge removes old inactive sessions", func(t *testing.T) {
		n, err := reg.PurgeInactive(ctx, clock.Now())
		if err != nil {
			t.Fatalf("purge: %v", err)
		}
		if n == 0 {
			t.Fatalf("expected purged sessions")
		}
		if _, err := reg.Get(ctx, "s-idle"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected purged session to be gone, got %v", err)
		}
		if _, err := reg.Get(ctx, "s-fresh"); err != nil {
			t.Fatalf("active session must survive purge: %v", err)
		}
	})

	t.Run("invalid session rejected", func(t *testing.T) {
		if _, err := reg.Upsert(ctx, UserSession{ID: "x"}); !errors.Is(err, ErrInvalidSession) {
			t.Fatalf("expected ErrInvalidSession, got %v", err)
		}
	})
}

func TestMemoryRegistryContract(t *testing.T) {
	clock := newFakeClock()
	runRegistryContract(t, NewMemoryRegistry(WithClock(clock.Now)), clock)
}

func TestMemoryRegistryConcurrentUpsert(t *testing.T) {
	clock := newFakeClock()
	reg := NewMemoryRegistry(WithClock(clock.Now))
	base := clock.Now()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := sample("shared")
			s.LastActivity = base.Add(time.Duration(i) * time.Millisecond)
			if _, err := reg.Upsert(context.Background(), s); err != nil {
				t.Errorf("upsert: %v", err)
			}
		}(i)
	}
	wg.Wait()

	list, _ := reg.ListByUser(context.Background(), "user-1", ListOptions{IncludeInactive: true})
	if len(list) != 1 {
		t.Fatalf("expected exactly one session, got %d", len(list))
	}
	if want := base.Add(49 * time.Millisecond); !list[0].LastActivity.Equal(want) {
		t.Fatalf("expected last activity %v, got %v", want, list[0].LastActivity)
	}
}

func TestMemoryRegistryReturnsCopies(t *testing.T) {
	reg := NewMemoryRegistry()
	s := sample("copy")
	s.Metadata = map[string]string{"k": "v"}
	got, err := reg.Upsert(context.Background(), s)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got.Metadata["k"] = "mutated"
	s.Metadata["k"] = "mutated"
	stored, _ := reg.Get(context.Background(), "copy")
	if stored.Metadata["k"] != "v" {
		t.Fatalf("registry state leaked through returned value")
	}
}

func TestSweeperSweepOnce(t *testing.T) {
	clock := newFakeClock()
	reg := NewMemoryRegistry(WithClock(clock.Now))
	if _, err := reg.Upsert(context.Background(), sample("idle")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	clock.Advance(49 * time.Hour)

	sw := NewSweeper(reg, time.Minute, 48*time.Hour)
	n, err := sw.SweepOnce(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("expected 1 swept, got %d %v", n, err)
	}
	n, err = sw.SweepOnce(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("expected idempotent sweep, got %d %v", n, err)
	}
	if sw.String() != "session-sweeper" {
		t.Fatalf("unexpected service name %q", sw.String())
	}
}

func TestSweeperServeStopsOnCancel(t *testing.T) {
	sw := NewSweeper(NewMemoryRegistry(), time.Millisecond, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sw.Serve(ctx) }()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("sweeper did not stop")
	}
}

func TestPurgerPurgeOnce(t *testing.T) {
	clock := newFakeClock()
	reg := NewMemoryRegistry(WithClock(clock.Now))
	ctx := context.Background()
	if _, err := reg.Upsert(ctx, sample("old")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := reg.End(ctx, "old"); err != nil {
		t.Fatalf("end: %v", err)
	}
	clock.Advance(48 * time.Hour)

	p := NewPurger(reg, time.Hour, 24*time.Hour)
	p.now = clock.Now
	n, err := p.PurgeOnce(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 purged, got %d %v", n, err)
	}
}
