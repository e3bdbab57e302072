package stream

import (
	"context"
	"testing"
	"time"

	"agencydash.app/internal/audit"
)

func recv(t *testing.T, ch <-chan audit.Entry) audit.Entry {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for row")
	}
	return audit.Entry{}
}

func TestHubFiltersByTenant(t *testing.T) {
	hub := New(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	all := hub.Subscribe(ctx, nil)
	mine := hub.Subscribe(ctx, TenantFilter("tenant-1"))

	hub.Publish(audit.Entry{ID: "a", TenantID: "tenant-2"})
	hub.Publish(audit.Entry{ID: "b", TenantID: "tenant-1"})

	if got := recv(t, all).ID; got != "a" {
		t.Fatalf("expected a first, got %s", got)
	}
	if got := recv(t, all).ID; got != "b" {
		t.Fatalf("expected b second, got %s", got)
	}
	if got := recv(t, mine).ID; got != "b" {
		t.Fatalf("tenant subscriber got %s", got)
	}
	select {
	case e := <-mine:
		t.Fatalf("unexpected row %+v", e)
	default:
	}
}

func TestHubDropsForSlowSubscriber(t *testing.T) {
	hub := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = hub.Subscribe(ctx, nil)

	hub.Publish(audit.Entry{ID: "1"})
	hub.Publish(audit.Entry{ID: "2"})
	hub.Publish(audit.Entry{ID: "3"})

	if hub.Dropped() != 2 {
		t.Fatalf("expected 2 dropped, got %d", hub.Dropped())
	}
}

func TestHubClosesOnCancel(t *testing.T) {
	hub := New(0)
	ctx, cancel := context.WithCancel(context.Background())
	ch := hub.Subscribe(ctx, nil)
	if hub.Subscribers() != 1 {
		t.Fatalf("expected 1 subscriber")
	}
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
	if hub.Subscribers() != 0 {
		t.Fatalf("subscriber not removed")
	}
}
