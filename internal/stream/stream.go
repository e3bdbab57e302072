// Package stream fans stored audit rows out to live subscribers.
package stream

import (
	"context"
	"sync"
	"sync/atomic"

	"agencydash.app/internal/audit"
)

// Filter selects the rows a subscriber wants. A nil Filter accepts everything.
type Filter func(audit.Entry) bool

// TenantFilter limits a subscription to a single tenant.
func TenantFilter(tenantID string) Filter {
	return func(e audit.Entry) bool { return e.TenantID == tenantID }
}

type subscriber struct {
	ch     chan audit.Entry
	filter Filter
}

// Hub fan-outs audit rows to all active subscribers (SSE clients).
type Hub struct {
	mu      sync.RWMutex
	subs    map[int]subscriber
	next    int
	buffer  int
	dropped atomic.Uint64
}

// New returns an empty hub. Each subscriber gets a buffer of size buffer;
// values below one fall back to 16.
func New(buffer int) *Hub {
	if buffer < 1 {
		buffer = 16
	}
	return &Hub{subs: make(map[int]subscriber), buffer: buffer}
}

// Subscribe registers a subscriber and returns a channel which will receive rows
// accepted by filter. The channel is closed when ctx ends.
func (h *Hub) Subscribe(ctx context.Context, filter Filter) <-chan audit.Entry {
	ch := make(chan audit.Entry, h.buffer)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = subscriber{ch: ch, filter: filter}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, id)
		close(ch)
		h.mu.Unlock()
	}()

	return ch
}

// Publish implements audit.Publisher.
func (h *Hub) Publish(e audit.Entry) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if sub.filter != nil && !sub.filter(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			// Slow subscribers lose rows; the table stays authoritative.
			h.dropped.Add(1)
		}
	}
}

// Subscribers reports the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped reports how many rows were skipped for slow subscribers.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }
