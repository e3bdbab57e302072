package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	"agencydash.app/internal/ids"
)

// MemoryStore keeps audit rows in process. Used in tests and when no
// database is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
	// names resolves display names for summary rows; optional.
	names func(e Entry) (userEmail, userName, tenantName string)
	now   func() time.Time
}

type MemoryOption func(*MemoryStore)

func WithMemoryClock(fn func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if fn != nil {
			s.now = fn
		}
	}
}

func WithNameResolver(fn func(e Entry) (string, string, string)) MemoryOption {
	return func(s *MemoryStore) { s.names = fn }
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Append(_ context.Context, e Entry) error {
	if err := e.validate(); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = ids.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now().UTC()
	}
	e.Metadata = copyMap(e.Metadata)
	s.mu.Lock()
	s.entries = append(s.entries, e)
	s.mu.Unlock()
	return nil
}

// Entries returns a snapshot of every stored row in append order.
func (s *MemoryStore) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, len(s.entries))
	for i, e := range s.entries {
		e.Metadata = copyMap(e.Metadata)
		out[i] = e
	}
	return out
}

func (s *MemoryStore) List(_ context.Context, f Filter) ([]SummaryRow, int, error) {
	f = f.Normalize()
	s.mu.RLock()
	matched := make([]Entry, 0)
	for _, e := range s.entries {
		if f.matches(e) {
			matched = append(matched, e)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	total := len(matched)
	if f.Offset >= total {
		return []SummaryRow{}, total, nil
	}
	end := min(f.Offset+f.Limit, total)
	rows := make([]SummaryRow, 0, end-f.Offset)
	for _, e := range matched[f.Offset:end] {
		e.Metadata = copyMap(e.Metadata)
		row := SummaryRow{Entry: e}
		if s.names != nil {
			row.UserEmail, row.UserName, row.TenantName = s.names(e)
		}
		rows = append(rows, row)
	}
	return rows, total, nil
}

func (s *MemoryStore) Stats(_ context.Context, f StatsFilter) (Stats, error) {
	f = f.Normalize()
	since := s.now().AddDate(0, 0, -f.Days)
	st := newStats()
	var totalDuration int64

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if e.CreatedAt.Before(since) {
			continue
		}
		if f.TenantID != "" && e.TenantID != f.TenantID {
			continue
		}
		if f.UserID != "" && e.UserID != f.UserID {
			continue
		}
		st.Total++
		st.ByAction[string(e.Action)]++
		st.ByTable[e.TableName]++
		if e.UserID != "" {
			st.ByUser[e.UserID]++
		}
		if e.Failed() {
			st.ErrorCount++
		}
		totalDuration += e.DurationMs
	}
	if st.Total > 0 {
		st.AvgDurationMs = float64(totalDuration) / float64(st.Total)
	}
	return st, nil
}

func (s *MemoryStore) Cleanup(_ context.Context, retentionDays int, dryRun bool) (int64, error) {
	if retentionDays < 0 {
		return 0, ErrInvalidRetention
	}
	cutoff := s.now().AddDate(0, 0, -retentionDays)

	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	kept := s.entries[:0:0]
	for _, e := range s.entries {
		if e.CreatedAt.Before(cutoff) {
			n++
			if !dryRun {
				continue
			}
		}
		kept = append(kept, e)
	}
	if !dryRun {
		s.entries = kept
	}
	return n, nil
}
