package audit

import (
	"context"
	"errors"
	"strings"
	"time"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
	DefaultStatsDays = 30
)

var (
	ErrInvalidAction    = errors.New("audit: invalid action")
	ErrInvalidRetention = errors.New("audit: retention days must not be negative")
)

// Store persists and queries audit rows.
type Store interface {
	Append(ctx context.Context, e Entry) error
	// List returns the page of summary rows matching f, newest first, and the
	// total number of matches.
	List(ctx context.Context, f Filter) ([]SummaryRow, int, error)
	Stats(ctx context.Context, f StatsFilter) (Stats, error)
	// Cleanup removes rows older than retentionDays, or only counts them when
	// dryRun is set. retentionDays = 0 with dryRun is a harmless probe.
	Cleanup(ctx context.Context, retentionDays int, dryRun bool) (int64, error)
}

// SummaryRow is an audit row joined with user and tenant display names.
type SummaryRow struct {
	Entry
	UserEmail  string `json:"user_email,omitempty"`
	UserName   string `json:"user_name,omitempty"`
	TenantName string `json:"tenant_name,omitempty"`
}

type Filter struct {
	TenantID string
	UserID   string
	Table    string
	Action   Action
	Since    time.Time
	Limit    int
	Offset   int
}

// Normalize clamps paging to the allowed range.
func (f Filter) Normalize() Filter {
	f.TenantID = strings.TrimSpace(f.TenantID)
	f.UserID = strings.TrimSpace(f.UserID)
	f.Table = strings.TrimSpace(f.Table)
	switch {
	case f.Limit <= 0:
		f.Limit = DefaultListLimit
	case f.Limit > MaxListLimit:
		f.Limit = MaxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

func (f Filter) matches(e Entry) bool {
	switch {
	case f.TenantID != "" && e.TenantID != f.TenantID:
		return false
	case f.UserID != "" && e.UserID != f.UserID:
		return false
	case f.Table != "" && e.TableName != f.Table:
		return false
	case f.Action != "" && e.Action != f.Action:
		return false
	case !f.Since.IsZero() && e.CreatedAt.Before(f.Since):
		return false
	}
	return true
}

// StatsFilter selects the trailing window aggregated by Stats.
type StatsFilter struct {
	TenantID string
	UserID   string
	Days     int
}

func (f StatsFilter) Normalize() StatsFilter {
	f.TenantID = strings.TrimSpace(f.TenantID)
	f.UserID = strings.TrimSpace(f.UserID)
	if f.Days <= 0 {
		f.Days = DefaultStatsDays
	}
	return f
}

// Stats aggregates audit rows over a window. Errors are rows with status >= 400.
type Stats struct {
	Total         int64            `json:"total"`
	ByAction      map[string]int64 `json:"by_action"`
	ByTable       map[string]int64 `json:"by_table"`
	ByUser        map[string]int64 `json:"by_user"`
	AvgDurationMs float64          `json:"avg_duration_ms"`
	ErrorCount    int64            `json:"error_count"`
}

func newStats() Stats {
	return Stats{
		ByAction: map[string]int64{},
		ByTable:  map[string]int64{},
		ByUser:   map[string]int64{},
	}
}
