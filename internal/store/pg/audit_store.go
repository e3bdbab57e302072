package pg

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"agencydash.app/internal/audit"
)

// AuditStore persists audit rows in audit_logs and reads them back through
// the audit_logs_summary view and the stats/cleanup functions.
type AuditStore struct {
	db *sql.DB
}

var _ audit.Store = (*AuditStore)(nil)

func NewAuditStore(db *sql.DB) *AuditStore { return &AuditStore{db: db} }

const insertAuditSQL = `insert into audit_logs (
	id, client_id, user_id, table_name, record_id, action, endpoint, http_method,
	status_code, operation_duration_ms, ip_address, user_agent, session_id, metadata, created_at
) values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

func (s *AuditStore) Append(ctx context.Context, e audit.Entry) error {
	meta := []byte("{}")
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("marshal audit metadata: %w", err)
		}
		meta = b
	}
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, insertAuditSQL,
		e.ID, e.TenantID, nullIfEmpty(e.UserID), e.TableName, nullIfEmpty(e.RecordID),
		string(e.Action), e.Endpoint, e.Method, e.StatusCode, e.DurationMs,
		e.NetworkAddress, e.UserAgent, nullIfEmpty(e.SessionID), meta, created,
	)
	if err != nil {
		return wrapErr("insert", "audit_logs", err)
	}
	return nil
}

const summaryColumns = `id, client_id, user_id, table_name, record_id, action, endpoint, http_method,
	status_code, operation_duration_ms, ip_address, user_agent, session_id, metadata, created_at,
	user_email, user_name, client_name`

func (s *AuditStore) List(ctx context.Context, f audit.Filter) ([]audit.SummaryRow, int, error) {
	f = f.Normalize()
	where, args := summaryWhere(f)

	var total int
	if err := s.db.QueryRowContext(ctx, "select count(*) from audit_logs_summary"+where, args...).Scan(&total); err != nil {
		return nil, 0, wrapErr("count", "audit_logs_summary", err)
	}

	args = append(args, f.Limit, f.Offset)
	query := fmt.Sprintf("select %s from audit_logs_summary%s order by created_at desc limit $%d offset $%d",
		summaryColumns, where, len(args)-1, len(args))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, wrapErr("select", "audit_logs_summary", err)
	}
	defer rows.Close()

	out := make([]audit.SummaryRow, 0, f.Limit)
	for rows.Next() {
		var (
			r                               audit.SummaryRow
			userID, recordID, sessionID     sql.NullString
			userEmail, userName, clientName sql.NullString
			action                          string
			rawMeta                         []byte
		)
		if err := rows.Scan(
			&r.ID, &r.TenantID, &userID, &r.TableName, &recordID, &action, &r.Endpoint, &r.Method,
			&r.StatusCode, &r.DurationMs, &r.NetworkAddress, &r.UserAgent, &sessionID, &rawMeta, &r.CreatedAt,
			&userEmail, &userName, &clientName,
		); err != nil {
			return nil, 0, wrapErr("select", "audit_logs_summary", err)
		}
		r.UserID, r.RecordID, r.SessionID = userID.String, recordID.String, sessionID.String
		r.UserEmail, r.UserName, r.TenantName = userEmail.String, userName.String, clientName.String
		r.Action = audit.Action(action)
		r.Metadata = map[string]any{}
		if len(rawMeta) > 0 {
			if err := json.Unmarshal(rawMeta, &r.Metadata); err != nil {
				return nil, 0, fmt.Errorf("decode audit metadata: %w", err)
			}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, wrapErr("select", "audit_logs_summary", err)
	}
	return out, total, nil
}

func summaryWhere(f audit.Filter) (string, []any) {
	var (
		parts []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		parts = append(parts, fmt.Sprintf(cond, len(args)))
	}
	if f.TenantID != "" {
		add("client_id = $%d", f.TenantID)
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.Table != "" {
		add("table_name = $%d", f.Table)
	}
	if f.Action != "" {
		add("action = $%d", string(f.Action))
	}
	if !f.Since.IsZero() {
		add("created_at >= $%d", f.Since.UTC())
	}
	if len(parts) == 0 {
		return "", nil
	}
	return " where " + strings.Join(parts, " and "), args
}

type statsPayload struct {
	Total         int64            `json:"total"`
	ByAction      map[string]int64 `json:"by_action"`
	ByTable       map[string]int64 `json:"by_table"`
	ByUser        map[string]int64 `json:"by_user"`
	AvgDurationMs float64          `json:"avg_duration_ms"`
	ErrorCount    int64            `json:"error_count"`
}

func (s *AuditStore) Stats(ctx context.Context, f audit.StatsFilter) (audit.Stats, error) {
	f = f.Normalize()
	var raw []byte
	err := s.db.QueryRowContext(ctx, `select get_audit_log_stats($1, $2, $3)`,
		nullIfEmpty(f.TenantID), nullIfEmpty(f.UserID), f.Days).Scan(&raw)
	if err != nil {
		return audit.Stats{}, wrapErr("stats", "audit_logs", err)
	}
	var p statsPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return audit.Stats{}, fmt.Errorf("decode audit stats: %w", err)
	}
	st := audit.Stats{
		Total:         p.Total,
		ByAction:      nonNil(p.ByAction),
		ByTable:       nonNil(p.ByTable),
		ByUser:        nonNil(p.ByUser),
		AvgDurationMs: p.AvgDurationMs,
		ErrorCount:    p.ErrorCount,
	}
	return st, nil
}

func (s *AuditStore) Cleanup(ctx context.Context, retentionDays int, dryRun bool) (int64, error) {
	if retentionDays < 0 {
		return 0, audit.ErrInvalidRetention
	}
	var n int64
	err := s.db.QueryRowContext(ctx, `select cleanup_old_audit_logs($1, $2)`, retentionDays, dryRun).Scan(&n)
	if err != nil {
		return 0, wrapErr("cleanup", "audit_logs", err)
	}
	return n, nil
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nonNil(m map[string]int64) map[string]int64 {
	if m == nil {
		return map[string]int64{}
	}
	return m
}
