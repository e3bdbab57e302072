package audit

import (
	"context"
	"errors"

	"agencydash.app/internal/obs"
)

var errNoStore = errors.New("audit: no store configured")

// logFallback writes an audit row that could not be persisted to the process
// log with every field needed to reconstruct it.
func logFallback(ctx context.Context, e Entry, cause error) {
	obs.Ctx(ctx).Error().
		Err(cause).
		Str("type", "audit").
		Str("audit_id", e.ID).
		Str("tenant_id", e.TenantID).
		Str("user_id", e.UserID).
		Str("table_name", e.TableName).
		Str("record_id", e.RecordID).
		Str("action", string(e.Action)).
		Str("endpoint", e.Endpoint).
		Str("method", e.Method).
		Int("status_code", e.StatusCode).
		Int64("duration_ms", e.DurationMs).
		Str("network_address", e.NetworkAddress).
		Str("user_agent", e.UserAgent).
		Str("session_id", e.SessionID).
		Interface("metadata", e.Metadata).
		Time("created_at", e.CreatedAt).
		Msg("audit_write_failed")
}
