package audit

import (
	"errors"
	"strings"
	"time"
)

// Action is the kind of audited operation.
type Action string

const (
	ActionSelect Action = "SELECT"
	ActionInsert Action = "INSERT"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
)

func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToUpper(strings.TrimSpace(s))); a {
	case ActionSelect, ActionInsert, ActionUpdate, ActionDelete:
		return a, nil
	}
	return "", ErrInvalidAction
}

// Entry is one audit row. Rows are never updated after Append.
type Entry struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	UserID         string         `json:"user_id,omitempty"`
	TableName      string         `json:"table_name"`
	RecordID       string         `json:"record_id,omitempty"`
	Action         Action         `json:"action"`
	Endpoint       string         `json:"endpoint"`
	Method         string         `json:"method"`
	StatusCode     int            `json:"status_code"`
	DurationMs     int64          `json:"duration_ms"`
	NetworkAddress string         `json:"network_address"`
	UserAgent      string         `json:"user_agent"`
	SessionID      string         `json:"session_id,omitempty"`
	Metadata       map[string]any `json:"metadata"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Failed reports whether the row records a non-2xx outcome.
func (e Entry) Failed() bool { return e.StatusCode >= 400 }

func (e Entry) validate() error {
	switch {
	case strings.TrimSpace(e.TenantID) == "":
		return errors.New("audit: tenant id is required")
	case strings.TrimSpace(e.TableName) == "":
		return errors.New("audit: table name is required")
	case e.Action == "":
		return ErrInvalidAction
	}
	return nil
}
