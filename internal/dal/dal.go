// Package dal is the audited data access layer. Every call through a Layer
// emits exactly one audit row, on success, failure, cancellation or panic.
package dal

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	ErrNotFound        = errors.New("dal: not found")
	ErrTableNotAllowed = errors.New("dal: table not allowed")
	ErrInvalidColumn   = errors.New("dal: invalid column")
	ErrNoData          = errors.New("dal: no data")
)

var identPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Row is one result row keyed by column name.
type Row map[string]any

// ID returns the row's id column as a string, or "".
func (r Row) ID() string {
	v, ok := r["id"]
	if !ok || v == nil {
		return ""
	}
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return fmt.Sprint(v)
}

// Conditions are equality filters; a nil value matches NULL.
type Conditions map[string]any

type Query struct {
	Columns []string
	Where   Conditions
	OrderBy string
	Desc    bool
	Limit   int
	Offset  int
}

// Querier runs parameterized statements against named tables. Implementations
// quote identifiers; the Layer has already validated them.
type Querier interface {
	Select(ctx context.Context, table string, q Query) ([]Row, error)
	Count(ctx context.Context, table string, where Conditions) (int64, error)
	Insert(ctx context.Context, table string, data Row, returning []string) (Row, error)
	// Update and Delete return ErrNotFound when no row has the id.
	Update(ctx context.Context, table, id string, data Row, returning []string) (Row, error)
	Delete(ctx context.Context, table, id string, returning []string) (Row, error)
}

// TxQuerier is a Querier bound to an open transaction.
type TxQuerier interface {
	Querier
	Commit() error
	Rollback() error
}

// Executor is the store adapter behind a Layer.
type Executor interface {
	Querier
	Begin(ctx context.Context) (TxQuerier, error)
}

// DataAccessError attaches the failing statement to a store error without
// hiding it from errors.Is / errors.As.
type DataAccessError struct {
	Op    string
	Table string
	Code  string
	Err   error
}

func (e *DataAccessError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s %s: [%s] %v", e.Op, e.Table, e.Code, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Table, e.Err)
}

func (e *DataAccessError) Unwrap() error { return e.Err }

// ValidIdentifier reports whether s is a safe lowercase SQL identifier.
func ValidIdentifier(s string) bool { return identPattern.MatchString(s) }

func validateColumns(cols ...string) error {
	for _, c := range cols {
		if !ValidIdentifier(c) {
			return fmt.Errorf("%w: %q", ErrInvalidColumn, c)
		}
	}
	return nil
}

func validateQuery(q Query) error {
	if err := validateColumns(q.Columns...); err != nil {
		return err
	}
	if err := validateConditions(q.Where); err != nil {
		return err
	}
	if q.OrderBy != "" {
		return validateColumns(q.OrderBy)
	}
	return nil
}

func validateConditions(where Conditions) error {
	for k := range where {
		if err := validateColumns(k); err != nil {
			return err
		}
	}
	return nil
}

func validateData(data Row) error {
	if len(data) == 0 {
		return ErrNoData
	}
	for k := range data {
		if err := validateColumns(k); err != nil {
			return err
		}
	}
	return nil
}

const maxErrorSummary = 500

func summarize(err error) string {
	msg := strings.TrimSpace(err.Error())
	if len(msg) > maxErrorSummary {
		cut := maxErrorSummary
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut] + "..."
	}
	return msg
}
