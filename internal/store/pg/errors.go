package pg

import (
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"agencydash.app/internal/dal"
)

const pgErrUniqueViolation = "23505"

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

// wrapErr attaches the statement kind and SQLSTATE to a driver error.
// sql.ErrNoRows becomes dal.ErrNotFound; context errors pass through as is.
func wrapErr(op, table string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return dal.ErrNotFound
	}
	de := &dal.DataAccessError{Op: op, Table: table, Err: err}
	if pgErr, ok := maybePgError(err); ok {
		de.Code = pgErr.Code
	}
	return de
}

// IsUniqueViolation reports whether err is a unique constraint failure.
func IsUniqueViolation(err error) bool {
	pgErr, ok := maybePgError(err)
	return ok && pgErr.Code == pgErrUniqueViolation
}
