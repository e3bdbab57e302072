package pg

import (
	"context"
	"database/sql"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"

	"agencydash.app/internal/dal"
)

// queryer is the subset shared by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Executor runs dal statements. Table and column names are quoted with
// pgx.Identifier; values are always bound parameters.
type Executor struct {
	db *sql.DB
	q  queryer
}

var (
	_ dal.Executor  = (*Executor)(nil)
	_ dal.TxQuerier = (*txExecutor)(nil)
)

func NewExecutor(db *sql.DB) *Executor {
	return &Executor{db: db, q: db}
}

func (e *Executor) Begin(ctx context.Context) (dal.TxQuerier, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapErr("begin", "", err)
	}
	return &txExecutor{Executor: Executor{db: e.db, q: tx}, tx: tx}, nil
}

type txExecutor struct {
	Executor
	tx *sql.Tx
}

func (t *txExecutor) Begin(context.Context) (dal.TxQuerier, error) {
	return nil, fmt.Errorf("pg: nested transactions are not supported")
}

func (t *txExecutor) Commit() error { return wrapErr("commit", "", t.tx.Commit()) }
func (t *txExecutor) Rollback() error { return wrapErr("rollback", "", t.tx.Rollback()) }

func (e *Executor) Select(ctx context.Context, table string, q dal.Query) ([]dal.Row, error) {
	var b strings.Builder
	args := make([]any, 0, len(q.Where)+2)
	fmt.Fprintf(&b, "select %s from %s", columnList(q.Columns), ident(table))
	args = appendWhere(&b, args, q.Where)
	if q.OrderBy != "" {
		dir := "asc"
		if q.Desc {
			dir = "desc"
		}
		fmt.Fprintf(&b, " order by %s %s", ident(q.OrderBy), dir)
	}
	if q.Limit > 0 {
		args = append(args, q.Limit)
		fmt.Fprintf(&b, " limit $%d", len(args))
	}
	if q.Offset > 0 {
		args = append(args, q.Offset)
		fmt.Fprintf(&b, " offset $%d", len(args))
	}
	rows, err := e.q.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, wrapErr("select", table, err)
	}
	out, err := scanRows(rows)
	return out, wrapErr("select", table, err)
}

func (e *Executor) Count(ctx context.Context, table string, where dal.Conditions) (int64, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "select count(*) from %s", ident(table))
	args := appendWhere(&b, nil, where)
	rows, err := e.q.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return 0, wrapErr("count", table, err)
	}
	defer rows.Close()
	var n int64
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, wrapErr("count", table, err)
		}
	}
	return n, wrapErr("count", table, rows.Err())
}

func (e *Executor) Insert(ctx context.Context, table string, data dal.Row, returning []string) (dal.Row, error) {
	cols := slices.Sorted(maps.Keys(data))
	quoted := make([]string, len(cols))
	marks := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		quoted[i] = ident(c)
		marks[i] = fmt.Sprintf("$%d", i+1)
		args[i] = data[c]
	}
	query := fmt.Sprintf("insert into %s (%s) values (%s) returning %s",
		ident(table), strings.Join(quoted, ", "), strings.Join(marks, ", "), columnList(returning))
	return e.one(ctx, "insert", table, query, args)
}

func (e *Executor) Update(ctx context.Context, table, id string, data dal.Row, returning []string) (dal.Row, error) {
	cols := slices.Sorted(maps.Keys(data))
	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+1)
	for i, c := range cols {
		args = append(args, data[c])
		sets[i] = fmt.Sprintf("%s = $%d", ident(c), len(args))
	}
	args = append(args, id)
	query := fmt.Sprintf("update %s set %s where %s = $%d returning %s",
		ident(table), strings.Join(sets, ", "), ident("id"), len(args), columnList(returning))
	return e.one(ctx, "update", table, query, args)
}

func (e *Executor) Delete(ctx context.Context, table, id string, returning []string) (dal.Row, error) {
	query := fmt.Sprintf("delete from %s where %s = $1 returning %s",
		ident(table), ident("id"), columnList(returning))
	return e.one(ctx, "delete", table, query, []any{id})
}

// one runs a single-row returning statement; no row is dal.ErrNotFound.
func (e *Executor) one(ctx context.Context, op, table, query string, args []any) (dal.Row, error) {
	rows, err := e.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr(op, table, err)
	}
	out, err := scanRows(rows)
	if err != nil {
		return nil, wrapErr(op, table, err)
	}
	if len(out) == 0 {
		return nil, dal.ErrNotFound
	}
	return out[0], nil
}

func ident(name string) string { return pgx.Identifier{name}.Sanitize() }

func columnList(cols []string) string {
	if len(cols) == 0 {
		return "*"
	}
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = ident(c)
	}
	return strings.Join(quoted, ", ")
}

func appendWhere(b *strings.Builder, args []any, where dal.Conditions) []any {
	if len(where) == 0 {
		return args
	}
	parts := make([]string, 0, len(where))
	for _, col := range slices.Sorted(maps.Keys(where)) {
		v := where[col]
		if v == nil {
			parts = append(parts, ident(col)+" is null")
			continue
		}
		args = append(args, v)
		parts = append(parts, fmt.Sprintf("%s = $%d", ident(col), len(args)))
	}
	b.WriteString(" where ")
	b.WriteString(strings.Join(parts, " and "))
	return args
}

func scanRows(rows *sql.Rows) ([]dal.Row, error) {
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := make([]dal.Row, 0)
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(dal.Row, len(cols))
		for i, c := range cols {
			if b, ok := values[i].([]byte); ok {
				row[c] = string(b)
				continue
			}
			row[c] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
