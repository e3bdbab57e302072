package dal

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"strings"
	"time"

	"agencydash.app/internal/audit"
	"agencydash.app/internal/auth"
	"agencydash.app/internal/ids"
	"agencydash.app/internal/obs"
)

// StatusClientClosed is recorded when the caller canceled the operation.
const StatusClientClosed = 499

// EntryRecorder is satisfied by *audit.Recorder.
type EntryRecorder interface {
	Record(ctx context.Context, e audit.Entry)
}

type Layer struct {
	exec   Executor
	rec    EntryRecorder
	tables map[string]struct{}
	now    func() time.Time
}

type Option func(*Layer)

// WithTables sets the table allow-list. Calls naming any other table fail
// with ErrTableNotAllowed.
func WithTables(tables ...string) Option {
	return func(l *Layer) {
		for _, t := range tables {
			if t = strings.TrimSpace(t); t != "" {
				l.tables[t] = struct{}{}
			}
		}
	}
}

func WithClock(fn func() time.Time) Option {
	return func(l *Layer) {
		if fn != nil {
			l.now = fn
		}
	}
}

// New builds a Layer. Allow-listed names must be valid identifiers.
func New(exec Executor, rec EntryRecorder, opts ...Option) (*Layer, error) {
	if exec == nil || rec == nil {
		return nil, errors.New("dal: executor and recorder are required")
	}
	l := &Layer{exec: exec, rec: rec, tables: make(map[string]struct{}), now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	for t := range l.tables {
		if !ValidIdentifier(t) {
			return nil, fmt.Errorf("%w: %q", ErrTableNotAllowed, t)
		}
	}
	return l, nil
}

// Allowed reports whether table is on the allow-list.
func (l *Layer) Allowed(table string) bool {
	_, ok := l.tables[table]
	return ok
}

func (l *Layer) checkTable(table string) error {
	if !l.Allowed(table) {
		return fmt.Errorf("%w: %q", ErrTableNotAllowed, table)
	}
	return nil
}

// op describes one audited call. fn fills recordID and meta as it learns them.
type op struct {
	table    string
	action   audit.Action
	recordID string
	txID     string
	success  int
	meta     map[string]any
}

// track runs fn and emits one audit row on every exit path, including panics,
// which are re-raised after the row is recorded. fn's error is returned as is.
func (l *Layer) track(ctx context.Context, ac audit.Context, o *op, fn func(context.Context) error) (err error) {
	start := l.now()
	defer func() {
		p := recover()
		elapsed := max(l.now().Sub(start), 0)

		e := ac.NewEntry(o.table, o.action)
		e.RecordID = o.recordID
		e.DurationMs = elapsed.Milliseconds()
		e.StatusCode = o.success
		if o.txID != "" {
			e.Metadata["tx_id"] = o.txID
		}
		for k, v := range o.meta {
			e.Metadata[k] = v
		}
		switch {
		case p != nil:
			e.StatusCode = http.StatusInternalServerError
			e.Metadata["error"] = fmt.Sprintf("panic: %v", p)
		case err != nil:
			e.StatusCode = StatusFor(err)
			e.Metadata["error"] = summarize(err)
		}
		l.rec.Record(ctx, e)
		obs.ObserveOperation(o.table, string(o.action), elapsed)
		if p != nil {
			panic(p)
		}
	}()
	if o.success == 0 {
		o.success = http.StatusOK
	}
	if o.meta == nil {
		o.meta = map[string]any{}
	}
	return fn(ctx)
}

// StatusFor maps an operation error to the status recorded in the audit row.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrTableNotAllowed), errors.Is(err, ErrInvalidColumn), errors.Is(err, ErrNoData):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled):
		return StatusClientClosed
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (l *Layer) Select(ctx context.Context, ac audit.Context, table string, q Query) ([]Row, error) {
	return l.selectWith(ctx, ac, l.exec, "", table, q)
}

func (l *Layer) FindByID(ctx context.Context, ac audit.Context, table, id string, columns ...string) (Row, error) {
	return l.findWith(ctx, ac, l.exec, "", table, id, columns)
}

func (l *Layer) Count(ctx context.Context, ac audit.Context, table string, where Conditions) (int64, error) {
	return l.countWith(ctx, ac, l.exec, "", table, where)
}

func (l *Layer) Insert(ctx context.Context, ac audit.Context, table string, data Row, returning ...string) (Row, error) {
	return l.insertWith(ctx, ac, l.exec, "", table, data, returning)
}

func (l *Layer) Update(ctx context.Context, ac audit.Context, table, id string, data Row, returning ...string) (Row, error) {
	return l.updateWith(ctx, ac, l.exec, "", table, id, data, returning)
}

func (l *Layer) Delete(ctx context.Context, ac audit.Context, table, id string, returning ...string) (Row, error) {
	return l.deleteWith(ctx, ac, l.exec, "", table, id, returning)
}

func (l *Layer) selectWith(ctx context.Context, ac audit.Context, q Querier, txID, table string, query Query) ([]Row, error) {
	var rows []Row
	o := &op{table: table, action: audit.ActionSelect, txID: txID}
	err := l.track(ctx, ac, o, func(ctx context.Context) error {
		if err := l.checkTable(table); err != nil {
			return err
		}
		if err := validateQuery(query); err != nil {
			return err
		}
		var err error
		rows, err = q.Select(ctx, table, query)
		o.meta["row_count"] = len(rows)
		return err
	})
	return rows, err
}

func (l *Layer) findWith(ctx context.Context, ac audit.Context, q Querier, txID, table, id string, columns []string) (Row, error) {
	var row Row
	o := &op{table: table, action: audit.ActionSelect, recordID: id, txID: txID}
	err := l.track(ctx, ac, o, func(ctx context.Context) error {
		if err := l.checkTable(table); err != nil {
			return err
		}
		query := Query{Columns: columns, Where: Conditions{"id": id}, Limit: 1}
		if err := validateQuery(query); err != nil {
			return err
		}
		rows, err := q.Select(ctx, table, query)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return ErrNotFound
		}
		row = rows[0]
		return nil
	})
	return row, err
}

func (l *Layer) countWith(ctx context.Context, ac audit.Context, q Querier, txID, table string, where Conditions) (int64, error) {
	var n int64
	o := &op{table: table, action: audit.ActionSelect, txID: txID}
	err := l.track(ctx, ac, o, func(ctx context.Context) error {
		if err := l.checkTable(table); err != nil {
			return err
		}
		if err := validateConditions(where); err != nil {
			return err
		}
		o.meta["operation"] = "count"
		var err error
		n, err = q.Count(ctx, table, where)
		return err
	})
	return n, err
}

func (l *Layer) insertWith(ctx context.Context, ac audit.Context, q Querier, txID, table string, data Row, returning []string) (Row, error) {
	var row Row
	o := &op{table: table, action: audit.ActionInsert, txID: txID, success: http.StatusCreated}
	err := l.track(ctx, ac, o, func(ctx context.Context) error {
		if err := l.checkTable(table); err != nil {
			return err
		}
		if err := validateData(data); err != nil {
			return err
		}
		if err := validateColumns(returning...); err != nil {
			return err
		}
		if id, ok := data["id"]; ok && id != nil {
			o.recordID = fmt.Sprint(id)
		}
		var err error
		row, err = q.Insert(ctx, table, data, returning)
		if id := row.ID(); id != "" {
			o.recordID = id
		}
		return err
	})
	return row, err
}

func (l *Layer) updateWith(ctx context.Context, ac audit.Context, q Querier, txID, table, id string, data Row, returning []string) (Row, error) {
	var row Row
	o := &op{table: table, action: audit.ActionUpdate, recordID: id, txID: txID}
	err := l.track(ctx, ac, o, func(ctx context.Context) error {
		if err := l.checkTable(table); err != nil {
			return err
		}
		if err := validateData(data); err != nil {
			return err
		}
		if err := validateColumns(returning...); err != nil {
			return err
		}
		o.meta["columns"] = slices.Sorted(maps.Keys(data))
		var err error
		row, err = q.Update(ctx, table, id, data, returning)
		return err
	})
	return row, err
}

func (l *Layer) deleteWith(ctx context.Context, ac audit.Context, q Querier, txID, table, id string, returning []string) (Row, error) {
	var row Row
	o := &op{table: table, action: audit.ActionDelete, recordID: id, txID: txID}
	err := l.track(ctx, ac, o, func(ctx context.Context) error {
		if err := l.checkTable(table); err != nil {
			return err
		}
		if err := validateColumns(returning...); err != nil {
			return err
		}
		var err error
		row, err = q.Delete(ctx, table, id, returning)
		return err
	})
	return row, err
}

// Track audits a custom operation that does not go through the Executor,
// such as a read of the audit log itself. table must be a valid identifier
// but need not be allow-listed.
func (l *Layer) Track(ctx context.Context, ac audit.Context, table string, action audit.Action, fn func(context.Context) error) error {
	return l.TrackRecord(ctx, ac, table, action, "", fn)
}

// TrackRecord is Track for an operation on a single known record.
func (l *Layer) TrackRecord(ctx context.Context, ac audit.Context, table string, action audit.Action, recordID string, fn func(context.Context) error) error {
	o := &op{table: table, action: action, recordID: recordID}
	return l.track(ctx, ac, o, func(ctx context.Context) error {
		if !ValidIdentifier(table) {
			return fmt.Errorf("%w: %q", ErrTableNotAllowed, table)
		}
		return fn(ctx)
	})
}

// RecordDenial emits the audit row for a request rejected before reaching
// the store. status is 401 or 403.
func (l *Layer) RecordDenial(ctx context.Context, ac audit.Context, table string, action audit.Action, status int) {
	e := ac.NewEntry(table, action)
	e.StatusCode = status
	e.Metadata["error"] = strings.ToLower(http.StatusText(status))
	l.rec.Record(ctx, e)
}

// Tx is a transaction in progress. Every statement is audited individually
// and tagged with the transaction id.
type Tx struct {
	layer *Layer
	ac    audit.Context
	q     TxQuerier
	id    string
}

func (t *Tx) ID() string { return t.id }

func (t *Tx) Select(ctx context.Context, table string, q Query) ([]Row, error) {
	return t.layer.selectWith(ctx, t.ac, t.q, t.id, table, q)
}

func (t *Tx) FindByID(ctx context.Context, table, id string, columns ...string) (Row, error) {
	return t.layer.findWith(ctx, t.ac, t.q, t.id, table, id, columns)
}

func (t *Tx) Count(ctx context.Context, table string, where Conditions) (int64, error) {
	return t.layer.countWith(ctx, t.ac, t.q, t.id, table, where)
}

func (t *Tx) Insert(ctx context.Context, table string, data Row, returning ...string) (Row, error) {
	return t.layer.insertWith(ctx, t.ac, t.q, t.id, table, data, returning)
}

func (t *Tx) Update(ctx context.Context, table, id string, data Row, returning ...string) (Row, error) {
	return t.layer.updateWith(ctx, t.ac, t.q, t.id, table, id, data, returning)
}

func (t *Tx) Delete(ctx context.Context, table, id string, returning ...string) (Row, error) {
	return t.layer.deleteWith(ctx, t.ac, t.q, t.id, table, id, returning)
}

// WithTransaction runs fn inside a real store transaction. fn's error or a
// panic rolls back; otherwise the transaction commits. Audit rows are written
// outside the transaction and survive a rollback.
//
// Besides one row per statement, the transaction itself emits one UPDATE row
// on table with metadata operation=transaction and outcome set to committed,
// rolled_back, rejected, begin_failed or commit_failed.
func (l *Layer) WithTransaction(ctx context.Context, ac audit.Context, table string, fn func(ctx context.Context, tx *Tx) error) error {
	txID := ids.New()
	o := &op{
		table:  table,
		action: audit.ActionUpdate,
		txID:   txID,
		meta:   map[string]any{"operation": "transaction"},
	}
	return l.track(ctx, ac, o, func(ctx context.Context) error {
		if err := l.checkTable(table); err != nil {
			o.meta["outcome"] = "rejected"
			return err
		}
		log := obs.Ctx(ctx).With().Str("tx_id", txID).Str("table", table).Logger()
		q, err := l.exec.Begin(ctx)
		if err != nil {
			o.meta["outcome"] = "begin_failed"
			log.Error().Err(err).Msg("transaction_begin_failed")
			return fmt.Errorf("begin transaction: %w", err)
		}
		tx := &Tx{layer: l, ac: ac, q: q, id: txID}

		defer func() {
			if p := recover(); p != nil {
				_ = q.Rollback()
				o.meta["outcome"] = "rolled_back"
				log.Error().Interface("panic", p).Msg("transaction_rolled_back")
				panic(p)
			}
		}()

		if err := fn(ctx, tx); err != nil {
			if rbErr := q.Rollback(); rbErr != nil {
				log.Error().Err(rbErr).Msg("transaction_rollback_failed")
			}
			o.meta["outcome"] = "rolled_back"
			log.Info().Err(err).Msg("transaction_rolled_back")
			return err
		}
		if err := q.Commit(); err != nil {
			o.meta["outcome"] = "commit_failed"
			log.Error().Err(err).Msg("transaction_commit_failed")
			return fmt.Errorf("commit transaction: %w", err)
		}
		o.meta["outcome"] = "committed"
		log.Info().Msg("transaction_committed")
		return nil
	})
}
