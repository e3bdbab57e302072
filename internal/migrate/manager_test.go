package migrate

import (
	"context"
	"errors"
	"io/fs"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"agencydash.app/migrations"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newMockManager(t *testing.T, fsys fs.FS) (*Manager, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewManager(db, fsys, nil, WithClock(func() time.Time { return fixedNow })), mock
}

func expectEnsureTables(mock sqlmock.Sqlmock) {
	for _, table := range []string{`"schema_migrations"`, `"schema_seeds"`} {
		mock.ExpectExec(`create table if not exists ` + table + ` (name text primary key, applied_at timestamptz not null default now())`).
			WillReturnResult(sqlmock.NewResult(0, 0))
	}
}

func TestUpAppliesPendingInOrder(t *testing.T) {
	fsys := fstest.MapFS{
		"0002_b.up.sql":   {Data: []byte("create table b (id int);")},
		"0001_a.up.sql":   {Data: []byte("create table a (id int);\ncreate index a_idx on a (id);")},
		"0001_a.down.sql": {Data: []byte("drop table a;")},
	}
	mgr, mock := newMockManager(t, fsys)
	expectEnsureTables(mock)
	mock.ExpectQuery(`select name from "schema_migrations" order by applied_at asc, name asc`).
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_a.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec(`create table b (id int)`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`insert into "schema_migrations" (name, applied_at) values ($1, $2)`).
		WithArgs("0002_b.up.sql", fixedNow).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	applied, err := mgr.Up(context.Background())
	if err != nil {
		t.Fatalf("up: %v", err)
	}
	if len(applied) != 1 || applied[0] != "0002_b.up.sql" {
		t.Fatalf("unexpected applied list: %v", applied)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpRollsBackFailedFile(t *testing.T) {
	fsys := fstest.MapFS{"0001_a.up.sql": {Data: []byte("create table a (id int); bogus;")}}
	mgr, mock := newMockManager(t, fsys)
	expectEnsureTables(mock)
	mock.ExpectQuery(`select name from "schema_migrations" order by applied_at asc, name asc`).
		WillReturnRows(sqlmock.NewRows([]string{"name"}))
	mock.ExpectBegin()
	mock.ExpectExec(`create table a (id int)`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`bogus`).WillReturnError(errors.New("syntax error"))
	mock.ExpectRollback()

	if _, err := mgr.Up(context.Background()); err == nil || !strings.Contains(err.Error(), "0001_a.up.sql") {
		t.Fatalf("expected failure naming the file, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDownRollsBackLatest(t *testing.T) {
	fsys := fstest.MapFS{
		"0001_a.up.sql":   {Data: []byte("create table a (id int);")},
		"0001_a.down.sql": {Data: []byte("drop table a;")},
	}
	mgr, mock := newMockManager(t, fsys)
	expectEnsureTables(mock)
	mock.ExpectQuery(`select name from "schema_migrations" order by applied_at asc, name asc`).
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_a.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec(`drop table a`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`delete from "schema_migrations" where name = $1`).
		WithArgs("0001_a.up.sql").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	name, err := mgr.Down(context.Background())
	if err != nil || name != "0001_a.up.sql" {
		t.Fatalf("down: %q %v", name, err)
	}
}

func TestDownWithNothingApplied(t *testing.T) {
	mgr, mock := newMockManager(t, fstest.MapFS{})
	expectEnsureTables(mock)
	mock.ExpectQuery(`select name from "schema_migrations" order by applied_at asc, name asc`).
		WillReturnRows(sqlmock.NewRows([]string{"name"}))
	if _, err := mgr.Down(context.Background()); !errors.Is(err, ErrNothingApplied) {
		t.Fatalf("expected ErrNothingApplied, got %v", err)
	}
}

func TestSplitStatementsRespectsDollarQuotes(t *testing.T) {
	src := `-- header; with a semicolon
create table t (v text default 'a;b');
create function f() returns int language plpgsql as $$
begin
    perform 1;
    return 2;
end;
$$;
create function g() returns int as $body$ select 1; $body$ language sql;
insert into t values ($1);`
	stmts := splitStatements(src)
	if len(stmts) != 4 {
		t.Fatalf("expected 4 statements, got %d: %q", len(stmts), stmts)
	}
	if !strings.Contains(stmts[0], "'a;b'") {
		t.Fatalf("quoted semicolon split: %q", stmts[0])
	}
	if !strings.HasSuffix(stmts[1], "end;\n$$") {
		t.Fatalf("dollar body split: %q", stmts[1])
	}
	if !strings.Contains(stmts[2], "$body$ select 1; $body$") {
		t.Fatalf("tagged body split: %q", stmts[2])
	}
	if stmts[3] != "insert into t values ($1)" {
		t.Fatalf("positional parameter mistaken for a tag: %q", stmts[3])
	}
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	ups, err := collectSQL(migrations.SQL(), ".up.sql")
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(ups) < 2 {
		t.Fatalf("expected embedded migrations, got %v", ups)
	}
	for _, up := range ups {
		down := strings.TrimSuffix(up, ".up.sql") + ".down.sql"
		if _, err := fs.Stat(migrations.SQL(), down); err != nil {
			t.Fatalf("missing %s", down)
		}
		body, _ := fs.ReadFile(migrations.SQL(), up)
		if len(splitStatements(string(body))) == 0 {
			t.Fatalf("%s has no statements", up)
		}
	}
	seeds, err := collectSQL(migrations.Seeds(), ".sql")
	if err != nil || len(seeds) == 0 {
		t.Fatalf("expected embedded seeds: %v %v", seeds, err)
	}
}

func TestAuditLogIndexes(t *testing.T) {
	up, err := fs.ReadFile(migrations.SQL(), "0002_audit_logs.up.sql")
	if err != nil {
		t.Fatalf("read up: %v", err)
	}
	down, err := fs.ReadFile(migrations.SQL(), "0002_audit_logs.down.sql")
	if err != nil {
		t.Fatalf("read down: %v", err)
	}
	indexes := map[string]string{
		"audit_logs_client_created_idx": "(client_id, created_at desc)",
		"audit_logs_user_created_idx":   "(user_id, created_at desc)",
		"audit_logs_table_name_idx":     "(table_name)",
		"audit_logs_action_idx":         "(action)",
		"audit_logs_session_id_idx":     "(session_id)",
		"audit_logs_status_code_idx":    "(status_code)",
		"audit_logs_table_action_idx":   "(table_name, action)",
	}
	for name, columns := range indexes {
		create := "create index if not exists " + name + " on audit_logs " + columns + ";"
		if !strings.Contains(string(up), create) {
			t.Fatalf("up migration missing %q", create)
		}
		if !strings.Contains(string(down), "drop index if exists "+name+";") {
			t.Fatalf("down migration does not drop %s", name)
		}
	}
}
