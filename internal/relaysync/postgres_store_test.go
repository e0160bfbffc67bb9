package relaysync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockPostgresStore(t *testing.T) (*PostgresCheckpointStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	store, err := NewPostgresCheckpointStore("postgres://relay@localhost/relay?sslmode=disable")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	store.openDB = func(driverName, dsn string) (*sql.DB, error) {
		if driverName != "postgres" {
			t.Fatalf("unexpected driver %q", driverName)
		}
		return db, nil
	}
	store.migrate = nil
	return store, mock
}

func TestPostgresCheckpointStoreGetMissingKey(t *testing.T) {
	store, mock := newMockPostgresStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT payload FROM "relaysync_checkpoints" WHERE checkpoint_key = $1`)).
		WithArgs("acme/runMapping/run-1").
		WillReturnError(sql.ErrNoRows)

	raw, err := store.Get(context.Background(), "acme/runMapping/run-1")
	if err != nil || raw != nil {
		t.Fatalf("expected nil for missing key, got %s err=%v", raw, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresCheckpointStoreSetUpserts(t *testing.T) {
	store, mock := newMockPostgresStore(t)
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "relaysync_checkpoints" (checkpoint_key, payload, updated_at)`)).
		WithArgs("acme/syncContinuation/run-1", `{"nextOffset":50}`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.Set(context.Background(), "acme/syncContinuation/run-1", json.RawMessage(`{"nextOffset":50}`)); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresCheckpointStoreCompareAndSwap(t *testing.T) {
	store, mock := newMockPostgresStore(t)
	mock.ExpectExec(regexp.QuoteMeta(`ON CONFLICT (checkpoint_key) DO NOTHING`)).
		WithArgs("acme/activeSyncLock/run-1", `{"owner":"a"}`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`ON CONFLICT (checkpoint_key) DO NOTHING`)).
		WithArgs("acme/activeSyncLock/run-1", `{"owner":"b"}`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`WHERE checkpoint_key = $1 AND payload = $2`)).
		WithArgs("acme/activeSyncLock/run-1", `{"owner":"a"}`, `{"owner":"c"}`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ctx := context.Background()
	if ok, err := store.CompareAndSwap(ctx, "acme/activeSyncLock/run-1", nil, json.RawMessage(`{"owner":"a"}`)); err != nil || !ok {
		t.Fatalf("expected insert to win, ok=%v err=%v", ok, err)
	}
	if ok, err := store.CompareAndSwap(ctx, "acme/activeSyncLock/run-1", nil, json.RawMessage(`{"owner":"b"}`)); err != nil || ok {
		t.Fatalf("expected conflicting insert to lose, ok=%v err=%v", ok, err)
	}
	if ok, err := store.CompareAndSwap(ctx, "acme/activeSyncLock/run-1", json.RawMessage(`{"owner":"a"}`), json.RawMessage(`{"owner":"c"}`)); err != nil || !ok {
		t.Fatalf("expected conditional update to win, ok=%v err=%v", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresCheckpointStoreListEscapesPrefix(t *testing.T) {
	store, mock := newMockPostgresStore(t)
	rows := sqlmock.NewRows([]string{"checkpoint_key", "payload"}).
		AddRow("acme_1/syncContinuation/a", `{"nextOffset":1}`).
		AddRow("acme_1/syncContinuation/b", `{"nextOffset":2}`)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT checkpoint_key, payload FROM "relaysync_checkpoints" WHERE checkpoint_key LIKE $1`)).
		WithArgs(`acme\_1/syncContinuation/%`).
		WillReturnRows(rows)

	listed, err := store.List(context.Background(), "acme_1/syncContinuation/")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(listed) != 2 || string(listed["acme_1/syncContinuation/b"]) != `{"nextOffset":2}` {
		t.Fatalf("unexpected list result: %v", listed)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresCheckpointStoreSurfacesMigrationFailure(t *testing.T) {
	store, _ := newMockPostgresStore(t)
	migrationErr := errors.New("migration failed")
	store.migrate = func(context.Context, *sql.DB) error { return migrationErr }
	if _, err := store.Get(context.Background(), "k"); !errors.Is(err, migrationErr) {
		t.Fatalf("expected migration error, got %v", err)
	}
}

func TestPostgresQuoteIdentifier(t *testing.T) {
	if got := postgresQuoteIdentifier(`weird"name`); got != `"weird""name"` {
		t.Fatalf("unexpected quoted identifier %s", got)
	}
}
