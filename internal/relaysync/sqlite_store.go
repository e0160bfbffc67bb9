package relaysync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/agentworkforce/relaysync/internal/migration"
)

// SQLiteCheckpointStore is the single-node durable backend. All access goes
// through one connection so compare-and-swap never races inside SQLite.
type SQLiteCheckpointStore struct {
	path    string
	openDB  sqlOpenFunc
	migrate migrateFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewSQLiteCheckpointStore(path string) (*SQLiteCheckpointStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &SQLiteCheckpointStore{
		path:   path,
		openDB: sql.Open,
		migrate: func(ctx context.Context, db *sql.DB) error {
			return migration.Up(ctx, db, migration.DialectSQLite)
		},
	}, nil
}

func (s *SQLiteCheckpointStore) Get(ctx context.Context, key string) (json.RawMessage, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	var payload string
	err := s.db.QueryRowContext(ctx, "SELECT payload FROM relaysync_checkpoints WHERE checkpoint_key = ?", key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(payload), nil
}

func (s *SQLiteCheckpointStore) Set(ctx context.Context, key string, value json.RawMessage) error {
	if strings.TrimSpace(key) == "" || !json.Valid(value) {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO relaysync_checkpoints (checkpoint_key, payload, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (checkpoint_key)
		DO UPDATE SET payload = excluded.payload, updated_at = CURRENT_TIMESTAMP`, key, string(value))
	return err
}

func (s *SQLiteCheckpointStore) Delete(ctx context.Context, key string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM relaysync_checkpoints WHERE checkpoint_key = ?", key)
	return err
}

func (s *SQLiteCheckpointStore) CompareAndSwap(ctx context.Context, key string, prev, next json.RawMessage) (bool, error) {
	if strings.TrimSpace(key) == "" || !json.Valid(next) {
		return false, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return false, err
	}
	var (
		result sql.Result
		err    error
	)
	if prev == nil {
		result, err = s.db.ExecContext(ctx, `
			INSERT INTO relaysync_checkpoints (checkpoint_key, payload, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT (checkpoint_key) DO NOTHING`, key, string(next))
	} else {
		result, err = s.db.ExecContext(ctx, `
			UPDATE relaysync_checkpoints SET payload = ?, updated_at = CURRENT_TIMESTAMP
			WHERE checkpoint_key = ? AND payload = ?`, string(next), key, string(prev))
	}
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (s *SQLiteCheckpointStore) List(ctx context.Context, prefix string) (map[string]json.RawMessage, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT checkpoint_key, payload FROM relaysync_checkpoints WHERE checkpoint_key LIKE ? ESCAPE '\\' ORDER BY checkpoint_key ASC",
		likePrefixPattern(prefix),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]json.RawMessage{}
	for rows.Next() {
		var key, payload string
		if err := rows.Scan(&key, &payload); err != nil {
			return nil, err
		}
		out[key] = json.RawMessage(payload)
	}
	return out, rows.Err()
}

func (s *SQLiteCheckpointStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteCheckpointStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		if dir := filepath.Dir(s.path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				s.initErr = err
				return
			}
		}
		db, err := s.openDB("sqlite3", s.path+"?_busy_timeout=5000")
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 4*postgresOperationTimeout)
		defer cancel()
		if s.migrate != nil {
			if err := s.migrate(ctx, db); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		db.SetMaxOpenConns(1)
		s.db = db
	})
	return s.initErr
}
