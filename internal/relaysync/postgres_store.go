package relaysync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/agentworkforce/relaysync/internal/migration"
)

const (
	checkpointTableName      = "relaysync_checkpoints"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type migrateFunc func(ctx context.Context, db *sql.DB) error

type PostgresCheckpointStore struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc
	migrate   migrateFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresCheckpointStore(dsn string) (*PostgresCheckpointStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresCheckpointStore{
		dsn:       dsn,
		tableName: checkpointTableName,
		openDB:    sql.Open,
		migrate: func(ctx context.Context, db *sql.DB) error {
			return migration.Up(ctx, db, migration.DialectPostgres)
		},
	}, nil
}

func (s *PostgresCheckpointStore) Get(ctx context.Context, key string) (json.RawMessage, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT payload FROM %s WHERE checkpoint_key = $1", postgresQuoteIdentifier(s.tableName))
	var payload string
	err := s.db.QueryRowContext(ctx, query, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(payload), nil
}

func (s *PostgresCheckpointStore) Set(ctx context.Context, key string, value json.RawMessage) error {
	if strings.TrimSpace(key) == "" || !json.Valid(value) {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (checkpoint_key, payload, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (checkpoint_key)
		DO UPDATE SET payload = EXCLUDED.payload, updated_at = NOW()`, postgresQuoteIdentifier(s.tableName))
	_, err := s.db.ExecContext(ctx, query, key, string(value))
	return err
}

func (s *PostgresCheckpointStore) Delete(ctx context.Context, key string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE checkpoint_key = $1", postgresQuoteIdentifier(s.tableName))
	_, err := s.db.ExecContext(ctx, query, key)
	return err
}

func (s *PostgresCheckpointStore) CompareAndSwap(ctx context.Context, key string, prev, next json.RawMessage) (bool, error) {
	if strings.TrimSpace(key) == "" || !json.Valid(next) {
		return false, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	var (
		result sql.Result
		err    error
	)
	if prev == nil {
		query := fmt.Sprintf(`
			INSERT INTO %s (checkpoint_key, payload, updated_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (checkpoint_key) DO NOTHING`, postgresQuoteIdentifier(s.tableName))
		result, err = s.db.ExecContext(ctx, query, key, string(next))
	} else {
		query := fmt.Sprintf(`
			UPDATE %s SET payload = $3, updated_at = NOW()
			WHERE checkpoint_key = $1 AND payload = $2`, postgresQuoteIdentifier(s.tableName))
		result, err = s.db.ExecContext(ctx, query, key, string(prev), string(next))
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

func (s *PostgresCheckpointStore) List(ctx context.Context, prefix string) (map[string]json.RawMessage, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"SELECT checkpoint_key, payload FROM %s WHERE checkpoint_key LIKE $1 ESCAPE '\\' ORDER BY checkpoint_key ASC",
		postgresQuoteIdentifier(s.tableName),
	)
	rows, err := s.db.QueryContext(ctx, query, likePrefixPattern(prefix))
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

func (s *PostgresCheckpointStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresCheckpointStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
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
		s.db = db
	})
	return s.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func likePrefixPattern(prefix string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(prefix) + "%"
}
