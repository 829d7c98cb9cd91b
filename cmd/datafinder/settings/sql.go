package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

const createPreferences = `CREATE TABLE IF NOT EXISTS preferences (
	name  TEXT PRIMARY KEY,
	value TEXT NOT NULL
)`

// SQLStore keeps preferences in a sqlite or postgres table
type SQLStore struct {
	db  *sqlx.DB
	log zerolog.Logger
}

func OpenSQLStore(ctx context.Context, driver, dsn string, log zerolog.Logger) (*SQLStore, error) {
	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to the settings database: %w", err)
	}
	if driver == "sqlite" {
		db.SetMaxOpenConns(1)
	}
	store, err := NewSQLStore(ctx, db, log)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLStore creates the preferences table when it does not exist.
func NewSQLStore(ctx context.Context, db *sqlx.DB, log zerolog.Logger) (*SQLStore, error) {
	if _, err := db.ExecContext(ctx, createPreferences); err != nil {
		return nil, fmt.Errorf("failed to create preferences table: %w", err)
	}
	return &SQLStore{db: db, log: log}, nil
}

func (s *SQLStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.GetContext(ctx, &value, s.db.Rebind(`SELECT value FROM preferences WHERE name = ?`), key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read preference %s: %w", key, err)
	}
	return value, true, nil
}

func (s *SQLStore) Set(ctx context.Context, key, value string) error {
	query := s.db.Rebind(`INSERT INTO preferences (name, value) VALUES (?, ?)
		ON CONFLICT (name) DO UPDATE SET value = excluded.value`)
	if _, err := s.db.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("failed to write preference %s: %w", key, err)
	}
	s.log.Debug().Str("key", key).Msg("Stored preference")
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
