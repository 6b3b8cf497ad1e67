package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const schema = `CREATE TABLE IF NOT EXISTS data (
	id blob,
	key blob,
	value blob,
	primary key (id, key)
)`

// MemoryPath opens a private in-memory SQLite database.
const MemoryPath = ":memory:"

// SQLite stores rows in a single SQLite table.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and ensures the
// data table exists.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases alive and serializes
	// writers on file databases.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy_timeout: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Put(ctx context.Context, id, key, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		"replace into data (id, key, value) values (?, ?, ?)",
		nonNil(id), nonNil(key), nonNil(value))
	if err != nil {
		return fmt.Errorf("failed to put row: %w", err)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, id, key []byte) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		"select value from data where id = ? and key = ?",
		nonNil(id), nonNil(key)).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get row: %w", err)
	}
	if value == nil {
		value = []byte{}
	}
	return value, nil
}

func (s *SQLite) Delete(ctx context.Context, id, key []byte) error {
	var err error
	if key == nil {
		_, err = s.db.ExecContext(ctx, "delete from data where id = ?", nonNil(id))
	} else {
		_, err = s.db.ExecContext(ctx,
			"delete from data where id = ? and key = ?", nonNil(id), key)
	}
	if err != nil {
		return fmt.Errorf("failed to delete rows: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// nonNil keeps empty byte strings from being bound as SQL NULL, which would
// never match in an equality lookup.
func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
