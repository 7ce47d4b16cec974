package persist

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore keeps snapshots base64 encoded in a single table.
type SQLiteStore struct {
	database *sql.DB
}

func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s := &SQLiteStore{database: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	if _, err := s.database.Exec(
		`CREATE TABLE IF NOT EXISTS snapshots (
		key text not null primary key,
		content text not null
		)`,
	); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	var raw string
	if err := s.database.QueryRowContext(ctx, `SELECT content FROM snapshots WHERE key = ?`, key).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	out, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Put(ctx context.Context, key string, value []byte) error {
	if _, err := s.database.ExecContext(
		ctx, `INSERT INTO snapshots (key, content) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET content = excluded.content`,
		key, base64.StdEncoding.EncodeToString(value),
	); err != nil {
		return fmt.Errorf("failed to persist state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.database.ExecContext(ctx, `DELETE FROM snapshots WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.database.Close()
}
