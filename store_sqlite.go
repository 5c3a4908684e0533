// store_sqlite.go: SQLite-backed artifact store
//
// A single database file holds every container. It is the default durable
// driver for single-host deployments where no object store is available.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on top of modernc.org/sqlite.
type SQLiteStore struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// NewSQLiteStore opens (creating when needed) the database at path and runs
// the schema migrations. Use ":memory:" for a throwaway store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent and serialises writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db, path: path, now: time.Now}
	if err := s.runMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) runMigrations() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS containers (
			name TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS blobs (
			container TEXT NOT NULL REFERENCES containers(name) ON DELETE CASCADE,
			key TEXT NOT NULL,
			data BLOB NOT NULL,
			modified_at INTEGER NOT NULL,
			PRIMARY KEY (container, key)
		)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

// Path returns the database location.
func (s *SQLiteStore) Path() string {
	return s.path
}

// EnsureContainer implements Store.
func (s *SQLiteStore) EnsureContainer(ctx context.Context, container string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO containers (name, created_at) VALUES (?, ?)`,
		container, s.now().UTC().UnixNano())
	if err != nil {
		return NewStoreError("ensure", container, "", err)
	}
	return nil
}

// Exists implements Store.
func (s *SQLiteStore) Exists(ctx context.Context, container, key string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM blobs WHERE container = ? AND key = ?`, container, key).Scan(&one)
	if stderrors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, NewStoreError("exists", container, key, err)
	}
	return true, nil
}

// Download implements Store.
func (s *SQLiteStore) Download(ctx context.Context, container, key string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM blobs WHERE container = ? AND key = ?`, container, key).Scan(&data)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, NewArtifactNotFoundError(key, container)
	}
	if err != nil {
		return nil, NewStoreError("download", container, key, err)
	}
	return data, nil
}

// Upload implements Store. The modification time advances by at least one
// millisecond per upload of the same key even when the wall clock does not.
func (s *SQLiteStore) Upload(ctx context.Context, container, key string, data []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return NewStoreError("upload", container, key, err)
	}
	defer func() { _ = tx.Rollback() }()

	modified := s.now().UTC().UnixNano()
	var prev int64
	err = tx.QueryRowContext(ctx,
		`SELECT modified_at FROM blobs WHERE container = ? AND key = ?`, container, key).Scan(&prev)
	switch {
	case err == nil:
		if modified <= prev {
			modified = prev + int64(time.Millisecond)
		}
	case !stderrors.Is(err, sql.ErrNoRows):
		return NewStoreError("upload", container, key, err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO containers (name, created_at) VALUES (?, ?)`, container, modified); err != nil {
		return NewStoreError("upload", container, key, err)
	}
	if data == nil {
		data = []byte{}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO blobs (container, key, data, modified_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(container, key) DO UPDATE SET data = excluded.data, modified_at = excluded.modified_at`,
		container, key, data, modified); err != nil {
		return NewStoreError("upload", container, key, err)
	}
	if err := tx.Commit(); err != nil {
		return NewStoreError("upload", container, key, err)
	}
	return nil
}

// DownloadText implements Store.
func (s *SQLiteStore) DownloadText(ctx context.Context, container, key string) (string, error) {
	data, err := s.Download(ctx, container, key)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// UploadText implements Store.
func (s *SQLiteStore) UploadText(ctx context.Context, container, key, text string) error {
	return s.Upload(ctx, container, key, []byte(text))
}

// DeleteIfExists implements Store.
func (s *SQLiteStore) DeleteIfExists(ctx context.Context, container, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM blobs WHERE container = ? AND key = ?`, container, key); err != nil {
		return NewStoreError("delete", container, key, err)
	}
	return nil
}

// LastModified implements Store.
func (s *SQLiteStore) LastModified(ctx context.Context, container, key string) (time.Time, error) {
	var nanos int64
	err := s.db.QueryRowContext(ctx,
		`SELECT modified_at FROM blobs WHERE container = ? AND key = ?`, container, key).Scan(&nanos)
	if stderrors.Is(err, sql.ErrNoRows) {
		return time.Time{}, NewArtifactNotFoundError(key, container)
	}
	if err != nil {
		return time.Time{}, NewStoreError("last_modified", container, key, err)
	}
	return time.Unix(0, nanos).UTC(), nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
