package versionstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/buildwatch/dbopen"
)

// Schema creates the key-value table used by SQLiteKV.
const Schema = `
CREATE TABLE IF NOT EXISTS kv_store (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);`

// SQLiteKV is a durable KV on a single SQLite table. Several processes may
// share the file; the last writer wins per key.
type SQLiteKV struct {
	db *sql.DB
}

// NewSQLiteKV applies Schema to db and returns the KV. The caller owns db.
func NewSQLiteKV(db *sql.DB) (*SQLiteKV, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("versionstore: apply schema: %w", err)
	}
	return &SQLiteKV{db: db}, nil
}

// OpenSQLite opens (or creates) the database at path and returns a KV on it.
// opts tune the connection pragmas.
func OpenSQLite(path string, opts ...dbopen.Option) (*SQLiteKV, *sql.DB, error) {
	opts = append([]dbopen.Option{dbopen.WithMkdirAll(), dbopen.WithSchema(Schema)}, opts...)
	db, err := dbopen.Open(path, opts...)
	if err != nil {
		return nil, nil, err
	}
	return &SQLiteKV{db: db}, db, nil
}

// Get returns the value under key.
func (k *SQLiteKV) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := k.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("versionstore: get %s: %w", key, err)
	}
	return v, true, nil
}

// Set upserts value under key, retrying on SQLITE_BUSY.
func (k *SQLiteKV) Set(ctx context.Context, key, value string) error {
	_, err := dbopen.Exec(ctx, k.db, `
		INSERT INTO kv_store (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("versionstore: set %s: %w", key, err)
	}
	return nil
}
