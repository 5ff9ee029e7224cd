// Package store is the SQLite record store behind the reply pipeline.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a write violates a unique constraint.
var ErrDuplicate = errors.New("duplicate")

// DB wraps the SQLite database.
type DB struct{ sql *sql.DB }

// Open opens (or creates) the database at path and applies the schema.
// Pass ":memory:" for a throwaway database.
func Open(path string) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}
	d, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection: :memory: databases are per-connection, and SQLite
	// serializes writers anyway.
	d.SetMaxOpenConns(1)
	if _, err := d.Exec(`PRAGMA busy_timeout = 5000; PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA foreign_keys=ON;`); err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("setting pragmas: %w", err)
	}
	db := &DB{sql: d}
	if err := db.migrate(); err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return db, nil
}

func (d *DB) Close() error { return d.sql.Close() }

func (d *DB) migrate() error {
	_, err := d.sql.Exec(`
	CREATE TABLE IF NOT EXISTS monitored_accounts (
	  id INTEGER PRIMARY KEY AUTOINCREMENT,
	  user_id TEXT NOT NULL,
	  x_user_id TEXT NOT NULL,
	  username TEXT NOT NULL DEFAULT '',
	  tone TEXT NOT NULL DEFAULT '',
	  tone_weights TEXT,
	  image_frequency INTEGER NOT NULL DEFAULT 0,
	  enabled INTEGER NOT NULL DEFAULT 1,
	  auto_post INTEGER NOT NULL DEFAULT 1,
	  poll_interval INTEGER NOT NULL,
	  temperature REAL NOT NULL,
	  created_at INTEGER NOT NULL,
	  UNIQUE(user_id, x_user_id)
	);
	CREATE INDEX IF NOT EXISTS idx_accounts_user ON monitored_accounts(user_id);
	CREATE TABLE IF NOT EXISTS account_poll_state (
	  account_id INTEGER PRIMARY KEY REFERENCES monitored_accounts(id) ON DELETE CASCADE,
	  last_polled_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS user_tones (
	  id TEXT PRIMARY KEY,
	  user_id TEXT NOT NULL,
	  name TEXT NOT NULL,
	  prompt TEXT NOT NULL,
	  color TEXT NOT NULL DEFAULT '',
	  position INTEGER NOT NULL,
	  UNIQUE(user_id, name)
	);
	CREATE TABLE IF NOT EXISTS engagement_configs (
	  id INTEGER PRIMARY KEY AUTOINCREMENT,
	  user_id TEXT NOT NULL UNIQUE,
	  timezone TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS pause_schedules (
	  id INTEGER PRIMARY KEY AUTOINCREMENT,
	  config_id INTEGER NOT NULL REFERENCES engagement_configs(id) ON DELETE CASCADE,
	  start_time TEXT NOT NULL,
	  end_time TEXT NOT NULL,
	  enabled INTEGER NOT NULL DEFAULT 1,
	  label TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS pause_exceptions (
	  id INTEGER PRIMARY KEY AUTOINCREMENT,
	  schedule_id INTEGER NOT NULL REFERENCES pause_schedules(id) ON DELETE CASCADE,
	  date TEXT NOT NULL,
	  UNIQUE(schedule_id, date)
	);
	CREATE TABLE IF NOT EXISTS engagement_replies (
	  id TEXT PRIMARY KEY,
	  account_id INTEGER NOT NULL,
	  user_id TEXT NOT NULL,
	  source_post_id TEXT NOT NULL,
	  source_text TEXT NOT NULL DEFAULT '',
	  tone_id TEXT NOT NULL DEFAULT '',
	  tone_name TEXT NOT NULL DEFAULT '',
	  reply_text TEXT NOT NULL DEFAULT '',
	  image_url TEXT NOT NULL DEFAULT '',
	  posted_id TEXT NOT NULL DEFAULT '',
	  status TEXT NOT NULL,
	  attempts INTEGER NOT NULL DEFAULT 0,
	  last_error TEXT NOT NULL DEFAULT '',
	  text_cost TEXT NOT NULL DEFAULT '0',
	  image_cost TEXT NOT NULL DEFAULT '0',
	  api_cost TEXT NOT NULL DEFAULT '0',
	  total_cost TEXT NOT NULL DEFAULT '0',
	  created_at INTEGER NOT NULL,
	  updated_at INTEGER NOT NULL,
	  UNIQUE(account_id, source_post_id)
	);
	CREATE INDEX IF NOT EXISTS idx_replies_status ON engagement_replies(account_id, status);
	CREATE TABLE IF NOT EXISTS x_accounts (
	  user_id TEXT PRIMARY KEY,
	  x_user_id TEXT NOT NULL,
	  username TEXT NOT NULL DEFAULT '',
	  access_token TEXT NOT NULL,
	  refresh_token TEXT NOT NULL,
	  token_expires_at INTEGER NOT NULL,
	  token_error INTEGER NOT NULL DEFAULT 0,
	  premium INTEGER NOT NULL DEFAULT 0,
	  connected_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS api_subscriptions (
	  user_id TEXT PRIMARY KEY,
	  tier TEXT NOT NULL,
	  period_start INTEGER NOT NULL DEFAULT 0,
	  period_end INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS notifications (
	  id INTEGER PRIMARY KEY AUTOINCREMENT,
	  user_id TEXT NOT NULL,
	  title TEXT NOT NULL,
	  message TEXT NOT NULL,
	  link TEXT NOT NULL DEFAULT '',
	  dedupe_key TEXT UNIQUE,
	  created_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS usage_counters (
	  user_id TEXT NOT NULL,
	  kind TEXT NOT NULL,
	  anchor INTEGER NOT NULL DEFAULT 0,
	  bucket INTEGER NOT NULL,
	  used INTEGER NOT NULL,
	  expires_at INTEGER NOT NULL,
	  PRIMARY KEY(user_id, kind, anchor, bucket)
	);
	CREATE TABLE IF NOT EXISTS run_leases (
	  name TEXT PRIMARY KEY,
	  owner TEXT NOT NULL,
	  expires_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS cursors (
	  name TEXT PRIMARY KEY,
	  value TEXT NOT NULL
	);
	`)
	return err
}

// SaveCursor stores a named position, e.g. the newest post id seen for an account.
func (d *DB) SaveCursor(ctx context.Context, key, value string) error {
	_, err := d.sql.ExecContext(ctx, `INSERT INTO cursors(name, value) VALUES(?,?) ON CONFLICT(name) DO UPDATE SET value=excluded.value`, key, value)
	return err
}

// LoadCursor returns the stored position for key, or "" when none exists.
func (d *DB) LoadCursor(ctx context.Context, key string) (string, error) {
	var v string
	err := d.sql.QueryRowContext(ctx, `SELECT value FROM cursors WHERE name=?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0).UTC()
}
