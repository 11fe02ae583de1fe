package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const (
	metaDeviceID = "device_id"
	metaLastSync = "last_sync_timestamp"
)

// SQLite is the local record store backed by an embedded SQLite database in
// WAL mode. It implements ChangeLog and the local CRUD used by the importer
// and the CLI.
type SQLite struct {
	conn   *sql.DB
	path   string
	now    func() time.Time
	logger *log.Logger
}

var _ ChangeLog = (*SQLite)(nil)

// Option configures a SQLite store.
type Option func(*SQLite)

// WithClock overrides the time source used to stamp local changes.
func WithClock(now func() time.Time) Option {
	return func(s *SQLite) { s.now = now }
}

// WithLogger sets the store's logger.
func WithLogger(l *log.Logger) Option {
	return func(s *SQLite) { s.logger = l }
}

// Open opens (creating if needed) the database at path and initializes the
// schema. The caller must Close it.
//
// Example:
//
//	st, err := store.Open(".peersync/peersync.db")
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func Open(path string, opts ...Option) (*SQLite, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Pragmas ride on the DSN so every pooled connection gets them.
	dsn := fmt.Sprintf("file:%s?_txlock=immediate"+
		"&_pragma=journal_mode(WAL)"+
		"&_pragma=busy_timeout(5000)"+
		"&_pragma=foreign_keys(1)", path)

	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &SQLite{
		conn:   conn,
		path:   path,
		now:    time.Now,
		logger: log.New(os.Stderr, "[store] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.InitSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

// Path returns the database file path.
func (s *SQLite) Path() string {
	return s.path
}

// Close checkpoints the WAL and closes the database.
func (s *SQLite) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Printf("Warning: failed to checkpoint WAL: %v", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates tables and indexes and assigns a device id on first use.
// It is idempotent.
func (s *SQLite) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (s *SQLite) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS folders (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		parent_id TEXT,
		date_created INTEGER NOT NULL,
		date_modified INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS files (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		folder_id TEXT,
		content BLOB,
		content_kind TEXT NOT NULL DEFAULT 'text',
		description TEXT,
		location TEXT,
		tags TEXT,  -- JSON array
		date_created INTEGER NOT NULL,
		date_modified INTEGER NOT NULL,
		last_accessed INTEGER NOT NULL DEFAULT 0
	);

	-- Append-only; seq preserves insertion order
	CREATE TABLE IF NOT EXISTS change_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		operation TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		synced INTEGER NOT NULL DEFAULT 0,
		device_id TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_folders_parent ON folders(parent_id);
	CREATE INDEX IF NOT EXISTS idx_files_folder ON files(folder_id);
	CREATE INDEX IF NOT EXISTS idx_change_log_timestamp ON change_log(timestamp);
	CREATE INDEX IF NOT EXISTS idx_change_log_synced ON change_log(synced);
	CREATE INDEX IF NOT EXISTS idx_change_log_entity ON change_log(entity_id);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	_, err := s.conn.ExecContext(ctx,
		`INSERT OR IGNORE INTO meta (key, value) VALUES (?, ?)`,
		metaDeviceID, uuid.NewString())
	if err != nil {
		return fmt.Errorf("failed to assign device id: %w", err)
	}

	return nil
}

func (s *SQLite) getMeta(ctx context.Context, key string) (string, error) {
	return getMeta(ctx, s.conn, key)
}

func getMeta(ctx context.Context, db execer, key string) (string, error) {
	var v string
	err := db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", key, err)
	}
	return v, nil
}

func (s *SQLite) setMeta(ctx context.Context, key, value string) error {
	_, err := s.conn.ExecContext(ctx, `
	INSERT INTO meta (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// DeviceID implements ChangeLog.
func (s *SQLite) DeviceID(ctx context.Context) (string, error) {
	return s.getMeta(ctx, metaDeviceID)
}

// LastSyncTimestamp implements ChangeLog.
func (s *SQLite) LastSyncTimestamp(ctx context.Context) (int64, error) {
	v, err := s.getMeta(ctx, metaLastSync)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	ts, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse last sync timestamp %q: %w", v, err)
	}
	return ts, nil
}

// SetLastSyncTimestamp implements ChangeLog.
func (s *SQLite) SetLastSyncTimestamp(ctx context.Context, ts int64) error {
	return s.setMeta(ctx, metaLastSync, strconv.FormatInt(ts, 10))
}

const changeColumns = `seq, id, entity_type, entity_id, operation, timestamp, synced, device_id`

// ChangesSince implements ChangeLog.
func (s *SQLite) ChangesSince(ctx context.Context, ts int64) ([]ChangeLogEntry, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+changeColumns+` FROM change_log WHERE timestamp > ? ORDER BY timestamp ASC, seq ASC`, ts)
	if err != nil {
		return nil, fmt.Errorf("failed to query changes since %d: %w", ts, err)
	}
	defer rows.Close()
	return scanChanges(rows)
}

// Unsynced implements ChangeLog.
func (s *SQLite) Unsynced(ctx context.Context) ([]ChangeLogEntry, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+changeColumns+` FROM change_log WHERE synced = 0 ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query unsynced changes: %w", err)
	}
	defer rows.Close()
	return scanChanges(rows)
}

// AllChanges returns the whole change log in append order.
func (s *SQLite) AllChanges(ctx context.Context) ([]ChangeLogEntry, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT `+changeColumns+` FROM change_log ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query change log: %w", err)
	}
	defer rows.Close()
	return scanChanges(rows)
}

func scanChanges(rows *sql.Rows) ([]ChangeLogEntry, error) {
	var out []ChangeLogEntry
	for rows.Next() {
		var (
			e      ChangeLogEntry
			synced int
		)
		if err := rows.Scan(&e.Seq, &e.ID, &e.EntityType, &e.EntityID, &e.Operation, &e.Timestamp, &synced, &e.DeviceID); err != nil {
			return nil, fmt.Errorf("failed to scan change: %w", err)
		}
		e.Synced = synced != 0
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate changes: %w", err)
	}
	return out, nil
}

// MarkSynced implements ChangeLog.
func (s *SQLite) MarkSynced(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE change_log SET synced = 1 WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare mark synced: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return fmt.Errorf("failed to mark %s synced: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func appendChange(ctx context.Context, db execer, e ChangeLogEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	synced := 0
	if e.Synced {
		synced = 1
	}
	_, err := db.ExecContext(ctx, `
	INSERT INTO change_log (id, entity_type, entity_id, operation, timestamp, synced, device_id)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.EntityType, e.EntityID, e.Operation, e.Timestamp, synced, e.DeviceID)
	if err != nil {
		return fmt.Errorf("failed to append change for %s %s: %w", e.EntityType, e.EntityID, err)
	}
	return nil
}

func (s *SQLite) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func marshalTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("failed to marshal tags: %w", err)
	}
	return string(b), nil
}

func unmarshalTags(s sql.NullString) []string {
	if !s.Valid || s.String == "" {
		return nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(s.String), &tags); err != nil {
		return nil
	}
	return tags
}
