package configstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps settings in a single table. Each Set is an autocommit
// upsert with synchronous=FULL, so it is on disk when Set returns.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens or creates the database at path. An empty path or
// ":memory:" yields a private in-memory database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	path = strings.TrimPrefix(path, "sqlite://")
	if path == "" {
		path = ":memory:"
	}
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, &StorageIOError{Op: "open", Path: path, Err: err}
	}
	// SQLite works best with single connection
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, path: path}
	if err := s.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return &StorageIOError{Op: "ping", Path: s.path, Err: err}
	}
	const schema = `CREATE TABLE IF NOT EXISTS config (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return &StorageIOError{Op: "migrate", Path: s.path, Err: err}
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (any, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, s.wrap("get", err)
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, false, fmt.Errorf("decode %q: %w", key, err)
	}
	return v, true, nil
}

func (s *SQLiteStore) GetAll(ctx context.Context) (map[string]any, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM config`)
	if err != nil {
		return nil, s.wrap("list", err)
	}
	defer func() { _ = rows.Close() }()
	out := map[string]any{}
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, s.wrap("scan", err)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("decode %q: %w", key, err)
		}
		out[key] = v
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("list", err)
	}
	return out, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key string, value any) error {
	if key == "" {
		return ErrEmptyKey
	}
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("value is not JSON-compatible: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO config(key, value, updated_at) VALUES(?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, string(b), time.Now().UTC())
	if err != nil {
		return recordWrite(s.wrap("set", err))
	}
	return recordWrite(nil)
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM config WHERE key = ?`, key); err != nil {
		return recordWrite(s.wrap("delete", err))
	}
	return recordWrite(nil)
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) wrap(op string, err error) error {
	if strings.Contains(err.Error(), "database is closed") {
		return ErrClosed
	}
	return &StorageIOError{Op: op, Path: s.path, Err: err}
}
