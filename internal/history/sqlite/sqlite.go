package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mdrincic-boop/mpx-link-pro/internal/history"
)

// Sink writes backend run history to a SQLite database.
type Sink struct {
	db *sql.DB
}

// New creates a new SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// a single connection keeps ":memory:" databases coherent
	db.SetMaxOpenConns(1)
	_, _ = db.Exec("PRAGMA busy_timeout=3000;")

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS backend_runs(
			run_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			path TEXT NOT NULL,
			pid INTEGER NOT NULL,
			started_at TIMESTAMP NOT NULL,
			exited_at TIMESTAMP NULL,
			exit_code INTEGER NULL,
			crashed BOOLEAN NOT NULL DEFAULT 0,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_backend_runs_started ON backend_runs(started_at);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// Send upserts the run row. A start inserts it; an exit fills in the exit
// columns of the same run.
func (s *Sink) Send(ctx context.Context, e history.Event) error {
	rec := e.Record
	now := time.Now().UTC()
	switch e.Type {
	case history.EventStart:
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO backend_runs(run_id, name, path, pid, started_at, exited_at, exit_code, crashed, updated_at)
			VALUES(?, ?, ?, ?, ?, NULL, NULL, 0, ?)
			ON CONFLICT(run_id) DO UPDATE SET
				pid=excluded.pid,
				started_at=excluded.started_at,
				updated_at=excluded.updated_at;`,
			rec.RunID, rec.Name, rec.Path, rec.PID, rec.StartedAt.UTC(), now)
		return err
	case history.EventExit:
		var code sql.NullInt64
		if rec.ExitCode != nil {
			code = sql.NullInt64{Int64: int64(*rec.ExitCode), Valid: true}
		}
		exited := rec.ExitedAt
		if exited.IsZero() {
			exited = e.OccurredAt
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO backend_runs(run_id, name, path, pid, started_at, exited_at, exit_code, crashed, updated_at)
			VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(run_id) DO UPDATE SET
				exited_at=excluded.exited_at,
				exit_code=excluded.exit_code,
				crashed=excluded.crashed,
				updated_at=excluded.updated_at;`,
			rec.RunID, rec.Name, rec.Path, rec.PID, rec.StartedAt.UTC(), exited.UTC(), code, rec.Crashed, now)
		return err
	default:
		return errors.New("unknown history event type: " + string(e.Type))
	}
}

// Recent returns up to limit runs ordered by start time, newest first.
func (s *Sink) Recent(ctx context.Context, limit int) ([]history.Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, name, path, pid, started_at, exited_at, exit_code, crashed
		FROM backend_runs ORDER BY started_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []history.Record
	for rows.Next() {
		var (
			rec    history.Record
			exited sql.NullTime
			code   sql.NullInt64
		)
		if err := rows.Scan(&rec.RunID, &rec.Name, &rec.Path, &rec.PID, &rec.StartedAt, &exited, &code, &rec.Crashed); err != nil {
			return nil, err
		}
		if exited.Valid {
			rec.ExitedAt = exited.Time
		}
		if code.Valid {
			c := int(code.Int64)
			rec.ExitCode = &c
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
