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

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite parent dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection: ":memory:" databases are per connection, and the
	// actor is the only writer anyway.
	db.SetMaxOpenConns(1)

	store, err := NewSQLiteStoreFromDB(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func NewSQLiteStoreFromDB(db *sql.DB) (*SQLiteStore, error) {
	store := &SQLiteStore{db: db}
	if err := store.migrate(context.Background()); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	statements := []string{
		"PRAGMA foreign_keys = ON;",
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			target TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS task_history (
			row_id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			task_id INTEGER NOT NULL,
			kind TEXT NOT NULL,
			details TEXT,
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL,
			response TEXT,
			error TEXT,
			FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS task_history_session ON task_history(session_id, row_id);`,
	}

	for _, statement := range statements {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("migrate sqlite schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) OpenSession(ctx context.Context, id, target string, now time.Time) (Session, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Session{}, false, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		sess      Session
		createdAt string
		updatedAt string
	)
	err = tx.QueryRowContext(ctx,
		`SELECT session_id, target, created_at, updated_at FROM sessions WHERE session_id = ?`, id,
	).Scan(&sess.ID, &sess.Target, &createdAt, &updatedAt)

	created := false
	switch {
	case errors.Is(err, sql.ErrNoRows):
		sess = Session{ID: id, Target: target, CreatedAt: now, UpdatedAt: now}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sessions(session_id, target, created_at, updated_at) VALUES (?, ?, ?, ?)`,
			id, target, formatTime(now), formatTime(now),
		); err != nil {
			return Session{}, false, fmt.Errorf("insert session: %w", err)
		}
		created = true
	case err != nil:
		return Session{}, false, fmt.Errorf("scan session: %w", err)
	default:
		if sess.CreatedAt, err = parseTime(createdAt); err != nil {
			return Session{}, false, err
		}
		sess.UpdatedAt = now
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET updated_at = ? WHERE session_id = ?`, formatTime(now), id,
		); err != nil {
			return Session{}, false, fmt.Errorf("touch session: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Session{}, false, fmt.Errorf("commit: %w", err)
	}
	return sess, created, nil
}

func (s *SQLiteStore) SaveTask(ctx context.Context, rec TaskRecord) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO task_history(session_id, task_id, kind, details, started_at, finished_at, response, error)
		 SELECT ?, ?, ?, ?, ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM sessions WHERE session_id = ?)`,
		rec.SessionID, rec.TaskID, rec.Kind, nullIfEmpty(rec.Details),
		formatTime(rec.StartedAt), formatTime(rec.FinishedAt),
		nullIfEmpty(rec.Response), nullIfEmpty(rec.Error), rec.SessionID,
	)
	if err != nil {
		return fmt.Errorf("insert task %d: %w", rec.TaskID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("save task %d: %w", rec.TaskID, ErrSessionNotFound)
	}
	return nil
}

func (s *SQLiteStore) ListTasks(ctx context.Context, sessionID string, limit int) ([]TaskRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, task_id, kind, details, started_at, finished_at, response, error
		 FROM task_history WHERE session_id = ? ORDER BY row_id DESC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		var (
			rec                       TaskRecord
			details, response, errMsg sql.NullString
			startedAt, finishedAt     string
		)
		if err := rows.Scan(&rec.SessionID, &rec.TaskID, &rec.Kind, &details, &startedAt, &finishedAt, &response, &errMsg); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		rec.Details, rec.Response, rec.Error = details.String, response.String, errMsg.String
		if rec.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if rec.FinishedAt, err = parseTime(finishedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Compact(ctx context.Context, sessionID string, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM task_history WHERE session_id = ? AND row_id NOT IN (
			SELECT row_id FROM task_history WHERE session_id = ? ORDER BY row_id DESC LIMIT ?
		)`,
		sessionID, sessionID, keep,
	)
	if err != nil {
		return 0, fmt.Errorf("compact tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("compact tasks: %w", err)
	}
	return int(n), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", value, err)
	}
	return t, nil
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}
