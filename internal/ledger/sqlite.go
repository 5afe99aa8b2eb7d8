package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "extractd/pkg/logx"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS ledger (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	at         INTEGER NOT NULL,
	event      TEXT    NOT NULL,
	task_id    TEXT,
	worker     INTEGER NOT NULL DEFAULT 0,
	outcome    TEXT,
	elapsed_ms INTEGER NOT NULL DEFAULT 0,
	reason     TEXT
);
CREATE INDEX IF NOT EXISTS ledger_at ON ledger(at);
CREATE INDEX IF NOT EXISTS ledger_task ON ledger(task_id);
`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("ledger.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger schema: %w", err)
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Append(ctx context.Context, e Entry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ledger(at, event, task_id, worker, outcome, elapsed_ms, reason) VALUES(?,?,?,?,?,?,?)`,
		e.At.UnixNano(), e.Event, nullStr(e.TaskID), e.Worker, nullStr(e.Outcome), e.ElapsedMS, nullStr(e.Reason),
	)
	return err
}

func (s *sqliteStore) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, event, task_id, worker, outcome, elapsed_ms, reason FROM ledger ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                       Entry
			at                      int64
			taskID, outcome, reason sql.NullString
		)
		if err := rows.Scan(&at, &e.Event, &taskID, &e.Worker, &outcome, &e.ElapsedMS, &reason); err != nil {
			return nil, err
		}
		e.At = time.Unix(0, at)
		e.TaskID, e.Outcome, e.Reason = taskID.String, outcome.String, reason.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Prune(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM ledger WHERE at < ?`, before.UnixNano())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
