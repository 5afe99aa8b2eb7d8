package sqlitedoc

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"extractd/internal/extract"
)

const schema = `
CREATE TABLE IF NOT EXISTS fields (
	doc_id TEXT NOT NULL,
	key    TEXT NOT NULL,
	value  TEXT NOT NULL,
	PRIMARY KEY (doc_id, key)
);`

var errNotRunning = errors.New("session not running")

// Session is a private in-memory SQLite database. Rows accumulate across
// documents until the session is restarted.
type Session struct {
	worker int

	mu   sync.Mutex
	name string
	db   *sql.DB
}

var _ extract.Session = (*Session)(nil)

func NewSession(worker int) *Session {
	return &Session{worker: worker}
}

// Factory builds one Session per worker.
func Factory() extract.SessionFactory {
	return func(worker int) (extract.Session, error) {
		return NewSession(worker), nil
	}
}

func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}
	// A single connection keeps every statement on the same :memory: database.
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return fmt.Errorf("open workspace: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return fmt.Errorf("init workspace: %w", err)
	}
	s.db = db
	s.name = fmt.Sprintf("worker-%d-%s", s.worker, uuid.NewString())
	return nil
}

func (s *Session) Stop(context.Context) error {
	s.mu.Lock()
	db := s.db
	s.db = nil
	s.mu.Unlock()
	if db == nil {
		return nil
	}
	return db.Close()
}

func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db != nil
}

// Name identifies the current workspace. It changes on every Start.
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

func (s *Session) handle() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, errNotRunning
	}
	return s.db, nil
}

// Load stores the fields of one document.
func (s *Session) Load(ctx context.Context, docID string, fields map[string]string) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO fields(doc_id, key, value) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for k, v := range fields {
		if _, err := stmt.ExecContext(ctx, docID, k, v); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Fields reads one document back ordered by key.
func (s *Session) Fields(ctx context.Context, docID string) ([][2]string, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT key, value FROM fields WHERE doc_id = ? ORDER BY key`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out [][2]string
	for rows.Next() {
		var kv [2]string
		if err := rows.Scan(&kv[0], &kv[1]); err != nil {
			return nil, err
		}
		out = append(out, kv)
	}
	return out, rows.Err()
}

// Rows counts every stored field across documents.
func (s *Session) Rows(ctx context.Context) (int, error) {
	db, err := s.handle()
	if err != nil {
		return 0, err
	}
	var n int
	err = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM fields`).Scan(&n)
	return n, err
}
