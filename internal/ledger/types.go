// Package ledger keeps an operator-facing record of task lifecycle events.
// It stores metadata only: never payloads, credentials or extracted data.
package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "extractd/pkg/logx"
)

var ErrClosed = errors.New("ledger closed")

// Config selects the driver.
//
// Driver values:
//   - "file": append-only JSON Lines
//   - "sqlite": SQLite database file
//
// Empty or "none" disables the ledger.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only
}

// Entry is one lifecycle event. Keep it compact and schema-stable.
type Entry struct {
	At        time.Time `json:"at"`
	Event     string    `json:"event"`
	TaskID    string    `json:"task_id,omitempty"`
	Worker    int       `json:"worker"`
	Outcome   string    `json:"outcome,omitempty"`
	ElapsedMS int64     `json:"elapsed_ms,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

type Store interface {
	Append(ctx context.Context, e Entry) error
	// Recent returns up to limit entries, newest first.
	Recent(ctx context.Context, limit int) ([]Entry, error)
	// Prune deletes entries older than before and reports how many went.
	Prune(ctx context.Context, before time.Time) (int, error)
	Close() error
}

// Open returns (nil, nil) when the ledger is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "none":
		return nil, nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	}
	return nil, errors.New("unknown ledger driver: " + driver)
}
