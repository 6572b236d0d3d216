// Package history is an optional append-only archive of execution
// attempts across all jobs, useful for inspecting throttle behavior
// over time. Job records themselves stay authoritative; the archive is
// advisory and safe to delete.
package history

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "claudeq/pkg/logx"
)

var ErrDisabled = errors.New("history disabled")

// Outcome labels for attempt records.
const (
	OutcomeSuccess     = "success"
	OutcomeFailure     = "failure"
	OutcomeRateLimited = "rate_limited"
)

// Config configures the archive.
//
// Driver values:
//   - "file": dependency-free jsonl backend
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", the archive is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Attempt records one agent invocation.
// Keep it compact and schema-stable.
type Attempt struct {
	At      time.Time `json:"at"`
	JobID   string    `json:"job_id"`
	Attempt int       `json:"attempt"`
	Outcome string    `json:"outcome"`
	Elapsed int64     `json:"elapsed_ms"`
	Error   string    `json:"error,omitempty"`
}

// Store is the archive API used by the scheduler.
type Store interface {
	Append(ctx context.Context, a Attempt) error
	Recent(ctx context.Context, limit int) ([]Attempt, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if the archive is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown history driver: " + driver)
	}
}
