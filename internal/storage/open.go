package storage

import (
	"context"
	"errors"
	"strings"

	"rembot/internal/reminder"
	logx "rembot/pkg/logx"
)

// Store is the reminder persistence API.
//
// Writes are serialized by the scheduling engine; implementations still
// guard internal state so status snapshots can read concurrently. Get and
// Delete return reminder.ErrNotFound for unknown ids.
type Store interface {
	// Create assigns and returns a fresh id; ids increase monotonically and
	// are never reused, even after deletion.
	Create(ctx context.Context, r reminder.Reminder) (reminder.ID, error)
	Get(ctx context.Context, id reminder.ID) (reminder.Reminder, error)
	// List returns all reminders ordered by creation time, id breaking ties.
	List(ctx context.Context) ([]reminder.Reminder, error)
	// Update applies a partial mutation; only the engine calls it.
	Update(ctx context.Context, id reminder.ID, mut Mutation) error
	Delete(ctx context.Context, id reminder.ID) error
	// Compact reclaims space (journal rewrite, WAL checkpoint). Safe to call
	// at any time; the maintenance cron does so nightly.
	Compact(ctx context.Context) error
	Close() error
}

// Open builds the store for cfg.Driver. Reminders require persistence, so
// an empty driver falls back to the file backend.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
