package storage

import (
	"errors"
	"time"

	"rembot/internal/reminder"
)

var (
	// ErrClosed reports an operation on a store that has been closed.
	ErrClosed = errors.New("store closed")

	// ErrPersist wraps I/O and database failures so callers can treat all
	// persistence trouble uniformly with errors.Is.
	ErrPersist = errors.New("persist failed")
)

// Config selects and tunes the backend. "file", the zero-dependency
// default, keeps a JSON Lines journal folded into snapshots; "sqlite"
// stores rows in one database file and needs the sqlite build tag.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Mutation is a partial update applied by the scheduling engine. Nil fields
// stay untouched. External callers never mutate rows; edits are
// delete+recreate.
type Mutation struct {
	ScheduledAt *time.Time
	Status      *reminder.Status
}

func (m Mutation) empty() bool { return m.ScheduledAt == nil && m.Status == nil }
