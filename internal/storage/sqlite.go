//go:build sqlite
// +build sqlite

package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"rembot/internal/reminder"
	logx "rembot/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

const reminderCols = `id, message, target, scheduled_at, policy, filter, created_at, status`

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = FULL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Create(ctx context.Context, r reminder.Reminder) (reminder.ID, error) {
	if s == nil || s.db == nil {
		return 0, ErrClosed
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO reminders(message, target, scheduled_at, policy, filter, created_at, status)
		 VALUES(?,?,?,?,?,?,?)`,
		r.Message, r.Target,
		r.ScheduledAt.UTC().Format(time.RFC3339Nano),
		string(r.Policy), string(r.Filter),
		r.CreatedAt.UTC().Format(time.RFC3339Nano),
		string(r.Status),
	)
	if err != nil {
		return 0, fmt.Errorf("%w: insert reminder: %w", ErrPersist, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: last insert id: %w", ErrPersist, err)
	}
	return reminder.ID(id), nil
}

func (s *sqliteStore) Get(ctx context.Context, id reminder.ID) (reminder.Reminder, error) {
	if s == nil || s.db == nil {
		return reminder.Reminder{}, ErrClosed
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+reminderCols+` FROM reminders WHERE id = ?`, int64(id))
	r, err := scanReminder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return reminder.Reminder{}, reminder.ErrNotFound
	}
	if err != nil {
		return reminder.Reminder{}, fmt.Errorf("%w: select reminder: %w", ErrPersist, err)
	}
	return r, nil
}

func (s *sqliteStore) List(ctx context.Context) ([]reminder.Reminder, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reminderCols+` FROM reminders ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("%w: list reminders: %w", ErrPersist, err)
	}
	defer rows.Close()

	var out []reminder.Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan reminder: %w", ErrPersist, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list reminders: %w", ErrPersist, err)
	}
	return out, nil
}

func (s *sqliteStore) Update(ctx context.Context, id reminder.ID, mut Mutation) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if mut.empty() {
		// Existence still has to be checked.
		_, err := s.Get(ctx, id)
		return err
	}
	sets := make([]string, 0, 2)
	args := make([]any, 0, 3)
	if mut.ScheduledAt != nil {
		sets = append(sets, "scheduled_at = ?")
		args = append(args, mut.ScheduledAt.UTC().Format(time.RFC3339Nano))
	}
	if mut.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*mut.Status))
	}
	args = append(args, int64(id))

	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("%w: update reminder: %w", ErrPersist, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected: %w", ErrPersist, err)
	}
	if n == 0 {
		return reminder.ErrNotFound
	}
	return nil
}

func (s *sqliteStore) Delete(ctx context.Context, id reminder.ID) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM reminders WHERE id = ?`, int64(id))
	if err != nil {
		return fmt.Errorf("%w: delete reminder: %w", ErrPersist, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected: %w", ErrPersist, err)
	}
	if n == 0 {
		return reminder.ErrNotFound
	}
	return nil
}

func (s *sqliteStore) Compact(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`)
	return err
}

type rowScanner interface{ Scan(dest ...any) error }

func scanReminder(rs rowScanner) (reminder.Reminder, error) {
	var (
		id                        int64
		msg, target               string
		schedS, createdS          string
		policyS, filterS, statusS string
	)
	if err := rs.Scan(&id, &msg, &target, &schedS, &policyS, &filterS, &createdS, &statusS); err != nil {
		return reminder.Reminder{}, err
	}
	sched, err := time.Parse(time.RFC3339Nano, schedS)
	if err != nil {
		return reminder.Reminder{}, fmt.Errorf("bad scheduled_at %q: %w", schedS, err)
	}
	created, err := time.Parse(time.RFC3339Nano, createdS)
	if err != nil {
		return reminder.Reminder{}, fmt.Errorf("bad created_at %q: %w", createdS, err)
	}
	return reminder.Reminder{
		ID:          reminder.ID(id),
		Message:     msg,
		Target:      target,
		ScheduledAt: sched,
		Policy:      reminder.Policy(policyS),
		Filter:      reminder.Filter(filterS),
		CreatedAt:   created,
		Status:      reminder.Status(statusS),
	}, nil
}
