package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"rembot/internal/reminder"
	logx "rembot/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.snapshot.json (full state: rows + id high-water mark)
//   - <prefix>.journal.jsonl (append-only ops since the snapshot)
//
// Every mutation is appended to the journal and fsynced before returning,
// so a "firing" mark written ahead of delivery survives a crash. The
// journal is periodically folded into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journalFile  *os.File

	rows   map[reminder.ID]reminder.Reminder
	nextID int64

	writes int
}

type journalRecord struct {
	Op       string             `json:"op"` // "put" or "del"
	Reminder *reminder.Reminder `json:"reminder,omitempty"`
	ID       reminder.ID        `json:"id,omitempty"`
}

type snapshotFile struct {
	NextID    int64               `json:"next_id"`
	Reminders []reminder.Reminder `json:"reminders"`
}

const compactEvery = 1000

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	rows := map[reminder.ID]reminder.Reminder{}
	nextID, serr := loadSnapshot(snapPath, rows)
	if serr != nil && !errors.Is(serr, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: load snapshot: %w", ErrPersist, serr)
	}

	maxSeen, skipped, jerr := replayJournal(journalPath, rows)
	if jerr != nil && !errors.Is(jerr, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: replay journal: %w", ErrPersist, jerr)
	}
	if skipped > 0 {
		log.Warn("journal contained unreadable lines, skipped",
			logx.Int("lines", skipped), logx.String("path", journalPath))
	}

	// The high-water mark must clear every id ever handed out, including
	// rows deleted since.
	for id := range rows {
		if int64(id) > maxSeen {
			maxSeen = int64(id)
		}
	}
	if nextID <= maxSeen {
		nextID = maxSeen + 1
	}
	if nextID < 1 {
		nextID = 1
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journalFile:  jf,
		rows:         rows,
		nextID:       nextID,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	err := s.journalFile.Close()
	s.journalFile = nil
	return err
}

func (s *fileStore) Create(ctx context.Context, r reminder.Reminder) (reminder.ID, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return 0, ErrClosed
	}
	r.ID = reminder.ID(s.nextID)
	s.nextID++
	if err := s.appendLocked(journalRecord{Op: "put", Reminder: &r}); err != nil {
		return 0, err
	}
	s.rows[r.ID] = r
	return r.ID, nil
}

func (s *fileStore) Get(ctx context.Context, id reminder.ID) (reminder.Reminder, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok {
		return reminder.Reminder{}, reminder.ErrNotFound
	}
	return r, nil
}

func (s *fileStore) List(ctx context.Context) ([]reminder.Reminder, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]reminder.Reminder, 0, len(s.rows))
	for _, r := range s.rows {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *fileStore) Update(ctx context.Context, id reminder.ID, mut Mutation) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	r, ok := s.rows[id]
	if !ok {
		return reminder.ErrNotFound
	}
	if mut.empty() {
		return nil
	}
	if mut.ScheduledAt != nil {
		r.ScheduledAt = *mut.ScheduledAt
	}
	if mut.Status != nil {
		r.Status = *mut.Status
	}
	if err := s.appendLocked(journalRecord{Op: "put", Reminder: &r}); err != nil {
		return err
	}
	s.rows[id] = r
	return nil
}

func (s *fileStore) Delete(ctx context.Context, id reminder.ID) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	if _, ok := s.rows[id]; !ok {
		return reminder.ErrNotFound
	}
	if err := s.appendLocked(journalRecord{Op: "del", ID: id}); err != nil {
		return err
	}
	delete(s.rows, id)
	return nil
}

func (s *fileStore) Compact(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	return s.compactLocked()
}

// appendLocked writes one journal record and fsyncs it. The record must be
// durable before the in-memory state changes.
func (s *fileStore) appendLocked(rec journalRecord) error {
	if err := json.NewEncoder(s.journalFile).Encode(rec); err != nil {
		return fmt.Errorf("%w: append journal: %w", ErrPersist, err)
	}
	if err := s.journalFile.Sync(); err != nil {
		return fmt.Errorf("%w: sync journal: %w", ErrPersist, err)
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	snap := snapshotFile{
		NextID:    s.nextID,
		Reminders: make([]reminder.Reminder, 0, len(s.rows)),
	}
	for _, r := range s.rows {
		snap.Reminders = append(snap.Reminders, r)
	}
	sort.Slice(snap.Reminders, func(i, j int) bool { return snap.Reminders[i].ID < snap.Reminders[j].ID })

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func loadSnapshot(path string, rows map[reminder.ID]reminder.Reminder) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	var snap snapshotFile
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return 0, err
	}
	for _, r := range snap.Reminders {
		rows[r.ID] = r
	}
	return snap.NextID, nil
}

// replayJournal folds journal ops into rows. Unreadable lines (torn tails
// from a crash mid-append) are skipped and counted, never fatal.
func replayJournal(path string, rows map[reminder.ID]reminder.Reminder) (maxSeen int64, skipped int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec journalRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			skipped++
			continue
		}
		switch rec.Op {
		case "put":
			if rec.Reminder == nil {
				skipped++
				continue
			}
			rows[rec.Reminder.ID] = *rec.Reminder
			if int64(rec.Reminder.ID) > maxSeen {
				maxSeen = int64(rec.Reminder.ID)
			}
		case "del":
			delete(rows, rec.ID)
			if int64(rec.ID) > maxSeen {
				maxSeen = int64(rec.ID)
			}
		default:
			skipped++
		}
	}
	return maxSeen, skipped, sc.Err()
}
