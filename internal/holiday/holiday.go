// Package holiday classifies calendar days for filtered reminders.
//
// Saturday and Sunday are rest days by default. A per-year override table,
// fetched from a configurable endpoint, adds statutory holidays and marks
// shifted working weekends, so "workdays" filters follow the official
// calendar rather than the plain weekday rule.
package holiday

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"rembot/internal/clock"
	"rembot/pkg/logx"
)

type Config struct {
	// SourceURL is the per-year table endpoint; "{year}" expands to the
	// four-digit year. Empty disables fetching: weekends alone classify days.
	SourceURL string
	// CachePath persists fetched tables across restarts. Empty disables
	// persistence.
	CachePath string
	// TTL is the table age at which Refresh refetches. Zero means 30 days.
	TTL time.Duration
	// Timeout bounds a single fetch. Zero means 8 seconds.
	Timeout time.Duration
}

const (
	defaultTTL     = 30 * 24 * time.Hour
	defaultTimeout = 8 * time.Second
)

// Table is one year's overrides. Days are "MM-DD" keys within Year.
// A day listed in both sets counts as a workday.
type Table struct {
	Year     int      `json:"year"`
	Holidays []string `json:"holidays"`           // rest days that are not weekends
	Workdays []string `json:"workdays,omitempty"` // weekend days worked instead
}

type yearState struct {
	table     Table
	rest      map[string]bool // "MM-DD" -> rest override
	fetchedAt time.Time
}

type cacheFile struct {
	Entries []cacheEntry `json:"entries"`
}

type cacheEntry struct {
	Table     Table     `json:"table"`
	FetchedAt time.Time `json:"fetched_at"`
}

// YearInfo summarizes one loaded table for status reporting.
type YearInfo struct {
	Year      int       `json:"year"`
	Holidays  int       `json:"holidays"`
	Workdays  int       `json:"workdays"`
	FetchedAt time.Time `json:"fetched_at"`
}

type Manager struct {
	cfg  Config
	clk  clock.Clock
	log  logx.Logger
	http *http.Client

	mu    sync.RWMutex
	years map[int]yearState
}

func New(cfg Config, clk clock.Clock, log logx.Logger) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	m := &Manager{
		cfg:   cfg,
		clk:   clk,
		log:   log.With(logx.String("comp", "holiday")),
		http:  &http.Client{Timeout: cfg.Timeout},
		years: make(map[int]yearState),
	}
	m.loadCache()
	return m
}

// Apply swaps the fetch settings; the next Refresh uses them. Tables
// already loaded stay.
func (m *Manager) Apply(cfg Config) {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	m.mu.Lock()
	if cfg.Timeout != m.cfg.Timeout {
		m.http = &http.Client{Timeout: cfg.Timeout}
	}
	m.cfg = cfg
	m.mu.Unlock()
}

func (m *Manager) snapCfg() (Config, *http.Client) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg, m.http
}

// IsRestDay reports whether t falls on a rest day. The year's override table
// wins when it mentions the day; otherwise weekends rest.
func (m *Manager) IsRestDay(t time.Time) bool {
	key := t.Format("01-02")
	m.mu.RLock()
	ys, ok := m.years[t.Year()]
	m.mu.RUnlock()
	if ok {
		if rest, hit := ys.rest[key]; hit {
			return rest
		}
	}
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// Refresh fetches tables for the current and the following year when they
// are missing or older than the TTL. Failures for one year do not stop the
// other; all failures come back joined.
func (m *Manager) Refresh(ctx context.Context) error {
	cfg, _ := m.snapCfg()
	if strings.TrimSpace(cfg.SourceURL) == "" {
		return nil
	}
	now := m.clk.Now()
	var errs []error
	changed := false
	for _, year := range []int{now.Year(), now.Year() + 1} {
		if m.fresh(year, now) {
			continue
		}
		tb, err := m.fetchYear(ctx, year)
		if err != nil {
			errs = append(errs, fmt.Errorf("year %d: %w", year, err))
			m.log.Warn("holiday table fetch failed", logx.Int("year", year), logx.Err(err))
			continue
		}
		m.store(tb, now)
		changed = true
		m.log.Info("holiday table updated",
			logx.Int("year", year),
			logx.Int("holidays", len(tb.Holidays)),
			logx.Int("workdays", len(tb.Workdays)))
	}
	if changed {
		if err := m.saveCache(); err != nil {
			m.log.Warn("holiday cache write failed", logx.Err(err))
		}
	}
	return errors.Join(errs...)
}

// Snapshot reports the loaded year tables, newest year last.
func (m *Manager) Snapshot() []YearInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]YearInfo, 0, len(m.years))
	for year, ys := range m.years {
		out = append(out, YearInfo{
			Year:      year,
			Holidays:  len(ys.table.Holidays),
			Workdays:  len(ys.table.Workdays),
			FetchedAt: ys.fetchedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Year < out[j].Year })
	return out
}

func (m *Manager) fresh(year int, now time.Time) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ys, ok := m.years[year]
	return ok && now.Sub(ys.fetchedAt) < m.cfg.TTL
}

func (m *Manager) fetchYear(ctx context.Context, year int) (Table, error) {
	cfg, client := m.snapCfg()
	url := strings.ReplaceAll(cfg.SourceURL, "{year}", strconv.Itoa(year))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Table{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return Table{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Table{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var tb Table
	if err := json.NewDecoder(resp.Body).Decode(&tb); err != nil {
		return Table{}, fmt.Errorf("decode table: %w", err)
	}
	if tb.Year != year {
		return Table{}, fmt.Errorf("table is for year %d, requested %d", tb.Year, year)
	}
	return tb, nil
}

func (m *Manager) store(tb Table, fetchedAt time.Time) {
	rest := make(map[string]bool, len(tb.Holidays)+len(tb.Workdays))
	for _, d := range tb.Holidays {
		rest[d] = true
	}
	for _, d := range tb.Workdays {
		rest[d] = false
	}
	m.mu.Lock()
	m.years[tb.Year] = yearState{table: tb, rest: rest, fetchedAt: fetchedAt}
	m.mu.Unlock()
}

func (m *Manager) loadCache() {
	path := strings.TrimSpace(m.cfg.CachePath)
	if path == "" {
		return
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			m.log.Warn("holiday cache read failed", logx.String("path", path), logx.Err(err))
		}
		return
	}
	var cf cacheFile
	if err := json.Unmarshal(b, &cf); err != nil {
		m.log.Warn("holiday cache is corrupt, ignoring", logx.String("path", path), logx.Err(err))
		return
	}
	for _, e := range cf.Entries {
		m.store(e.Table, e.FetchedAt)
	}
	m.log.Debug("holiday cache loaded", logx.Int("years", len(cf.Entries)))
}

func (m *Manager) saveCache() error {
	cfg, _ := m.snapCfg()
	path := strings.TrimSpace(cfg.CachePath)
	if path == "" {
		return nil
	}

	m.mu.RLock()
	cf := cacheFile{Entries: make([]cacheEntry, 0, len(m.years))}
	for _, ys := range m.years {
		cf.Entries = append(cf.Entries, cacheEntry{Table: ys.table, FetchedAt: ys.fetchedAt})
	}
	m.mu.RUnlock()
	sort.Slice(cf.Entries, func(i, j int) bool { return cf.Entries[i].Table.Year < cf.Entries[j].Table.Year })

	b, err := json.Marshal(cf)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
