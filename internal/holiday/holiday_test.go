package holiday

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"rembot/internal/clock"
	"rembot/pkg/logx"
)

func newYearServer(t *testing.T, hits *atomic.Int64, tables map[int]Table) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		year, err := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/holiday/"))
		if err != nil {
			http.Error(w, "bad year", http.StatusBadRequest)
			return
		}
		tb, ok := tables[year]
		if !ok {
			tb = Table{Year: year}
		}
		_ = json.NewEncoder(w).Encode(tb)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestIsRestDayWeekendFallback(t *testing.T) {
	t.Parallel()
	m := New(Config{}, clock.System(), logx.Nop())

	saturday := time.Date(2024, time.January, 6, 10, 0, 0, 0, time.UTC)
	wednesday := time.Date(2024, time.January, 3, 10, 0, 0, 0, time.UTC)

	if !m.IsRestDay(saturday) {
		t.Fatal("Saturday should be a rest day without a table")
	}
	if m.IsRestDay(wednesday) {
		t.Fatal("Wednesday should be a workday without a table")
	}
}

func TestRefreshAppliesOverrides(t *testing.T) {
	t.Parallel()
	srv := newYearServer(t, nil, map[int]Table{
		2024: {
			Year:     2024,
			Holidays: []string{"05-01"}, // Wednesday
			Workdays: []string{"05-11"}, // Saturday worked instead
		},
	})

	mc := clock.NewMock(time.Date(2024, time.April, 1, 0, 0, 0, 0, time.UTC))
	m := New(Config{SourceURL: srv.URL + "/holiday/{year}"}, mc, logx.Nop())

	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh error: %v", err)
	}

	holiday := time.Date(2024, time.May, 1, 9, 0, 0, 0, time.UTC)
	shifted := time.Date(2024, time.May, 11, 9, 0, 0, 0, time.UTC)
	plain := time.Date(2024, time.May, 2, 9, 0, 0, 0, time.UTC)

	if !m.IsRestDay(holiday) {
		t.Fatal("table holiday should be a rest day")
	}
	if m.IsRestDay(shifted) {
		t.Fatal("shifted working Saturday should be a workday")
	}
	if m.IsRestDay(plain) {
		t.Fatal("plain Thursday should be a workday")
	}

	snap := m.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Snapshot years = %d, want 2", len(snap))
	}
	if snap[0].Year != 2024 || snap[0].Holidays != 1 || snap[0].Workdays != 1 {
		t.Fatalf("unexpected snapshot entry: %+v", snap[0])
	}
}

func TestRefreshHonorsTTL(t *testing.T) {
	t.Parallel()
	var hits atomic.Int64
	srv := newYearServer(t, &hits, nil)

	mc := clock.NewMock(time.Date(2024, time.April, 1, 0, 0, 0, 0, time.UTC))
	m := New(Config{SourceURL: srv.URL + "/holiday/{year}", TTL: 24 * time.Hour}, mc, logx.Nop())

	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	if got := hits.Load(); got != 2 {
		t.Fatalf("first refresh hits = %d, want 2 (current and next year)", got)
	}

	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	if got := hits.Load(); got != 2 {
		t.Fatalf("fresh tables were refetched: hits = %d", got)
	}

	mc.Advance(25 * time.Hour)
	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	if got := hits.Load(); got != 4 {
		t.Fatalf("stale tables were not refetched: hits = %d", got)
	}
}

func TestCacheSurvivesRestart(t *testing.T) {
	t.Parallel()
	srv := newYearServer(t, nil, map[int]Table{
		2024: {Year: 2024, Holidays: []string{"05-01"}},
	})
	cache := filepath.Join(t.TempDir(), "holiday.json")
	mc := clock.NewMock(time.Date(2024, time.April, 1, 0, 0, 0, 0, time.UTC))

	m := New(Config{SourceURL: srv.URL + "/holiday/{year}", CachePath: cache}, mc, logx.Nop())
	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh error: %v", err)
	}

	// Second manager reads the cache only; no endpoint configured.
	m2 := New(Config{CachePath: cache}, mc, logx.Nop())
	if !m2.IsRestDay(time.Date(2024, time.May, 1, 9, 0, 0, 0, time.UTC)) {
		t.Fatal("cached holiday table was not loaded")
	}
}

func TestRefreshRejectsYearMismatch(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Table{Year: 1999})
	}))
	t.Cleanup(srv.Close)

	mc := clock.NewMock(time.Date(2024, time.April, 1, 0, 0, 0, 0, time.UTC))
	m := New(Config{SourceURL: srv.URL + "/holiday/{year}"}, mc, logx.Nop())

	if err := m.Refresh(context.Background()); err == nil {
		t.Fatal("expected error for mismatched table year")
	}
}
