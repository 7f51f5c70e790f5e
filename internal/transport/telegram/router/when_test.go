package router

import (
	"errors"
	"testing"
	"time"

	"rembot/internal/reminder"
)

func TestParseWhenForms(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		args     []string
		want     time.Time
		wantUsed int
	}{
		{
			name:     "absolute date and time",
			args:     []string{"2026-04-01", "09:30", "pay", "rent"},
			want:     time.Date(2026, 4, 1, 9, 30, 0, 0, time.UTC),
			wantUsed: 2,
		},
		{
			name:     "wall time later today",
			args:     []string{"14:45", "tea"},
			want:     time.Date(2026, 3, 14, 14, 45, 0, 0, time.UTC),
			wantUsed: 1,
		},
		{
			name:     "wall time already past rolls to tomorrow",
			args:     []string{"08:00", "standup"},
			want:     time.Date(2026, 3, 15, 8, 0, 0, 0, time.UTC),
			wantUsed: 1,
		},
		{
			name:     "wall time equal to now rolls to tomorrow",
			args:     []string{"12:00", "lunch"},
			want:     time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC),
			wantUsed: 1,
		},
		{
			name:     "single digit hour",
			args:     []string{"9:05", "coffee"},
			want:     time.Date(2026, 3, 15, 9, 5, 0, 0, time.UTC),
			wantUsed: 1,
		},
		{
			name:     "duration offset",
			args:     []string{"+45m", "cake"},
			want:     now.Add(45 * time.Minute),
			wantUsed: 1,
		},
		{
			name:     "compound duration offset",
			args:     []string{"+1h30m", "laundry"},
			want:     now.Add(90 * time.Minute),
			wantUsed: 1,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, used, err := parseWhen(now, tt.args)
			if err != nil {
				t.Fatalf("parseWhen(%v) error = %v", tt.args, err)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("parseWhen(%v) = %v, want %v", tt.args, got, tt.want)
			}
			if used != tt.wantUsed {
				t.Fatalf("parseWhen(%v) used = %d, want %d", tt.args, used, tt.wantUsed)
			}
		})
	}
}

func TestParseWhenRejectsJunk(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		args []string
	}{
		{name: "no args", args: nil},
		{name: "free text", args: []string{"tomorrow", "x"}},
		{name: "zero offset", args: []string{"+0s", "x"}},
		{name: "negative offset", args: []string{"+-5m", "x"}},
		{name: "garbage offset", args: []string{"+zzz", "x"}},
		{name: "hour out of range", args: []string{"25:99", "x"}},
		{name: "date without time", args: []string{"2026-04-01"}},
		{name: "impossible date", args: []string{"2026-13-01", "09:00", "x"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, _, err := parseWhen(now, tt.args)
			if !errors.Is(err, reminder.ErrInvalidSchedule) {
				t.Fatalf("parseWhen(%v) error = %v, want ErrInvalidSchedule", tt.args, err)
			}
		})
	}
}

func TestParseAddArgs(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		args       []string
		wantPolicy reminder.Policy
		wantFilter reminder.Filter
		wantMsg    string
	}{
		{
			name:       "one off keeps full message",
			args:       []string{"+45m", "take", "the", "cake", "out"},
			wantPolicy: reminder.PolicyNone,
			wantMsg:    "take the cake out",
		},
		{
			name:       "daily with workday filter",
			args:       []string{"08:30", "daily", "workdays", "standup"},
			wantPolicy: reminder.PolicyDaily,
			wantFilter: reminder.FilterWorkdays,
			wantMsg:    "standup",
		},
		{
			name:       "weekly without filter",
			args:       []string{"2026-04-01", "09:30", "weekly", "water", "plants"},
			wantPolicy: reminder.PolicyWeekly,
			wantMsg:    "water plants",
		},
		{
			name:       "monthly with restday filter",
			args:       []string{"10:00", "monthly", "restdays", "sleep", "in"},
			wantPolicy: reminder.PolicyMonthly,
			wantFilter: reminder.FilterRestdays,
			wantMsg:    "sleep in",
		},
		{
			name:       "filter word without policy stays in message",
			args:       []string{"+5m", "holidays", "are", "coming"},
			wantPolicy: reminder.PolicyNone,
			wantMsg:    "holidays are coming",
		},
		{
			name:       "once is not consumed as a policy",
			args:       []string{"+5m", "once", "more"},
			wantPolicy: reminder.PolicyNone,
			wantMsg:    "once more",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req, err := parseAddArgs(now, tt.args)
			if err != nil {
				t.Fatalf("parseAddArgs(%v) error = %v", tt.args, err)
			}
			if req.Policy != tt.wantPolicy {
				t.Fatalf("Policy = %q, want %q", req.Policy, tt.wantPolicy)
			}
			if req.Filter != tt.wantFilter {
				t.Fatalf("Filter = %q, want %q", req.Filter, tt.wantFilter)
			}
			if req.Message != tt.wantMsg {
				t.Fatalf("Message = %q, want %q", req.Message, tt.wantMsg)
			}
			if req.At.IsZero() {
				t.Fatalf("At is zero")
			}
		})
	}
}

func TestParseAddArgsRejectsEmptyMessage(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	for _, args := range [][]string{
		{"+5m"},
		{"+5m", "daily"},
		{"08:30", "daily", "workdays"},
	} {
		if _, err := parseAddArgs(now, args); !errors.Is(err, reminder.ErrInvalidSchedule) {
			t.Fatalf("parseAddArgs(%v) error = %v, want ErrInvalidSchedule", args, err)
		}
	}
}
