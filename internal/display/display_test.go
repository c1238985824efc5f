package display

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestMessages(t *testing.T) {
	var buf bytes.Buffer
	SuccessMsg(&buf, "synced %d calendars", 3)
	WarnMsg(&buf, "token for %s expires soon", "work")
	ErrorMsg(&buf, "failed")

	out := buf.String()
	for _, want := range []string{"synced 3 calendars", "token for work expires soon", "failed"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
	if n := strings.Count(out, "\n"); n != 3 {
		t.Errorf("output has %d lines, want 3", n)
	}
}

func TestTable(t *testing.T) {
	out := Table([]string{"ACCOUNT", "CALENDAR"}, [][]string{
		{"work", "primary"},
		{"home", "family"},
	})
	for _, want := range []string{"ACCOUNT", "CALENDAR", "work", "primary", "home", "family"} {
		if !strings.Contains(out, want) {
			t.Errorf("Table() missing %q:\n%s", want, out)
		}
	}
}

func TestTimeAgo(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		at   time.Time
		want string
	}{
		{time.Time{}, "never"},
		{now.Add(-10 * time.Second), "just now"},
		{now.Add(-5 * time.Minute), "5m ago"},
		{now.Add(-3 * time.Hour), "3h ago"},
		{now.Add(-50 * time.Hour), "2d ago"},
	}
	for _, tt := range tests {
		if got := TimeAgo(tt.at, now); got != tt.want {
			t.Errorf("TimeAgo(%v) = %q, want %q", tt.at, got, tt.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"standup", 10, "standup"},
		{"quarterly planning", 10, "quarterly…"},
		{"Übersicht", 4, "Übe…"},
		{"abc", 1, "a"},
	}
	for _, tt := range tests {
		if got := Truncate(tt.in, tt.max); got != tt.want {
			t.Errorf("Truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}
