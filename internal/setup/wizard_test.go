package setup

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/njoerd114/calrelay/internal/config"
	"github.com/njoerd114/calrelay/internal/model"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// --- fakes ---

type fakeLister struct {
	cals []model.CalendarInfo
	err  error
}

func (f *fakeLister) ListCalendars(_ context.Context, accountID string) ([]model.CalendarInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]model.CalendarInfo, len(f.cals))
	for i, c := range f.cals {
		c.AccountID = accountID
		out[i] = c
	}
	return out, nil
}

type fakeRegistrar struct {
	mu   sync.Mutex
	keys []model.CalendarKey
}

func (f *fakeRegistrar) RegisterCalendar(_ context.Context, accountID, calendarID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, model.CalendarKey{AccountID: accountID, CalendarID: calendarID})
	return nil
}

type fakeAuth struct {
	mu      sync.Mutex
	account string
	code    string
	err     error
}

func (f *fakeAuth) AuthCodeURL(state string) (string, error) {
	return "https://accounts.example.com/auth?state=" + state, nil
}

func (f *fakeAuth) Exchange(_ context.Context, accountID, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.account, f.code = accountID, code
	return f.err
}

func newTestWizard(t *testing.T, input string) (*Wizard, *Deps, *bytes.Buffer) {
	t.Helper()
	cfg, err := config.Default()
	if err != nil {
		t.Fatalf("config.Default() error: %v", err)
	}
	deps := &Deps{
		Config:     cfg,
		ConfigPath: filepath.Join(t.TempDir(), "config.yaml"),
		Cloud: &fakeLister{cals: []model.CalendarInfo{
			{ID: "team@group.calendar.google.com", Name: "Team"},
			{ID: "primary", Name: "Alice"},
			{ID: "holidays", Name: "Holidays"},
		}},
		Local: &fakeLister{cals: []model.CalendarInfo{
			{ID: "L1", Name: "G:Alice"},
			{ID: "L2", Name: "Home"},
		}},
		Store: &fakeRegistrar{},
		Auth:  &fakeAuth{},
	}
	var out bytes.Buffer
	return NewWizard(strings.NewReader(input), &out, *deps, testLogger), deps, &out
}

// ---------------------------------------------------------------------------
// AddCalendars
// ---------------------------------------------------------------------------

func TestWizard_AddCalendars(t *testing.T) {
	// Sorted options: 1) Alice 2) Holidays 3) Team.
	wiz, deps, out := newTestWizard(t, "1,3\n\nTeam Mirror\n")

	added, err := wiz.AddCalendars(context.Background(), "work")
	if err != nil {
		t.Fatalf("AddCalendars() error: %v", err)
	}
	if len(added) != 2 || added[0].CalendarID != "primary" || added[1].CalendarID != "team@group.calendar.google.com" {
		t.Errorf("added = %v", added)
	}

	reg := deps.Store.(*fakeRegistrar)
	if len(reg.keys) != 2 {
		t.Errorf("registered %v, want 2 pairs", reg.keys)
	}

	got, err := config.Load(deps.ConfigPath)
	if err != nil {
		t.Fatalf("config.Load() error: %v", err)
	}
	cals := got.Account("work").Calendars
	if cals["primary"] != "G:Alice" {
		t.Errorf("primary -> %q, want default G:Alice", cals["primary"])
	}
	if cals["team@group.calendar.google.com"] != "Team Mirror" {
		t.Errorf("team -> %q, want Team Mirror", cals["team@group.calendar.google.com"])
	}

	if !strings.Contains(out.String(), `No local calendar named "Team Mirror"`) {
		t.Errorf("output missing warning for an unknown local calendar:\n%s", out.String())
	}
	if strings.Contains(out.String(), `No local calendar named "G:Alice"`) {
		t.Error("warned about an existing local calendar")
	}
}

func TestWizard_AddCalendarsKeepsExistingTarget(t *testing.T) {
	wiz, deps, _ := newTestWizard(t, "2\n\n")
	deps.Config.SetCalendar("work", "holidays", "Feiertage")

	if _, err := wiz.AddCalendars(context.Background(), "work"); err != nil {
		t.Fatalf("AddCalendars() error: %v", err)
	}
	if got := deps.Config.Account("work").Calendars["holidays"]; got != "Feiertage" {
		t.Errorf("holidays -> %q, want the existing Feiertage", got)
	}
}

func TestWizard_AddCalendarsLocalUnavailable(t *testing.T) {
	wiz, _, out := newTestWizard(t, "1\nAnything\n")
	wiz.deps.Local = &fakeLister{err: errors.New("no access")}

	if _, err := wiz.AddCalendars(context.Background(), "work"); err != nil {
		t.Fatalf("AddCalendars() error: %v", err)
	}
	if strings.Contains(out.String(), "No local calendar named") {
		t.Error("local names checked although listing failed")
	}
}

func TestWizard_AddCalendarsCloudError(t *testing.T) {
	wiz, _, _ := newTestWizard(t, "")
	wiz.deps.Cloud = &fakeLister{err: errors.New("401")}
	if _, err := wiz.AddCalendars(context.Background(), "work"); err == nil {
		t.Error("expected error when cloud calendars cannot be listed")
	}

	wiz.deps.Cloud = &fakeLister{}
	if _, err := wiz.AddCalendars(context.Background(), "work"); err == nil {
		t.Error("expected error for an account without calendars")
	}
}

// ---------------------------------------------------------------------------
// SignIn
// ---------------------------------------------------------------------------

func TestWizard_SignIn(t *testing.T) {
	wiz, deps, out := newTestWizard(t, "4/code\n")
	if err := wiz.SignIn(context.Background(), "work"); err != nil {
		t.Fatalf("SignIn() error: %v", err)
	}
	auth := deps.Auth.(*fakeAuth)
	if auth.account != "work" || auth.code != "4/code" {
		t.Errorf("Exchange(%q, %q), want work, 4/code", auth.account, auth.code)
	}
	if !strings.Contains(out.String(), "https://accounts.example.com/auth?state=") {
		t.Errorf("consent URL not printed:\n%s", out.String())
	}
}

func TestWizard_SignInErrors(t *testing.T) {
	wiz, _, _ := newTestWizard(t, "")
	if err := wiz.SignIn(context.Background(), "work"); err == nil {
		t.Error("expected error without a code")
	}

	wiz, deps, _ := newTestWizard(t, "bad\n")
	deps.Auth.(*fakeAuth).err = errors.New("invalid_grant")
	wiz.deps.Auth = deps.Auth
	if err := wiz.SignIn(context.Background(), "work"); err == nil {
		t.Error("expected exchange error")
	}
}

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

func TestWizard_Run(t *testing.T) {
	wiz, deps, _ := newTestWizard(t, "work\ncode\nall\n\n\n\n")
	if err := wiz.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if n := len(deps.Config.Account("work").Calendars); n != 3 {
		t.Errorf("configured %d calendars, want 3", n)
	}
}

func TestDefaultLocalName(t *testing.T) {
	if got := DefaultLocalName(model.CalendarInfo{ID: "primary", Name: "Alice"}); got != "G:Alice" {
		t.Errorf("DefaultLocalName() = %q, want G:Alice", got)
	}
	if got := DefaultLocalName(model.CalendarInfo{ID: "x@y"}); got != "G:x@y" {
		t.Errorf("DefaultLocalName() = %q, want G:x@y", got)
	}
}
