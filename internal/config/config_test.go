package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/njoerd114/calrelay/internal/model"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("creating temp config: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	f.Close()
	return f.Name()
}

func TestLoad_Valid(t *testing.T) {
	path := writeConfig(t, `
credentials_file: /etc/calrelay/client.json
schedule: "*/10 * * * *"
window:
  past_days: 7
  future_days: 90
propagate_deletes: true
accounts:
  - id: work
    calendars:
      primary: "G:Work"
      team@group.calendar.google.com: "G:Team"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.CredentialsFile != "/etc/calrelay/client.json" {
		t.Errorf("CredentialsFile = %q, want %q", cfg.CredentialsFile, "/etc/calrelay/client.json")
	}
	if cfg.Schedule != "*/10 * * * *" {
		t.Errorf("Schedule = %q", cfg.Schedule)
	}
	if !cfg.PropagateDeletes || cfg.SuppressEchoes {
		t.Errorf("PropagateDeletes = %v, SuppressEchoes = %v, want true, false", cfg.PropagateDeletes, cfg.SuppressEchoes)
	}
	past, future := cfg.WindowDurations()
	if past != 7*24*time.Hour || future != 90*24*time.Hour {
		t.Errorf("WindowDurations() = %v, %v", past, future)
	}
	if len(cfg.Accounts) != 1 || len(cfg.Accounts[0].Calendars) != 2 {
		t.Errorf("Accounts = %+v", cfg.Accounts)
	}
	if cfg.Local.CalDAV != nil {
		t.Error("Local.CalDAV should be nil when omitted")
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
accounts:
  - id: work
    calendars:
      primary: "G:Work"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Schedule != DefaultSchedule {
		t.Errorf("Schedule = %q, want default %q", cfg.Schedule, DefaultSchedule)
	}
	if cfg.Window.PastDays != 30 || cfg.Window.FutureDays != 180 {
		t.Errorf("Window = %+v, want 30/180", cfg.Window)
	}
	if !strings.HasSuffix(cfg.CredentialsFile, filepath.Join("calrelay", "credentials.json")) {
		t.Errorf("CredentialsFile = %q, want default", cfg.CredentialsFile)
	}
	if !strings.HasSuffix(cfg.StatePath, filepath.Join("calrelay", "state.db")) {
		t.Errorf("StatePath = %q, want default", cfg.StatePath)
	}
}

func TestLoad_EmptyFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Accounts) != 0 {
		t.Errorf("Accounts = %v, want none", cfg.Accounts)
	}
}

func TestLoad_ExpandsHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	cfg, err := Load(writeConfig(t, "state_path: ~/sync/state.db\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := filepath.Join(home, "sync", "state.db"); cfg.StatePath != want {
		t.Errorf("StatePath = %q, want %q", cfg.StatePath, want)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad schedule", `schedule: "every now and then"`},
		{"negative window", "window:\n  past_days: -1\n"},
		{"account without id", "accounts:\n  - calendars:\n      primary: x\n"},
		{"duplicate account", "accounts:\n  - id: a\n  - id: a\n"},
		{"empty local calendar", "accounts:\n  - id: a\n    calendars:\n      primary: \"\"\n"},
		{"caldav without url", "local:\n  caldav:\n    username: me\n"},
		{"caldav bad scheme", "local:\n  caldav:\n    url: ftp://dav.example.com\n    username: me\n"},
		{"caldav without username", "local:\n  caldav:\n    url: https://dav.example.com\n"},
		{"telemetry without endpoint", "telemetry:\n  insecure: true\n"},
		{"unknown key", "poll_interval: 30s\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.content)); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestLoad_CalDAV(t *testing.T) {
	path := writeConfig(t, `
local:
  caldav:
    url: https://dav.example.com/remote.php/dav
    username: me
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Local.CalDAV == nil || cfg.Local.CalDAV.Username != "me" {
		t.Errorf("Local.CalDAV = %+v", cfg.Local.CalDAV)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoadOrDefault_Missing(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Schedule != DefaultSchedule {
		t.Errorf("Schedule = %q, want default", cfg.Schedule)
	}
}

func TestDefaultPath(t *testing.T) {
	path, err := DefaultPath()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if path == "" {
		t.Error("DefaultPath returned empty string")
	}
}

// ---------------------------------------------------------------------------
// Editing and writing
// ---------------------------------------------------------------------------

func TestConfig_WriteThenLoad(t *testing.T) {
	cfg, err := Default()
	if err != nil {
		t.Fatalf("Default() error: %v", err)
	}
	cfg.SetCalendar("work", "primary", "G:Work")
	cfg.SetCalendar("work", "team", "G:Team")
	cfg.SetCalendar("home", "primary", "G:Home")
	cfg.SuppressEchoes = true

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	if err := cfg.Write(path); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if !got.SuppressEchoes {
		t.Error("SuppressEchoes lost")
	}
	targets := got.LocalTargets()
	if len(targets) != 3 {
		t.Fatalf("LocalTargets() = %v, want 3 pairs", targets)
	}
	if targets[model.CalendarKey{AccountID: "work", CalendarID: "team"}] != "G:Team" {
		t.Errorf("work/team target = %q", targets[model.CalendarKey{AccountID: "work", CalendarID: "team"}])
	}
}

func TestConfig_RemoveAccount(t *testing.T) {
	cfg := &Config{}
	cfg.SetCalendar("work", "primary", "G:Work")
	cfg.SetCalendar("home", "primary", "G:Home")

	if !cfg.RemoveAccount("work") {
		t.Error("RemoveAccount(work) = false, want true")
	}
	if cfg.RemoveAccount("work") {
		t.Error("RemoveAccount(work) twice = true, want false")
	}
	if cfg.Account("work") != nil || cfg.Account("home") == nil {
		t.Errorf("Accounts = %+v", cfg.Accounts)
	}
}

func TestConfig_WriteRejectsInvalid(t *testing.T) {
	cfg := &Config{Schedule: "nonsense"}
	if err := cfg.Write(filepath.Join(t.TempDir(), "c.yaml")); err == nil {
		t.Error("expected error for invalid config")
	}
}

// ---------------------------------------------------------------------------
// Telemetry
// ---------------------------------------------------------------------------

func TestLoad_TelemetryValid(t *testing.T) {
	path := writeConfig(t, `
telemetry:
  otlp_endpoint: "localhost:4317"
  insecure: true
  service_name: "my-calrelay"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Telemetry == nil {
		t.Fatal("expected Telemetry to be non-nil")
	}
	if cfg.Telemetry.OTLPEndpoint != "localhost:4317" {
		t.Errorf("OTLPEndpoint = %q, want %q", cfg.Telemetry.OTLPEndpoint, "localhost:4317")
	}
	if !cfg.Telemetry.Insecure {
		t.Error("Insecure = false, want true")
	}
	if cfg.Telemetry.ServiceName != "my-calrelay" {
		t.Errorf("ServiceName = %q, want %q", cfg.Telemetry.ServiceName, "my-calrelay")
	}
}

func TestLoad_TelemetryOmitted(t *testing.T) {
	cfg, err := Load(writeConfig(t, "propagate_deletes: false\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Telemetry != nil {
		t.Error("expected Telemetry to be nil when block is omitted")
	}
}

func TestLoad_TelemetryHeaders(t *testing.T) {
	path := writeConfig(t, `
telemetry:
  otlp_endpoint: "otelcol.example.com:4317"
  headers:
    Authorization: "Bearer secret"
    x-dataset: "test"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Telemetry.Headers) != 2 {
		t.Fatalf("Headers len = %d, want 2", len(cfg.Telemetry.Headers))
	}
	if cfg.Telemetry.Headers["Authorization"] != "Bearer secret" {
		t.Errorf("Authorization header = %q, want %q", cfg.Telemetry.Headers["Authorization"], "Bearer secret")
	}
}
