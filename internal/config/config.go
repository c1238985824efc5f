// Package config loads and validates the calrelay YAML configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/njoerd114/calrelay/internal/model"
)

// Defaults applied by validation when a field is left empty.
const (
	DefaultSchedule   = "@every 15m"
	DefaultPastDays   = 30
	DefaultFutureDays = 180
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// CredentialsFile is the Google OAuth client file downloaded from the
	// Cloud console. Defaults to ~/.config/calrelay/credentials.json.
	CredentialsFile string `yaml:"credentials_file,omitempty"`

	// StatePath is the SQLite state database. Defaults to
	// ~/.local/share/calrelay/state.db.
	StatePath string `yaml:"state_path,omitempty"`

	// Schedule is a cron spec for the daemon, e.g. "*/10 * * * *" or
	// "@every 15m".
	Schedule string `yaml:"schedule,omitempty"`

	Window WindowConfig `yaml:"window"`

	// PropagateDeletes removes local copies of events deleted in the cloud.
	PropagateDeletes bool `yaml:"propagate_deletes"`

	// SuppressEchoes ignores timestamp changes caused by calrelay's own writes.
	SuppressEchoes bool `yaml:"suppress_echoes"`

	Local LocalConfig `yaml:"local"`

	// Accounts lists the Google accounts and the calendars synced for each.
	Accounts []AccountConfig `yaml:"accounts"`

	Keyring KeyringConfig `yaml:"keyring,omitempty"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// WindowConfig bounds full fetches around the current time.
type WindowConfig struct {
	PastDays   int `yaml:"past_days"`
	FutureDays int `yaml:"future_days"`
}

// LocalConfig selects the local backend. Without a caldav block the macOS
// Calendar (EventKit) backend is used.
type LocalConfig struct {
	CalDAV *CalDAVConfig `yaml:"caldav,omitempty"`
}

// CalDAVConfig points at a CalDAV server.
type CalDAVConfig struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`

	// Password is optional; when empty it is read from the keyring.
	Password string `yaml:"password,omitempty"`
}

// AccountConfig is one Google account.
type AccountConfig struct {
	ID string `yaml:"id"`

	// Calendars maps a Google calendar id to the local calendar it mirrors
	// into: a calendar title for EventKit, a display name or collection path
	// for CalDAV.
	Calendars map[string]string `yaml:"calendars"`
}

// KeyringConfig selects where secrets are stored.
type KeyringConfig struct {
	// Backend forces a keyring backend ("keychain", "secret-service",
	// "file", ...). Empty picks the platform default.
	Backend string `yaml:"backend,omitempty"`

	// FileDir is the directory used by the "file" backend.
	FileDir string `yaml:"file_dir,omitempty"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "calrelay".
	ServiceName string `yaml:"service_name"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request. Equivalent to the OTEL_EXPORTER_OTLP_HEADERS environment
	// variable. Use this for authentication tokens, e.g.:
	//   Authorization: "Bearer <token>"
	Headers map[string]string `yaml:"headers,omitempty"`
}

// DefaultPath returns the default config file path: ~/.config/calrelay/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "calrelay", "config.yaml"), nil
}

// Default returns a validated configuration with no accounts.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads and validates the configuration file at the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// LoadOrDefault loads path, or returns [Default] when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default()
	}
	return cfg, err
}

// Write validates c and saves it to path, creating parent directories.
func (c *Config) Write(path string) error {
	if err := c.validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file %q: %w", path, err)
	}
	return nil
}

// validate fills defaults and checks that every field is well-formed.
func (c *Config) validate() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolving home directory: %w", err)
	}
	if c.CredentialsFile == "" {
		c.CredentialsFile = filepath.Join(home, ".config", "calrelay", "credentials.json")
	}
	c.CredentialsFile = expandHome(c.CredentialsFile, home)
	if c.StatePath == "" {
		c.StatePath = filepath.Join(home, ".local", "share", "calrelay", "state.db")
	}
	c.StatePath = expandHome(c.StatePath, home)

	if c.Schedule == "" {
		c.Schedule = DefaultSchedule
	}
	if _, err := cron.ParseStandard(c.Schedule); err != nil {
		return fmt.Errorf("schedule %q is not a valid cron spec: %w", c.Schedule, err)
	}

	if c.Window.PastDays == 0 {
		c.Window.PastDays = DefaultPastDays
	}
	if c.Window.FutureDays == 0 {
		c.Window.FutureDays = DefaultFutureDays
	}
	if c.Window.PastDays < 0 || c.Window.FutureDays < 0 {
		return fmt.Errorf("window days must not be negative")
	}

	if dav := c.Local.CalDAV; dav != nil {
		u, err := url.ParseRequestURI(dav.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("local.caldav.url %q must be a valid http or https URL", dav.URL)
		}
		if dav.Username == "" {
			return fmt.Errorf("local.caldav.username is required")
		}
	}

	seen := make(map[string]bool, len(c.Accounts))
	for _, a := range c.Accounts {
		if a.ID == "" {
			return fmt.Errorf("accounts contains an entry without an id")
		}
		if seen[a.ID] {
			return fmt.Errorf("account %q is listed twice", a.ID)
		}
		seen[a.ID] = true
		for cal, local := range a.Calendars {
			if cal == "" {
				return fmt.Errorf("account %q has a calendar with an empty id", a.ID)
			}
			if strings.TrimSpace(local) == "" {
				return fmt.Errorf("account %q calendar %q has an empty local calendar", a.ID, cal)
			}
		}
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}

// WindowDurations returns the past and future spans of the sync window.
func (c *Config) WindowDurations() (past, future time.Duration) {
	day := 24 * time.Hour
	return time.Duration(c.Window.PastDays) * day, time.Duration(c.Window.FutureDays) * day
}

// LocalTargets maps every configured sync pair to its local calendar.
func (c *Config) LocalTargets() map[model.CalendarKey]string {
	out := make(map[model.CalendarKey]string)
	for _, a := range c.Accounts {
		for cal, local := range a.Calendars {
			out[model.CalendarKey{AccountID: a.ID, CalendarID: cal}] = local
		}
	}
	return out
}

// Account returns the entry for id, or nil.
func (c *Config) Account(id string) *AccountConfig {
	for i := range c.Accounts {
		if c.Accounts[i].ID == id {
			return &c.Accounts[i]
		}
	}
	return nil
}

// SetCalendar maps a cloud calendar of accountID to a local calendar,
// adding the account if needed.
func (c *Config) SetCalendar(accountID, calendarID, local string) {
	a := c.Account(accountID)
	if a == nil {
		c.Accounts = append(c.Accounts, AccountConfig{ID: accountID})
		a = &c.Accounts[len(c.Accounts)-1]
	}
	if a.Calendars == nil {
		a.Calendars = make(map[string]string)
	}
	a.Calendars[calendarID] = local
}

// RemoveAccount deletes the entry for id and reports whether it existed.
func (c *Config) RemoveAccount(id string) bool {
	n := len(c.Accounts)
	c.Accounts = slices.DeleteFunc(c.Accounts, func(a AccountConfig) bool { return a.ID == id })
	return len(c.Accounts) != n
}

func expandHome(p, home string) string {
	if p == "~" {
		return home
	}
	if rest, ok := strings.CutPrefix(p, "~/"); ok {
		return filepath.Join(home, rest)
	}
	return p
}
