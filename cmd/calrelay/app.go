package main

import (
	"bufio"
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"slices"
	"time"

	"golang.org/x/term"

	"github.com/njoerd114/calrelay/internal/caldav"
	"github.com/njoerd114/calrelay/internal/config"
	"github.com/njoerd114/calrelay/internal/credentials"
	"github.com/njoerd114/calrelay/internal/eventkit"
	"github.com/njoerd114/calrelay/internal/google"
	"github.com/njoerd114/calrelay/internal/model"
	"github.com/njoerd114/calrelay/internal/state"
	syncp "github.com/njoerd114/calrelay/internal/sync"
	"github.com/njoerd114/calrelay/internal/telemetry"
)

// app holds the components a command needs. Each one is opened on first use
// and closed by [app.Close].
type app struct {
	cfg *config.Config
	log *slog.Logger

	store *state.Store
	creds *credentials.Store
	cloud *google.Client
	local syncp.Backend

	shutdownTel telemetry.ShutdownFunc
}

// newLogger writes text records to stderr and mirrors them to the OTel log
// provider once telemetry is set up.
func newLogger(w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(telemetry.NewHandler(h, telemetry.DefaultServiceName))
}

// newApp loads the config file, falling back to defaults when it does not
// exist yet.
func newApp() (*app, error) {
	logger := newLogger(os.Stderr)
	slog.SetDefault(logger)

	cfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}
	logger.Debug("config loaded", "path", cfgPath, "accounts", len(cfg.Accounts))
	return &app{cfg: cfg, log: logger}, nil
}

// Close releases everything the app opened and flushes telemetry.
func (a *app) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("closing state DB", "error", err)
		}
	}
	if a.shutdownTel != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.shutdownTel(flushCtx); err != nil {
			a.log.Error("telemetry shutdown error", "error", err)
		}
	}
}

// startTelemetry enables OTLP export when the config has a telemetry block.
// Failures are logged and the command continues without telemetry.
func (a *app) startTelemetry(ctx context.Context) {
	t := a.cfg.Telemetry
	if t == nil {
		return
	}
	shutdown, err := telemetry.Setup(ctx, telemetry.Config{
		OTLPEndpoint:   t.OTLPEndpoint,
		Insecure:       t.Insecure,
		ServiceName:    t.ServiceName,
		ServiceVersion: version,
		Headers:        t.Headers,
	})
	if err != nil {
		a.log.Error("telemetry setup failed, continuing without telemetry", "error", err)
		return
	}
	a.shutdownTel = shutdown
	a.log.Info("telemetry enabled", "endpoint", t.OTLPEndpoint)
}

// State opens the state database.
func (a *app) State() (*state.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	s, err := state.Open(a.cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("opening state DB at %q: %w", a.cfg.StatePath, err)
	}
	a.log.Debug("state DB opened", "path", a.cfg.StatePath)
	a.store = s
	return s, nil
}

// Credentials opens the keyring and loads the Google OAuth client file if
// it exists.
func (a *app) Credentials() (*credentials.Store, error) {
	if a.creds != nil {
		return a.creds, nil
	}
	s, err := credentials.Open(credentials.Options{
		Backend: a.cfg.Keyring.Backend,
		FileDir: a.cfg.Keyring.FileDir,
	}, a.log)
	if err != nil {
		return nil, err
	}

	oauthCfg, err := credentials.LoadOAuthConfig(a.cfg.CredentialsFile)
	switch {
	case err == nil:
		s.SetOAuthConfig(oauthCfg)
	case errors.Is(err, os.ErrNotExist):
		a.log.Debug("no Google OAuth client file", "path", a.cfg.CredentialsFile)
	default:
		return nil, err
	}
	a.creds = s
	return s, nil
}

// requireOAuth returns the credential store, failing when no OAuth client
// is configured.
func (a *app) requireOAuth() (*credentials.Store, error) {
	creds, err := a.Credentials()
	if err != nil {
		return nil, err
	}
	if creds.OAuthConfig() == nil {
		return nil, fmt.Errorf("no Google OAuth client at %s; download credentials.json from the Google Cloud console (Desktop app) and save it there", a.cfg.CredentialsFile)
	}
	return creds, nil
}

// Cloud returns the Google Calendar backend.
func (a *app) Cloud() (*google.Client, error) {
	if a.cloud != nil {
		return a.cloud, nil
	}
	creds, err := a.requireOAuth()
	if err != nil {
		return nil, err
	}
	a.cloud = google.NewClient(creds, a.log)
	return a.cloud, nil
}

// Local returns the local backend: CalDAV when configured, otherwise macOS
// Calendar.
func (a *app) Local() (syncp.Backend, error) {
	if a.local != nil {
		return a.local, nil
	}
	targets := a.cfg.LocalTargets()

	if dav := a.cfg.Local.CalDAV; dav != nil {
		password := dav.Password
		if password == "" {
			creds, err := a.Credentials()
			if err != nil {
				return nil, err
			}
			password, err = creds.Password(dav.Username)
			if errors.Is(err, credentials.ErrNotFound) {
				return nil, fmt.Errorf("no CalDAV password for %s; run 'calrelay caldav login'", dav.Username)
			}
			if err != nil {
				return nil, err
			}
		}
		adapter, err := caldav.NewAdapter(dav.URL, dav.Username, password, targets, a.log)
		if err != nil {
			return nil, err
		}
		a.log.Debug("using CalDAV backend", "url", dav.URL)
		a.local = adapter
		return adapter, nil
	}

	adapter, err := openEventKit(targets, a.log)
	if err != nil {
		return nil, err
	}
	a.local = adapter
	return adapter, nil
}

// openEventKit opens macOS Calendar. When access was denied and a user is
// at the terminal, System Settings is opened and the open is retried once.
func openEventKit(targets map[model.CalendarKey]string, logger *slog.Logger) (*eventkit.Adapter, error) {
	logger.Debug("initialising macOS Calendar client (may trigger permissions prompt)")
	adapter, err := eventkit.NewAdapter(targets, logger)
	if errors.Is(err, eventkit.ErrUnsupported) {
		return nil, errors.New("macOS Calendar is only available on macOS; configure local.caldav instead")
	}
	if errors.Is(err, eventkit.ErrAccessDenied) && term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Calendar access is denied.")
		fmt.Fprintln(os.Stderr, "Opening System Settings > Privacy & Security > Calendars...")
		_ = exec.Command("open", "x-apple.systempreferences:com.apple.preference.security?Privacy_Calendars").Start()
		fmt.Fprint(os.Stderr, "Press Enter after granting access to retry: ")
		_, _ = bufio.NewReader(os.Stdin).ReadString('\n')
		adapter, err = eventkit.NewAdapter(targets, logger)
	}
	if err != nil {
		return nil, fmt.Errorf("initialising macOS Calendar client: %w", err)
	}
	return adapter, nil
}

// Reconciler wires both backends and the state store, registers every pair
// named in the config and applies the config's sync options. Pairs left in
// the state DB but removed from the config are not synced.
func (a *app) Reconciler(ctx context.Context, opts ...syncp.Option) (*syncp.Reconciler, error) {
	store, err := a.State()
	if err != nil {
		return nil, err
	}
	cloud, err := a.Cloud()
	if err != nil {
		return nil, err
	}
	local, err := a.Local()
	if err != nil {
		return nil, err
	}

	targets := a.cfg.LocalTargets()
	keys := slices.SortedFunc(maps.Keys(targets), func(x, y model.CalendarKey) int {
		return cmp.Compare(x.String(), y.String())
	})
	for _, key := range keys {
		if err := store.RegisterCalendar(ctx, key.AccountID, key.CalendarID); err != nil {
			return nil, err
		}
	}

	// EventKit stamps ModifiedAt when calrelay writes a copy, which would make
	// every fresh copy look newer than its source.
	suppress := a.cfg.SuppressEchoes || a.cfg.Local.CalDAV == nil
	if suppress && !a.cfg.SuppressEchoes {
		a.log.Debug("echo suppression enabled for macOS Calendar")
	}

	past, future := a.cfg.WindowDurations()
	base := []syncp.Option{
		syncp.WithWindow(past, future),
		syncp.WithDeletePropagation(a.cfg.PropagateDeletes),
		syncp.WithEchoSuppression(suppress),
		syncp.WithCalendars(keys),
	}
	return syncp.NewReconciler(cloud, local, store, a.log, append(base, opts...)...), nil
}
