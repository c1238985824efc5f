package setup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/njoerd114/calrelay/internal/config"
	"github.com/njoerd114/calrelay/internal/display"
	"github.com/njoerd114/calrelay/internal/model"
)

// Registrar registers a sync pair so the first sync does a full fetch.
// Implemented by [state.Store].
type Registrar interface {
	RegisterCalendar(ctx context.Context, accountID, calendarID string) error
}

// Authorizer runs the OAuth consent flow for a Google account. Implemented
// by [credentials.Store].
type Authorizer interface {
	AuthCodeURL(state string) (string, error)
	Exchange(ctx context.Context, accountID, code string) error
}

// Deps are the collaborators a [Wizard] needs. Local may be nil when the
// local backend cannot be reached; local names are then not checked.
type Deps struct {
	Config     *config.Config
	ConfigPath string
	Cloud      CalendarLister
	Local      CalendarLister
	Store      Registrar
	Auth       Authorizer

	// Agent installs the daemon. Nil skips the install offer.
	Agent *Agent
}

// Wizard guides the user through signing in and choosing calendars.
type Wizard struct {
	prompt *Prompter
	deps   Deps
	logger *slog.Logger
	w      io.Writer
}

// NewWizard creates a Wizard wired to the given I/O and logger.
func NewWizard(r io.Reader, w io.Writer, deps Deps, logger *slog.Logger) *Wizard {
	return &Wizard{
		prompt: NewPrompter(r, w),
		deps:   deps,
		logger: logger,
		w:      w,
	}
}

// Run is the first-run flow: sign in one account, pick its calendars, save
// the config and offer to install the daemon.
func (wiz *Wizard) Run(ctx context.Context) error {
	fmt.Fprintf(wiz.w, "\nWelcome to calrelay setup!\n")
	fmt.Fprintf(wiz.w, "This wizard mirrors Google calendars into a local calendar.\n\n")

	display.Header(wiz.w, "Step 1/3: Google account")
	accountID := wiz.prompt.String("Account name (used in config and logs)", "personal")
	if err := wiz.SignIn(ctx, accountID); err != nil {
		return err
	}
	fmt.Fprintln(wiz.w)

	display.Header(wiz.w, "Step 2/3: Calendars")
	if _, err := wiz.AddCalendars(ctx, accountID); err != nil {
		return err
	}
	fmt.Fprintln(wiz.w)

	display.Header(wiz.w, "Step 3/3: Background daemon")
	return wiz.offerDaemonInstall()
}

// SignIn prints the consent URL, reads the authorisation code and stores the
// resulting token for accountID.
func (wiz *Wizard) SignIn(ctx context.Context, accountID string) error {
	u, err := wiz.deps.Auth.AuthCodeURL(uuid.NewString())
	if err != nil {
		return err
	}
	fmt.Fprintf(wiz.w, "  Open this URL in a browser and approve access:\n\n    %s\n\n", u)

	code := wiz.prompt.Secret("Authorisation code")
	if code == "" {
		return errors.New("no authorisation code entered")
	}
	if err := wiz.deps.Auth.Exchange(ctx, accountID, code); err != nil {
		return err
	}
	display.SuccessMsg(wiz.w, "Signed in as %q", accountID)
	return nil
}

// AddCalendars lets the user pick cloud calendars of accountID and a local
// calendar for each. Picked pairs are registered in the state store and the
// config is written. Returns the registered pairs.
func (wiz *Wizard) AddCalendars(ctx context.Context, accountID string) ([]model.CalendarKey, error) {
	fmt.Fprintf(wiz.w, "  Fetching calendars of %q...\n", accountID)
	cloud, err := DiscoverCalendars(ctx, wiz.deps.Cloud, accountID)
	if err != nil {
		return nil, err
	}
	if len(cloud) == 0 {
		return nil, fmt.Errorf("account %q has no calendars", accountID)
	}

	local := wiz.localCalendars(ctx, accountID)

	labels := make([]string, len(cloud))
	for i, c := range cloud {
		labels[i] = calendarLabel(c)
	}
	picked, err := wiz.prompt.MultiSelect("Calendars to mirror", labels)
	if err != nil {
		return nil, fmt.Errorf("selecting calendars: %w", err)
	}

	cfg := wiz.deps.Config
	var added []model.CalendarKey
	for _, i := range picked {
		c := cloud[i]
		name := wiz.prompt.String(fmt.Sprintf("Local calendar for %q", c.Name), wiz.defaultLocal(accountID, c))
		if local != nil && !hasLocal(local, name) {
			display.WarnMsg(wiz.w, "No local calendar named %q yet; create it before the first sync.", name)
		}

		if err := wiz.deps.Store.RegisterCalendar(ctx, accountID, c.ID); err != nil {
			return added, fmt.Errorf("registering %s: %w", c.ID, err)
		}
		cfg.SetCalendar(accountID, c.ID, name)
		added = append(added, model.CalendarKey{AccountID: accountID, CalendarID: c.ID})
		wiz.logger.Debug("calendar added", "account", accountID, "calendar", c.ID, "local", name)
	}

	if err := cfg.Write(wiz.deps.ConfigPath); err != nil {
		return added, fmt.Errorf("writing config: %w", err)
	}
	display.SuccessMsg(wiz.w, "%d calendar(s) added, config written to %s", len(added), wiz.deps.ConfigPath)
	return added, nil
}

// localCalendars returns the discovered local calendars, or nil when they
// cannot be listed.
func (wiz *Wizard) localCalendars(ctx context.Context, accountID string) []model.CalendarInfo {
	if wiz.deps.Local == nil {
		return nil
	}
	local, err := DiscoverCalendars(ctx, wiz.deps.Local, accountID)
	if err != nil {
		wiz.logger.Warn("could not list local calendars", "error", err)
		display.WarnMsg(wiz.w, "Could not list local calendars; names are not checked.")
		return nil
	}
	display.SubHeader(wiz.w, fmt.Sprintf("  %d local calendar(s) available:", len(local)))
	for _, c := range local {
		fmt.Fprintf(wiz.w, "    • %s\n", c.Name)
	}
	return local
}

// defaultLocal keeps an existing mapping, otherwise suggests the prefixed
// cloud name.
func (wiz *Wizard) defaultLocal(accountID string, c model.CalendarInfo) string {
	if a := wiz.deps.Config.Account(accountID); a != nil {
		if name, ok := a.Calendars[c.ID]; ok {
			return name
		}
	}
	return DefaultLocalName(c)
}

func (wiz *Wizard) offerDaemonInstall() error {
	if wiz.deps.Agent == nil {
		return nil
	}
	if !wiz.prompt.Confirm("Install as background daemon (starts on login)?", true) {
		fmt.Fprintf(wiz.w, "\n  Skipping daemon install.\n")
		fmt.Fprintf(wiz.w, "  Run manually with: calrelay daemon\n")
		fmt.Fprintf(wiz.w, "  Install later with: calrelay install\n\n")
		return nil
	}

	a := wiz.deps.Agent
	if err := a.Install(); err != nil {
		return err
	}
	display.SuccessMsg(wiz.w, "Daemon installed and running")
	fmt.Fprintf(wiz.w, "  Config:  %s\n", wiz.deps.ConfigPath)
	fmt.Fprintf(wiz.w, "  Logs:    %s\n", a.LogDir())
	fmt.Fprintf(wiz.w, "  Status:  calrelay status\n")
	fmt.Fprintf(wiz.w, "  Remove:  calrelay uninstall\n\n")
	return nil
}
