package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/njoerd114/calrelay/internal/display"
	"github.com/njoerd114/calrelay/internal/setup"
)

var (
	calAccount  string
	calCalendar string
)

var calendarsCmd = &cobra.Command{
	Use:     "calendars",
	Aliases: []string{"cal"},
	Short:   "List, add and remove mirrored calendars",
}

var calendarsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List an account's Google calendars and where they are mirrored",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		cloud, err := a.Cloud()
		if err != nil {
			return err
		}
		cals, err := setup.DiscoverCalendars(cmd.Context(), cloud, calAccount)
		if err != nil {
			return err
		}

		var targets map[string]string
		if acct := a.cfg.Account(calAccount); acct != nil {
			targets = acct.Calendars
		}
		rows := make([][]string, 0, len(cals))
		for _, c := range cals {
			local := display.Dim.Render("-")
			if name, ok := targets[c.ID]; ok {
				local = name
			}
			rows = append(rows, []string{display.Truncate(c.Name, 40), c.ID, local})
		}
		fmt.Fprintln(cmd.OutOrStdout(), display.Table([]string{"NAME", "ID", "MIRRORED TO"}, rows))
		return nil
	},
}

var calendarsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Pick Google calendars to mirror and their local calendars",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		wiz, err := newWizard(cmd, a)
		if err != nil {
			return err
		}
		added, err := wiz.AddCalendars(cmd.Context(), calAccount)
		if err != nil {
			return err
		}
		if len(added) > 0 && !quietFlag {
			fmt.Fprintln(cmd.OutOrStdout(), "\nIf these calendars already have copies locally, run 'calrelay link' before the first sync.")
		}
		return nil
	},
}

var calendarsRemoveCmd = &cobra.Command{
	Use:   "remove",
	Short: "Stop mirroring one calendar and forget its sync state",
	RunE: func(cmd *cobra.Command, args []string) error {
		if calCalendar == "" {
			return errors.New("--calendar is required")
		}
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		store, err := a.State()
		if err != nil {
			return err
		}
		if err := store.RemoveCalendar(cmd.Context(), calAccount, calCalendar); err != nil {
			return err
		}
		if acct := a.cfg.Account(calAccount); acct != nil {
			delete(acct.Calendars, calCalendar)
		}
		if err := a.cfg.Write(cfgPath); err != nil {
			return err
		}
		display.SuccessMsg(cmd.OutOrStdout(), "Stopped mirroring %s/%s; local copies were left in place", calAccount, calCalendar)
		return nil
	},
}

// newWizard wires a setup wizard to the app's backends. The local backend is
// optional: when it cannot be opened, local names are not checked.
func newWizard(cmd *cobra.Command, a *app) (*setup.Wizard, error) {
	cloud, err := a.Cloud()
	if err != nil {
		return nil, err
	}
	store, err := a.State()
	if err != nil {
		return nil, err
	}
	creds, err := a.requireOAuth()
	if err != nil {
		return nil, err
	}

	deps := setup.Deps{
		Config:     a.cfg,
		ConfigPath: cfgPath,
		Cloud:      cloud,
		Store:      store,
		Auth:       creds,
	}
	if local, err := a.Local(); err != nil {
		a.log.Warn("local calendars unavailable", "error", err)
	} else {
		deps.Local = local
	}
	if agent, err := setup.NewAgent(cfgPath); err == nil {
		deps.Agent = agent
	}
	return setup.NewWizard(os.Stdin, cmd.OutOrStdout(), deps, a.log), nil
}

func init() {
	for _, c := range []*cobra.Command{calendarsListCmd, calendarsAddCmd, calendarsRemoveCmd} {
		c.Flags().StringVar(&calAccount, "account", "", "account id")
		_ = c.MarkFlagRequired("account")
	}
	calendarsRemoveCmd.Flags().StringVar(&calCalendar, "calendar", "", "cloud calendar id")

	calendarsCmd.AddCommand(calendarsListCmd, calendarsAddCmd, calendarsRemoveCmd)
	rootCmd.AddCommand(calendarsCmd)
}
