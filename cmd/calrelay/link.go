package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/njoerd114/calrelay/internal/display"
	"github.com/njoerd114/calrelay/internal/state"
	syncp "github.com/njoerd114/calrelay/internal/sync"
)

var (
	linkAccount  string
	linkCalendar string
)

var linkCmd = &cobra.Command{
	Use:   "link",
	Short: "Link events that already exist on both sides before the first sync",
	Long: `Match cloud and local events by subject and start time for every calendar
that has not been synced yet, show what would be linked, and on confirmation
record the pairs so the first sync does not create duplicates.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if (linkAccount == "") != (linkCalendar == "") {
			return errors.New("--account and --calendar must be given together")
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		r, err := a.Reconciler(ctx)
		if err != nil {
			return err
		}

		var refs []state.CalendarRef
		if linkAccount != "" {
			refs = []state.CalendarRef{{AccountID: linkAccount, CalendarID: linkCalendar}}
		} else {
			store, err := a.State()
			if err != nil {
				return err
			}
			if refs, err = store.ListCalendars(ctx); err != nil {
				return err
			}
		}

		linked, err := syncp.NewBootstrap(r, cmd.InOrStdin(), cmd.OutOrStdout()).Run(ctx, refs)
		if err != nil {
			return err
		}
		if linked {
			display.SuccessMsg(cmd.OutOrStdout(), "Events linked; run 'calrelay sync' to start syncing")
		}
		return nil
	},
}

func init() {
	linkCmd.Flags().StringVar(&linkAccount, "account", "", "link a single account's calendar (with --calendar)")
	linkCmd.Flags().StringVar(&linkCalendar, "calendar", "", "cloud calendar id to link (with --account)")
	rootCmd.AddCommand(linkCmd)
}
