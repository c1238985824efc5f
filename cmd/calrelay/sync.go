package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/njoerd114/calrelay/internal/display"
	syncp "github.com/njoerd114/calrelay/internal/sync"
)

var (
	syncAccount  string
	syncCalendar string
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync pass and exit",
	Long: `Sync every registered calendar once, or a single pair with --account and
--calendar. Progress is printed as each calendar is processed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if (syncAccount == "") != (syncCalendar == "") {
			return errors.New("--account and --calendar must be given together")
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		a.startTelemetry(ctx)

		out := cmd.OutOrStdout()
		var opts []syncp.Option
		if !quietFlag {
			opts = append(opts, syncp.WithProgress(printProgress(out)))
		}
		r, err := a.Reconciler(ctx, opts...)
		if err != nil {
			return err
		}
		engine := syncp.NewEngine(r, a.cfg.Schedule, a.log)

		var res syncp.Result
		if syncAccount != "" {
			res = engine.SyncCalendar(ctx, syncAccount, syncCalendar)
		} else {
			res = engine.RunOnce(ctx)
		}
		return reportResult(out, res)
	},
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Sync on the configured schedule until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		a.startTelemetry(ctx)

		r, err := a.Reconciler(ctx)
		if err != nil {
			return err
		}
		engine := syncp.NewEngine(r, a.cfg.Schedule, a.log)

		a.log.Info("daemon starting", "schedule", a.cfg.Schedule, "accounts", len(a.cfg.Accounts))
		if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("sync engine: %w", err)
		}
		a.log.Info("shutdown complete")
		return nil
	},
}

func printProgress(w io.Writer) syncp.ProgressFunc {
	return func(p syncp.Progress) {
		line := fmt.Sprintf("%s %s/%s  %s", display.Percent(p.Percent), p.AccountID, p.CalendarID, p.Status)
		if p.Err != nil {
			display.ErrorMsg(w, "%s: %v", line, p.Err)
			return
		}
		fmt.Fprintln(w, line)
	}
}

// reportResult prints the pass summary and returns the pass error, if any.
func reportResult(w io.Writer, res syncp.Result) error {
	summary := fmt.Sprintf("%d created, %d updated, %d deleted, %d conflicts",
		res.Created, res.Updated, res.Deleted, res.Conflicts)
	switch {
	case res.Canceled:
		display.WarnMsg(w, "Sync interrupted: %s", summary)
		return nil
	case res.Err != nil:
		display.ErrorMsg(w, "Sync finished with errors: %s", summary)
		return res.Err
	default:
		if !quietFlag {
			display.SuccessMsg(w, "Sync complete: %s", summary)
		}
		return nil
	}
}

func init() {
	syncCmd.Flags().StringVar(&syncAccount, "account", "", "sync a single account's calendar (with --calendar)")
	syncCmd.Flags().StringVar(&syncCalendar, "calendar", "", "cloud calendar id to sync (with --account)")
	rootCmd.AddCommand(syncCmd, daemonCmd)
}
