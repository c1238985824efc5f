package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/njoerd114/calrelay/internal/config"
	"github.com/njoerd114/calrelay/internal/display"
	"github.com/njoerd114/calrelay/internal/model"
	"github.com/njoerd114/calrelay/internal/setup"
	"github.com/njoerd114/calrelay/internal/state"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	Aliases: []string{"st"},
	Short:   "Show daemon, config and per-calendar sync state",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		display.Header(out, "calrelay status")

		if agent, err := setup.NewAgent(cfgPath); err == nil {
			printAgent(out, agent)
		}

		cfg, err := config.Load(cfgPath)
		switch {
		case err == nil:
			fmt.Fprintf(out, "  Config:    %s\n", cfgPath)
			fmt.Fprintf(out, "  Local:     %s\n", localDescription(cfg))
			fmt.Fprintf(out, "  Schedule:  %s\n", cfg.Schedule)
		case errors.Is(err, os.ErrNotExist):
			fmt.Fprintf(out, "  Config:    not found (%s)\n", cfgPath)
			fmt.Fprintln(out, "\nRun 'calrelay setup' to get started.")
			return nil
		default:
			fmt.Fprintf(out, "  Config:    %s (invalid: %v)\n", cfgPath, err)
			return nil
		}

		info, err := os.Stat(cfg.StatePath)
		if err != nil {
			fmt.Fprintf(out, "  State DB:  not found\n")
			return nil
		}
		fmt.Fprintf(out, "  State DB:  %s (%s)\n\n", cfg.StatePath, humanSize(info.Size()))

		store, err := state.Open(cfg.StatePath)
		if err != nil {
			return err
		}
		defer store.Close()
		return printCalendars(cmd.Context(), out, cfg, store)
	},
}

func printAgent(w io.Writer, agent *setup.Agent) {
	if agent.Loaded() {
		fmt.Fprintf(w, "  Daemon:    %s\n", display.Success.Render("running (launchd)"))
	} else {
		fmt.Fprintf(w, "  Daemon:    %s\n", display.Dim.Render("not loaded"))
	}
	if _, err := os.Stat(agent.PlistPath()); err == nil {
		fmt.Fprintf(w, "  Plist:     %s\n", agent.PlistPath())
	} else {
		fmt.Fprintf(w, "  Plist:     not installed\n")
	}
	fmt.Fprintf(w, "  Logs:      %s\n", agent.LogDir())
}

// printCalendars renders one row per registered pair. Pairs that are in the
// state DB but no longer in the config are flagged.
func printCalendars(ctx context.Context, w io.Writer, cfg *config.Config, store *state.Store) error {
	states, err := store.ListSyncStates(ctx)
	if err != nil {
		return err
	}
	if len(states) == 0 {
		fmt.Fprintln(w, "No calendars registered. Run 'calrelay calendars add --account <id>'.")
		return nil
	}

	targets := cfg.LocalTargets()
	now := time.Now()
	rows := make([][]string, 0, len(states))
	for _, st := range states {
		mappings, err := store.ListMappings(ctx, st.AccountID, st.CalendarID)
		if err != nil {
			return err
		}
		local, ok := targets[model.CalendarKey{AccountID: st.AccountID, CalendarID: st.CalendarID}]
		if !ok {
			local = display.WarnSty.Render("not in config")
		}
		mode := "full"
		if st.ChangeToken != "" {
			mode = "incremental"
		}
		rows = append(rows, []string{
			st.AccountID,
			display.Truncate(st.CalendarID, 36),
			local,
			strconv.Itoa(len(mappings)),
			mode,
			display.TimeAgo(st.LastSync, now),
		})
	}
	fmt.Fprintln(w, display.Table([]string{"ACCOUNT", "CALENDAR", "LOCAL", "EVENTS", "NEXT FETCH", "LAST SYNC"}, rows))
	return nil
}

func localDescription(cfg *config.Config) string {
	if dav := cfg.Local.CalDAV; dav != nil {
		return fmt.Sprintf("CalDAV %s (%s)", dav.URL, dav.Username)
	}
	return "macOS Calendar"
}

// humanSize returns a human-readable file size string.
func humanSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
