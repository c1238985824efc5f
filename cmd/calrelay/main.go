// Calrelay mirrors Google calendars into a local calendar (macOS Calendar or
// any CalDAV server) and syncs edits in both directions, newest change wins.
//
// Usage:
//
//	calrelay setup                          # interactive first-run wizard
//	calrelay account add <id>               # sign in a Google account
//	calrelay calendars add --account <id>   # pick calendars to mirror
//	calrelay link                           # link copies that already exist
//	calrelay sync                           # one pass, then exit
//	calrelay daemon                         # sync on the configured schedule
//	calrelay status                         # show daemon, config and sync state
//	calrelay install | uninstall [--purge]  # manage the launchd agent
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/njoerd114/calrelay/internal/config"
	"github.com/njoerd114/calrelay/internal/display"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

var (
	cfgPath   string
	verbose   bool
	quietFlag bool
)

var rootCmd = &cobra.Command{
	Use:           "calrelay",
	Short:         "Mirror Google calendars into a local calendar",
	Long:          "calrelay syncs Google Calendar with macOS Calendar or a CalDAV server in both directions.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgPath == "" {
			p, err := config.DefaultPath()
			if err != nil {
				return err
			}
			cfgPath = p
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "calrelay %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (default ~/.config/calrelay/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVarP(&quietFlag, "quiet", "q", false, "suppress non-essential output")

	rootCmd.AddCommand(versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		display.ErrorMsg(os.Stderr, "%v", err)
		os.Exit(1)
	}
}
