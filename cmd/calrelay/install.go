package main

import (
	"github.com/spf13/cobra"

	"github.com/njoerd114/calrelay/internal/display"
	"github.com/njoerd114/calrelay/internal/setup"
)

var purgeFlag bool

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive first-run wizard",
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
		return wiz.Run(cmd.Context())
	},
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install the binary and a launchd agent that runs the daemon at login",
	RunE: func(cmd *cobra.Command, args []string) error {
		agent, err := setup.NewAgent(cfgPath)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if err := agent.Install(); err != nil {
			return err
		}
		display.SuccessMsg(out, "Binary installed to %s", agent.BinaryPath)
		display.SuccessMsg(out, "LaunchAgent written to %s and loaded", agent.PlistPath())
		display.SubHeader(out, "Logs: "+agent.LogDir())
		return nil
	},
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Stop the daemon and remove the binary and the launchd agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		agent, err := setup.NewAgent(cfgPath)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		if err := agent.Uninstall(); err != nil {
			display.WarnMsg(out, "%v", err)
		} else {
			display.SuccessMsg(out, "Daemon stopped, agent and binary removed")
		}

		if !purgeFlag {
			display.SubHeader(out, "Config, state DB and keyring items preserved. Run with --purge to remove them.")
			return nil
		}

		if a, err := newApp(); err == nil {
			purgeSecrets(cmd, a)
			a.Close()
		}
		if err := agent.PurgeUserData(); err != nil {
			display.WarnMsg(out, "%v", err)
		} else {
			display.SuccessMsg(out, "Config, state DB and logs removed")
		}
		return nil
	},
}

// purgeSecrets deletes every stored OAuth token and the CalDAV password.
func purgeSecrets(cmd *cobra.Command, a *app) {
	out := cmd.OutOrStdout()
	creds, err := a.Credentials()
	if err != nil {
		display.WarnMsg(out, "keyring: %v", err)
		return
	}
	ids, err := creds.Accounts()
	if err != nil {
		display.WarnMsg(out, "keyring: %v", err)
		return
	}
	for _, id := range ids {
		if err := creds.DeleteToken(id); err != nil {
			display.WarnMsg(out, "%v", err)
		}
	}
	if dav := a.cfg.Local.CalDAV; dav != nil {
		if err := creds.DeletePassword(dav.Username); err != nil {
			display.WarnMsg(out, "%v", err)
		}
	}
	display.SuccessMsg(out, "Removed %d token(s) from the keyring", len(ids))
}

func init() {
	uninstallCmd.Flags().BoolVar(&purgeFlag, "purge", false, "also remove config, state DB, logs and keyring items")
	rootCmd.AddCommand(setupCmd, installCmd, uninstallCmd)
}
