package main

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/njoerd114/calrelay/internal/display"
	"github.com/njoerd114/calrelay/internal/setup"
)

var tokenFile string

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage Google accounts",
}

var accountAddCmd = &cobra.Command{
	Use:   "add <id>",
	Short: "Sign in a Google account",
	Long: `Print the Google consent URL, read the authorisation code and store the
token in the OS keyring under the given account id.`,
	Args: cobra.ExactArgs(1),
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
		if err := wiz.SignIn(cmd.Context(), args[0]); err != nil {
			return err
		}

		cloud, err := a.Cloud()
		if err != nil {
			return err
		}
		if err := cloud.Ping(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("token stored but the Calendar API rejected it: %w", err)
		}
		if !quietFlag {
			fmt.Fprintf(cmd.OutOrStdout(), "\nNext: calrelay calendars add --account %s\n", args[0])
		}
		return nil
	},
}

var accountImportCmd = &cobra.Command{
	Use:   "import <id>",
	Short: "Import an existing token.json for an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		creds, err := a.Credentials()
		if err != nil {
			return err
		}
		if err := creds.ImportTokenFile(args[0], tokenFile); err != nil {
			return err
		}
		display.SuccessMsg(cmd.OutOrStdout(), "Imported token for %q", args[0])
		return nil
	},
}

var accountRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Forget an account: token, sync state, mappings and config entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		creds, err := a.Credentials()
		if err != nil {
			return err
		}
		if err := creds.DeleteToken(id); err != nil {
			return err
		}
		store, err := a.State()
		if err != nil {
			return err
		}
		if err := store.RemoveAccount(cmd.Context(), id); err != nil {
			return err
		}
		if a.cfg.RemoveAccount(id) {
			if err := a.cfg.Write(cfgPath); err != nil {
				return err
			}
		}
		display.SuccessMsg(cmd.OutOrStdout(), "Removed account %q; local copies were left in place", id)
		return nil
	},
}

var accountListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts known to the config or the keyring",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		creds, err := a.Credentials()
		if err != nil {
			return err
		}
		withToken, err := creds.Accounts()
		if err != nil {
			return err
		}

		ids := slices.Clone(withToken)
		for _, acct := range a.cfg.Accounts {
			if !slices.Contains(ids, acct.ID) {
				ids = append(ids, acct.ID)
			}
		}
		slices.Sort(ids)

		rows := make([][]string, 0, len(ids))
		for _, id := range ids {
			token := display.ErrStyle.Render("missing")
			if slices.Contains(withToken, id) {
				token = display.Success.Render("stored")
			}
			n := 0
			if acct := a.cfg.Account(id); acct != nil {
				n = len(acct.Calendars)
			}
			rows = append(rows, []string{id, token, strconv.Itoa(n)})
		}
		fmt.Fprintln(cmd.OutOrStdout(), display.Table([]string{"ACCOUNT", "TOKEN", "CALENDARS"}, rows))
		return nil
	},
}

var caldavCmd = &cobra.Command{
	Use:   "caldav",
	Short: "Manage the CalDAV connection",
}

var caldavLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store the CalDAV password in the OS keyring",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		dav := a.cfg.Local.CalDAV
		if dav == nil {
			return fmt.Errorf("no local.caldav block in %s", cfgPath)
		}
		creds, err := a.Credentials()
		if err != nil {
			return err
		}

		p := setup.NewPrompter(cmd.InOrStdin(), cmd.OutOrStdout())
		password := p.Secret(fmt.Sprintf("Password for %s at %s", dav.Username, dav.URL))
		if password == "" {
			return fmt.Errorf("no password entered")
		}
		if err := creds.SavePassword(dav.Username, password); err != nil {
			return err
		}

		a.cfg.Local.CalDAV.Password = ""
		local, err := a.Local()
		if err != nil {
			return err
		}
		cals, err := local.ListCalendars(cmd.Context(), "")
		if err != nil {
			return fmt.Errorf("password stored but the server rejected it: %w", err)
		}
		display.SuccessMsg(cmd.OutOrStdout(), "Connected; %d calendar(s) found", len(cals))
		return nil
	},
}

func init() {
	accountImportCmd.Flags().StringVar(&tokenFile, "token-file", "", "token.json written by another OAuth client")
	_ = accountImportCmd.MarkFlagRequired("token-file")

	accountCmd.AddCommand(accountAddCmd, accountImportCmd, accountRemoveCmd, accountListCmd)
	caldavCmd.AddCommand(caldavLoginCmd)
	rootCmd.AddCommand(accountCmd, caldavCmd)
}
