package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"text/tabwriter"

	"keyvault/go-backend/pkg/models"

	"github.com/spf13/cobra"
)

func (c *cli) vaultCommands() []*cobra.Command {
	return []*cobra.Command{
		{
			Use:   "status",
			Short: "Show vault mode and record counts",
			Args:  cobra.NoArgs,
			RunE: c.withVault(false, func(ctx context.Context, lv *localVault) error {
				st, err := lv.svc.VaultStatus()
				if err != nil {
					return err
				}
				fmt.Fprintf(lv.out, "mode:       %s\nidentities: %d\ntrash:      %d\n", st.Mode, st.Records, st.TrashRecords)
				if st.StaleRecords > 0 {
					fmt.Fprintf(lv.out, "stale:      %d (run recover)\n", st.StaleRecords)
				}
				return nil
			}),
		},
		{
			Use:   "list",
			Short: "Unlock the vault and list identities",
			Args:  cobra.NoArgs,
			RunE: c.withVault(true, func(ctx context.Context, lv *localVault) error {
				printIdentities(lv, lv.svc.ListIdentities())
				return nil
			}),
		},
		{
			Use:   "create NAME",
			Short: "Generate a new identity",
			Args:  cobra.ExactArgs(1),
			RunE: c.withArgs(true, func(ctx context.Context, lv *localVault, args []string) error {
				ident, err := lv.svc.CreateIdentity(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(lv.out, "Created %s %s\n", ident.DisplayName, ident.Address)
				return nil
			}),
		},
		{
			Use:   "import NAME",
			Short: "Import a private key or mnemonic",
			Args:  cobra.ExactArgs(1),
			RunE: c.withArgs(true, func(ctx context.Context, lv *localVault, args []string) error {
				secret, err := lv.term.Password(ctx, "Private key or mnemonic", false)
				if err != nil {
					return err
				}
				ident, err := lv.svc.ImportIdentity(args[0], secret)
				if err != nil {
					return err
				}
				fmt.Fprintf(lv.out, "Imported %s %s\n", ident.DisplayName, ident.Address)
				return nil
			}),
		},
		{
			Use:   "rename ADDRESS NAME",
			Short: "Change an identity's display name",
			Args:  cobra.ExactArgs(2),
			RunE: c.withArgs(true, func(ctx context.Context, lv *localVault, args []string) error {
				ident, err := lv.svc.RenameIdentity(args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Fprintf(lv.out, "Renamed %s to %s\n", ident.Address, ident.DisplayName)
				return nil
			}),
		},
		{
			Use:   "delete ADDRESS",
			Short: "Move an identity to the trash",
			Args:  cobra.ExactArgs(1),
			RunE: c.withArgs(true, func(ctx context.Context, lv *localVault, args []string) error {
				ident, err := lv.svc.DeleteIdentity(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(lv.out, "Moved %s to the trash\n", ident.DisplayName)
				return nil
			}),
		},
		{
			Use:   "trash",
			Short: "List deleted identities",
			Args:  cobra.NoArgs,
			RunE: c.withVault(false, func(ctx context.Context, lv *localVault) error {
				entries, err := lv.svc.ListTrash()
				if err != nil {
					return err
				}
				if len(entries) == 0 {
					fmt.Fprintln(lv.out, "Trash is empty.")
					return nil
				}
				w := tabwriter.NewWriter(lv.out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "INDEX\tNAME\tMODE\tCREATED")
				for _, e := range entries {
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", e.Index, e.DisplayName, e.Mode, e.CreatedAt.Format("2006-01-02"))
				}
				return w.Flush()
			}),
		},
		c.restoreCmd(),
		{
			Use:   "recover",
			Short: "Unlock restored identities stored under an older password",
			Args:  cobra.NoArgs,
			RunE: c.withVault(true, func(ctx context.Context, lv *localVault) error {
				pass, err := lv.term.Password(ctx, "Password the identities were stored under", false)
				if err != nil {
					return err
				}
				ids, err := lv.svc.RecoverRestored(pass)
				if err != nil {
					return err
				}
				if len(ids) == 0 {
					fmt.Fprintln(lv.out, "No identities recovered.")
					return nil
				}
				printIdentities(lv, ids)
				return nil
			}),
		},
		{
			Use:   "clear-trash",
			Short: "Permanently erase every trash entry",
			Args:  cobra.NoArgs,
			RunE: c.withVault(false, func(ctx context.Context, lv *localVault) error {
				n, err := lv.svc.ClearTrash()
				if err != nil {
					return err
				}
				fmt.Fprintf(lv.out, "Erased %d entries\n", n)
				return nil
			}),
		},
		{
			Use:   "export ADDRESS",
			Short: "Show an identity's private key after confirmation",
			Args:  cobra.ExactArgs(1),
			RunE: c.withArgs(true, func(ctx context.Context, lv *localVault, args []string) error {
				secret, err := lv.svc.ExportSecret(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(lv.out, secret)
				return nil
			}),
		},
		{
			Use:   "mode",
			Short: "Switch between encrypted and plaintext storage",
			Args:  cobra.NoArgs,
			RunE: c.withVault(true, func(ctx context.Context, lv *localVault) error {
				st, err := lv.svc.VaultStatus()
				if err != nil {
					return err
				}
				var pass string
				if st.Mode == models.VaultModePlaintext {
					if pass, err = lv.term.Password(ctx, "New vault password", true); err != nil {
						return err
					}
				}
				mode, err := lv.svc.ToggleVaultMode(ctx, pass, pass)
				if err != nil {
					return err
				}
				fmt.Fprintf(lv.out, "Vault mode is now %s\n", mode)
				return nil
			}),
		},
		{
			Use:   "passwd",
			Short: "Change the vault password",
			Args:  cobra.NoArgs,
			RunE: c.withVault(true, func(ctx context.Context, lv *localVault) error {
				oldPass, err := lv.term.Password(ctx, "Current password", false)
				if err != nil {
					return err
				}
				newPass, err := lv.term.Password(ctx, "New password", true)
				if err != nil {
					return err
				}
				if err := lv.svc.ChangePassword(oldPass, newPass, newPass); err != nil {
					return err
				}
				fmt.Fprintln(lv.out, "Password changed.")
				return nil
			}),
		},
	}
}

func (c *cli) restoreCmd() *cobra.Command {
	var askPassword bool
	cmd := &cobra.Command{
		Use:   "restore INDEX",
		Short: "Restore a trash entry",
		Args:  cobra.ExactArgs(1),
		RunE: c.withArgs(true, func(ctx context.Context, lv *localVault, args []string) error {
			index, err := strconv.Atoi(args[0])
			if err != nil || index < 0 {
				return fmt.Errorf("invalid trash index %q", args[0])
			}
			var pass string
			if askPassword {
				if pass, err = lv.term.Password(ctx, "Password the entry was stored under", false); err != nil {
					return err
				}
			}
			res, err := lv.svc.RestoreIdentity(index, pass)
			if err != nil {
				return err
			}
			fmt.Fprintf(lv.out, "Restored %s\n", res.Entry.DisplayName)
			if res.Warning != nil {
				fmt.Fprintf(lv.out, "Warning: %v\n", res.Warning)
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&askPassword, "old-password", false, "ask for the password the entry was stored under")
	return cmd
}

func (c *cli) withArgs(unlocked bool, fn func(ctx context.Context, lv *localVault, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return c.withVault(unlocked, func(ctx context.Context, lv *localVault) error {
			return fn(ctx, lv, args)
		})(cmd, args)
	}
}

func (c *cli) settingsCmd() *cobra.Command {
	var (
		currency  string
		network   string
		gasBuffer float64
	)
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change vault settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withVault(false, func(ctx context.Context, lv *localVault) error {
				var patch models.SettingsPatch
				if cmd.Flags().Changed("currency") {
					patch.DisplayCurrency = &currency
				}
				if cmd.Flags().Changed("network") {
					patch.DefaultNetwork = &network
				}
				if cmd.Flags().Changed("gas-buffer") {
					patch.GasBuffer = &gasBuffer
				}
				settings, err := lv.svc.GetSettings()
				if patch != (models.SettingsPatch{}) {
					settings, err = lv.svc.UpdateSettings(patch)
				}
				if err != nil {
					return err
				}
				data, err := json.MarshalIndent(settings, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(lv.out, string(data))
				return nil
			})(cmd, args)
		},
	}
	cmd.Flags().StringVar(&currency, "currency", "", "display currency, e.g. usd")
	cmd.Flags().StringVar(&network, "network", "", "default network as a CAIP-2 reference, e.g. eip155:1")
	cmd.Flags().Float64Var(&gasBuffer, "gas-buffer", 0, "gas estimate multiplier, at least 1")
	return cmd
}

func printIdentities(lv *localVault, ids []models.Identity) {
	if len(ids) == 0 {
		fmt.Fprintln(lv.out, "No identities.")
		return
	}
	w := tabwriter.NewWriter(lv.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS")
	for _, ident := range ids {
		fmt.Fprintf(w, "%s\t%s\n", ident.DisplayName, ident.Address)
	}
	_ = w.Flush()
}
