package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"keyvault/go-backend/internal/app"
	"keyvault/go-backend/internal/composition/daemon"
	"keyvault/go-backend/internal/config"
	"keyvault/go-backend/internal/gate"
	"keyvault/go-backend/internal/identity"
	"keyvault/go-backend/internal/prompt"
	"keyvault/go-backend/internal/securestore"
	"keyvault/go-backend/pkg/models"

	"github.com/spf13/cobra"
)

type cli struct {
	in         io.Reader
	out        io.Writer
	configPath string
	dataDir    string
}

// localVault is one CLI invocation's view of the vault on disk. Nothing
// outlives the process: every command that needs keys unlocks first.
type localVault struct {
	svc   *app.Service
	vault *identity.Manager
	term  *prompt.Terminal
	out   io.Writer
}

func main() {
	if err := newRootCmd(os.Stdin, os.Stdout).ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(in io.Reader, out io.Writer) *cobra.Command {
	c := &cli{in: in, out: out}
	root := &cobra.Command{
		Use:          "keyvault",
		Short:        "Manage the local key vault",
		SilenceUsage: true,
	}
	root.SetIn(in)
	root.SetOut(out)
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "path to config.yaml")
	root.PersistentFlags().StringVar(&c.dataDir, "data-dir", "", "vault directory")

	root.AddCommand(c.vaultCommands()...)
	root.AddCommand(c.settingsCmd(), c.rpcCmd())
	return root
}

func (c *cli) loadConfig() (config.Config, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if c.dataDir != "" {
		cfg.DataDir = c.dataDir
	}
	return cfg, cfg.Validate()
}

func (c *cli) open() (*localVault, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, err
	}
	logger, _, err := daemon.NewLogger(config.LogConfig{Level: "error"}, os.Stderr)
	if err != nil {
		return nil, err
	}
	term := prompt.New(c.in, c.out)
	vault := identity.NewManager(identity.Options{
		Dir:               cfg.DataDir,
		Cipher:            securestore.WithParams(cfg.Vault.KDF),
		MaxUnlockAttempts: cfg.Vault.MaxUnlockAttempts,
		Logger:            logger,
	})
	svc, err := app.NewService(app.Deps{
		Vault:  vault,
		Gate:   gate.New(term, gate.WithLogger(logger)),
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	return &localVault{svc: svc, vault: vault, term: term, out: c.out}, nil
}

// unlock asks for the password until the vault opens or the attempt budget
// runs out. An empty encrypted vault has no password yet, so a new one is
// chosen instead.
func (lv *localVault) unlock(ctx context.Context) error {
	needs, err := lv.vault.NeedsPassword()
	if err != nil {
		return err
	}
	if !needs {
		if _, err := lv.svc.Unlock(""); err != nil {
			return err
		}
		status, err := lv.svc.VaultStatus()
		if err != nil {
			return err
		}
		if status.Mode != models.VaultModeEncrypted || status.Records > 0 {
			return nil
		}
		pass, err := lv.term.Password(ctx, "Choose a vault password", true)
		if err != nil {
			return err
		}
		return lv.svc.SetPassword(pass, pass)
	}
	for {
		pass, err := lv.term.Password(ctx, "Vault password", false)
		if err != nil {
			return err
		}
		_, err = lv.svc.Unlock(pass)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, identity.ErrUnlockAttemptsExhausted):
			return err
		case errors.Is(err, identity.ErrWrongPassword):
			fmt.Fprintln(lv.out, "Wrong password.")
		default:
			return err
		}
	}
}

// withVault opens the vault, unlocks it when unlocked is set and locks it
// again when fn returns.
func (c *cli) withVault(unlocked bool, fn func(ctx context.Context, lv *localVault) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		lv, err := c.open()
		if err != nil {
			return err
		}
		defer lv.svc.Lock()
		if unlocked {
			if err := lv.unlock(cmd.Context()); err != nil {
				return err
			}
		}
		return fn(cmd.Context(), lv)
	}
}
