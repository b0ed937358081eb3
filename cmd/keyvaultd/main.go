package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"keyvault/go-backend/internal/composition/daemon"
	"keyvault/go-backend/internal/config"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

type flags struct {
	configPath string
	dataDir    string
	rpcAddr    string
	rpcToken   string
	transport  string
	logLevel   string
	logFile    string
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f flags
	root := &cobra.Command{
		Use:           "keyvaultd",
		Short:         "Local key vault daemon with a remote session authorizer",
		Version:       fmt.Sprintf("%s commit=%s build_date=%s", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&f.configPath, "config", "", "path to config.yaml")
	pf.StringVar(&f.dataDir, "data-dir", "", "directory holding the vault, ledger and rpc token")
	root.Flags().StringVar(&f.rpcAddr, "rpc-addr", "", "JSON-RPC listen address")
	root.Flags().StringVar(&f.rpcToken, "rpc-token", "", "bearer token for the JSON-RPC API")
	root.Flags().StringVar(&f.transport, "transport", "", "relay transport: websocket | mock")
	root.Flags().StringVar(&f.logLevel, "log-level", "", "debug | info | warn | error")
	root.Flags().StringVar(&f.logFile, "log-file", "", "rotated log file in addition to stderr")

	root.AddCommand(&cobra.Command{
		Use:   "token",
		Short: "Print the JSON-RPC bearer token, creating it if needed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
				return err
			}
			token, err := config.RPCToken(cfg)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	})
	return root
}

func loadConfig(f flags) (config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return config.Config{}, err
	}
	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	override(&cfg.DataDir, f.dataDir)
	override(&cfg.RPC.Addr, f.rpcAddr)
	override(&cfg.RPC.Token, f.rpcToken)
	override(&cfg.Relay.Transport, f.transport)
	override(&cfg.Log.Level, f.logLevel)
	override(&cfg.Log.File, f.logFile)
	return cfg, cfg.Validate()
}

func run(parent context.Context, cfg config.Config) error {
	logger, closeLog, err := daemon.NewLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := daemon.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("keyvaultd failed to initialize", "error", err.Error())
		return err
	}
	defer rt.Close()

	logger.Info("keyvaultd starting", "version", version, "rpc_addr", cfg.RPC.Addr, "transport", cfg.Relay.Transport)
	return rt.Run(ctx)
}
