package daemon

import (
	"context"
	"errors"
	"log/slog"

	"keyvault/go-backend/internal/adapters/rpc"
	"keyvault/go-backend/internal/app"
	"keyvault/go-backend/internal/composition/daemon/servicefactory"
	"keyvault/go-backend/internal/composition/daemonserver"
	"keyvault/go-backend/internal/config"
	"keyvault/go-backend/internal/relay"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

// Runtime is a fully wired daemon: storage, service and RPC server.
type Runtime struct {
	Service  *app.Service
	Server   *rpc.Server
	Registry *prometheus.Registry

	storage   StorageBundle
	transport relay.Client
	log       *slog.Logger
}

// Build assembles the daemon from cfg. Nothing listens until Run.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	bundle, err := BuildStorageBundle(cfg, logger)
	if err != nil {
		return nil, err
	}
	svc, transport, err := servicefactory.BuildDaemonService(ctx, servicefactory.Inputs{
		Config:     cfg,
		Vault:      bundle.Vault,
		Ledger:     bundle.Ledger,
		Registerer: reg,
		Logger:     logger,
	})
	if err != nil {
		_ = bundle.Close()
		return nil, err
	}
	srv, err := daemonserver.NewRPCServer(cfg, svc, reg, logger)
	if err != nil {
		_ = transport.Close()
		_ = bundle.Close()
		return nil, err
	}
	return &Runtime{
		Service:   svc,
		Server:    srv,
		Registry:  reg,
		storage:   bundle,
		transport: transport,
		log:       logger,
	}, nil
}

// Run serves the RPC API and drives the service until ctx ends or the
// service signals a fatal condition, whose cause is returned.
func (r *Runtime) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.Service.Run(gctx) })
	g.Go(func() error { return r.Server.Run(gctx) })
	g.Go(func() error {
		select {
		case <-r.Service.Fatal():
			return r.Service.FatalErr()
		case <-gctx.Done():
			return nil
		}
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if err != nil {
		r.log.Error("daemon stopped", "error", err.Error())
	} else {
		r.log.Info("daemon stopped")
	}
	return err
}

// Close releases the relay connection and the data dir resources. The vault
// is locked as part of it.
func (r *Runtime) Close() error {
	var errs []error
	if r.transport != nil {
		errs = append(errs, r.transport.Close())
	}
	errs = append(errs, r.storage.Close())
	return errors.Join(errs...)
}
