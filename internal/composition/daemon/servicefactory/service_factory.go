package servicefactory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"keyvault/go-backend/internal/app"
	"keyvault/go-backend/internal/chain"
	"keyvault/go-backend/internal/config"
	"keyvault/go-backend/internal/gate"
	"keyvault/go-backend/internal/identity"
	"keyvault/go-backend/internal/platform/ratelimiter"
	"keyvault/go-backend/internal/relay"
	"keyvault/go-backend/internal/session"
	"keyvault/go-backend/internal/storage"

	"github.com/prometheus/client_golang/prometheus"
)

// Inputs are the long-lived pieces the service is assembled around.
type Inputs struct {
	Config     config.Config
	Vault      *identity.Manager
	Ledger     storage.RequestLedger
	Registerer prometheus.Registerer
	Logger     *slog.Logger
}

// BuildDaemonService wires the approval queue, action gate, chain networks,
// relay transport and session authorizer into one application service. The
// returned transport must be closed by the caller after the service stops.
func BuildDaemonService(ctx context.Context, in Inputs) (*app.Service, relay.Client, error) {
	cfg := in.Config
	logger := in.Logger

	queue := gate.NewQueue()
	g := gate.New(queue,
		gate.WithLogger(logger.With("component", "gate")),
		gate.WithPrometheus(in.Registerer),
	)
	networks := chain.NewNetworks(cfg.Chains.Endpoints, cfg.Chains.GasBuffer, nil, logger.With("component", "chain"))

	relayCfg := cfg.Relay
	relayCfg.Logger = logger.With("component", "relay")
	transport, err := relay.New(ctx, relayCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("start relay transport: %w", err)
	}

	hub := app.NewNotificationHub(256)
	authorizer, err := session.New(session.Config{
		Transport:     transport,
		Gate:          g,
		Signers:       in.Vault.KeyRing(),
		Chains:        networks,
		Ledger:        in.Ledger,
		Limiter:       ratelimiter.New(cfg.Session.RequestRPS, cfg.Session.RequestBurst, 10*time.Minute),
		AckTimeout:    cfg.Session.AckTimeout,
		Logger:        logger.With("component", "session"),
		Registerer:    in.Registerer,
		OnStateChange: app.SessionStatePublisher(hub),
	})
	if err != nil {
		_ = transport.Close()
		return nil, nil, err
	}

	svc, err := app.NewService(app.Deps{
		Vault:     in.Vault,
		Gate:      g,
		Approvals: queue,
		Session:   authorizer,
		Networks:  networks,
		Hub:       hub,
		Logger:    logger,
	})
	if err != nil {
		_ = transport.Close()
		return nil, nil, err
	}
	return svc, transport, nil
}
