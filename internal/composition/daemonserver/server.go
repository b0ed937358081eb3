package daemonserver

import (
	"log/slog"

	"keyvault/go-backend/internal/adapters/rpc"
	"keyvault/go-backend/internal/config"
	"keyvault/go-backend/internal/domains/contracts"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRPCServer wires the daemon service to the JSON-RPC transport. The
// /metrics endpoint is served from gatherer when metrics are enabled.
func NewRPCServer(cfg config.Config, svc contracts.DaemonService, gatherer prometheus.Gatherer, logger *slog.Logger) (*rpc.Server, error) {
	token, err := config.RPCToken(cfg)
	if err != nil {
		return nil, err
	}
	opts := rpc.Options{
		Addr:         cfg.RPC.Addr,
		Token:        token,
		MaxBodyBytes: cfg.RPC.MaxBodyBytes,
		RateRPS:      cfg.RPC.RateRPS,
		RateBurst:    cfg.RPC.RateBurst,
		Logger:       logger,
	}
	if cfg.Metrics && gatherer != nil {
		opts.Metrics = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}
	return rpc.NewServer(svc, opts)
}
