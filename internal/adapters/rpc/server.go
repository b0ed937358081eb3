package rpc

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"keyvault/go-backend/internal/domains/contracts"
	"keyvault/go-backend/internal/platform/ratelimiter"
)

const DefaultRPCAddr = "127.0.0.1:8787"

var ErrTokenRequired = errors.New("rpc token is required")

type Options struct {
	Addr         string
	Token        string
	MaxBodyBytes int64
	RateRPS      float64
	RateBurst    int

	StreamMaxGlobal    int
	StreamMaxPerClient int

	// Metrics, when set, is served at /metrics behind the same token check.
	Metrics http.Handler
	Logger  *slog.Logger
}

// NewServer wires svc behind the local JSON-RPC API. A token is mandatory:
// the API can reveal private keys.
func NewServer(svc contracts.DaemonService, opts Options) (*Server, error) {
	if strings.TrimSpace(opts.Token) == "" {
		return nil, ErrTokenRequired
	}
	if opts.Addr == "" {
		opts.Addr = DefaultRPCAddr
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxRPCBodyBytes
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	mux := http.NewServeMux()
	s := &Server{
		httpServer: &http.Server{
			Addr:              opts.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		service:      svc,
		rpcToken:     opts.Token,
		maxBodyBytes: opts.MaxBodyBytes,
		limiter:      ratelimiter.New(opts.RateRPS, opts.RateBurst, 10*time.Minute),
		streams:      newRPCStreamLimiter(opts.StreamMaxGlobal, opts.StreamMaxPerClient),
		replays:      newReplayLedger(),
		log:          opts.Logger.With("component", "rpc"),
	}
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.HandleFunc("/rpc/stream", s.handleRPCStream)
	if opts.Metrics != nil {
		mux.Handle("/metrics", s.requireToken(opts.Metrics))
	}
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }
