// Package relay carries session traffic between the vault and a remote peer,
// either over a WalletConnect-style websocket relay or an in-memory bus.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"keyvault/go-backend/internal/session"
	"keyvault/go-backend/pkg/models"
)

const (
	TransportMock      = "mock"
	TransportWebsocket = "websocket"

	DefaultRelayURL    = "wss://relay.walletconnect.org"
	DefaultDialTimeout = 10 * time.Second
)

var (
	ErrRelayUnavailable = errors.New("relay is unavailable")
	ErrRelayRejected    = errors.New("relay rejected the call")
	ErrClosed           = errors.New("relay transport is closed")
	ErrUnknownProposal  = errors.New("unknown session proposal")
	ErrUnknownTopic     = errors.New("unknown topic")
)

type Config struct {
	Transport   string
	RelayURL    string
	ProjectID   string
	DialTimeout time.Duration
	// Metadata describes this wallet to peers in the session settlement.
	Metadata models.PeerMetadata
	Logger   *slog.Logger
}

func (c Config) withDefaults() Config {
	c.Transport = strings.ToLower(strings.TrimSpace(c.Transport))
	if c.Transport == "" {
		c.Transport = TransportWebsocket
	}
	if strings.TrimSpace(c.RelayURL) == "" {
		c.RelayURL = DefaultRelayURL
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.Metadata.Name == "" {
		c.Metadata = models.PeerMetadata{Name: "keyvault", URL: "https://keyvault.local", Description: "local key vault"}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Client is a session transport that owns a connection.
type Client interface {
	session.Transport
	Close() error
}

// New builds the transport selected by cfg.Transport.
func New(ctx context.Context, cfg Config) (Client, error) {
	cfg = cfg.withDefaults()
	switch cfg.Transport {
	case TransportMock:
		return NewMock(true), nil
	case TransportWebsocket:
		return DialWebsocket(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown relay transport %q", cfg.Transport)
	}
}
