package daemon

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"keyvault/go-backend/internal/config"
	"keyvault/go-backend/internal/identity"
	"keyvault/go-backend/internal/securestore"
	"keyvault/go-backend/internal/storage"
)

const ledgerFileName = "requests.db"

// StorageBundle is everything the daemon keeps under its data dir.
type StorageBundle struct {
	Vault  *identity.Manager
	Ledger storage.RequestLedger
}

func BuildStorageBundle(cfg config.Config, logger *slog.Logger) (StorageBundle, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return StorageBundle{}, fmt.Errorf("create data dir: %w", err)
	}
	vault := identity.NewManager(identity.Options{
		Dir:               cfg.DataDir,
		Cipher:            securestore.WithParams(cfg.Vault.KDF),
		MaxUnlockAttempts: cfg.Vault.MaxUnlockAttempts,
		Logger:            logger.With("component", "vault"),
	})

	var ledger storage.RequestLedger = storage.NewMemoryLedger()
	if cfg.Session.PersistLedger {
		bolt, err := storage.OpenBoltLedger(LedgerPath(cfg.DataDir))
		if err != nil {
			return StorageBundle{}, err
		}
		ledger = bolt
	}
	return StorageBundle{Vault: vault, Ledger: ledger}, nil
}

func LedgerPath(dataDir string) string { return filepath.Join(dataDir, ledgerFileName) }

func (b StorageBundle) Close() error {
	b.Vault.Lock()
	if b.Ledger == nil {
		return nil
	}
	return b.Ledger.Close()
}
