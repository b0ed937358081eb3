package ports

import (
	"context"
	"math/big"
	"time"

	"keyvault/go-backend/internal/gate"
	"keyvault/go-backend/internal/identity"
	"keyvault/go-backend/internal/session"
	"keyvault/go-backend/pkg/models"
)

// VaultAPI is the transport-neutral key storage and password lifecycle
// contract.
type VaultAPI interface {
	VaultStatus() (models.VaultStatus, error)
	SetPassword(password, confirm string) error
	ChangePassword(oldPassword, newPassword, confirm string) error
	Unlock(password string) ([]models.Identity, error)
	Lock()
	ListIdentities() []models.Identity
	CreateIdentity(displayName string) (models.Identity, error)
	ImportIdentity(displayName, secret string) (models.Identity, error)
	RenameIdentity(address, displayName string) (models.Identity, error)
	DeleteIdentity(address string) (models.Identity, error)
	ListTrash() ([]models.TrashEntry, error)
	RestoreIdentity(index int, password string) (identity.RestoreResult, error)
	RecoverRestored(password string) ([]models.Identity, error)
	ClearTrash() (int, error)
	ToggleVaultMode(ctx context.Context, password, confirm string) (models.VaultMode, error)
	ExportSecret(ctx context.Context, address string) (string, error)
	GetSettings() (models.Settings, error)
	UpdateSettings(patch models.SettingsPatch) (models.Settings, error)
}

// WalletAPI is the local funds contract.
type WalletAPI interface {
	Balance(ctx context.Context, address, network string) (*big.Int, error)
	Transfer(ctx context.Context, from, to, network string, value *big.Int) (string, error)
}

// SessionAPI drives the remote pairing session.
type SessionAPI interface {
	Pair(ctx context.Context, uri, address string) error
	SessionStatus() session.Status
	CancelSession(ctx context.Context) error
}

// ApprovalAPI surfaces pending confirmations to an operator.
type ApprovalAPI interface {
	PendingApprovals() []gate.Prompt
	DecideApproval(id string, approve bool) error
}

type DaemonService interface {
	VaultAPI
	WalletAPI
	SessionAPI
	ApprovalAPI
	Run(ctx context.Context) error
	SubscribeNotifications(cursor int64) ([]NotificationEvent, <-chan NotificationEvent, func())
	// Fatal is closed when the daemon must stop, e.g. after the unlock
	// attempt budget is spent.
	Fatal() <-chan struct{}
}

type NotificationEvent struct {
	Seq       int64
	Method    string
	Payload   any
	Timestamp time.Time
}
