package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"keyvault/go-backend/internal/chain"
	"keyvault/go-backend/internal/domains/contracts"
	"keyvault/go-backend/internal/gate"
	"keyvault/go-backend/internal/identity"
	"keyvault/go-backend/internal/session"
	"keyvault/go-backend/pkg/models"
)

const serviceComponentName = "app"

var (
	ErrSessionUnavailable = contracts.ErrSessionUnavailable
	ErrInvalidAmount      = contracts.ErrInvalidAmount
	ErrInvalidSettings    = contracts.ErrInvalidSettings
)

// Deps are the collaborators the service is composed from. Session, Approvals
// and Networks are optional: without them the matching operations fail with a
// typed error.
type Deps struct {
	Vault     *identity.Manager
	Gate      *gate.Gate
	Approvals *gate.Queue
	Session   *session.Authorizer
	Networks  *chain.Networks
	Hub       *NotificationHub
	Logger    *slog.Logger
}

type Service struct {
	vault     *identity.Manager
	gate      *gate.Gate
	approvals *gate.Queue
	session   *session.Authorizer
	networks  *chain.Networks
	hub       *NotificationHub
	logger    *slog.Logger

	fatalOnce sync.Once
	fatal     chan struct{}
	fatalErr  error
}

var _ contracts.DaemonService = (*Service)(nil)

func NewService(deps Deps) (*Service, error) {
	if deps.Vault == nil || deps.Gate == nil {
		return nil, errors.New("app service requires a vault and a gate")
	}
	if deps.Hub == nil {
		deps.Hub = NewNotificationHub(256)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Service{
		vault:     deps.Vault,
		gate:      deps.Gate,
		approvals: deps.Approvals,
		session:   deps.Session,
		networks:  deps.Networks,
		hub:       deps.Hub,
		logger:    deps.Logger,
		fatal:     make(chan struct{}),
	}
	if s.networks != nil {
		s.networks.UseGasPolicy(s.gasBuffer)
	}
	if s.approvals != nil {
		s.approvals.OnPrompt(func(p gate.Prompt) {
			s.hub.Publish(NotifyApprovalRequested, p)
		})
	}
	return s, nil
}

// SessionStatePublisher adapts the hub to session.Config.OnStateChange.
func SessionStatePublisher(hub *NotificationHub) func(session.Status) {
	return func(st session.Status) {
		hub.Publish(NotifySessionState, st)
	}
}

func (s *Service) Hub() *NotificationHub { return s.hub }

// Run drives the session authorizer until ctx ends or a fatal condition is
// signalled.
func (s *Service) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.fatal:
			cancel()
		case <-ctx.Done():
		}
	}()
	if s.session == nil {
		<-ctx.Done()
		return s.runErr(ctx)
	}
	err := s.session.Run(ctx)
	if fatal := s.FatalErr(); fatal != nil {
		return fatal
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Service) runErr(ctx context.Context) error {
	if fatal := s.FatalErr(); fatal != nil {
		return fatal
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}

func (s *Service) Fatal() <-chan struct{} { return s.fatal }

// FatalErr is the reason Fatal was closed, or nil.
func (s *Service) FatalErr() error {
	select {
	case <-s.fatal:
		return s.fatalErr
	default:
		return nil
	}
}

func (s *Service) fail(err error) {
	s.fatalOnce.Do(func() {
		s.fatalErr = err
		s.vault.Lock()
		s.logger.Error("fatal condition, daemon must stop",
			"component", serviceComponentName,
			"error", err.Error(),
		)
		s.hub.Publish(NotifyFatal, map[string]string{"reason": err.Error()})
		close(s.fatal)
	})
}

func (s *Service) SubscribeNotifications(cursor int64) ([]NotificationEvent, <-chan NotificationEvent, func()) {
	return s.hub.Subscribe(cursor)
}

func (s *Service) VaultStatus() (models.VaultStatus, error) { return s.vault.Status() }

func (s *Service) SetPassword(password, confirm string) error {
	if err := s.vault.SetPassword(password, confirm); err != nil {
		return err
	}
	s.publishVaultChange("set_password", "")
	return nil
}

func (s *Service) ChangePassword(oldPassword, newPassword, confirm string) error {
	if err := s.vault.ChangePassword(oldPassword, newPassword, confirm); err != nil {
		return err
	}
	s.publishVaultChange("change_password", "")
	return nil
}

// Unlock opens every record with password. Spending the last attempt
// signals Fatal.
func (s *Service) Unlock(password string) ([]models.Identity, error) {
	ids, err := s.vault.Unlock(password)
	if err != nil {
		if errors.Is(err, identity.ErrUnlockAttemptsExhausted) {
			s.fail(err)
		}
		return nil, err
	}
	s.hub.Publish(NotifyVaultUnlocked, map[string]int{"identities": len(ids)})
	return ids, nil
}

func (s *Service) Lock() {
	s.vault.Lock()
	s.hub.Publish(NotifyVaultLocked, nil)
}

func (s *Service) ListIdentities() []models.Identity { return s.vault.ListIdentities() }

func (s *Service) CreateIdentity(displayName string) (models.Identity, error) {
	ident, err := s.vault.Create(displayName)
	if err != nil {
		return models.Identity{}, err
	}
	s.publishVaultChange("create", ident.Address)
	return ident, nil
}

func (s *Service) ImportIdentity(displayName, secret string) (models.Identity, error) {
	ident, err := s.vault.Import(displayName, secret)
	if err != nil {
		return models.Identity{}, err
	}
	s.publishVaultChange("import", ident.Address)
	return ident, nil
}

func (s *Service) RenameIdentity(address, displayName string) (models.Identity, error) {
	ident, err := s.vault.Rename(address, displayName)
	if err != nil {
		return models.Identity{}, err
	}
	s.publishVaultChange("rename", ident.Address)
	return ident, nil
}

func (s *Service) DeleteIdentity(address string) (models.Identity, error) {
	ident, err := s.vault.Delete(address)
	if err != nil {
		return models.Identity{}, err
	}
	s.publishVaultChange("delete", ident.Address)
	return ident, nil
}

func (s *Service) ListTrash() ([]models.TrashEntry, error) { return s.vault.ListTrash() }

// RestoreIdentity moves a trash entry back. password is only needed when
// the entry was sealed under a password the vault no longer uses.
func (s *Service) RestoreIdentity(index int, password string) (identity.RestoreResult, error) {
	res, err := s.vault.Restore(index, password)
	if err != nil {
		return identity.RestoreResult{}, err
	}
	address := ""
	if res.Identity != nil {
		address = res.Identity.Address
	}
	s.publishVaultChange("restore", address)
	return res, nil
}

func (s *Service) RecoverRestored(password string) ([]models.Identity, error) {
	ids, err := s.vault.RecoverStale(password)
	if err != nil {
		return nil, err
	}
	for _, ident := range ids {
		s.publishVaultChange("recover", ident.Address)
	}
	return ids, nil
}

func (s *Service) ClearTrash() (int, error) {
	n, err := s.vault.ClearTrash()
	if err != nil {
		return 0, err
	}
	s.publishVaultChange("clear_trash", "")
	return n, nil
}

// ToggleVaultMode flips the storage mode. Leaving encrypted mode asks for two
// separate confirmations; entering it needs a double-entry password.
func (s *Service) ToggleVaultMode(ctx context.Context, password, confirm string) (models.VaultMode, error) {
	settings, err := s.vault.Settings()
	if err != nil {
		return "", err
	}
	locked, err := s.vault.NeedsPassword()
	if err != nil {
		return "", err
	}
	if locked {
		return "", identity.ErrVaultLocked
	}
	var token *gate.ConfirmationToken
	if settings.VaultMode == models.VaultModeEncrypted {
		token, err = s.gate.DoubleConfirm(ctx, gate.Action{
			Kind:  gate.KindUnsafeMode,
			Title: "Store private keys without encryption",
			Details: []gate.Detail{
				{Label: "current mode", Value: string(models.VaultModeEncrypted)},
				{Label: "new mode", Value: string(models.VaultModePlaintext)},
				{Label: "warning", Value: "anyone with access to the data directory can read the keys"},
			},
		})
		if err != nil {
			return "", err
		}
	}
	mode, err := s.vault.ToggleVaultMode(token, password, confirm)
	if err != nil {
		return "", err
	}
	s.publishVaultChange("toggle_mode", "")
	return mode, nil
}

func (s *Service) ExportSecret(ctx context.Context, address string) (string, error) {
	return s.vault.ExportSecret(ctx, s.gate, address)
}

func (s *Service) GetSettings() (models.Settings, error) { return s.vault.Settings() }

func (s *Service) UpdateSettings(patch models.SettingsPatch) (models.Settings, error) {
	return s.vault.UpdateSettings(func(cur *models.Settings) error {
		if patch.DisplayCurrency != nil {
			v := strings.ToLower(strings.TrimSpace(*patch.DisplayCurrency))
			if v == "" {
				return fmt.Errorf("%w: display currency is empty", ErrInvalidSettings)
			}
			cur.DisplayCurrency = v
		}
		if patch.DefaultNetwork != nil {
			if _, _, err := chain.ParseChainRef(*patch.DefaultNetwork); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidSettings, err)
			}
			cur.DefaultNetwork = strings.TrimSpace(*patch.DefaultNetwork)
		}
		if patch.GasBuffer != nil {
			if *patch.GasBuffer < 1 {
				return fmt.Errorf("%w: gas buffer must be at least 1", ErrInvalidSettings)
			}
			cur.GasBuffer = *patch.GasBuffer
		}
		if patch.CustomTokens != nil {
			for _, tok := range *patch.CustomTokens {
				if tok.Symbol == "" || tok.Address == "" || tok.Decimals < 0 {
					return fmt.Errorf("%w: custom token needs symbol, address and decimals", ErrInvalidSettings)
				}
			}
			cur.CustomTokens = append([]models.CustomToken(nil), (*patch.CustomTokens)...)
		}
		if patch.BackupMethod != nil {
			cur.BackupMethod = strings.TrimSpace(*patch.BackupMethod)
		}
		return nil
	})
}

// Balance reports the native balance of address. An empty network uses the
// default network from settings.
func (s *Service) Balance(ctx context.Context, address, network string) (*big.Int, error) {
	sender, _, err := s.sender(ctx, network)
	if err != nil {
		return nil, err
	}
	return sender.Balance(ctx, address), nil
}

// Transfer sends value wei from an unlocked identity after confirmation and
// returns the transaction hash.
func (s *Service) Transfer(ctx context.Context, from, to, network string, value *big.Int) (string, error) {
	if value == nil || value.Sign() <= 0 {
		return "", ErrInvalidAmount
	}
	signer, err := s.vault.KeyRing().Signer(from)
	if err != nil {
		return "", err
	}
	sender, network, err := s.sender(ctx, network)
	if err != nil {
		return "", err
	}
	hash, err := chain.Transfer(ctx, s.gate, sender, signer, network, to, value)
	if err != nil {
		s.logger.Warn("transfer failed",
			"component", serviceComponentName,
			"operation", "wallet.transfer",
			"network", network,
			"error", err.Error(),
		)
		return "", err
	}
	s.hub.Publish(NotifyTransferSent, map[string]string{
		"from":    signer.Address(),
		"network": network,
		"tx_hash": hash.Hex(),
	})
	return hash.Hex(), nil
}

// gasBuffer reads the multiplier from settings so changes apply to the next
// transaction. Zero lets the sender use its configured default.
func (s *Service) gasBuffer() float64 {
	settings, err := s.vault.Settings()
	if err != nil {
		s.logger.Warn("settings unavailable, using configured gas buffer",
			"component", serviceComponentName,
			"error", err.Error(),
		)
		return 0
	}
	return settings.GasBuffer
}

func (s *Service) sender(ctx context.Context, network string) (*chain.Sender, string, error) {
	network = strings.TrimSpace(network)
	if network == "" {
		settings, err := s.vault.Settings()
		if err != nil {
			return nil, "", err
		}
		network = settings.DefaultNetwork
	}
	if s.networks == nil {
		return nil, "", fmt.Errorf("%w: %s", chain.ErrUnknownNetwork, network)
	}
	sender, err := s.networks.Sender(ctx, network)
	if err != nil {
		return nil, "", err
	}
	return sender, network, nil
}

func (s *Service) Pair(ctx context.Context, uri, address string) error {
	if s.session == nil {
		return ErrSessionUnavailable
	}
	return s.session.Pair(ctx, uri, address)
}

func (s *Service) SessionStatus() session.Status {
	if s.session == nil {
		return session.Status{State: session.StateIdle.String()}
	}
	return s.session.Status()
}

func (s *Service) CancelSession(ctx context.Context) error {
	if s.session == nil {
		return ErrSessionUnavailable
	}
	return s.session.Cancel(ctx)
}

func (s *Service) PendingApprovals() []gate.Prompt {
	if s.approvals == nil {
		return nil
	}
	return s.approvals.Pending()
}

func (s *Service) DecideApproval(id string, approve bool) error {
	if s.approvals == nil {
		return gate.ErrPromptNotFound
	}
	return s.approvals.Decide(id, approve)
}

func (s *Service) publishVaultChange(op, address string) {
	s.hub.Publish(NotifyVaultChanged, map[string]string{"op": op, "address": address})
}
