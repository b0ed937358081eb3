package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"keyvault/go-backend/internal/chainkey"
	"keyvault/go-backend/internal/gate"
	"keyvault/go-backend/internal/securestore"
	"keyvault/go-backend/internal/storage"
	"keyvault/go-backend/pkg/models"

	"github.com/google/uuid"
)

const DefaultMaxUnlockAttempts = 3

type Options struct {
	Dir               string
	Cipher            *securestore.Cipher
	MaxUnlockAttempts int
	Logger            *slog.Logger
}

// Manager is the vault session: the single owner of the on-disk records,
// the in-memory key ring and the session password. Every vault operation
// goes through one Manager; it holds no process-wide state.
type Manager struct {
	mu          sync.Mutex
	records     *storage.RecordStore
	settings    *storage.SettingsStore
	cipher      *securestore.Cipher
	ring        *KeyRing
	password    string
	failed      int
	maxAttempts int
	log         *slog.Logger
	now         func() time.Time
}

func NewManager(opts Options) *Manager {
	if opts.Cipher == nil {
		opts.Cipher = securestore.NewCipher()
	}
	if opts.MaxUnlockAttempts <= 0 {
		opts.MaxUnlockAttempts = DefaultMaxUnlockAttempts
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		records:     storage.NewRecordStore(opts.Dir),
		settings:    storage.NewSettingsStore(opts.Dir),
		cipher:      opts.Cipher,
		ring:        NewKeyRing(),
		maxAttempts: opts.MaxUnlockAttempts,
		log:         opts.Logger,
		now:         time.Now,
	}
}

// KeyRing exposes the unlocked identities for signing.
func (m *Manager) KeyRing() *KeyRing { return m.ring }

func (m *Manager) Settings() (models.Settings, error) { return m.settings.Load() }

func (m *Manager) UpdateSettings(fn func(*models.Settings) error) (models.Settings, error) {
	return m.settings.Update(func(s *models.Settings) error {
		mode := s.VaultMode
		if err := fn(s); err != nil {
			return err
		}
		if s.VaultMode != mode {
			return errors.New("vault mode can only change through ToggleVaultMode")
		}
		return nil
	})
}

func (m *Manager) Status() (models.VaultStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, err := m.records.Load()
	if err != nil {
		return models.VaultStatus{}, err
	}
	settings, err := m.settings.Load()
	if err != nil {
		return models.VaultStatus{}, err
	}
	_, stale := splitStale(set.Active)
	return models.VaultStatus{
		Mode:              settings.VaultMode,
		PasswordSet:       m.password != "",
		Records:           len(set.Active),
		Unlocked:          m.ring.Len(),
		TrashRecords:      len(set.Trash),
		StaleRecords:      len(stale),
		AttemptsRemaining: m.maxAttempts - m.failed,
	}, nil
}

// NeedsPassword reports whether the vault holds encrypted records that must
// be unlocked before use.
func (m *Manager) NeedsPassword() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, err := m.records.Load()
	if err != nil {
		return false, err
	}
	settings, err := m.settings.Load()
	if err != nil {
		return false, err
	}
	return settings.VaultMode == models.VaultModeEncrypted && len(set.Active) > 0 && m.password == "", nil
}

// SetPassword establishes the vault password for a vault without encrypted
// records. Both entries must match.
func (m *Manager) SetPassword(password, confirm string) error {
	if password == "" {
		return ErrPasswordRequired
	}
	if password != confirm {
		return ErrPasswordMismatch
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	set, err := m.records.Load()
	if err != nil {
		return err
	}
	for _, r := range set.Active {
		if !r.Stale && r.Mode() == models.VaultModeEncrypted {
			return ErrPasswordAlreadySet
		}
	}
	m.password = password
	return nil
}

// ChangePassword re-encrypts every active and trash record under a new
// password in one write. The whole vault must be unlocked with the old one.
// Stale records and trash records sealed under some other password keep
// their blobs.
func (m *Manager) ChangePassword(oldPassword, newPassword, confirm string) error {
	if newPassword == "" {
		return ErrPasswordRequired
	}
	if newPassword != confirm {
		return ErrPasswordMismatch
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.password == "" || oldPassword != m.password {
		return ErrWrongPassword
	}
	settings, err := m.settings.Load()
	if err != nil {
		return err
	}
	if settings.VaultMode != models.VaultModeEncrypted {
		return fmt.Errorf("%w: vault is in plaintext mode", ErrPasswordRequired)
	}
	_, err = m.records.Mutate(func(set storage.RecordSet) (storage.RecordSet, error) {
		if err := m.requireUnlockedLocked(set); err != nil {
			return set, err
		}
		return m.reencodeSetLocked(set, models.VaultModeEncrypted, newPassword)
	})
	if err != nil {
		return err
	}
	m.password = newPassword
	m.log.Info("vault password changed")
	return nil
}

// Unlock decrypts every active record. It is all-or-nothing: any failure
// leaves the key ring empty. A wrong password consumes one attempt; the last
// attempt returns ErrUnlockAttemptsExhausted, which callers treat as fatal.
// Stale records are outside that batch: they are tried with the same
// password once the rest is open and stay stale when that fails.
func (m *Manager) Unlock(password string) ([]models.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failed >= m.maxAttempts {
		return nil, fmt.Errorf("%w: %w", ErrUnlockAttemptsExhausted, ErrWrongPassword)
	}
	set, err := m.records.Load()
	if err != nil {
		m.ring.Clear()
		return nil, err
	}
	mode, err := m.reconcileModeLocked(set)
	if err != nil {
		m.ring.Clear()
		return nil, err
	}
	if mode == models.VaultModeEncrypted && len(set.Active) > 0 && password == "" {
		return nil, ErrPasswordRequired
	}

	regular, stale := splitStale(set.Active)
	keys := make([]unlockedKey, 0, len(regular))
	wipe := func() {
		for _, k := range keys {
			k.key.Wipe()
		}
	}
	for _, r := range regular {
		key, err := m.openRecord(r, password)
		if err != nil {
			wipe()
			m.ring.Clear()
			if errors.Is(err, ErrWrongPassword) {
				return nil, m.onFailedAttemptLocked()
			}
			m.log.Error("vault unlock failed", "record_id", r.ID, "error", err)
			return nil, err
		}
		keys = append(keys, unlockedKey{id: r.ID, name: r.DisplayName, createdAt: r.CreatedAt, key: key})
	}
	if err := m.ring.replace(keys); err != nil {
		wipe()
		m.ring.Clear()
		return nil, fmt.Errorf("%w: %w", ErrRecordCorrupt, err)
	}
	m.failed = 0
	if mode == models.VaultModeEncrypted && len(regular) > 0 {
		m.password = password
	}
	if len(stale) > 0 {
		m.reattachStaleLocked(mode, password)
	}
	m.log.Info("vault unlocked", "identities", m.ring.Len(), "mode", string(mode))
	return m.ring.List(), nil
}

func (m *Manager) onFailedAttemptLocked() error {
	m.failed++
	remaining := m.maxAttempts - m.failed
	m.log.Warn("vault unlock rejected", "attempt", m.failed, "remaining", remaining)
	if remaining <= 0 {
		return fmt.Errorf("%w: %w", ErrUnlockAttemptsExhausted, ErrWrongPassword)
	}
	return ErrWrongPassword
}

// Lock wipes the key ring and forgets the password.
func (m *Manager) Lock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ring.Clear()
	m.password = ""
}

func (m *Manager) ListIdentities() []models.Identity {
	return m.ring.List()
}

// Create generates a new key pair and stores it.
func (m *Manager) Create(displayName string) (models.Identity, error) {
	key, err := chainkey.Generate()
	if err != nil {
		return models.Identity{}, err
	}
	return m.addKey(displayName, key)
}

// Import stores a key given as hex private key or BIP-39 mnemonic.
func (m *Manager) Import(displayName, secret string) (models.Identity, error) {
	key, err := chainkey.ParseSecret(secret)
	if err != nil {
		return models.Identity{}, err
	}
	return m.addKey(displayName, key)
}

func (m *Manager) addKey(displayName string, key *chainkey.Key) (models.Identity, error) {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		key.Wipe()
		return models.Identity{}, ErrDisplayNameRequired
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	settings, err := m.settings.Load()
	if err != nil {
		key.Wipe()
		return models.Identity{}, err
	}
	if settings.VaultMode == models.VaultModeEncrypted && m.password == "" {
		key.Wipe()
		return models.Identity{}, ErrPasswordRequired
	}
	if _, exists := m.ring.Lookup(key.Address()); exists {
		key.Wipe()
		return models.Identity{}, ErrDuplicateAddress
	}

	secret, err := key.Secret()
	if err != nil {
		key.Wipe()
		return models.Identity{}, err
	}
	rec := models.VaultRecord{
		ID:          uuid.NewString(),
		DisplayName: displayName,
		CreatedAt:   m.now().UTC(),
	}
	if rec, err = m.sealLocked(rec, secret, settings.VaultMode, m.password); err != nil {
		key.Wipe()
		return models.Identity{}, err
	}
	_, err = m.records.Mutate(func(set storage.RecordSet) (storage.RecordSet, error) {
		if err := m.requireUnlockedLocked(set); err != nil {
			return set, err
		}
		set.Active = append(set.Active, rec)
		return set, nil
	})
	if err != nil {
		key.Wipe()
		return models.Identity{}, err
	}
	ident, err := m.ring.add(unlockedKey{id: rec.ID, name: rec.DisplayName, createdAt: rec.CreatedAt, key: key})
	if err != nil {
		return models.Identity{}, err
	}
	m.log.Info("identity stored", "record_id", rec.ID, "address", ident.Address, "mode", string(settings.VaultMode))
	return ident, nil
}

// Rename changes the display name of the identity at address. The full
// active record set is rewritten atomically.
func (m *Manager) Rename(address, newDisplayName string) (models.Identity, error) {
	newDisplayName = strings.TrimSpace(newDisplayName)
	if newDisplayName == "" {
		return models.Identity{}, ErrDisplayNameRequired
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ident, ok := m.ring.Lookup(address)
	if !ok {
		return models.Identity{}, ErrIdentityNotFound
	}
	_, err := m.records.Mutate(func(set storage.RecordSet) (storage.RecordSet, error) {
		i := storage.IndexOf(set.Active, ident.ID)
		if i < 0 {
			return set, ErrIdentityNotFound
		}
		set.Active[i].DisplayName = newDisplayName
		return set, nil
	})
	if err != nil {
		return models.Identity{}, err
	}
	m.ring.rename(ident.ID, newDisplayName)
	ident.DisplayName = newDisplayName
	return ident, nil
}

// Delete moves the record of the identity at address to the trash.
func (m *Manager) Delete(address string) (models.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ident, ok := m.ring.Lookup(address)
	if !ok {
		return models.Identity{}, ErrIdentityNotFound
	}
	_, err := m.records.Mutate(func(set storage.RecordSet) (storage.RecordSet, error) {
		i := storage.IndexOf(set.Active, ident.ID)
		if i < 0 {
			return set, ErrIdentityNotFound
		}
		set.Trash = append(set.Trash, set.Active[i])
		set.Active = append(set.Active[:i], set.Active[i+1:]...)
		return set, nil
	})
	if err != nil {
		return models.Identity{}, err
	}
	m.ring.remove(ident.ID)
	m.log.Info("identity moved to trash", "record_id", ident.ID)
	return ident, nil
}

func (m *Manager) ListTrash() ([]models.TrashEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, err := m.records.Load()
	if err != nil {
		return nil, err
	}
	out := make([]models.TrashEntry, 0, len(set.Trash))
	for i, r := range set.Trash {
		out = append(out, models.TrashEntry{
			Index:       i,
			ID:          r.ID,
			DisplayName: r.DisplayName,
			Mode:        r.Mode(),
			CreatedAt:   r.CreatedAt,
		})
	}
	return out, nil
}

type RestoreResult struct {
	Entry    models.TrashEntry `json:"entry"`
	Identity *models.Identity  `json:"identity,omitempty"`
	// Warning is ErrUnlockFailedAfterRestore when the record is back on disk
	// but could not be loaded into the key ring.
	Warning error `json:"-"`
}

// Restore moves the trash record at index back to the active set. The move
// always happens: the record is stored in the current vault mode when it can
// be opened with the vault password or with password, and otherwise keeps
// its blob and is marked stale. Loading it into the key ring is attempted
// afterwards and its failure is only a warning.
func (m *Manager) Restore(index int, password string) (RestoreResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	settings, err := m.settings.Load()
	if err != nil {
		return RestoreResult{}, err
	}
	var (
		restored  models.VaultRecord
		vaultPass string
		ringReady bool
		openErr   error
	)
	_, err = m.records.Mutate(func(set storage.RecordSet) (storage.RecordSet, error) {
		if index < 0 || index >= len(set.Trash) {
			return set, ErrTrashIndex
		}
		rec := set.Trash[index]
		set.Trash = append(set.Trash[:index], set.Trash[index+1:]...)
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
		vaultPass = m.vaultPasswordLocked(set, settings.VaultMode, password)
		if i := storage.IndexOf(set.Active, rec.ID); i >= 0 {
			restored = set.Active[i]
			ringReady = m.ringCoversLocked(set, restored.ID)
			return set, nil
		}
		ringReady = m.requireUnlockedLocked(set) == nil
		normalized, staleErr, err := m.restoredRecordLocked(rec, settings.VaultMode, vaultPass, password)
		if err != nil {
			return set, err
		}
		openErr = staleErr
		set.Active = append(set.Active, normalized)
		restored = normalized
		return set, nil
	})
	if err != nil {
		return RestoreResult{}, err
	}
	res := RestoreResult{Entry: models.TrashEntry{
		Index:       index,
		ID:          restored.ID,
		DisplayName: restored.DisplayName,
		Mode:        restored.Mode(),
		CreatedAt:   restored.CreatedAt,
	}}
	if m.ring.has(restored.ID) {
		ident, _ := m.lookupByIDLocked(restored.ID)
		res.Identity = &ident
		return res, nil
	}
	warn := func(err error) (RestoreResult, error) {
		res.Warning = fmt.Errorf("%w: %w", ErrUnlockFailedAfterRestore, err)
		m.log.Warn("restored record left locked", "record_id", restored.ID, "stale", restored.Stale, "error", err)
		return res, nil
	}
	switch {
	case restored.Stale && openErr != nil:
		return warn(openErr)
	case restored.Stale:
		return warn(ErrWrongPassword)
	case !ringReady:
		return warn(ErrVaultLocked)
	}
	key, err := m.openRecord(restored, vaultPass)
	if err != nil {
		return warn(err)
	}
	ident, err := m.ring.add(unlockedKey{id: restored.ID, name: restored.DisplayName, createdAt: restored.CreatedAt, key: key})
	if err != nil {
		key.Wipe()
		return warn(err)
	}
	if settings.VaultMode == models.VaultModeEncrypted && m.password == "" {
		m.password = vaultPass
	}
	res.Identity = &ident
	m.log.Info("identity restored", "record_id", restored.ID, "address", ident.Address)
	return res, nil
}

// RecoverStale tries password on every stale record and stores the ones it
// opens in the current vault mode. The rest of the vault must be unlocked.
// Failures do not count against the unlock budget.
func (m *Manager) RecoverStale(password string) ([]models.Identity, error) {
	if password == "" {
		return nil, ErrPasswordRequired
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	set, err := m.records.Load()
	if err != nil {
		return nil, err
	}
	if err := m.requireUnlockedLocked(set); err != nil {
		return nil, err
	}
	settings, err := m.settings.Load()
	if err != nil {
		return nil, err
	}
	regular, _ := splitStale(set.Active)
	if settings.VaultMode == models.VaultModeEncrypted && m.password == "" && len(regular) > 0 {
		return nil, ErrVaultLocked
	}
	return m.reattachStaleLocked(settings.VaultMode, password), nil
}

// ClearTrash permanently drops every trash record and returns their count.
func (m *Manager) ClearTrash() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cleared := 0
	_, err := m.records.Mutate(func(set storage.RecordSet) (storage.RecordSet, error) {
		cleared = len(set.Trash)
		set.Trash = nil
		return set, nil
	})
	if err != nil {
		return 0, err
	}
	m.log.Info("trash cleared", "records", cleared)
	return cleared, nil
}

// ToggleVaultMode switches between encrypted and plaintext storage and
// rewrites every active and trash record in one atomic write. Moving to plaintext
// requires a fully affirmed token; moving back requires a double-entry
// password.
func (m *Manager) ToggleVaultMode(token *gate.ConfirmationToken, password, confirm string) (models.VaultMode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	settings, err := m.settings.Load()
	if err != nil {
		return "", err
	}
	target := models.VaultModePlaintext
	newPassword := ""
	if settings.VaultMode == models.VaultModePlaintext {
		target = models.VaultModeEncrypted
		if password == "" {
			return "", ErrPasswordRequired
		}
		if password != confirm {
			return "", ErrPasswordMismatch
		}
		newPassword = password
	}

	set, err := m.records.Load()
	if err != nil {
		return "", err
	}
	if err := m.requireUnlockedLocked(set); err != nil {
		return "", err
	}
	if target == models.VaultModePlaintext && !token.Consume(gate.KindUnsafeMode) {
		return "", ErrConfirmationRequired
	}

	_, err = m.records.Mutate(func(set storage.RecordSet) (storage.RecordSet, error) {
		if err := m.requireUnlockedLocked(set); err != nil {
			return set, err
		}
		return m.reencodeSetLocked(set, target, newPassword)
	})
	if err != nil {
		return "", err
	}
	if _, err := m.settings.Update(func(s *models.Settings) error {
		s.VaultMode = target
		return nil
	}); err != nil {
		return "", err
	}
	m.password = newPassword
	m.log.Warn("vault mode changed", "mode", string(target))
	return target, nil
}

// ExportSecret discloses the private key of address after an explicit
// confirmation through g.
func (m *Manager) ExportSecret(ctx context.Context, g *gate.Gate, address string) (string, error) {
	ident, ok := m.ring.Lookup(address)
	if !ok {
		return "", ErrIdentityNotFound
	}
	err := g.Authorize(ctx, gate.Action{
		Kind:  gate.KindDiscloseSecret,
		Title: "Reveal private key",
		Details: []gate.Detail{
			{Label: "name", Value: ident.DisplayName},
			{Label: "address", Value: ident.Address},
		},
		Ref: ident.ID,
	})
	if err != nil {
		return "", err
	}
	return m.ring.secret(ident.ID)
}

// openRecord turns a record into a key. Authentication failures map to
// ErrWrongPassword; anything else about the record is ErrRecordCorrupt.
func (m *Manager) openRecord(r models.VaultRecord, password string) (*chainkey.Key, error) {
	var secret string
	switch r.Mode() {
	case models.VaultModeEncrypted:
		if password == "" {
			return nil, ErrPasswordRequired
		}
		plain, err := m.cipher.Decrypt(password, r.CipherBlob)
		if err != nil {
			if errors.Is(err, securestore.ErrAuthFailed) {
				return nil, ErrWrongPassword
			}
			return nil, fmt.Errorf("%w: %w", ErrRecordCorrupt, err)
		}
		secret = string(plain)
		securestore.Zero(plain)
	default:
		secret = r.PlainSecret
	}
	key, err := chainkey.ParseSecret(secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRecordCorrupt, err)
	}
	return key, nil
}

// encodeRecordLocked converts r into mode. The secret is taken from the key
// ring when available, otherwise from the record itself.
func (m *Manager) encodeRecordLocked(r models.VaultRecord, mode models.VaultMode, password string) (models.VaultRecord, error) {
	secret, err := m.ring.secret(r.ID)
	if err != nil {
		secret, err = m.recordSecret(r)
		if err != nil {
			return r, err
		}
	}
	return m.sealLocked(r, secret, mode, password)
}

func (m *Manager) recordSecret(r models.VaultRecord) (string, error) {
	secret, _, err := m.openSecret(r, m.password)
	return secret, err
}

// openSecret returns the secret of r and the password that opened it,
// trying each non-empty password in order.
func (m *Manager) openSecret(r models.VaultRecord, passwords ...string) (string, string, error) {
	if r.Mode() == models.VaultModePlaintext {
		return r.PlainSecret, "", nil
	}
	err := ErrPasswordRequired
	tried := make(map[string]struct{}, len(passwords))
	for _, pw := range passwords {
		if pw == "" {
			continue
		}
		if _, dup := tried[pw]; dup {
			continue
		}
		tried[pw] = struct{}{}
		plain, derr := m.cipher.Decrypt(pw, r.CipherBlob)
		if derr == nil {
			secret := string(plain)
			securestore.Zero(plain)
			return secret, pw, nil
		}
		if !errors.Is(derr, securestore.ErrAuthFailed) {
			return "", "", fmt.Errorf("%w: %w", ErrRecordCorrupt, derr)
		}
		err = ErrWrongPassword
	}
	return "", "", err
}

// reencodeSetLocked brings every regular active record and every trash
// record to mode under password. Stale records are left alone.
func (m *Manager) reencodeSetLocked(set storage.RecordSet, mode models.VaultMode, password string) (storage.RecordSet, error) {
	for i, r := range set.Active {
		if r.Stale {
			continue
		}
		rec, err := m.encodeRecordLocked(r, mode, password)
		if err != nil {
			return set, err
		}
		set.Active[i] = rec
	}
	for i, r := range set.Trash {
		rec, err := m.retrashLocked(r, mode, password)
		if err != nil {
			return set, err
		}
		set.Trash[i] = rec
	}
	return set, nil
}

// retrashLocked converts a trash record like encodeRecordLocked does. A trash
// record this session cannot open was sealed under an older password; it
// keeps that blob and is never written in the clear.
func (m *Manager) retrashLocked(r models.VaultRecord, mode models.VaultMode, password string) (models.VaultRecord, error) {
	switch {
	case r.Mode() == models.VaultModePlaintext && mode == models.VaultModePlaintext:
		return r, nil
	case r.Mode() == models.VaultModeEncrypted && mode == models.VaultModeEncrypted && password == m.password:
		return r, nil
	}
	secret, err := m.recordSecret(r)
	if err != nil {
		if r.Mode() == models.VaultModeEncrypted {
			m.log.Warn("trash record kept under its original password", "record_id", r.ID, "error", err)
			return r, nil
		}
		return r, err
	}
	return m.sealLocked(r, secret, mode, password)
}

// restoredRecordLocked prepares a trash record for the active set. The
// returned warning explains why the record is stale; the error aborts the
// restore and is only returned when keeping the record would leave a secret
// unencrypted in an encrypted vault.
func (m *Manager) restoredRecordLocked(r models.VaultRecord, mode models.VaultMode, vaultPass, password string) (models.VaultRecord, error, error) {
	r.Stale = false
	secret, openedWith, err := m.openSecret(r, vaultPass, password)
	if err != nil {
		r.Stale = true
		return r, err, nil
	}
	switch {
	case mode == models.VaultModePlaintext:
		rec, err := m.sealLocked(r, secret, mode, "")
		return rec, nil, err
	case vaultPass == "":
		if r.Mode() == models.VaultModePlaintext {
			return r, nil, ErrPasswordRequired
		}
		r.Stale = true
		return r, ErrPasswordRequired, nil
	case r.Mode() == models.VaultModeEncrypted && openedWith == vaultPass:
		return r, nil, nil
	}
	rec, err := m.sealLocked(r, secret, mode, vaultPass)
	return rec, nil, err
}

// vaultPasswordLocked is the password records should be sealed under, or ""
// when it is not known. Without a session password, candidate is accepted
// when it opens the regular encrypted records, or when there are none.
func (m *Manager) vaultPasswordLocked(set storage.RecordSet, mode models.VaultMode, candidate string) string {
	if mode != models.VaultModeEncrypted {
		return ""
	}
	if m.password != "" || candidate == "" {
		return m.password
	}
	for _, r := range set.Active {
		if r.Stale || r.Mode() != models.VaultModeEncrypted {
			continue
		}
		plain, err := m.cipher.Decrypt(candidate, r.CipherBlob)
		if err != nil {
			return ""
		}
		securestore.Zero(plain)
		return candidate
	}
	return candidate
}

// reattachStaleLocked opens stale records with password, rewrites them in
// mode and adds them to the key ring. Records it cannot open stay stale.
func (m *Manager) reattachStaleLocked(mode models.VaultMode, password string) []models.Identity {
	vaultPass := ""
	if mode == models.VaultModeEncrypted {
		vaultPass = m.password
		if vaultPass == "" {
			vaultPass = password
		}
	}
	opened := make(map[string]*chainkey.Key)
	wipe := func() {
		for _, k := range opened {
			k.Wipe()
		}
	}
	set, err := m.records.Mutate(func(set storage.RecordSet) (storage.RecordSet, error) {
		for i, r := range set.Active {
			if !r.Stale {
				continue
			}
			secret, openedWith, err := m.openSecret(r, password)
			if err != nil {
				m.log.Debug("stale record still locked", "record_id", r.ID, "error", err)
				continue
			}
			key, err := chainkey.ParseSecret(secret)
			if err != nil {
				m.log.Warn("stale record is corrupt", "record_id", r.ID, "error", err)
				continue
			}
			if _, dup := m.ring.Lookup(key.Address()); dup {
				key.Wipe()
				m.log.Warn("stale record duplicates an unlocked identity", "record_id", r.ID)
				continue
			}
			rec := r
			rec.Stale = false
			if mode == models.VaultModePlaintext || openedWith != vaultPass {
				if rec, err = m.sealLocked(rec, secret, mode, vaultPass); err != nil {
					key.Wipe()
					return set, err
				}
			}
			set.Active[i] = rec
			opened[r.ID] = key
		}
		return set, nil
	})
	if err != nil {
		wipe()
		m.log.Error("stale records could not be rewritten", "error", err)
		return nil
	}
	var out []models.Identity
	for _, r := range set.Active {
		key, ok := opened[r.ID]
		if !ok {
			continue
		}
		delete(opened, r.ID)
		ident, err := m.ring.add(unlockedKey{id: r.ID, name: r.DisplayName, createdAt: r.CreatedAt, key: key})
		if err != nil {
			key.Wipe()
			continue
		}
		out = append(out, ident)
	}
	wipe()
	if len(out) > 0 && mode == models.VaultModeEncrypted && m.password == "" {
		m.password = vaultPass
	}
	if len(out) > 0 {
		m.log.Info("stale records recovered", "identities", len(out))
	}
	return out
}

func (m *Manager) sealLocked(r models.VaultRecord, secret string, mode models.VaultMode, password string) (models.VaultRecord, error) {
	r.CipherBlob, r.PlainSecret = nil, ""
	if mode == models.VaultModePlaintext {
		r.PlainSecret = secret
		return r, nil
	}
	if password == "" {
		return r, ErrPasswordRequired
	}
	blob, err := m.cipher.Encrypt(password, []byte(secret))
	if err != nil {
		return r, err
	}
	r.CipherBlob = blob
	return r, nil
}

func (m *Manager) requireUnlockedLocked(set storage.RecordSet) error {
	for _, r := range set.Active {
		if !r.Stale && !m.ring.has(r.ID) {
			return ErrVaultLocked
		}
	}
	return nil
}

// reconcileModeLocked checks that all active records share one mode. When
// they all disagree with the settings flag (an interrupted toggle), the flag
// is repaired to match the records.
func (m *Manager) reconcileModeLocked(set storage.RecordSet) (models.VaultMode, error) {
	settings, err := m.settings.Load()
	if err != nil {
		return "", err
	}
	regular, _ := splitStale(set.Active)
	if len(regular) == 0 {
		return settings.VaultMode, nil
	}
	mode := regular[0].Mode()
	for _, r := range regular[1:] {
		if r.Mode() != mode {
			return "", fmt.Errorf("%w: vault holds records in mixed modes", ErrRecordCorrupt)
		}
	}
	if mode != settings.VaultMode {
		m.log.Warn("vault mode flag disagrees with records; repairing", "flag", string(settings.VaultMode), "records", string(mode))
		if _, err := m.settings.Update(func(s *models.Settings) error {
			s.VaultMode = mode
			return nil
		}); err != nil {
			return "", err
		}
	}
	return mode, nil
}

func (m *Manager) lookupByIDLocked(id string) (models.Identity, bool) {
	for _, ident := range m.ring.List() {
		if ident.ID == id {
			return ident, true
		}
	}
	return models.Identity{}, false
}

// ringCoversLocked reports whether every regular active record other than
// exceptID is unlocked.
func (m *Manager) ringCoversLocked(set storage.RecordSet, exceptID string) bool {
	for _, r := range set.Active {
		if r.ID != exceptID && !r.Stale && !m.ring.has(r.ID) {
			return false
		}
	}
	return true
}

func splitStale(records []models.VaultRecord) (regular, stale []models.VaultRecord) {
	for _, r := range records {
		if r.Stale {
			stale = append(stale, r)
		} else {
			regular = append(regular, r)
		}
	}
	return regular, stale
}
