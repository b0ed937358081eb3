package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	"keyvault/go-backend/internal/securestore"
	"keyvault/go-backend/pkg/models"
)

const settingsFile = "settings.json"

func DefaultSettings() models.Settings {
	return models.Settings{
		DisplayCurrency: "usd",
		DefaultNetwork:  "eip155:1",
		GasBuffer:       1.2,
		VaultMode:       models.VaultModeEncrypted,
	}
}

type SettingsStore struct {
	mu   sync.Mutex
	path string
}

func NewSettingsStore(dir string) *SettingsStore {
	return &SettingsStore{path: filepath.Join(dir, settingsFile)}
}

func (s *SettingsStore) Load() (models.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

// Update applies fn to the current settings and persists the result.
func (s *SettingsStore) Update(fn func(*models.Settings) error) (models.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.loadLocked()
	if err != nil {
		return models.Settings{}, err
	}
	if err := fn(&current); err != nil {
		return models.Settings{}, err
	}
	normalizeSettings(&current)
	data, err := json.MarshalIndent(current, "", "  ")
	if err != nil {
		return models.Settings{}, err
	}
	if err := securestore.WriteFileAtomic(s.path, data); err != nil {
		return models.Settings{}, err
	}
	return current, nil
}

func (s *SettingsStore) loadLocked() (models.Settings, error) {
	settings := DefaultSettings()
	data, err := securestore.ReadFileIfExists(s.path)
	if err != nil {
		return models.Settings{}, err
	}
	if len(data) == 0 {
		return settings, nil
	}
	if err := json.Unmarshal(data, &settings); err != nil {
		return models.Settings{}, fmt.Errorf("%w: %s: %v", ErrStoreCorrupt, settingsFile, err)
	}
	if settings.VaultMode != "" && !settings.VaultMode.Valid() {
		return models.Settings{}, fmt.Errorf("%w: unknown vault mode %q", ErrStoreCorrupt, settings.VaultMode)
	}
	normalizeSettings(&settings)
	return settings, nil
}

func normalizeSettings(s *models.Settings) {
	def := DefaultSettings()
	if s.VaultMode == "" {
		s.VaultMode = def.VaultMode
	}
	if s.GasBuffer < 1 {
		s.GasBuffer = def.GasBuffer
	}
	if s.DisplayCurrency == "" {
		s.DisplayCurrency = def.DisplayCurrency
	}
	if s.DefaultNetwork == "" {
		s.DefaultNetwork = def.DefaultNetwork
	}
}
