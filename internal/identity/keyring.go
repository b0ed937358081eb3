package identity

import (
	"math/big"
	"sort"
	"sync"
	"time"

	"keyvault/go-backend/internal/chainkey"
	"keyvault/go-backend/pkg/models"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

type ringEntry struct {
	identity models.Identity
	key      *chainkey.Key
}

// KeyRing is the in-memory set of unlocked identities. Exactly one entry
// exists per address. It is read-mostly; signing through a Signer handle
// may run concurrently with reads.
type KeyRing struct {
	mu     sync.RWMutex
	byID   map[string]*ringEntry
	byAddr map[string]string
}

func NewKeyRing() *KeyRing {
	return &KeyRing{
		byID:   make(map[string]*ringEntry),
		byAddr: make(map[string]string),
	}
}

type unlockedKey struct {
	id        string
	name      string
	createdAt time.Time
	key       *chainkey.Key
}

// replace swaps the whole ring atomically, wiping previous keys.
func (r *KeyRing) replace(keys []unlockedKey) error {
	byID := make(map[string]*ringEntry, len(keys))
	byAddr := make(map[string]string, len(keys))
	for _, k := range keys {
		addr := models.NormalizeAddress(k.key.Address())
		if _, dup := byAddr[addr]; dup {
			return ErrDuplicateAddress
		}
		byAddr[addr] = k.id
		byID[k.id] = &ringEntry{
			identity: models.Identity{ID: k.id, DisplayName: k.name, Address: k.key.Address(), CreatedAt: k.createdAt},
			key:      k.key,
		}
	}
	r.mu.Lock()
	old := r.byID
	r.byID, r.byAddr = byID, byAddr
	r.mu.Unlock()
	for _, e := range old {
		e.key.Wipe()
	}
	return nil
}

func (r *KeyRing) add(k unlockedKey) (models.Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	addr := models.NormalizeAddress(k.key.Address())
	if _, dup := r.byAddr[addr]; dup {
		return models.Identity{}, ErrDuplicateAddress
	}
	id := models.Identity{ID: k.id, DisplayName: k.name, Address: k.key.Address(), CreatedAt: k.createdAt}
	r.byID[k.id] = &ringEntry{identity: id, key: k.key}
	r.byAddr[addr] = k.id
	return id, nil
}

func (r *KeyRing) remove(id string) {
	r.mu.Lock()
	e, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
		delete(r.byAddr, models.NormalizeAddress(e.identity.Address))
	}
	r.mu.Unlock()
	if ok {
		e.key.Wipe()
	}
}

func (r *KeyRing) rename(id, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byID[id]; ok {
		e.identity.DisplayName = name
	}
}

// Clear wipes every unlocked key.
func (r *KeyRing) Clear() {
	_ = r.replace(nil)
}

func (r *KeyRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

func (r *KeyRing) has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byID[id]
	return ok
}

func (r *KeyRing) Lookup(address string) (models.Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byAddr[models.NormalizeAddress(address)]
	if !ok {
		return models.Identity{}, false
	}
	return r.byID[id].identity, true
}

// List returns identities ordered by creation time.
func (r *KeyRing) List() []models.Identity {
	r.mu.RLock()
	out := make([]models.Identity, 0, len(r.byID))
	for _, e := range r.byID {
		out = append(out, e.identity)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Signer returns a signing handle for address that does not expose the
// private key.
func (r *KeyRing) Signer(address string) (chainkey.Signer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byAddr[models.NormalizeAddress(address)]
	if !ok {
		return nil, ErrIdentityNotFound
	}
	return signerHandle{key: r.byID[id].key}, nil
}

func (r *KeyRing) secret(id string) (string, error) {
	r.mu.RLock()
	e, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return "", ErrVaultLocked
	}
	return e.key.Secret()
}

type signerHandle struct {
	key *chainkey.Key
}

func (s signerHandle) Address() string { return s.key.Address() }

func (s signerHandle) SignText(data []byte) ([]byte, error) { return s.key.SignText(data) }

func (s signerHandle) SignTypedData(td apitypes.TypedData) ([]byte, error) {
	return s.key.SignTypedData(td)
}

func (s signerHandle) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return s.key.SignTx(tx, chainID)
}
