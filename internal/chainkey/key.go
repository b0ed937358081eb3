package chainkey

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

var (
	ErrInvalidSecret = errors.New("invalid secret material")
	ErrKeyWiped      = errors.New("key material has been wiped")
)

// Signer is the signing surface handed to code outside the key ring.
type Signer interface {
	Address() string
	SignText(data []byte) ([]byte, error)
	SignTypedData(td apitypes.TypedData) ([]byte, error)
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// Key is one unlocked secp256k1 key pair. The private scalar never leaves
// this package except through Secret.
type Key struct {
	mu      sync.RWMutex
	priv    *ecdsa.PrivateKey
	address common.Address
}

func Generate() (*Key, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return newKey(priv), nil
}

// ParseSecret accepts a 32-byte hex private key (with or without 0x) or a
// BIP-39 mnemonic, in which case the first BIP-44 account is used.
func ParseSecret(secret string) (*Key, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrInvalidSecret
	}
	if strings.Contains(secret, " ") {
		return FromMnemonic(secret, 0)
	}
	raw := strings.TrimPrefix(strings.TrimPrefix(secret, "0x"), "0X")
	if len(raw) != 64 {
		return nil, ErrInvalidSecret
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return nil, ErrInvalidSecret
	}
	priv, err := crypto.HexToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSecret, err)
	}
	return newKey(priv), nil
}

func newKey(priv *ecdsa.PrivateKey) *Key {
	return &Key{priv: priv, address: crypto.PubkeyToAddress(priv.PublicKey)}
}

// Address returns the EIP-55 checksummed address.
func (k *Key) Address() string {
	return k.address.Hex()
}

// Secret returns the canonical hex encoding of the private key.
func (k *Key) Secret() (string, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.priv == nil {
		return "", ErrKeyWiped
	}
	return hex.EncodeToString(crypto.FromECDSA(k.priv)), nil
}

// SignText signs data with the EIP-191 personal message prefix.
func (k *Key) SignText(data []byte) ([]byte, error) {
	return k.signHash(accounts.TextHash(data))
}

// SignTypedData signs the EIP-712 digest of td.
func (k *Key) SignTypedData(td apitypes.TypedData) ([]byte, error) {
	hash, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return nil, err
	}
	return k.signHash(hash)
}

func (k *Key) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.priv == nil {
		return nil, ErrKeyWiped
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), k.priv)
}

func (k *Key) signHash(hash []byte) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.priv == nil {
		return nil, ErrKeyWiped
	}
	sig, err := crypto.Sign(hash, k.priv)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// Wipe drops the private scalar. The address stays readable.
func (k *Key) Wipe() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.priv == nil {
		return
	}
	k.priv.D.SetInt64(0)
	k.priv = nil
}

// RecoverTextSigner returns the address that produced an EIP-191 signature.
func RecoverTextSigner(data, sig []byte) (string, error) {
	if len(sig) != crypto.SignatureLength {
		return "", errors.New("invalid signature length")
	}
	normalized := append([]byte(nil), sig...)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(data), normalized)
	if err != nil {
		return "", err
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}

// IsAddress reports whether s is a 20-byte hex address.
func IsAddress(s string) bool {
	return common.IsHexAddress(strings.TrimSpace(s))
}

// SameAddress compares two hex addresses ignoring checksum case.
func SameAddress(a, b string) bool {
	if !IsAddress(a) || !IsAddress(b) {
		return false
	}
	return common.HexToAddress(a) == common.HexToAddress(b)
}
