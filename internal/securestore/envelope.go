package securestore

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	envelopeVersion = 1
	saltSize        = 16
	blobPrefix      = "KVENC1\n"
	kdfArgon2id     = "argon2id"
)

var (
	ErrAuthFailed       = errors.New("securestore authentication failed")
	ErrInvalid          = errors.New("securestore envelope is invalid")
	ErrPlaintextData    = errors.New("securestore data is not encrypted")
	ErrPasswordRequired = errors.New("securestore password is required")
)

// KDFParams tags every envelope so blobs stay decryptable when defaults change.
type KDFParams struct {
	Time     uint32 `json:"kdf_time"`
	MemoryKB uint32 `json:"kdf_memory_kb"`
	Threads  uint8  `json:"kdf_threads"`
}

// DefaultParams is the production Argon2id cost.
var DefaultParams = KDFParams{Time: 2, MemoryKB: 64 * 1024, Threads: 1}

type Envelope struct {
	Version    uint32 `json:"version"`
	KDF        string `json:"kdf"`
	KDFParams
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// Cipher encrypts and decrypts secrets under a password with fixed KDF params.
// Envelopes tagged with params below floor are rejected as downgraded.
type Cipher struct {
	params KDFParams
	floor  KDFParams
}

func NewCipher() *Cipher {
	return &Cipher{params: DefaultParams, floor: DefaultParams}
}

// WithParams returns a Cipher using custom KDF cost, with the same cost as
// its downgrade floor.
func WithParams(params KDFParams) *Cipher {
	return &Cipher{params: params, floor: params}
}

func (c *Cipher) Encrypt(password string, plaintext []byte) ([]byte, error) {
	env, err := c.EncryptEnvelope(password, plaintext)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return append([]byte(blobPrefix), raw...), nil
}

func (c *Cipher) EncryptEnvelope(password string, plaintext []byte) (*Envelope, error) {
	if password == "" {
		return nil, ErrPasswordRequired
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key := deriveKey(password, salt, c.params)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	return &Envelope{
		Version:    envelopeVersion,
		KDF:        kdfArgon2id,
		KDFParams:  c.params,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: ciphertext,
	}, nil
}

func (c *Cipher) Decrypt(password string, data []byte) ([]byte, error) {
	if !IsEncrypted(data) {
		return nil, ErrPlaintextData
	}
	data = data[len(blobPrefix):]
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, ErrInvalid
	}
	return c.DecryptEnvelope(password, &env)
}

func (c *Cipher) DecryptEnvelope(password string, env *Envelope) ([]byte, error) {
	if env == nil || env.Version != envelopeVersion || env.KDF != kdfArgon2id {
		return nil, ErrInvalid
	}
	if env.Time < c.floor.Time || env.MemoryKB < c.floor.MemoryKB || env.Threads < 1 {
		return nil, ErrInvalid
	}
	if len(env.Salt) != saltSize || len(env.Nonce) != chacha20poly1305.NonceSizeX {
		return nil, ErrInvalid
	}
	key := deriveKey(password, env.Salt, env.KDFParams)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

// IsEncrypted reports whether data carries the envelope prefix.
func IsEncrypted(data []byte) bool {
	return strings.HasPrefix(string(data), blobPrefix)
}

func deriveKey(password string, salt []byte, p KDFParams) []byte {
	return argon2.IDKey([]byte(password), salt, p.Time, p.MemoryKB, p.Threads, chacha20poly1305.KeySize)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Zero wipes b in place.
func Zero(b []byte) { zeroBytes(b) }
