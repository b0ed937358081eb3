package relay

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	envelopeType0 byte = 0
	envelopeType1 byte = 1

	keyLen = 32
)

var (
	ErrEnvelopeInvalid = errors.New("relay envelope is invalid")
	ErrDecryptFailed   = errors.New("relay envelope could not be decrypted")
)

// didKeyPrefix is the multicodec prefix for an ed25519 public key.
var didKeyPrefix = []byte{0xed, 0x01}

type KeyPair struct {
	Private [keyLen]byte
	Public  [keyLen]byte
}

func GenerateKeyPair() (KeyPair, error) {
	var kp KeyPair
	if _, err := io.ReadFull(rand.Reader, kp.Private[:]); err != nil {
		return kp, err
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return kp, err
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

func (kp KeyPair) PublicHex() string { return hex.EncodeToString(kp.Public[:]) }

// DeriveSymKey agrees on a session key with the peer's X25519 public key.
func DeriveSymKey(private [keyLen]byte, peerPublicHex string) ([]byte, error) {
	peer, err := hex.DecodeString(peerPublicHex)
	if err != nil || len(peer) != keyLen {
		return nil, fmt.Errorf("%w: peer public key", ErrEnvelopeInvalid)
	}
	shared, err := curve25519.X25519(private[:], peer)
	if err != nil {
		return nil, err
	}
	sym := make([]byte, keyLen)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, nil), sym); err != nil {
		return nil, err
	}
	return sym, nil
}

// TopicFromSymKey is the topic a session key is published under.
func TopicFromSymKey(sym []byte) string {
	sum := sha256.Sum256(sym)
	return hex.EncodeToString(sum[:])
}

// Seal encrypts payload under sym. A non-nil senderPublic produces a type 1
// envelope carrying the sender's key, which the proposal response needs.
func Seal(sym, payload, senderPublic []byte) (string, error) {
	aead, err := chacha20poly1305.New(sym)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	var out []byte
	if senderPublic != nil {
		out = append(out, envelopeType1)
		out = append(out, senderPublic...)
	} else {
		out = append(out, envelopeType0)
	}
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, payload, nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

func Open(sym []byte, message string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(message)
	if err != nil || len(raw) == 0 {
		return nil, ErrEnvelopeInvalid
	}
	body := raw[1:]
	switch raw[0] {
	case envelopeType0:
	case envelopeType1:
		if len(body) < keyLen {
			return nil, ErrEnvelopeInvalid
		}
		body = body[keyLen:]
	default:
		return nil, fmt.Errorf("%w: type %d", ErrEnvelopeInvalid, raw[0])
	}
	aead, err := chacha20poly1305.New(sym)
	if err != nil {
		return nil, err
	}
	if len(body) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrEnvelopeInvalid
	}
	plain, err := aead.Open(nil, body[:aead.NonceSize()], body[aead.NonceSize():], nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plain, nil
}

// ClientID is the relay identity: a did:key over an ed25519 public key.
func ClientID(pub ed25519.PublicKey) string {
	return "did:key:z" + base58.Encode(append(append([]byte{}, didKeyPrefix...), pub...))
}

// PublicKeyFromClientID reverses ClientID.
func PublicKeyFromClientID(id string) (ed25519.PublicKey, error) {
	enc, ok := strings.CutPrefix(id, "did:key:z")
	if !ok {
		return nil, fmt.Errorf("unsupported client id %q", id)
	}
	raw, err := base58.Decode(enc)
	if err != nil {
		return nil, err
	}
	if len(raw) != len(didKeyPrefix)+ed25519.PublicKeySize || raw[0] != didKeyPrefix[0] || raw[1] != didKeyPrefix[1] {
		return nil, errors.New("client id is not an ed25519 did:key")
	}
	return ed25519.PublicKey(raw[len(didKeyPrefix):]), nil
}

type authClaims struct {
	Issuer    string `json:"iss"`
	Subject   string `json:"sub"`
	Audience  string `json:"aud"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

// SignAuthToken builds the EdDSA JWT relays expect in the auth query
// parameter.
func SignAuthToken(priv ed25519.PrivateKey, audience string, now time.Time, ttl time.Duration) (string, error) {
	subject := make([]byte, keyLen)
	if _, err := io.ReadFull(rand.Reader, subject); err != nil {
		return "", err
	}
	header, _ := json.Marshal(map[string]string{"alg": "EdDSA", "typ": "JWT"})
	claims, err := json.Marshal(authClaims{
		Issuer:    ClientID(priv.Public().(ed25519.PublicKey)),
		Subject:   hex.EncodeToString(subject),
		Audience:  audience,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	})
	if err != nil {
		return "", err
	}
	enc := base64.RawURLEncoding
	signing := enc.EncodeToString(header) + "." + enc.EncodeToString(claims)
	sig := ed25519.Sign(priv, []byte(signing))
	return signing + "." + enc.EncodeToString(sig), nil
}

// VerifyAuthToken checks a token produced by SignAuthToken and returns the
// issuing client id.
func VerifyAuthToken(token string, now time.Time) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", errors.New("malformed auth token")
	}
	enc := base64.RawURLEncoding
	rawClaims, err := enc.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("auth token claims: %w", err)
	}
	sig, err := enc.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("auth token signature: %w", err)
	}
	var claims authClaims
	if err := json.Unmarshal(rawClaims, &claims); err != nil {
		return "", fmt.Errorf("auth token claims: %w", err)
	}
	pub, err := PublicKeyFromClientID(claims.Issuer)
	if err != nil {
		return "", err
	}
	if !ed25519.Verify(pub, []byte(parts[0]+"."+parts[1]), sig) {
		return "", errors.New("auth token signature mismatch")
	}
	if now.Unix() > claims.ExpiresAt {
		return "", errors.New("auth token expired")
	}
	return claims.Issuer, nil
}
