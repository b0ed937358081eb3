package models

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

type VaultMode string

const (
	VaultModeEncrypted VaultMode = "encrypted"
	VaultModePlaintext VaultMode = "plaintext"
)

func (m VaultMode) Valid() bool {
	return m == VaultModeEncrypted || m == VaultModePlaintext
}

// Identity is the public view of one managed key pair.
type Identity struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	Address     string    `json:"address"`
	CreatedAt   time.Time `json:"created_at"`
}

// VaultRecord is the persisted form of an identity. Exactly one of
// CipherBlob and PlainSecret is set.
type VaultRecord struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	CipherBlob  []byte    `json:"cipher_blob,omitempty"`
	PlainSecret string    `json:"plain_secret,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	// Stale marks an active record restored from the trash that could not
	// be opened with the vault password. It keeps its stored blob until a
	// later unlock or recovery opens it.
	Stale bool `json:"stale,omitempty"`
}

func (r VaultRecord) Mode() VaultMode {
	if len(r.CipherBlob) > 0 {
		return VaultModeEncrypted
	}
	return VaultModePlaintext
}

type TrashEntry struct {
	Index       int       `json:"index"`
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	Mode        VaultMode `json:"mode"`
	CreatedAt   time.Time `json:"created_at"`
}

type CustomToken struct {
	Network  string `json:"network"`
	Symbol   string `json:"symbol"`
	Address  string `json:"address"`
	Decimals int    `json:"decimals"`
}

type Settings struct {
	DisplayCurrency string        `json:"display_currency"`
	DefaultNetwork  string        `json:"default_network"`
	GasBuffer       float64       `json:"gas_buffer"`
	CustomTokens    []CustomToken `json:"custom_tokens,omitempty"`
	BackupMethod    string        `json:"backup_method,omitempty"`
	VaultMode       VaultMode     `json:"vault_mode"`
}

type VaultStatus struct {
	Mode              VaultMode `json:"mode"`
	PasswordSet       bool      `json:"password_set"`
	Records           int       `json:"records"`
	Unlocked          int       `json:"unlocked"`
	TrashRecords      int       `json:"trash_records"`
	StaleRecords      int       `json:"stale_records"`
	AttemptsRemaining int       `json:"attempts_remaining"`
}

// Namespace is one CAIP-25 namespace as requested by a peer or as
// negotiated for a session.
type Namespace struct {
	Chains   []string `json:"chains,omitempty"`
	Methods  []string `json:"methods"`
	Events   []string `json:"events"`
	Accounts []string `json:"accounts,omitempty"`
}

type Namespaces map[string]Namespace

// Keys returns namespace keys in a stable order.
func (n Namespaces) Keys() []string {
	out := make([]string, 0, len(n))
	for k := range n {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type PeerMetadata struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
}

type SessionProposal struct {
	ID                 uint64       `json:"id"`
	PairingTopic       string       `json:"pairing_topic"`
	Proposer           PeerMetadata `json:"proposer"`
	ProposerPublicKey  string       `json:"proposer_public_key,omitempty"`
	RequiredNamespaces Namespaces   `json:"required_namespaces"`
	OptionalNamespaces Namespaces   `json:"optional_namespaces,omitempty"`
}

type PairedSession struct {
	Topic        string     `json:"topic"`
	PeerName     string     `json:"peer_name"`
	PeerURL      string     `json:"peer_url"`
	Namespaces   Namespaces `json:"namespaces"`
	BoundAddress string     `json:"bound_address"`
	CreatedAt    time.Time  `json:"created_at"`
}

const (
	MethodPersonalSign    = "personal_sign"
	MethodEthSign         = "eth_sign"
	MethodSignTypedData   = "eth_signTypedData"
	MethodSignTypedDataV4 = "eth_signTypedData_v4"
	MethodSendTransaction = "eth_sendTransaction"
)

type SigningRequest struct {
	ID      uint64          `json:"id"`
	Topic   string          `json:"topic"`
	ChainID string          `json:"chain_id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

type SessionResponse struct {
	ID     uint64    `json:"id"`
	Topic  string    `json:"topic"`
	Result any       `json:"result,omitempty"`
	Error  *RPCError `json:"error,omitempty"`
}

// NormalizeAddress lowercases a hex address for comparisons.
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// SettingsPatch carries the user-editable settings. Nil fields are left
// unchanged; the vault mode is only changed through the mode toggle.
type SettingsPatch struct {
	DisplayCurrency *string        `json:"display_currency,omitempty"`
	DefaultNetwork  *string        `json:"default_network,omitempty"`
	GasBuffer       *float64       `json:"gas_buffer,omitempty"`
	CustomTokens    *[]CustomToken `json:"custom_tokens,omitempty"`
	BackupMethod    *string        `json:"backup_method,omitempty"`
}
