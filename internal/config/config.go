package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"keyvault/go-backend/internal/identity"
	"keyvault/go-backend/internal/relay"
	"keyvault/go-backend/internal/securestore"
	"keyvault/go-backend/internal/session"

	"gopkg.in/yaml.v3"
)

const (
	DefaultDataDir    = "keyvault-data"
	DefaultRPCAddr    = "127.0.0.1:8787"
	DefaultMaxBody    = 1 << 20
	DefaultGasBuffer  = 1.2
	DefaultLogMaxKB   = 10 * 1024
	DefaultLogMaxRoll = 5
)

type Config struct {
	DataDir string
	RPC     RPCConfig
	Vault   VaultConfig
	Session SessionConfig
	Relay   relay.Config
	Chains  ChainConfig
	Log     LogConfig
	Metrics bool
}

type RPCConfig struct {
	Addr         string
	Token        string
	MaxBodyBytes int64
	RateRPS      float64
	RateBurst    int
}

type VaultConfig struct {
	MaxUnlockAttempts int
	KDF               securestore.KDFParams
}

type SessionConfig struct {
	AckTimeout   time.Duration
	RequestRPS   float64
	RequestBurst int
	// PersistLedger keeps the answered-request ledger in the data dir across
	// restarts.
	PersistLedger bool
}

type ChainConfig struct {
	Endpoints map[string]string
	GasBuffer float64
}

type LogConfig struct {
	Level    string
	File     string
	MaxKB    int64
	MaxRolls int
}

func Default() Config {
	return Config{
		DataDir: DefaultDataDir,
		RPC: RPCConfig{
			Addr:         DefaultRPCAddr,
			MaxBodyBytes: DefaultMaxBody,
			RateRPS:      20,
			RateBurst:    40,
		},
		Vault: VaultConfig{
			MaxUnlockAttempts: identity.DefaultMaxUnlockAttempts,
			KDF:               securestore.DefaultParams,
		},
		Session: SessionConfig{
			AckTimeout:    session.DefaultAckTimeout,
			RequestRPS:    2,
			RequestBurst:  5,
			PersistLedger: true,
		},
		Relay: relay.Config{
			Transport:   relay.TransportWebsocket,
			RelayURL:    relay.DefaultRelayURL,
			DialTimeout: relay.DefaultDialTimeout,
		},
		Chains: ChainConfig{
			Endpoints: map[string]string{},
			GasBuffer: DefaultGasBuffer,
		},
		Log:     LogConfig{Level: "info", MaxKB: DefaultLogMaxKB, MaxRolls: DefaultLogMaxRoll},
		Metrics: true,
	}
}

// File is the on-disk shape of config.yaml. Pointer fields distinguish "unset"
// from an explicit zero so defaults survive a partial file.
type File struct {
	DataDir string      `yaml:"dataDir"`
	RPC     RPCFile     `yaml:"rpc"`
	Vault   VaultFile   `yaml:"vault"`
	Session SessionFile `yaml:"session"`
	Relay   RelayFile   `yaml:"relay"`
	Chains  ChainsFile  `yaml:"chains"`
	Log     LogFile     `yaml:"log"`
	Metrics *bool       `yaml:"metrics"`
}

type RPCFile struct {
	Addr         string   `yaml:"addr"`
	Token        string   `yaml:"token"`
	MaxBodyBytes int64    `yaml:"maxBodyBytes"`
	RateRPS      *float64 `yaml:"rateRPS"`
	RateBurst    int      `yaml:"rateBurst"`
}

type VaultFile struct {
	MaxUnlockAttempts int    `yaml:"maxUnlockAttempts"`
	KDFTime           uint32 `yaml:"kdfTime"`
	KDFMemoryKB       uint32 `yaml:"kdfMemoryKB"`
	KDFThreads        uint8  `yaml:"kdfThreads"`
}

type SessionFile struct {
	AckTimeout    time.Duration `yaml:"ackTimeout"`
	RequestRPS    *float64      `yaml:"requestRPS"`
	RequestBurst  int           `yaml:"requestBurst"`
	PersistLedger *bool         `yaml:"persistLedger"`
}

type RelayFile struct {
	Transport   string        `yaml:"transport"`
	URL         string        `yaml:"url"`
	ProjectID   string        `yaml:"projectId"`
	DialTimeout time.Duration `yaml:"dialTimeout"`
}

type ChainsFile struct {
	Endpoints map[string]string `yaml:"endpoints"`
	GasBuffer float64           `yaml:"gasBuffer"`
}

type LogFile struct {
	Level    string `yaml:"level"`
	File     string `yaml:"file"`
	MaxKB    int64  `yaml:"maxKB"`
	MaxRolls int    `yaml:"maxRolls"`
}

// Load reads configPath, or the first default location that exists, merges it
// over the defaults and applies KEYVAULT_* environment overrides. A missing
// file is not an error; an unparsable one is.
func Load(configPath string) (Config, error) {
	cfg := Default()
	candidates := []string{configPath}
	if configPath == "" {
		candidates = []string{"configs/config.yaml", "config.yaml"}
	}
	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && configPath == "" {
				continue
			}
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		var parsed File
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
		Merge(&cfg, parsed)
		break
	}
	if err := ApplyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func Merge(dst *Config, src File) {
	if src.DataDir != "" {
		dst.DataDir = src.DataDir
	}
	if src.RPC.Addr != "" {
		dst.RPC.Addr = src.RPC.Addr
	}
	if src.RPC.Token != "" {
		dst.RPC.Token = src.RPC.Token
	}
	if src.RPC.MaxBodyBytes != 0 {
		dst.RPC.MaxBodyBytes = src.RPC.MaxBodyBytes
	}
	if src.RPC.RateRPS != nil {
		dst.RPC.RateRPS = *src.RPC.RateRPS
	}
	if src.RPC.RateBurst != 0 {
		dst.RPC.RateBurst = src.RPC.RateBurst
	}
	if src.Vault.MaxUnlockAttempts != 0 {
		dst.Vault.MaxUnlockAttempts = src.Vault.MaxUnlockAttempts
	}
	if src.Vault.KDFTime != 0 {
		dst.Vault.KDF.Time = src.Vault.KDFTime
	}
	if src.Vault.KDFMemoryKB != 0 {
		dst.Vault.KDF.MemoryKB = src.Vault.KDFMemoryKB
	}
	if src.Vault.KDFThreads != 0 {
		dst.Vault.KDF.Threads = src.Vault.KDFThreads
	}
	if src.Session.AckTimeout != 0 {
		dst.Session.AckTimeout = src.Session.AckTimeout
	}
	if src.Session.RequestRPS != nil {
		dst.Session.RequestRPS = *src.Session.RequestRPS
	}
	if src.Session.RequestBurst != 0 {
		dst.Session.RequestBurst = src.Session.RequestBurst
	}
	if src.Session.PersistLedger != nil {
		dst.Session.PersistLedger = *src.Session.PersistLedger
	}
	if src.Relay.Transport != "" {
		dst.Relay.Transport = src.Relay.Transport
	}
	if src.Relay.URL != "" {
		dst.Relay.RelayURL = src.Relay.URL
	}
	if src.Relay.ProjectID != "" {
		dst.Relay.ProjectID = src.Relay.ProjectID
	}
	if src.Relay.DialTimeout != 0 {
		dst.Relay.DialTimeout = src.Relay.DialTimeout
	}
	for chain, url := range src.Chains.Endpoints {
		if dst.Chains.Endpoints == nil {
			dst.Chains.Endpoints = make(map[string]string)
		}
		dst.Chains.Endpoints[chain] = url
	}
	if src.Chains.GasBuffer != 0 {
		dst.Chains.GasBuffer = src.Chains.GasBuffer
	}
	if src.Log.Level != "" {
		dst.Log.Level = src.Log.Level
	}
	if src.Log.File != "" {
		dst.Log.File = src.Log.File
	}
	if src.Log.MaxKB != 0 {
		dst.Log.MaxKB = src.Log.MaxKB
	}
	if src.Log.MaxRolls != 0 {
		dst.Log.MaxRolls = src.Log.MaxRolls
	}
	if src.Metrics != nil {
		dst.Metrics = *src.Metrics
	}
}

// ApplyEnvOverrides applies KEYVAULT_* variables. Chain endpoints use
// KEYVAULT_CHAIN_<id>=url, e.g. KEYVAULT_CHAIN_1 for eip155:1.
func ApplyEnvOverrides(cfg *Config) error {
	setString := func(name string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			*dst = v
		}
	}
	setString("KEYVAULT_DATA_DIR", &cfg.DataDir)
	setString("KEYVAULT_RPC_ADDR", &cfg.RPC.Addr)
	setString("KEYVAULT_RPC_TOKEN", &cfg.RPC.Token)
	setString("KEYVAULT_RELAY_TRANSPORT", &cfg.Relay.Transport)
	setString("KEYVAULT_RELAY_URL", &cfg.Relay.RelayURL)
	setString("KEYVAULT_RELAY_PROJECT_ID", &cfg.Relay.ProjectID)
	setString("KEYVAULT_LOG_LEVEL", &cfg.Log.Level)
	setString("KEYVAULT_LOG_FILE", &cfg.Log.File)

	if raw := strings.TrimSpace(os.Getenv("KEYVAULT_METRICS")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("KEYVAULT_METRICS: %w", err)
		}
		cfg.Metrics = v
	}
	if raw := strings.TrimSpace(os.Getenv("KEYVAULT_GAS_BUFFER")); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("KEYVAULT_GAS_BUFFER: %w", err)
		}
		cfg.Chains.GasBuffer = v
	}
	for _, kv := range os.Environ() {
		name, value, _ := strings.Cut(kv, "=")
		id, ok := strings.CutPrefix(name, "KEYVAULT_CHAIN_")
		if !ok || strings.TrimSpace(value) == "" {
			continue
		}
		if _, err := strconv.ParseUint(id, 10, 64); err != nil {
			return fmt.Errorf("%s: chain id must be numeric", name)
		}
		if cfg.Chains.Endpoints == nil {
			cfg.Chains.Endpoints = make(map[string]string)
		}
		cfg.Chains.Endpoints["eip155:"+id] = strings.TrimSpace(value)
	}
	return nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return errors.New("config: dataDir is required")
	}
	if c.Vault.MaxUnlockAttempts < 1 {
		return errors.New("config: vault.maxUnlockAttempts must be at least 1")
	}
	if c.Chains.GasBuffer < 1 {
		return errors.New("config: chains.gasBuffer must be at least 1")
	}
	switch c.Relay.Transport {
	case relay.TransportMock, relay.TransportWebsocket:
	default:
		return fmt.Errorf("config: unknown relay transport %q", c.Relay.Transport)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Log.Level)
	}
	return nil
}
