package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"keyvault/go-backend/internal/relay"
)

func floatPtr(v float64) *float64 { return &v }

func boolPtr(v bool) *bool { return &v }

func TestMergeKeepsDefaultsWhenUnset(t *testing.T) {
	dst := Default()
	Merge(&dst, File{Relay: RelayFile{Transport: relay.TransportMock}})

	if dst.Relay.Transport != relay.TransportMock {
		t.Fatalf("expected transport override, got %s", dst.Relay.Transport)
	}
	if dst.RPC.RateRPS != 20 || !dst.Session.PersistLedger || !dst.Metrics {
		t.Fatal("unset fields must not overwrite defaults")
	}
	if dst.Chains.GasBuffer != DefaultGasBuffer {
		t.Fatalf("expected default gas buffer, got %v", dst.Chains.GasBuffer)
	}
}

func TestMergeAppliesExplicitZeroAndFalse(t *testing.T) {
	dst := Default()
	Merge(&dst, File{
		RPC:     RPCFile{RateRPS: floatPtr(0)},
		Session: SessionFile{PersistLedger: boolPtr(false), AckTimeout: 5 * time.Second},
		Metrics: boolPtr(false),
		Chains:  ChainsFile{Endpoints: map[string]string{"eip155:1": "https://rpc.example"}, GasBuffer: 1.5},
	})
	if dst.RPC.RateRPS != 0 {
		t.Fatal("explicit zero rate must disable rpc limiting")
	}
	if dst.Session.PersistLedger || dst.Metrics {
		t.Fatal("explicit false must be applied")
	}
	if dst.Session.AckTimeout != 5*time.Second {
		t.Fatalf("expected ack timeout 5s, got %s", dst.Session.AckTimeout)
	}
	if dst.Chains.Endpoints["eip155:1"] != "https://rpc.example" || dst.Chains.GasBuffer != 1.5 {
		t.Fatalf("unexpected chains %+v", dst.Chains)
	}
}

func TestLoadFromYAMLWithEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
dataDir: /var/lib/keyvault
rpc:
  addr: 127.0.0.1:9999
vault:
  maxUnlockAttempts: 5
  kdfTime: 2
session:
  ackTimeout: 45s
relay:
  transport: websocket
  projectId: abc123
chains:
  endpoints:
    eip155:1: https://eth.example
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("KEYVAULT_RELAY_TRANSPORT", "mock")
	t.Setenv("KEYVAULT_CHAIN_56", "https://bsc.example")
	t.Setenv("KEYVAULT_METRICS", "false")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DataDir != "/var/lib/keyvault" || cfg.RPC.Addr != "127.0.0.1:9999" {
		t.Fatalf("unexpected cfg %+v", cfg)
	}
	if cfg.Vault.MaxUnlockAttempts != 5 || cfg.Vault.KDF.Time != 2 {
		t.Fatalf("unexpected vault cfg %+v", cfg.Vault)
	}
	if cfg.Session.AckTimeout != 45*time.Second {
		t.Fatalf("expected 45s ack timeout, got %s", cfg.Session.AckTimeout)
	}
	if cfg.Relay.Transport != relay.TransportMock || cfg.Relay.ProjectID != "abc123" {
		t.Fatalf("unexpected relay cfg %+v", cfg.Relay)
	}
	if cfg.Chains.Endpoints["eip155:1"] != "https://eth.example" || cfg.Chains.Endpoints["eip155:56"] != "https://bsc.example" {
		t.Fatalf("unexpected endpoints %+v", cfg.Chains.Endpoints)
	}
	if cfg.Metrics {
		t.Fatal("KEYVAULT_METRICS=false must disable metrics")
	}
}

func TestLoadRejectsBadInput(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("rpc: [unclosed"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(bad); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatal("an explicit missing path must be an error")
	}

	invalid := filepath.Join(dir, "invalid.yaml")
	if err := os.WriteFile(invalid, []byte("relay:\n  transport: carrier-pigeon\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(invalid); err == nil {
		t.Fatal("expected validation error for unknown transport")
	}

	t.Setenv("KEYVAULT_CHAIN_main", "https://x")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for non-numeric chain id")
	}
}

func TestRPCTokenGeneratedOnceAndReused(t *testing.T) {
	cfg := Default()
	cfg.DataDir = t.TempDir()

	first, err := RPCToken(cfg)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	if len(first) < 32 {
		t.Fatalf("token too short: %q", first)
	}
	info, err := os.Stat(TokenPath(cfg.DataDir))
	if err != nil {
		t.Fatalf("stat token: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("token file mode %v", info.Mode().Perm())
	}
	second, err := RPCToken(cfg)
	if err != nil || second != first {
		t.Fatalf("expected stored token to be reused, got %q %v", second, err)
	}

	cfg.RPC.Token = "explicit"
	if got, _ := RPCToken(cfg); got != "explicit" {
		t.Fatalf("explicit token must win, got %q", got)
	}
}

func TestRPCTokenProductionRequiresExplicitToken(t *testing.T) {
	t.Setenv("KEYVAULT_ENV", "production")
	cfg := Default()
	cfg.DataDir = t.TempDir()
	if _, err := RPCToken(cfg); !errors.Is(err, ErrInsecureTokenMode) {
		t.Fatalf("expected ErrInsecureTokenMode, got %v", err)
	}
}
