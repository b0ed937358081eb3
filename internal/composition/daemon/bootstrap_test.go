package daemon

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"keyvault/go-backend/internal/config"
	"keyvault/go-backend/internal/identity"
	"keyvault/go-backend/internal/relay"
	"keyvault/go-backend/internal/securestore"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.RPC.Addr = "127.0.0.1:0"
	cfg.RPC.Token = "composition-test-token"
	cfg.Relay.Transport = relay.TransportMock
	cfg.Vault.KDF = securestore.KDFParams{Time: 1, MemoryKB: 1024, Threads: 1}
	return cfg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuildRunAndStopOnCancel(t *testing.T) {
	cfg := testConfig(t)
	rt, err := Build(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer rt.Close()

	if _, err := os.Stat(LedgerPath(cfg.DataDir)); err != nil {
		t.Fatalf("persistent ledger was not created: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	if err := rt.Service.SetPassword("pw", "pw"); err != nil {
		t.Fatalf("set password: %v", err)
	}
	if _, err := rt.Service.CreateIdentity("Main"); err != nil {
		t.Fatalf("create identity: %v", err)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean stop, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runtime did not stop")
	}
}

func TestRunReturnsFatalOnUnlockExhaustion(t *testing.T) {
	cfg := testConfig(t)
	cfg.Session.PersistLedger = false
	rt, err := Build(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer rt.Close()

	if err := rt.Service.SetPassword("pw", "pw"); err != nil {
		t.Fatalf("set password: %v", err)
	}
	if _, err := rt.Service.CreateIdentity("Main"); err != nil {
		t.Fatalf("create identity: %v", err)
	}
	rt.Service.Lock()

	done := make(chan error, 1)
	go func() { done <- rt.Run(context.Background()) }()

	for i := 0; i < cfg.Vault.MaxUnlockAttempts; i++ {
		_, _ = rt.Service.Unlock("wrong")
	}
	select {
	case err := <-done:
		if !errors.Is(err, identity.ErrUnlockAttemptsExhausted) {
			t.Fatalf("expected exhaustion error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runtime did not stop after fatal")
	}
}

func TestBuildRequiresTokenInProduction(t *testing.T) {
	t.Setenv("KEYVAULT_ENV", "production")
	cfg := testConfig(t)
	cfg.RPC.Token = ""
	if _, err := Build(context.Background(), cfg, discardLogger()); !errors.Is(err, config.ErrInsecureTokenMode) {
		t.Fatalf("expected ErrInsecureTokenMode, got %v", err)
	}
}

func TestNewLoggerScrubsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logFile := filepath.Join(t.TempDir(), "logs", "keyvaultd.log")
	logger, closeFn, err := NewLogger(config.LogConfig{Level: "debug", File: logFile, MaxKB: 64, MaxRolls: 2}, &buf)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Info("unlock", "password", "hunter2", "address", "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	if err := closeFn(); err != nil {
		t.Fatalf("close: %v", err)
	}

	out := buf.String()
	if strings.Contains(out, "hunter2") || strings.Contains(out, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266") {
		t.Fatalf("secret or address leaked: %s", out)
	}
	if !strings.Contains(out, `"msg":"unlock"`) {
		t.Fatalf("expected json record, got %s", out)
	}
	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !bytes.Contains(data, []byte(`"msg":"unlock"`)) {
		t.Fatalf("log file missing record: %s", data)
	}
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	if _, _, err := NewLogger(config.LogConfig{Level: "loud"}, io.Discard); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
