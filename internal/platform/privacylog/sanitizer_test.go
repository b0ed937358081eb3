package privacylog

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestSanitizeArgsFingerprintsLinkableIDs(t *testing.T) {
	args := SanitizeArgs(
		"address", "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
		"topic", "7f6e5d",
		"method", "personal_sign",
	)
	if len(args) != 6 {
		t.Fatalf("unexpected args length: %d", len(args))
	}
	if got := args[0]; got != "address_fp" {
		t.Fatalf("unexpected key: %v", got)
	}
	if got := args[1].(string); !strings.HasPrefix(got, "fp_") {
		t.Fatalf("unexpected fingerprint value: %q", got)
	}
	if got := args[4]; got != "method" {
		t.Fatalf("expected untouched key, got %v", got)
	}
}

func TestFingerprintIgnoresAddressCase(t *testing.T) {
	a := FingerprintID("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	b := FingerprintID("0xF39FD6E51AAD88F6F4CE6AB8827279CFFFB92266")
	if a != b || a == "" {
		t.Fatalf("expected equal fingerprints, got %q %q", a, b)
	}
	if FingerprintID("  ") != "" {
		t.Fatal("blank value must fingerprint to empty")
	}
}

func TestSanitizingHandlerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewJSONHandler(&buf, nil)
	logger := slog.New(WrapHandler(base))
	logger.Info("test",
		"record_id", "rec-1",
		"rpc_token", "abc",
		"mnemonic", "test test junk",
		"private_key", "ac09",
		"status", "ok",
	)

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode log json: %v", err)
	}
	if _, ok := payload["record_id"]; ok {
		t.Fatal("record_id should not be present")
	}
	if _, ok := payload["record_id_fp"]; !ok {
		t.Fatal("record_id_fp should be present")
	}
	for _, key := range []string{"rpc_token", "mnemonic", "private_key"} {
		if got, _ := payload[key].(string); got != redactedValue {
			t.Fatalf("expected %s redacted, got %q", key, got)
		}
	}
	if payload["status"] != "ok" {
		t.Fatalf("unexpected status %v", payload["status"])
	}
}

func TestSanitizingHandlerImplementsSlogHandlerContract(t *testing.T) {
	var buf bytes.Buffer
	h := WrapHandler(slog.NewJSONHandler(&buf, nil))
	if !h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("expected handler enabled for info")
	}
	rec := slog.NewRecord(time.Now().UTC(), slog.LevelInfo, "msg", 0)
	rec.AddAttrs(slog.String("pairing_topic", "t1"))
	if err := h.Handle(context.Background(), rec); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if !strings.Contains(buf.String(), "pairing_topic_fp") {
		t.Fatalf("expected sanitized pairing_topic key, got %s", buf.String())
	}

	buf.Reset()
	slog.New(h.WithAttrs([]slog.Attr{slog.String("password", "p1")})).Info("with attrs")
	if strings.Contains(buf.String(), "p1") {
		t.Fatalf("password leaked through WithAttrs: %s", buf.String())
	}
}
