package config

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"keyvault/go-backend/internal/securestore"
)

const tokenFileName = "rpc.token"

var ErrInsecureTokenMode = errors.New("generated rpc token files are forbidden in production")

// RPCToken returns the bearer token guarding the local API. An explicit
// token wins; otherwise the token file in the data dir is read, or created
// with a random token outside production.
func RPCToken(cfg Config) (string, error) {
	if token := strings.TrimSpace(cfg.RPC.Token); token != "" {
		return token, nil
	}
	path := filepath.Join(cfg.DataDir, tokenFileName)
	existing, err := securestore.ReadFileIfExists(path)
	if err != nil {
		return "", err
	}
	if token := strings.TrimSpace(string(existing)); token != "" {
		return token, nil
	}
	if isProductionEnv() {
		return "", fmt.Errorf("%w: set KEYVAULT_RPC_TOKEN or rpc.token in config", ErrInsecureTokenMode)
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	token := base64.RawURLEncoding.EncodeToString(buf)
	if err := securestore.WriteFileAtomic(path, []byte(token)); err != nil {
		return "", err
	}
	return token, nil
}

func TokenPath(dataDir string) string { return filepath.Join(dataDir, tokenFileName) }

func isProductionEnv() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("KEYVAULT_ENV"))) {
	case "prod", "production":
		return true
	default:
		return false
	}
}
