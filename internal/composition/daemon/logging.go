package daemon

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"keyvault/go-backend/internal/config"
	"keyvault/go-backend/internal/platform/privacylog"

	"github.com/jrick/logrotate/rotator"
)

// NewLogger builds the daemon logger: JSON records to out, mirrored to a
// size-rotated file when cfg.File is set, with secrets and linkable ids
// scrubbed before anything is written. The returned close func flushes and
// closes the rotator.
func NewLogger(cfg config.LogConfig, out io.Writer) (*slog.Logger, func() error, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() error { return nil }
	w := out
	if path := strings.TrimSpace(cfg.File); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		rot, err := rotator.New(path, cfg.MaxKB, false, cfg.MaxRolls)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		w = io.MultiWriter(out, rot)
		closeFn = rot.Close
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(privacylog.WrapHandler(handler)), closeFn, nil
}

func parseLevel(raw string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return 0, fmt.Errorf("log level %q: %w", raw, err)
	}
	return level, nil
}
