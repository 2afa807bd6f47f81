package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"forgebot/internal/infra/config"
)

const redacted = "[REDACTED]"

// secretKeys are attribute key fragments whose values never reach a log.
var secretKeys = []string{"token", "secret", "password", "api_key", "apikey", "authorization"}

// New creates the process-wide *slog.Logger.
// The returned closer should be deferred to close a file output.
func New(cfg config.LoggerConfig) (*slog.Logger, func() error, error) {
	writer, closer, err := openOutput(cfg.Output)
	if err != nil {
		return nil, nil, fmt.Errorf("open log output: %w", err)
	}
	return slog.New(NewHandler(writer, cfg.Format, ParseLevel(cfg.Level))), closer, nil
}

// NewHandler returns a text or JSON handler writing to w. Attributes that
// look like credentials are redacted.
func NewHandler(w io.Writer, format string, level slog.Leveler) slog.Handler {
	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: redact}
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() != slog.KindString || a.Value.String() == "" {
		return a
	}
	key := strings.ToLower(a.Key)
	for _, s := range secretKeys {
		if strings.Contains(key, s) {
			return slog.String(a.Key, redacted)
		}
	}
	return a
}

// ParseLevel converts a level name to slog.Level. Unknown names map to info.
func ParseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		if strings.EqualFold(s, "warning") {
			return slog.LevelWarn
		}
		return slog.LevelInfo
	}
	return l
}

// openOutput returns the writer for "stdout", "stderr" (default) or a file
// path. Missing parent directories of a file path are created.
func openOutput(output string) (io.Writer, func() error, error) {
	switch strings.ToLower(output) {
	case "stdout":
		return os.Stdout, nop, nil
	case "stderr", "":
		return os.Stderr, nop, nil
	}
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return nil, nil, err
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}

func nop() error { return nil }
