package telemetry

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/botfleet/internal/shared"
)

const logFileName = "system.jsonl"

var secretKeyTokens = []string{
	"token", "secret", "password", "authorization", "api_key", "apikey", "bearer",
}

// NewLogger builds the fleet's JSON logger. Records always land in
// <homeDir>/logs/system.jsonl; unless quiet is set they are mirrored to
// stdout as well. The returned closer owns the log file.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(filepath.Join(logDir, logFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	var out io.Writer = file
	if !quiet {
		out = io.MultiWriter(os.Stdout, file)
	}
	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level:       parseLevel(level),
		ReplaceAttr: scrubAttr,
	})
	return slog.New(handler).With("component", "fleet"), file, nil
}

// scrubAttr renames the time key and strips credentials before any
// attribute is serialized. Key-based redaction catches attrs whose name
// marks them secret; value-based redaction catches secrets smuggled
// inside ordinary string fields.
func scrubAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
	}
	if keyLooksSecret(a.Key) {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() == slog.KindString {
		if clean, changed := scrubValue(a.Value.String()); changed {
			return slog.String(a.Key, clean)
		}
	}
	return a
}

func keyLooksSecret(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, tok := range secretKeyTokens {
		if strings.Contains(lower, tok) {
			return true
		}
	}
	return false
}

func scrubValue(v string) (string, bool) {
	lower := strings.ToLower(v)
	if strings.Contains(lower, "bearer ") || strings.Contains(lower, "authorization:") {
		return "[REDACTED]", true
	}
	if clean := shared.Redact(v); clean != v {
		return clean, true
	}
	return v, false
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
