package logging

import (
	"log/slog"
	"os"
	"strings"
)

// New builds the process logger: JSON to stdout, tagged with the service name
// so the API, the consumer, and any sidecar stay distinguishable in a shared
// log stream. Source positions are recorded only at debug level; their cost is
// not worth paying on the dispatch hot path.
func New(service, level string) *slog.Logger {
	lv := parseLevel(level)
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     lv,
		AddSource: lv == slog.LevelDebug,
	})
	return slog.New(h).With(slog.String("service", service))
}

// parseLevel maps a LOG_LEVEL value onto a slog level, defaulting to info.
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
