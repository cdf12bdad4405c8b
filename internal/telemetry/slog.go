// slog.go installs the process-wide structured logger. Resolver, lifecycle,
// and storage code log through package-level slog calls, so the handler is
// configured once here and set as the default.
package telemetry

import (
	"log/slog"
	"os"
	"strings"
)

// SetupLogger configures the default slog logger from the logging section
// of the configuration. format "json" selects the JSON handler; anything
// else selects the text handler. level is one of "debug", "info", "warn",
// "error" (case-insensitive) and defaults to "info". Source locations are
// attached only at debug level.
func SetupLogger(format, level string) {
	lvl := parseLevel(level)

	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
	slog.Info("logger configured", "format", format, "level", lvl.String())
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
