package logging

import (
	"log"
	"log/slog"
	"os"
	"strings"
)

// LevelEnv selects the minimum log level (debug, info, warn, error).
const LevelEnv = "ESCROWD_LOG_LEVEL"

// Setup installs a JSON slog handler as the process-wide default and bridges
// the standard library logger through it. Every line carries the service
// name, and the environment when one is configured.
func Setup(service, env string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:       levelFromEnv(),
		ReplaceAttr: renameCoreKeys,
	})

	baseAttrs := []slog.Attr{slog.String("service", strings.TrimSpace(service))}
	if env = strings.TrimSpace(env); env != "" {
		baseAttrs = append(baseAttrs, slog.String("env", env))
	}

	args := make([]any, len(baseAttrs))
	for i, attr := range baseAttrs {
		args[i] = attr
	}
	logger := slog.New(handler).With(args...)
	slog.SetDefault(logger)

	bridge := slog.NewLogLogger(handler.WithAttrs(baseAttrs), slog.LevelInfo)
	bridge.SetFlags(0)
	log.SetOutput(bridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return logger
}

func levelFromEnv() slog.Level {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(LevelEnv))) {
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

// renameCoreKeys maps slog's built-in keys onto the field names the log
// pipeline indexes on and masks credential-bearing attributes.
func renameCoreKeys(groups []string, attr slog.Attr) slog.Attr {
	switch attr.Key {
	case slog.TimeKey:
		attr.Key = "timestamp"
	case slog.LevelKey:
		return slog.String("severity", strings.ToUpper(attr.Value.String()))
	case slog.MessageKey:
		attr.Key = "message"
	default:
		if attr.Value.Kind() == slog.KindString {
			return MaskField(attr.Key, attr.Value.String())
		}
	}
	return attr
}
