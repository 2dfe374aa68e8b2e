package logging

import (
	"log/slog"
	"os"
	"sync/atomic"
)

// The operational logger covers runtime-infrastructure events (pipeline
// steps, dispatch attempts, teardown) on stderr; it is distinct from
// the per-invocation Logger, whose records are mirrored into the
// logging data store.
var (
	opLogger atomic.Pointer[slog.Logger]
	opLevel  = new(slog.LevelVar)
)

func init() {
	opLevel.Set(slog.LevelInfo)
	opLogger.Store(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: opLevel})))
}

// Op returns the operational logger.
func Op() *slog.Logger {
	return opLogger.Load()
}

// ConfigureOp rebuilds the operational logger with the given handler
// format ("json" or "text") and level ("debug", "info", "warn",
// "error"). Unrecognized values keep the current setting.
func ConfigureOp(format, level string) {
	switch level {
	case "debug", "DEBUG":
		opLevel.Set(slog.LevelDebug)
	case "info", "INFO":
		opLevel.Set(slog.LevelInfo)
	case "warn", "WARN", "warning", "WARNING":
		opLevel.Set(slog.LevelWarn)
	case "error", "ERROR":
		opLevel.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: opLevel}
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	opLogger.Store(slog.New(handler))
}
