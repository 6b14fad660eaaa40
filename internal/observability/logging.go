// Package observability builds the structured loggers and console sinks used
// across the runtime.
package observability

import (
	"fmt"
	"io"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cory-johannsen/lightning/internal/config"
	"github.com/cory-johannsen/lightning/internal/console"
)

// NewLogger creates a structured logger from the given logging configuration.
//
// Precondition: cfg.Level must be one of "debug", "info", "warn", "error".
// Precondition: cfg.Format must be "json" or "console".
// Postcondition: Returns a configured zap.Logger or a non-nil error.
func NewLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level %q: %w", cfg.Level, err)
	}

	var zapCfg zap.Config
	switch cfg.Format {
	case "json":
		zapCfg = zap.NewProductionConfig()
	case "console":
		zapCfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger.Named("lightning"), nil
}

// ConsoleLogMask selects the console categories that are also logged.
const ConsoleLogMask = console.ErrorFilter | console.EngineFilter | console.ResourceFilter

// NewConsole returns the host console: every message is written to out, and
// messages in ConsoleLogMask are also forwarded to logger so faults appear in
// the structured log stream.
//
// Precondition: out and logger must not be nil.
func NewConsole(out io.Writer, logger *zap.Logger) *console.Console {
	if logger == nil {
		panic("observability.NewConsole: logger must not be nil")
	}
	return console.New(
		console.NewWriterListener(out),
		&console.FilteredListener{Mask: ConsoleLogMask, Next: console.NewZapListener(logger.Named("console"))},
	)
}
