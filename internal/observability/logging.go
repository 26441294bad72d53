// Package observability owns process-wide logging and metrics state.
// The CLI logger and the telemetry system live here as package vars so
// commands and health checks can reach them without threading them
// through every call.
package observability

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the logger commands write user-facing output through.
// nil until InitCLILogger runs.
var CLILogger *zap.Logger

// InitCLILogger builds CLILogger for the given profile. "structured"
// emits JSON lines; anything else gets a bare console encoder suited
// to terminal output. verbose lowers the level to debug.
func InitCLILogger(profile string, verbose bool) {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}

	var encoder zapcore.Encoder
	switch strings.ToLower(profile) {
	case "structured":
		cfg := zap.NewProductionEncoderConfig()
		cfg.TimeKey = "ts"
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(cfg)
	default:
		// CLI output is the message itself; timestamps and level
		// prefixes just add noise on a terminal.
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.TimeKey = ""
		cfg.LevelKey = ""
		cfg.CallerKey = ""
		encoder = zapcore.NewConsoleEncoder(cfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level)
	CLILogger = zap.New(core)
}

// NewServerLogger builds the structured logger the serve path uses.
// level is a zap level name ("debug", "info", ...).
func NewServerLogger(level, profile string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if !strings.EqualFold(profile, "structured") {
		cfg.Encoding = "console"
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}
