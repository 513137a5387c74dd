// Package logging builds the process zap.Logger, following the same
// level-to-config switch the teacher's cmd/server/main.go uses. The
// returned logger always writes to stderr — spec §4.1 requires the
// outbound data channel to carry JSON-RPC only, never log lines.
package logging

import "go.uber.org/zap"

// Build constructs a zap.Logger for the given level ("debug", "info",
// "warn", "error"), writing exclusively to stderr.
func Build(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}
