// Package logging builds the zap.Logger shared by both binaries, the same
// way server/cmd/server/main.go's buildLogger does: development config in
// debug, production (JSON) config otherwise, level set explicitly from the
// configured string.
package logging

import "go.uber.org/zap"

// Build constructs a *zap.Logger at the given level ("debug", "info",
// "warn", "error"; anything else falls back to "info").
func Build(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

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
