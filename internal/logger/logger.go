// Package logger builds the zap loggers used by the coordinator and the
// reaper. The HTTP edge keeps Echo's own logger; everything behind it logs
// structured fields so sweep runs and webhook outcomes are grep-able.
package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a zap logger appropriate for the given environment. "prod"
// gets JSON output with ISO8601 timestamps; anything else gets the
// human-readable development console encoder.
func New(env string) (*zap.Logger, error) {
	if env == "prod" {
		cfg := zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		return cfg.Build()
	}
	return zap.NewDevelopment()
}

// Must is a convenience wrapper for entrypoints that cannot continue
// without a logger.
func Must(env string) *zap.Logger {
	l, err := New(env)
	if err != nil {
		panic(err)
	}
	return l
}
