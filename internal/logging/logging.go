// Package logging builds the process logger.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a zap logger at level. Development mode switches to the
// console encoder with caller and stack annotations.
func New(level string, development bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = !development

	return cfg.Build()
}

// Printf adapts logger for libraries that take a printf-style hook.
func Printf(logger *zap.Logger) func(string, ...any) {
	s := logger.WithOptions(zap.AddCallerSkip(1)).Sugar()
	return func(format string, args ...any) { s.Debugf(format, args...) }
}

// Errorf is Printf at error level.
func Errorf(logger *zap.Logger) func(string, ...any) {
	s := logger.WithOptions(zap.AddCallerSkip(1)).Sugar()
	return func(format string, args ...any) { s.Errorf(format, args...) }
}
