// Package logging builds zap loggers from configuration and carries them in
// request contexts.
package logging

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/georgepadayatti/docseal/config"
)

// ParseLevel converts a level name to a zapcore.Level. Unknown names map to
// info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// New builds a logger. A console format gets the development encoder and a
// json format the production one.
func New(cfg *config.LoggingConfig) (*zap.Logger, error) {
	if cfg == nil {
		cfg = &config.LoggingConfig{}
	}
	c := *cfg
	c.SetDefaults()

	var zcfg zap.Config
	if c.Format == "json" {
		zcfg = zap.NewProductionConfig()
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		zcfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		zcfg.DisableStacktrace = true
	}
	zcfg.Level = zap.NewAtomicLevelAt(ParseLevel(c.Level))
	zcfg.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	zcfg.OutputPaths = []string{c.Output}
	zcfg.ErrorOutputPaths = []string{"stderr"}

	l, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return l.With(zap.String("service", "docseal")), nil
}

type ctxKey struct{}

// ToContext stores l in ctx.
func ToContext(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// Lookup returns the logger stored in ctx, if any.
func Lookup(ctx context.Context) (*zap.Logger, bool) {
	if ctx == nil {
		return nil, false
	}
	l, ok := ctx.Value(ctxKey{}).(*zap.Logger)
	return l, ok && l != nil
}

// From returns the logger stored in ctx, or a no-op logger.
func From(ctx context.Context) *zap.Logger {
	if l, ok := Lookup(ctx); ok {
		return l
	}
	return zap.NewNop()
}
