// Package logger builds the zap logger shared by the API and worker binaries.
package logger

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a JSON zap logger at the given level. Development mode disables
// sampling so every entry is visible.
func New(level string, development bool) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapCfg.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	zapCfg.Level = zap.NewAtomicLevelAt(parseLevel(level))
	if development {
		zapCfg.Sampling = nil
	}

	l, err := zapCfg.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return nil, fmt.Errorf("build zap logger: %w", err)
	}
	return l, nil
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
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

// CronLogger adapts zap to the logger interface expected by robfig/cron.
type CronLogger struct {
	s *zap.SugaredLogger
}

// NewCronLogger wraps l for use with cron.WithLogger and cron job wrappers.
func NewCronLogger(l *zap.Logger) CronLogger {
	return CronLogger{s: l.Sugar()}
}

// Info logs routine scheduler messages at debug level; cron is chatty.
func (c CronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.s.Debugw(msg, keysAndValues...)
}

func (c CronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
