package utils

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logger struct {
	l *zap.SugaredLogger
}

// NewLogger returns an info-level JSON logger writing to stdout.
func NewLogger() *Logger {
	lg, err := NewLoggerWithLevel("info")
	if err != nil {
		return NewNopLogger()
	}
	return lg
}

func NewLoggerWithLevel(level string) (*Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stdout"}
	z, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return NewLoggerFromZap(z), nil
}

func NewLoggerFromZap(z *zap.Logger) *Logger { return &Logger{l: z.Sugar()} }

func NewNopLogger() *Logger { return NewLoggerFromZap(zap.NewNop()) }

func (lg *Logger) Debug(msg string, kv ...any) { lg.l.Debugw(msg, kv...) }
func (lg *Logger) Info(msg string, kv ...any)  { lg.l.Infow(msg, kv...) }
func (lg *Logger) Warn(msg string, kv ...any)  { lg.l.Warnw(msg, kv...) }
func (lg *Logger) Error(msg string, kv ...any) { lg.l.Errorw(msg, kv...) }

// With returns a child logger that always carries kv.
func (lg *Logger) With(kv ...any) *Logger { return &Logger{l: lg.l.With(kv...)} }

func (lg *Logger) Sync() error { return lg.l.Sync() }
