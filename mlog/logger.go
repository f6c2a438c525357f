package mlog

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogConfig struct {
	// Level is the minimum level to log: "debug", "info", "warn", "error".
	// Default is "info".
	Level string `yaml:"level"`

	// File appends logs to the given file instead of stderr.
	File string `yaml:"file"`
}

var (
	stderr = zapcore.Lock(os.Stderr)

	l = zap.New(zapcore.NewCore(
		zapcore.NewConsoleEncoder(defaultEncoderConfig()),
		stderr,
		zap.InfoLevel,
	))
	s = l.Sugar()

	mu sync.Mutex
)

func defaultEncoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return cfg
}

// NewLogger creates a *zap.Logger from cfg.
func NewLogger(cfg *LogConfig) (*zap.Logger, error) {
	lvl := zap.InfoLevel
	if len(cfg.Level) > 0 {
		var err error
		lvl, err = zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}

	ws := zapcore.WriteSyncer(stderr)
	if len(cfg.File) > 0 {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		ws = zapcore.Lock(f)
	}

	return zap.New(zapcore.NewCore(
		zapcore.NewConsoleEncoder(defaultEncoderConfig()),
		ws,
		lvl,
	)), nil
}

// L returns the package-level logger.
func L() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	return l
}

// SetLogger replaces the package-level logger.
func SetLogger(logger *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	l = logger
	s = logger.Sugar()
}

// S returns the package-level sugared logger.
func S() *zap.SugaredLogger {
	mu.Lock()
	defer mu.Unlock()
	return s
}

func Nop() *zap.Logger {
	return zap.NewNop()
}
