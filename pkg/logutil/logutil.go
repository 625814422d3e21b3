// Package logutil builds the zap loggers used across corestress.
package logutil

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.RWMutex
	logger = zap.NewNop()
)

// New builds a logger at the given level ("debug", "info", "warn", "error").
// dev selects the human-readable console encoder instead of JSON.
func New(level string, dev bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	if dev {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	// the workers already sample at their own cadence
	cfg.Sampling = nil
	return cfg.Build()
}

// InitLogger installs the process logger returned by GetLogger.
func InitLogger(level string, dev bool) error {
	l, err := New(level, dev)
	if err != nil {
		return err
	}
	mu.Lock()
	logger = l
	mu.Unlock()
	return nil
}

// GetLogger returns the process logger, a no-op logger before InitLogger.
func GetLogger() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
