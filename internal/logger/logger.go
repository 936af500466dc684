// Package logger provides a package-level structured logger shared by every
// component of the proxy, following the same initialize-once-call-anywhere
// convention used across the teacher codebase's command and API layers.
package logger

import (
	"sync"

	"go.uber.org/zap"
)

var (
	mu  sync.RWMutex
	log *zap.SugaredLogger
)

// Initialize sets up the package-level logger. debug switches to a
// human-readable console encoder at Debug level; otherwise JSON at Info.
func Initialize(debug bool) error {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	l, err := cfg.Build()
	if err != nil {
		return err
	}
	mu.Lock()
	log = l.Sugar()
	mu.Unlock()
	return nil
}

func sugar() *zap.SugaredLogger {
	mu.RLock()
	l := log
	mu.RUnlock()
	if l == nil {
		// Fallback so packages never nil-panic if Initialize wasn't called,
		// e.g. in unit tests that exercise a component directly.
		return zap.NewNop().Sugar()
	}
	return l
}

func Infof(template string, args ...any)  { sugar().Infof(template, args...) }
func Errorf(template string, args ...any) { sugar().Errorf(template, args...) }
func Warnf(template string, args ...any)  { sugar().Warnf(template, args...) }
func Debugf(template string, args ...any) { sugar().Debugf(template, args...) }
func Fatalf(template string, args ...any) { sugar().Fatalf(template, args...) }

// With returns a child logger with the given structured fields attached,
// for components (pool, health monitor, cache) that want to tag every log
// line with a backend or cache-layer identifier.
func With(args ...any) *zap.SugaredLogger { return sugar().With(args...) }

// Sync flushes buffered log entries; call during graceful shutdown.
func Sync() error { return sugar().Sync() }
