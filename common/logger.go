package common

import (
	"log/slog"
	"os"
	"sync/atomic"
)

// The pool logs through slog so embedders can route records wherever
// they like. Default output is text on stderr at info level.

var logger atomic.Pointer[slog.Logger]

func init() {
	logger.Store(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))
}

// SetLogger replaces the package logger.
func SetLogger(l *slog.Logger) {
	logger.Store(l)
}

// Logger returns the current package logger.
func Logger() *slog.Logger {
	return logger.Load()
}
