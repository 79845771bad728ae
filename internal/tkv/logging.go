package tkv

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v3"
)

// badgerLoggerAdapter adapts slog.Logger to badger.Logger, dropping
// messages below level.
type badgerLoggerAdapter struct {
	slogger *slog.Logger
	level   slog.Level
}

func (b *badgerLoggerAdapter) logf(level slog.Level, format string, args ...interface{}) {
	if level < b.level {
		return
	}
	b.slogger.Log(context.Background(), level, fmt.Sprintf(format, args...))
}

func (b *badgerLoggerAdapter) Errorf(format string, args ...interface{}) {
	b.logf(slog.LevelError, format, args...)
}

func (b *badgerLoggerAdapter) Warningf(format string, args ...interface{}) {
	b.logf(slog.LevelWarn, format, args...)
}

func (b *badgerLoggerAdapter) Infof(format string, args ...interface{}) {
	b.logf(slog.LevelInfo, format, args...)
}

func (b *badgerLoggerAdapter) Debugf(format string, args ...interface{}) {
	b.logf(slog.LevelDebug, format, args...)
}

// newLogger is installed with WithLogger alone. badger's WithLoggingLevel
// replaces the logger with its own, so the level is enforced here.
func newLogger(slogger *slog.Logger, level slog.Level) badger.Logger {
	return &badgerLoggerAdapter{slogger: slogger, level: level}
}
