package webrtcpeer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// slogLevelTrace sits below slog.LevelDebug so pion's trace output stays
// hidden unless explicitly enabled.
const slogLevelTrace = slog.LevelDebug - 4

// NewLoggerFactory routes pion's scoped loggers into logger, tagging each
// record with the pion scope (ice, dtls, sctp, ...).
func NewLoggerFactory(logger *slog.Logger) logging.LoggerFactory {
	return loggerFactory{logger: logger}
}

type loggerFactory struct {
	logger *slog.Logger
}

func (f loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return leveledLogger{logger: f.logger.With("pion_scope", scope)}
}

type leveledLogger struct {
	logger *slog.Logger
}

func (l leveledLogger) log(level slog.Level, msg string) {
	l.logger.Log(context.Background(), level, msg)
}

func (l leveledLogger) logf(level slog.Level, format string, args ...interface{}) {
	if !l.logger.Enabled(context.Background(), level) {
		return
	}
	l.log(level, fmt.Sprintf(format, args...))
}

func (l leveledLogger) Trace(msg string) { l.log(slogLevelTrace, msg) }
func (l leveledLogger) Tracef(format string, args ...interface{}) {
	l.logf(slogLevelTrace, format, args...)
}
func (l leveledLogger) Debug(msg string) { l.log(slog.LevelDebug, msg) }
func (l leveledLogger) Debugf(format string, args ...interface{}) {
	l.logf(slog.LevelDebug, format, args...)
}
func (l leveledLogger) Info(msg string) { l.log(slog.LevelInfo, msg) }
func (l leveledLogger) Infof(format string, args ...interface{}) {
	l.logf(slog.LevelInfo, format, args...)
}
func (l leveledLogger) Warn(msg string) { l.log(slog.LevelWarn, msg) }
func (l leveledLogger) Warnf(format string, args ...interface{}) {
	l.logf(slog.LevelWarn, format, args...)
}
func (l leveledLogger) Error(msg string) { l.log(slog.LevelError, msg) }
func (l leveledLogger) Errorf(format string, args ...interface{}) {
	l.logf(slog.LevelError, format, args...)
}
