package webrtcpeer

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/pion/logging"
)

// levelTrace sits below slog.LevelDebug for pion's trace output.
const levelTrace = slog.LevelDebug - 4

type loggerFactory struct {
	log *slog.Logger
}

// NewLoggerFactory routes pion's internal logging into log, one "scope"
// attribute per pion subsystem (ice, dtls, sctp, pc, ...).
func NewLoggerFactory(log *slog.Logger) logging.LoggerFactory {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return loggerFactory{log: log}
}

func (f loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &slogLogger{log: f.log.With("component", "pion", "scope", scope)}
}

type slogLogger struct {
	log *slog.Logger
}

func (l *slogLogger) emit(level slog.Level, msg string) {
	l.log.Log(context.Background(), level, msg)
}

func (l *slogLogger) emitf(level slog.Level, format string, args ...interface{}) {
	if !l.log.Enabled(context.Background(), level) {
		return
	}
	l.log.Log(context.Background(), level, fmt.Sprintf(format, args...))
}

func (l *slogLogger) Trace(msg string)                          { l.emit(levelTrace, msg) }
func (l *slogLogger) Tracef(format string, args ...interface{}) { l.emitf(levelTrace, format, args...) }
func (l *slogLogger) Debug(msg string)                          { l.emit(slog.LevelDebug, msg) }
func (l *slogLogger) Debugf(format string, args ...interface{}) { l.emitf(slog.LevelDebug, format, args...) }
func (l *slogLogger) Info(msg string)                           { l.emit(slog.LevelInfo, msg) }
func (l *slogLogger) Infof(format string, args ...interface{})  { l.emitf(slog.LevelInfo, format, args...) }
func (l *slogLogger) Warn(msg string)                           { l.emit(slog.LevelWarn, msg) }
func (l *slogLogger) Warnf(format string, args ...interface{})  { l.emitf(slog.LevelWarn, format, args...) }
func (l *slogLogger) Error(msg string)                          { l.emit(slog.LevelError, msg) }
func (l *slogLogger) Errorf(format string, args ...interface{}) { l.emitf(slog.LevelError, format, args...) }
