// Package rlog provides a simple logging interface with formatted output
// methods, matching the shape of the teacher's original logging wrapper
// over log/slog.
package rlog

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog.Logger with printf-style helpers.
type Logger struct {
	logger *slog.Logger
}

// Log is the global logger instance.
var Log = &Logger{
	logger: slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})),
}

// Infof logs an info level message with formatting.
func (l *Logger) Infof(format string, args ...any) {
	l.logger.Info(sprintf(format, args...))
}

// Warnf logs a warning level message with formatting.
func (l *Logger) Warnf(format string, args ...any) {
	l.logger.Warn(sprintf(format, args...))
}

// Errorf logs an error level message with formatting.
func (l *Logger) Errorf(format string, args ...any) {
	l.logger.Error(sprintf(format, args...))
}

// Debugf logs a debug level message with formatting.
func (l *Logger) Debugf(format string, args ...any) {
	l.logger.Debug(sprintf(format, args...))
}

// WithCorrelation returns a logger that adds a correlation_id attribute,
// set to the given id (the inbound message_id, per spec §7), to every line.
func (l *Logger) WithCorrelation(correlationID string) *Logger {
	return &Logger{logger: l.logger.With("correlation_id", correlationID)}
}

func sprintf(format string, args ...any) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}

// MaskSecret masks all but the first 4 and last 4 characters of a secret
// (e.g. an API key) for safe logging.
func MaskSecret(secret string) string {
	if len(secret) <= 8 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:4] + "…" + secret[len(secret)-4:]
}

// MaskPhone masks the middle digits of a phone-number-shaped ChatID,
// keeping the first two and last two digits visible.
func MaskPhone(phone string) string {
	digits := 0
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	if digits <= 4 {
		return phone
	}

	var b strings.Builder
	seen := 0
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			seen++
			if seen <= 2 || seen > digits-2 {
				b.WriteRune(r)
			} else {
				b.WriteRune('*')
			}
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
