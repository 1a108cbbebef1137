// Package util provides logging and process-wide statistics.
package util

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pterm/pterm"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/gigglesninja/senior-design/internal/config"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Leveled logging functions backed by pterm's default logger.
// All output goes to stderr unless SetupLogger adds a file sink.

func LogDebug(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogSuccess(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

// SetupLogger applies the configured level and, when a log file is set,
// tees output into a size-rotated file. The returned closer releases the
// file and is a no-op otherwise.
func SetupLogger(c config.LogConfig) (io.Closer, error) {
	switch strings.ToLower(strings.TrimSpace(c.Level)) {
	case "debug":
		pterm.DefaultLogger.Level = pterm.LogLevelDebug
	case "warn", "warning":
		pterm.DefaultLogger.Level = pterm.LogLevelWarn
	case "error":
		pterm.DefaultLogger.Level = pterm.LogLevelError
	case "info", "":
		pterm.DefaultLogger.Level = pterm.LogLevelInfo
	default:
		return nil, fmt.Errorf("unknown log level %q", c.Level)
	}

	if c.File == "" {
		return nopCloser{}, nil
	}

	lj := &lumberjack.Logger{
		Filename:   c.File,
		MaxSize:    max(c.MaxSizeMB, 1),
		MaxBackups: c.MaxBackups,
		MaxAge:     c.MaxAgeDays,
		Compress:   c.Compress,
	}
	pterm.DefaultLogger.Writer = io.MultiWriter(os.Stderr, lj)
	return lj, nil
}

// ConnPrefix formats a connection id the way log lines tag it.
func ConnPrefix(id uint64) string {
	return fmt.Sprintf("[c%06d]", id)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
