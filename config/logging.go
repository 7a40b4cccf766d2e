package config

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// parseLevel converts a string level to log.Level.
func parseLevel(level string) log.Level {
	switch strings.ToLower(level) {
	case "debug":
		return log.DebugLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

// NewLogger builds the process logger. A nil output writes to stderr so
// anonymized text on stdout stays clean.
func NewLogger(cfg LoggingConfig, output io.Writer) *log.Logger {
	if output == nil {
		output = os.Stderr
	}
	level := parseLevel(cfg.Level)
	if cfg.LogVerbose && level > log.DebugLevel {
		level = log.DebugLevel
	}
	return log.NewWithOptions(output, log.Options{
		Level:           level,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: cfg.ReportTimestamp,
	})
}
