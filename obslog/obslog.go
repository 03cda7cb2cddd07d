// Package obslog wraps logrus the way common/logger.go does, trimmed
// to the subset this repo exercises: level/format configuration and a
// component-tagged *logrus.Entry per caller.
package obslog

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Level mirrors common.LogLevel.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Config configures the root logger.
type Config struct {
	Level  Level
	Format string // "json" or "text"
}

// DefaultConfig mirrors common.DefaultLoggerConfig's defaults.
func DefaultConfig() Config {
	return Config{Level: LevelInfo, Format: "text"}
}

// New builds the root *logrus.Logger from Config.
func New(cfg Config) *logrus.Logger {
	logger := logrus.New()

	switch cfg.Level {
	case LevelDebug:
		logger.SetLevel(logrus.DebugLevel)
	case LevelWarn:
		logger.SetLevel(logrus.WarnLevel)
	case LevelError:
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{TimestampFormat: time.RFC3339, FullTimestamp: true})
	}

	return logger
}

// For returns a component-tagged entry, the standard way every package
// in this repo obtains its logger.
func For(logger *logrus.Logger, component string) *logrus.Entry {
	return logger.WithField("component", component)
}
