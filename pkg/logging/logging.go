// Package logging builds the shared logrus logger used by every service.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/supporttools/GoDRGuard/pkg/config"
)

// New returns a logger configured from the logging section. Debug mode forces
// the debug level regardless of the configured level.
func New(cfg config.LoggingConfig, debug bool) *logrus.Logger {
	return NewWithOutput(cfg, debug, os.Stdout)
}

// NewWithOutput is New with an explicit writer.
func NewWithOutput(cfg config.LoggingConfig, debug bool, out io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(out)

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	if debug {
		level = logrus.DebugLevel
	}
	logger.SetLevel(level)

	return logger
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
