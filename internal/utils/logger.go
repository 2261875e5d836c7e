package utils

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

var logger = newLogger(os.Getenv("LOG_LEVEL"))

// GetLogger returns the process-wide logger.
func GetLogger() *logrus.Logger {
	return logger
}

// SetLogLevel applies the configured level. An unknown name keeps the current one.
func SetLogLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("log level %q: %w", level, err)
	}
	logger.SetLevel(lvl)
	return nil
}

func newLogger(level string) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	l.SetLevel(logrus.InfoLevel)
	if lvl, err := logrus.ParseLevel(level); err == nil {
		l.SetLevel(lvl)
	}
	return l
}
