// Package observability holds logging and metrics setup.
package observability

import (
	"github.com/sirupsen/logrus"
)

// NewLogger creates a JSON-formatted logrus logger at the given level.
// Unknown levels fall back to info.
func NewLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)
	return logger
}
