package logging

import (
	"github.com/sirupsen/logrus"

	"github.com/postloom/postloom/backend/internal/config"
)

// New returns a JSON logger with the level taken from LOG_LEVEL
// (default "info").
func New() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	level, err := logrus.ParseLevel(config.GetEnv("LOG_LEVEL", "info"))
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

// NewWithService returns a logger whose entries all carry a service field.
func NewWithService(service string) *logrus.Entry {
	return New().WithField("service", service)
}
