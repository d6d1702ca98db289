package log

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var logger *logrus.Logger

func init() {
	logger = logrus.New()
	logger.SetOutput(os.Stdout)
	if err := Configure(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT")); err != nil {
		logger.SetLevel(logrus.InfoLevel)
		logger.Warnf("Ignoring logging environment: %v", err)
	}
}

// Configure sets the level (debug, info, warn, error) and the format (text or
// json) of the shared logger. Empty values keep info and text.
func Configure(level, format string) error {
	lvl := logrus.InfoLevel
	if level != "" {
		parsed, err := logrus.ParseLevel(strings.ToLower(level))
		if err != nil {
			return errors.Wrapf(err, "invalid log level %q", level)
		}
		lvl = parsed
	}

	var formatter logrus.Formatter
	switch strings.ToLower(format) {
	case "", "text":
		formatter = &logrus.TextFormatter{FullTimestamp: true}
	case "json":
		formatter = &logrus.JSONFormatter{}
	default:
		return errors.Errorf("invalid log format %q", format)
	}

	logger.SetLevel(lvl)
	logger.SetFormatter(formatter)
	return nil
}

// GetLogger returns the shared logger instance
func GetLogger() *logrus.Logger {
	return logger
}
