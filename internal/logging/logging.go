// Package logging provides the process-wide structured logger.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// The global logger. Defaults suit tests; the CLI calls Configure once at startup.
var std = newLogger(os.Stderr)

func newLogger(out io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	return l
}

// Config controls level and output format.
type Config struct {
	// Level is one of debug, info, warn, error
	Level string `json:"level" yaml:"level"`

	// Format is text or json
	Format string `json:"format" yaml:"format"`
}

// Configure replaces the level and formatter of the global logger.
func Configure(cfg Config) error {
	level := logrus.InfoLevel
	if cfg.Level != "" {
		parsed, err := logrus.ParseLevel(cfg.Level)
		if err != nil {
			return err
		}
		level = parsed
	}
	std.SetLevel(level)

	if strings.EqualFold(cfg.Format, "json") {
		std.SetFormatter(&logrus.JSONFormatter{})
	}
	return nil
}

// SetOutput redirects the global logger.
func SetOutput(w io.Writer) {
	std.SetOutput(w)
}

// StdLogger returns the global logger.
func StdLogger() *logrus.Logger {
	return std
}

func Debug(args ...interface{}) { std.Debug(args...) }
func Info(args ...interface{})  { std.Info(args...) }
func Warn(args ...interface{})  { std.Warn(args...) }
func Error(args ...interface{}) { std.Error(args...) }

func Debugf(format string, args ...interface{}) { std.Debugf(format, args...) }
func Infof(format string, args ...interface{})  { std.Infof(format, args...) }
func Warnf(format string, args ...interface{})  { std.Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { std.Errorf(format, args...) }

// WithField returns an entry with the key-value pair added.
func WithField(key string, value interface{}) *logrus.Entry {
	return std.WithField(key, value)
}

// WithFields returns an entry with all pairs in the map added.
func WithFields(fields map[string]interface{}) *logrus.Entry {
	return std.WithFields(fields)
}

// WithError returns an entry with the error added as a field.
func WithError(err error) *logrus.Entry {
	return std.WithError(err)
}
