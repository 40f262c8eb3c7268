// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	Level  string `mapstructure:"level" json:"level" yaml:"level" toml:"level"`
	Format string `mapstructure:"format" json:"format" yaml:"format" toml:"format"`
	// File enables a rotating log file instead of stderr.
	File       string `mapstructure:"file" json:"file,omitempty" yaml:"file,omitempty" toml:"file,omitempty"`
	MaxSizeMB  int    `mapstructure:"maxSizeMb" json:"maxSizeMb" yaml:"maxSizeMb" toml:"maxSizeMb"`
	MaxBackups int    `mapstructure:"maxBackups" json:"maxBackups" yaml:"maxBackups" toml:"maxBackups"`
	MaxAgeDays int    `mapstructure:"maxAgeDays" json:"maxAgeDays" yaml:"maxAgeDays" toml:"maxAgeDays"`
	Compress   bool   `mapstructure:"compress" json:"compress" yaml:"compress" toml:"compress"`
}

func New(opts Options) (*logrus.Logger, error) {
	logger := logrus.New()
	level := strings.TrimSpace(opts.Level)
	if level == "" {
		level = "info"
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	logger.SetLevel(parsed)

	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("unsupported log format %q", opts.Format)
	}

	logger.SetOutput(output(opts))
	return logger, nil
}

func output(opts Options) io.Writer {
	path := strings.TrimSpace(opts.File)
	if path == "" {
		return os.Stderr
	}
	maxSize := opts.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 50
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSize,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}
}

// Discard returns a logger that drops everything. Packages use it when the
// caller passes no logger.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// OrDiscard returns log, or a discarding logger when log is nil.
func OrDiscard(log logrus.FieldLogger) logrus.FieldLogger {
	if log == nil {
		return Discard()
	}
	return log
}
