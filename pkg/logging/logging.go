// Package logging builds the logrus logger shared by every stage, optionally
// teeing into a rotating log file.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/natefinch/lumberjack"
	"github.com/sirupsen/logrus"
)

// Config describes the log destination and format.
type Config struct {
	// Level is a logrus level name such as "debug" or "info"
	Level string `yaml:"level" toml:"level"`

	// File, when set, receives a copy of every entry and is rotated
	File       string `yaml:"file" toml:"file"`
	MaxSize    int    `yaml:"maxSize" toml:"max_size"` // megabytes
	MaxAge     int    `yaml:"maxAge" toml:"max_age"`   // days
	MaxBackups int    `yaml:"maxBackups" toml:"max_backups"`

	JSON bool `yaml:"json" toml:"json"`
}

// New returns a logger writing to stderr and, if configured, to a rotating
// file. The returned closer releases the file and is never nil.
func New(cfg Config) (*logrus.Logger, io.Closer, error) {
	log := logrus.New()
	log.SetOutput(os.Stderr)

	if cfg.Level != "" {
		level, err := logrus.ParseLevel(cfg.Level)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		log.SetLevel(level)
	}

	if cfg.JSON {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if cfg.File == "" {
		return log, nopCloser{}, nil
	}
	rotated := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxAge,
		MaxBackups: cfg.MaxBackups,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, rotated))
	return log, rotated, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
