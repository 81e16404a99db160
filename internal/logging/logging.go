// Package logging builds the root zerolog logger from configuration.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/star64ccs/CardStrategy-sub006/internal/config"
)

// Logger is the root logger plus whatever file it writes to.
type Logger struct {
	zerolog.Logger
	file *lumberjack.Logger
}

// New creates a logger writing to out (stderr when nil) and, when
// cfg.File is set, to a rotated log file.
func New(cfg config.LogConfig, out io.Writer) (*Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
	}
	if cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	if out == nil {
		out = os.Stderr
	}

	var console io.Writer = out
	if !cfg.JSON {
		console = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	l := &Logger{}
	writers := []io.Writer{console}
	if cfg.File != "" {
		l.file = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    100, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
		writers = append(writers, l.file)
	}

	l.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().
		Timestamp().
		Logger()
	return l, nil
}

// Component returns a child logger tagged with a component name.
func (l *Logger) Component(name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

// Close closes the log file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
