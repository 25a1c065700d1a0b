// Package logging configures the process-wide slog logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects the handler, level and sinks.
type Options struct {
	// Level is debug, info, warn or error (default: info)
	Level string
	// Format is json or text (default: json)
	Format string
	// File, when set, adds a rotating log file next to stdout
	File       string
	MaxSizeMB  int
	MaxBackups int
	Compress   bool
	// Stdout replaces os.Stdout (tests)
	Stdout io.Writer
}

// Logger is a configured logger whose level can change at runtime.
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
	file  *lumberjack.Logger
}

// ParseLevel maps a level name to slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(strings.TrimSpace(s)))); err != nil {
		return slog.LevelInfo, fmt.Errorf("logging: unknown level %q", s)
	}
	return l, nil
}

// New builds a logger from opts.
func New(opts Options) (*Logger, error) {
	if opts.Level == "" {
		opts.Level = "info"
	}
	lvl, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	level := new(slog.LevelVar)
	level.Set(lvl)

	var out io.Writer = os.Stdout
	if opts.Stdout != nil {
		out = opts.Stdout
	}

	l := &Logger{level: level}
	if opts.File != "" {
		l.file = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			Compress:   opts.Compress,
		}
		out = io.MultiWriter(out, l.file)
	}

	ho := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch strings.ToLower(opts.Format) {
	case "", "json":
		h = slog.NewJSONHandler(out, ho)
	case "text":
		h = slog.NewTextHandler(out, ho)
	default:
		return nil, fmt.Errorf("logging: unknown format %q", opts.Format)
	}

	l.Logger = slog.New(h)
	return l, nil
}

// Setup builds a logger and installs it as the slog default.
func Setup(opts Options) (*Logger, error) {
	l, err := New(opts)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(l.Logger)
	return l, nil
}

// SetLevel changes the level of every handler built by New.
func (l *Logger) SetLevel(name string) error {
	lvl, err := ParseLevel(name)
	if err != nil {
		return err
	}
	if old := l.level.Level(); old != lvl {
		l.level.Set(lvl)
		l.Info("log level changed", "from", old.String(), "to", lvl.String())
	}
	return nil
}

// Level returns the current level.
func (l *Logger) Level() slog.Level {
	return l.level.Level()
}

// Close flushes and closes the log file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
