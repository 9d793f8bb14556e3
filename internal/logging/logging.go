// Package logging builds the slog loggers used across recstore.
//
// Console output is either coloured text (tint) or JSON. When a file is
// configured, records are also written as JSON to a size-rotated file.
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Options configures New.
type Options struct {
	// Level is debug, info, warn or error. Empty means info.
	Level string

	// Format is "text" or "json". Empty means text.
	Format string

	// File, when set, receives JSON records with rotation.
	File string

	// AddSource includes the source position of each record.
	AddSource bool

	// NoColor disables ANSI colours in text output.
	NoColor bool
}

// Rotation limits of the log file.
const (
	fileMaxSizeMB  = 10
	fileMaxBackups = 3
	fileMaxAgeDays = 28
)

// Logger is a configured logger and the resources it owns.
type Logger struct {
	*slog.Logger
	file *lumberjack.Logger
}

// Close flushes and closes the log file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// New builds a logger writing to w, and to opts.File when set.
func New(w io.Writer, opts Options) (*Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	var console slog.Handler
	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "", FormatText:
		console = tint.NewHandler(w, &tint.Options{
			Level:      level,
			AddSource:  opts.AddSource,
			TimeFormat: time.TimeOnly,
			NoColor:    opts.NoColor,
		})
	case FormatJSON:
		console = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level, AddSource: opts.AddSource})
	default:
		return nil, fmt.Errorf("unknown log format %q: must be %s or %s", opts.Format, FormatText, FormatJSON)
	}

	l := &Logger{}
	handler := console
	if path := strings.TrimSpace(opts.File); path != "" {
		l.file = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    fileMaxSizeMB,
			MaxBackups: fileMaxBackups,
			MaxAge:     fileMaxAgeDays,
			Compress:   true,
		}
		file := slog.NewJSONHandler(l.file, &slog.HandlerOptions{Level: level, AddSource: opts.AddSource})
		handler = Multi(console, file)
	}
	l.Logger = slog.New(handler)
	return l, nil
}

// Stderr builds a logger on os.Stderr, disabling colour when stderr is not a
// terminal.
func Stderr(opts Options) (*Logger, error) {
	if !opts.NoColor {
		opts.NoColor = !isTerminal(os.Stderr)
	}
	return New(os.Stderr, opts)
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// WithComponent returns l annotated with the component attribute. A nil l
// yields a discarding logger.
func WithComponent(l *slog.Logger, name string) *slog.Logger {
	if l == nil {
		return Discard()
	}
	return l.With(slog.String("component", name))
}

// ParseLevel converts a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

// Multi fans records out to every handler.
func Multi(handlers ...slog.Handler) slog.Handler {
	return &multi{hs: handlers}
}

type multi struct{ hs []slog.Handler }

func (m *multi) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.hs {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multi) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range m.hs {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *multi) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(m.hs))
	for i, h := range m.hs {
		hs[i] = h.WithAttrs(attrs)
	}
	return &multi{hs: hs}
}

func (m *multi) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(m.hs))
	for i, h := range m.hs {
		hs[i] = h.WithGroup(name)
	}
	return &multi{hs: hs}
}
