// Package logging builds the structured loggers every rank writes through.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/notargets/meshdist/fault"
)

// Config selects the level and output format.
type Config struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// ParseLevel maps a level name to a slog.Level. The empty name is info.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fault.Errorf(fault.KindConfig, "log level", "unknown level %q", name)
}

// New creates a logger writing to w (stderr when nil).
func New(cfg Config, w io.Writer) (*slog.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, fault.Errorf(fault.KindConfig, "log format", "unknown format %q", cfg.Format)
}

// Noop returns a logger that discards everything.
func Noop() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// ForRank tags every record with the rank and world size.
func ForRank(l *slog.Logger, rank, size int) *slog.Logger {
	if l == nil {
		l = Noop()
	}
	return l.With("rank", rank, "size", size)
}
