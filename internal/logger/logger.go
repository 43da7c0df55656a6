package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation settings for captured runner output.
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes structured logging for the manager itself and file
// capture settings applied to runner process output.
type Config struct {
	Level  string `json:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `json:"format" mapstructure:"format"` // text or json
	Color  bool   `json:"color" mapstructure:"color"`   // ANSI colors on text output

	// Rotation parameters for runner output files (lumberjack semantics).
	MaxSizeMB  int  `json:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int  `json:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int  `json:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool `json:"compress" mapstructure:"compress"`
}

// NewSlogger builds a *slog.Logger for the manager writing to stderr.
func (c Config) NewSlogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(c.Level)}
	var h slog.Handler
	switch strings.ToLower(c.Format) {
	case "json":
		h = slog.NewJSONHandler(os.Stderr, opts)
	default:
		if c.Color {
			h = NewColorTextHandler(os.Stderr, opts)
		} else {
			h = slog.NewTextHandler(os.Stderr, opts)
		}
	}
	return slog.New(h)
}

// RunnerWriter returns an append-mode, rotating writer for one runner's
// combined stdout/stderr at the given path.
func (c Config) RunnerWriter(path string) io.WriteCloser {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

// EnsureDir creates the parent directory of path if missing.
func EnsureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create log dir %s: %w", dir, err)
	}
	return nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
