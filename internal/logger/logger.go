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

// Default rotation settings for captured server output.
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config is the unified logging configuration: the manager's own slog output
// plus optional files receiving each dev server's stdout and stderr.
type Config struct {
	Level     string     `json:"level" mapstructure:"level"`   // debug, info, warn, error
	Format    string     `json:"format" mapstructure:"format"` // text, json
	Color     bool       `json:"color" mapstructure:"color"`
	TimeStamp bool       `json:"timestamp" mapstructure:"timestamp"`
	File      FileConfig `json:"file" mapstructure:"file"`
}

// FileConfig describes where server output goes.
// If StdoutPath/StderrPath are empty and Dir is set, files are
// Dir/<name>.stdout.log and Dir/<name>.stderr.log.
// Rotation parameters follow lumberjack semantics.
type FileConfig struct {
	Dir        string `json:"dir" mapstructure:"dir"`
	StdoutPath string `json:"stdout" mapstructure:"stdout"`
	StderrPath string `json:"stderr" mapstructure:"stderr"`
	MaxSizeMB  int    `json:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `json:"compress" mapstructure:"compress"`
}

// Enabled reports whether any output file is configured.
func (c FileConfig) Enabled() bool {
	return c.Dir != "" || c.StdoutPath != "" || c.StderrPath != ""
}

// Writers returns rotating writers for a server's stdout and stderr. Either
// may be nil when not configured.
func (c FileConfig) Writers(name string) (io.WriteCloser, io.WriteCloser, error) {
	stdout := c.StdoutPath
	stderr := c.StderrPath
	if stdout == "" && c.Dir != "" {
		stdout = filepath.Join(c.Dir, fmt.Sprintf("%s.stdout.log", name))
	}
	if stderr == "" && c.Dir != "" {
		stderr = filepath.Join(c.Dir, fmt.Sprintf("%s.stderr.log", name))
	}
	if c.Dir != "" {
		if err := os.MkdirAll(c.Dir, 0o750); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
	}
	var outW, errW io.WriteCloser
	if stdout != "" {
		outW = c.rotating(stdout)
	}
	if stderr != "" {
		errW = c.rotating(stderr)
	}
	return outW, errW, nil
}

func (c FileConfig) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// ParseLevel maps a level name to slog.Level; unknown names mean info.
func ParseLevel(s string) slog.Level {
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

// New builds the manager's logger writing to w (stderr when nil).
func New(cfg Config, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	switch strings.ToLower(cfg.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts))
	default:
		if cfg.Color {
			return slog.New(NewColorTextHandler(w, opts, cfg.TimeStamp))
		}
		if !cfg.TimeStamp {
			opts.ReplaceAttr = dropTime
		}
		return slog.New(slog.NewTextHandler(w, opts))
	}
}

func dropTime(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.TimeKey {
		return slog.Attr{}
	}
	return a
}
