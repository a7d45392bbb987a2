// Package logging wires slog to stdout plus a set of rotating log files.
// Besides the main application log it maintains dedicated trace files for
// hangup diagnostics and per-intent transcripts, each capped at 5 MB with
// 5 rotated backups.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dialflow/dialflow/internal/config"
)

const (
	maxSizeMB  = 5
	maxBackups = 5
)

// Set bundles the application logger and the dedicated trace loggers.
type Set struct {
	App         *slog.Logger
	Hangups     *slog.Logger
	UserDrops   *slog.Logger
	PositiveSTT *slog.Logger
	NegativeSTT *slog.Logger
	UnknownSTT  *slog.Logger

	closers []io.Closer
}

// New builds the logger set. The main logger writes to stdout and to a
// rotating app.log; trace loggers write only to their own files.
func New(cfg *config.Config) (*Set, error) {
	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return nil, err
	}

	s := &Set{}

	appFile := s.rotating(cfg.LogDir, "app.log")
	appWriter := io.MultiWriter(os.Stdout, appFile)
	s.App = slog.New(newHandler(cfg, appWriter))

	s.Hangups = s.fileLogger(cfg, "hangups.log")
	s.UserDrops = s.fileLogger(cfg, "userdrop.log")
	s.PositiveSTT = s.fileLogger(cfg, "positive_stt.log")
	s.NegativeSTT = s.fileLogger(cfg, "negative_stt.log")
	s.UnknownSTT = s.fileLogger(cfg, "unknown_stt.log")

	return s, nil
}

// Close flushes and closes all rotating file sinks.
func (s *Set) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (s *Set) rotating(dir, name string) io.Writer {
	lj := &lumberjack.Logger{
		Filename:   filepath.Join(dir, name),
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
	}
	s.closers = append(s.closers, lj)
	return lj
}

func (s *Set) fileLogger(cfg *config.Config, name string) *slog.Logger {
	return slog.New(newHandler(cfg, s.rotating(cfg.LogDir, name)))
}

func newHandler(cfg *config.Config, w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}
