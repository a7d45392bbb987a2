// Package recording prunes the enhanced-audio archive the STT pipeline
// writes alongside every transcription.
package recording

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// StartCleanupTicker runs a background goroutine that periodically
// removes archived recordings older than maxDays. A maxDays of 0
// disables the sweep. The goroutine stops when ctx is cancelled.
func StartCleanupTicker(ctx context.Context, dir string, maxDays int, interval time.Duration, logger *slog.Logger) {
	if maxDays <= 0 || dir == "" {
		return
	}
	log := logger.With("subsystem", "archive_cleanup")

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := Sweep(dir, maxDays, log)
				if err != nil {
					log.Error("archive cleanup failed", "error", err)
					continue
				}
				if removed > 0 {
					log.Info("archive cleanup", "removed", removed, "max_days", maxDays)
				}
			}
		}
	}()
}

// Sweep deletes WAV files in dir older than maxDays and returns how
// many were removed.
func Sweep(dir string, maxDays int, log *slog.Logger) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := time.Now().AddDate(0, 0, -maxDays)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".wav") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Warn("failed to remove archived recording", "path", path, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}
