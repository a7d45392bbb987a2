// Package media keeps the prompt audio assets deployed. Source mp3
// files are converted to telephony-grade WAV and copied into the
// server's custom sounds directory at startup.
package media

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/dialflow/dialflow/internal/config"
)

// Sync converts any mp3 under cfg.SrcDir into 16 kHz mono WAV under
// cfg.WavDir, then copies every WAV into the sounds directory. Missing
// ffmpeg skips conversion; an empty SoundsDir skips deployment. Sync is
// best-effort: individual file failures are logged, not fatal.
func Sync(ctx context.Context, cfg config.AudioConfig, logger *slog.Logger) error {
	log := logger.With("subsystem", "media_sync")

	if cfg.SrcDir == "" && cfg.SoundsDir == "" {
		return nil
	}
	if err := os.MkdirAll(cfg.WavDir, 0o755); err != nil {
		return fmt.Errorf("creating wav dir: %w", err)
	}

	if _, err := exec.LookPath("ffmpeg"); err != nil {
		log.Warn("ffmpeg not found, skipping mp3 conversion")
	} else if cfg.SrcDir != "" {
		convertAll(ctx, cfg.SrcDir, cfg.WavDir, log)
	}

	if cfg.SoundsDir == "" {
		return nil
	}
	return deploy(cfg.WavDir, cfg.SoundsDir, log)
}

func convertAll(ctx context.Context, srcDir, wavDir string, log *slog.Logger) {
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		log.Warn("reading audio source dir failed", "dir", srcDir, "error", err)
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".mp3") {
			continue
		}
		src := filepath.Join(srcDir, e.Name())
		stem := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		dst := filepath.Join(wavDir, stem+".wav")
		if upToDate(src, dst) {
			continue
		}
		if err := convert(ctx, src, dst); err != nil {
			log.Warn("mp3 conversion failed", "file", e.Name(), "error", err)
			continue
		}
		log.Info("converted prompt", "file", e.Name())
	}
}

// upToDate reports whether dst exists and is at least as new as src.
func upToDate(src, dst string) bool {
	si, err := os.Stat(src)
	if err != nil {
		return false
	}
	di, err := os.Stat(dst)
	return err == nil && !di.ModTime().Before(si.ModTime())
}

func convert(ctx context.Context, src, dst string) error {
	cmd := exec.CommandContext(ctx, "ffmpeg", "-y",
		"-i", src,
		"-ac", "1", "-ar", "16000", "-c:a", "pcm_s16le",
		dst,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg: %w: %s", err, string(out))
	}
	return nil
}

// deploy copies each WAV into the sounds directory, and additionally
// into the language-specific sibling when deploying to .../custom.
func deploy(wavDir, soundsDir string, log *slog.Logger) error {
	targets := []string{soundsDir}
	if filepath.Base(soundsDir) == "custom" {
		targets = append(targets, filepath.Join(filepath.Dir(soundsDir), "en", "custom"))
	}
	for _, dir := range targets {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating sounds dir: %w", err)
		}
	}

	entries, err := os.ReadDir(wavDir)
	if err != nil {
		return fmt.Errorf("reading wav dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".wav") {
			continue
		}
		src := filepath.Join(wavDir, e.Name())
		for _, dir := range targets {
			if err := copyFile(src, filepath.Join(dir, e.Name())); err != nil {
				log.Warn("prompt deployment failed", "file", e.Name(), "target", dir, "error", err)
				continue
			}
		}
		log.Info("synced prompt", "file", e.Name())
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
