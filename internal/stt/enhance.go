package stt

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// enhanceFilter is the ffmpeg filter chain applied before transcription:
// band-pass the telephony spectrum, FFT denoise, normalise loudness.
const enhanceFilter = "highpass=f=120,lowpass=f=3800,afftdn,loudnorm"

// Enhance runs the raw recording through ffmpeg, producing a denoised
// 16 kHz mono WAV. The enhanced copy is kept under archiveDir named by
// the recording so operators can audit what the service actually heard.
// When ffmpeg is unavailable the original bytes are returned unchanged.
func Enhance(ctx context.Context, raw []byte, archiveDir, name string) ([]byte, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return raw, nil
	}

	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating audio archive dir: %w", err)
	}

	in, err := os.CreateTemp(archiveDir, name+".raw-*.wav")
	if err != nil {
		return nil, fmt.Errorf("writing raw recording: %w", err)
	}
	defer os.Remove(in.Name())
	if _, err := in.Write(raw); err != nil {
		in.Close()
		return nil, fmt.Errorf("writing raw recording: %w", err)
	}
	in.Close()

	out := filepath.Join(archiveDir, name+".enhanced.wav")
	cmd := exec.CommandContext(ctx, "ffmpeg", "-y",
		"-i", in.Name(),
		"-af", enhanceFilter,
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "pcm_s16le",
		out,
	)
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg enhancement: %w", err)
	}

	enhanced, err := os.ReadFile(out)
	if err != nil {
		return nil, fmt.Errorf("reading enhanced recording: %w", err)
	}
	return enhanced, nil
}
