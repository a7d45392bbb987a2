package recording

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSweepRemovesOldWavs(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "old.wav")
	fresh := filepath.Join(dir, "fresh.wav")
	other := filepath.Join(dir, "notes.txt")
	for _, p := range []string{old, fresh, other} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	stale := time.Now().AddDate(0, 0, -10)
	if err := os.Chtimes(old, stale, stale); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(other, stale, stale); err != nil {
		t.Fatal(err)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	removed, err := Sweep(dir, 7, log)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("old wav survived")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("fresh wav deleted")
	}
	if _, err := os.Stat(other); err != nil {
		t.Error("non-wav file deleted")
	}

	// A missing directory is not an error.
	if _, err := Sweep(filepath.Join(dir, "gone"), 7, log); err != nil {
		t.Errorf("missing dir: %v", err)
	}
}
