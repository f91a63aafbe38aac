package audio

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/wav"
)

func TestRecorderWritesUsableFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audio.wav")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	rec, err := NewRecorder(path, 16000, logger)
	if err != nil {
		t.Fatalf("NewRecorder returned error: %v", err)
	}
	rec.Write(make([]float32, 1600))
	rec.Write(make([]float32, 800))
	if !rec.Usable() {
		t.Error("expected recorder to be usable after writes")
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("failed to open recording: %v", err)
	}
	defer f.Close()
	buf, err := wav.NewDecoder(f).FullPCMBuffer()
	if err != nil {
		t.Fatalf("failed to decode recording: %v", err)
	}
	if len(buf.Data) != 2400 {
		t.Errorf("expected 2400 frames, got %d", len(buf.Data))
	}
}

func TestRecorderNilSafe(t *testing.T) {
	var rec *Recorder
	rec.Write([]float32{1, 2, 3})
	if rec.Usable() {
		t.Error("nil recorder must not report usable")
	}
	if err := rec.Close(); err != nil {
		t.Errorf("nil recorder Close returned error: %v", err)
	}
	if rec.Path() != "" {
		t.Errorf("nil recorder Path should be empty, got %q", rec.Path())
	}
}

func TestRecorderEmptyIsNotUsable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audio.wav")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rec, err := NewRecorder(path, 16000, logger)
	if err != nil {
		t.Fatalf("NewRecorder returned error: %v", err)
	}
	if rec.Usable() {
		t.Error("recorder without audio must not report usable")
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
}
