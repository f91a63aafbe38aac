package audio

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Recorder streams the session's capture audio to a WAV file so the offline
// diarization pass can analyze the full recording. Write failures disable the
// recorder rather than interrupting the live session.
type Recorder struct {
	mu       sync.Mutex
	file     *os.File
	enc      *wav.Encoder
	path     string
	rate     int
	disabled bool
	written  int
	logger   *slog.Logger
}

// NewRecorder creates the target file and prepares the WAV encoder.
func NewRecorder(path string, sampleRate int, logger *slog.Logger) (*Recorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create recording file: %w", err)
	}
	return &Recorder{
		file:   f,
		enc:    wav.NewEncoder(f, sampleRate, 16, 1, 1),
		path:   path,
		rate:   sampleRate,
		logger: logger,
	}, nil
}

// Write appends samples to the recording. On failure the recorder logs once
// and ignores all further writes.
func (r *Recorder) Write(samples []float32) {
	if r == nil || len(samples) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disabled {
		return
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: r.rate},
		Data:           pcm16From(samples),
		SourceBitDepth: 16,
	}
	if err := r.enc.Write(buf); err != nil {
		r.disabled = true
		r.logger.Warn("session recording disabled after write failure",
			slog.String("path", r.path),
			slog.String("error", err.Error()))
		return
	}
	r.written += len(samples)
}

// Close finalizes the WAV header. The recording is only usable after Close.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	encErr := r.enc.Close()
	fileErr := r.file.Close()
	r.file = nil
	if encErr != nil {
		return fmt.Errorf("failed to finalize recording: %w", encErr)
	}
	if fileErr != nil {
		return fmt.Errorf("failed to close recording file: %w", fileErr)
	}
	return nil
}

// Path returns the location of the recording file.
func (r *Recorder) Path() string {
	if r == nil {
		return ""
	}
	return r.path
}

// Usable reports whether the recording captured audio and is intact.
func (r *Recorder) Usable() bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.disabled && r.written > 0
}
