package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.RuntimeName != "scribe-runtime" {
		t.Errorf("expected default runtime name, got %q", cfg.RuntimeName)
	}
	if cfg.Audio.SampleRate != 16000 {
		t.Errorf("expected default sample rate 16000, got %d", cfg.Audio.SampleRate)
	}
	if cfg.Audio.WindowSeconds != 10 {
		t.Errorf("expected default window of 10s, got %v", cfg.Audio.WindowSeconds)
	}
	if cfg.Transcribe.Mode != "mock" {
		t.Errorf("expected default transcribe mode mock, got %q", cfg.Transcribe.Mode)
	}
	if cfg.Summarize.IntervalMinutes != 10 {
		t.Errorf("expected default summary interval 10m, got %d", cfg.Summarize.IntervalMinutes)
	}
	if cfg.Checkpoint.IntervalSeconds != 60 {
		t.Errorf("expected default checkpoint interval 60s, got %d", cfg.Checkpoint.IntervalSeconds)
	}
	if cfg.Bus.Enabled {
		t.Error("expected bus disabled by default")
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scribe.yaml")
	content := `
runtime_name: meeting-box
audio:
  window_seconds: 5
  overlap_ms: 250
summarize:
  mode: ollama
  endpoint: http://llm.local:11434
  interval_minutes: 3
diarize:
  enabled: true
  mode: mock
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.RuntimeName != "meeting-box" {
		t.Errorf("expected runtime name from file, got %q", cfg.RuntimeName)
	}
	if cfg.Audio.WindowSeconds != 5 {
		t.Errorf("expected window 5s from file, got %v", cfg.Audio.WindowSeconds)
	}
	if cfg.Audio.OverlapMS != 250 {
		t.Errorf("expected overlap 250ms from file, got %d", cfg.Audio.OverlapMS)
	}
	if cfg.Summarize.Endpoint != "http://llm.local:11434" {
		t.Errorf("expected summarize endpoint from file, got %q", cfg.Summarize.Endpoint)
	}
	if !cfg.Diarize.Enabled {
		t.Error("expected diarize enabled from file")
	}
	// Untouched fields keep their defaults.
	if cfg.Audio.SampleRate != 16000 {
		t.Errorf("expected default sample rate preserved, got %d", cfg.Audio.SampleRate)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SCRIBE_RUNTIME_NAME", "env-runtime")
	t.Setenv("SCRIBE_AUDIO_WINDOW_SECONDS", "2.5")
	t.Setenv("SCRIBE_AUDIO_RETAIN_AUDIO", "true")
	t.Setenv("SCRIBE_TRANSCRIBE_MODE", "exec")
	t.Setenv("SCRIBE_TRANSCRIBE_COMMAND", "whisper-cli")
	t.Setenv("SCRIBE_BUS_SERVERS", "nats://a:4222, nats://b:4222")
	t.Setenv("SCRIBE_SUMMARIZE_MAX_TOKENS", "1024")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.RuntimeName != "env-runtime" {
		t.Errorf("expected env runtime name, got %q", cfg.RuntimeName)
	}
	if cfg.Audio.WindowSeconds != 2.5 {
		t.Errorf("expected env window 2.5s, got %v", cfg.Audio.WindowSeconds)
	}
	if !cfg.Audio.RetainAudio {
		t.Error("expected retain_audio enabled via env")
	}
	if cfg.Transcribe.Mode != "exec" || cfg.Transcribe.Command != "whisper-cli" {
		t.Errorf("expected exec transcribe config via env, got %q/%q", cfg.Transcribe.Mode, cfg.Transcribe.Command)
	}
	if len(cfg.Bus.Servers) != 2 || cfg.Bus.Servers[1] != "nats://b:4222" {
		t.Errorf("expected two bus servers via env, got %v", cfg.Bus.Servers)
	}
	if cfg.Summarize.MaxTokens != 1024 {
		t.Errorf("expected max tokens 1024 via env, got %d", cfg.Summarize.MaxTokens)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty runtime name", func(c *Config) { c.RuntimeName = "" }, "runtime_name"},
		{"bad http port", func(c *Config) { c.HTTP.Port = 0 }, "http.port"},
		{"stereo capture", func(c *Config) { c.Audio.Channels = 2 }, "audio.channels"},
		{"zero window", func(c *Config) { c.Audio.WindowSeconds = 0 }, "window_seconds"},
		{"overlap outgrows window", func(c *Config) { c.Audio.OverlapMS = 10000 }, "overlap_ms"},
		{"unknown transcribe mode", func(c *Config) { c.Transcribe.Mode = "cloud" }, "transcribe.mode"},
		{"exec transcribe without command", func(c *Config) { c.Transcribe.Mode = "exec" }, "transcribe.command"},
		{"zero speakers", func(c *Config) { c.Speaker.MaxSpeakers = 0 }, "max_speakers"},
		{"unknown summarize mode", func(c *Config) { c.Summarize.Mode = "gpt" }, "summarize.mode"},
		{"zero summary interval", func(c *Config) { c.Summarize.IntervalMinutes = 0 }, "interval_minutes"},
		{"exec diarize without command", func(c *Config) { c.Diarize.Enabled = true; c.Diarize.Mode = "exec" }, "diarize.command"},
		{"zero checkpoint interval", func(c *Config) { c.Checkpoint.IntervalSeconds = 0 }, "checkpoint.interval_s"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}
