package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Session     SessionConfig    `yaml:"session"`
	Audio       AudioConfig      `yaml:"audio"`
	Transcribe  TranscribeConfig `yaml:"transcribe"`
	Speaker     SpeakerConfig    `yaml:"speaker"`
	Summarize   SummarizeConfig  `yaml:"summarize"`
	Diarize     DiarizeConfig    `yaml:"diarize"`
	Checkpoint  CheckpointConfig `yaml:"checkpoint"`
}

type BusConfig struct {
	Enabled         bool     `yaml:"enabled"`
	Embedded        bool     `yaml:"embedded"`
	Port            int      `yaml:"port"`
	Servers         []string `yaml:"servers"`
	Username        string   `yaml:"username"`
	Password        string   `yaml:"password"`
	Token           string   `yaml:"token"`
	TLSInsecure     bool     `yaml:"tls_insecure"`
	ConnectTimeout  int      `yaml:"connect_timeout_ms"`
	PublishCaptions bool     `yaml:"publish_captions"`
}

type SessionConfig struct {
	DataDir string `yaml:"data_dir"`
}

type AudioConfig struct {
	SampleRate     int     `yaml:"sample_rate"`
	Channels       int     `yaml:"channels"`
	WindowSeconds  float64 `yaml:"window_seconds"`
	OverlapMS      int     `yaml:"overlap_ms"`
	OverflowFactor int     `yaml:"overflow_factor"`
	RetainAudio    bool    `yaml:"retain_audio"`
}

type TranscribeConfig struct {
	Mode           string `yaml:"mode"` // mock, exec
	Command        string `yaml:"command"`
	ModelPath      string `yaml:"model_path"`
	Language       string `yaml:"language"`
	TimeoutSeconds int    `yaml:"timeout_s"`
	MemoryPollSecs int    `yaml:"memory_poll_s"`
}

type SpeakerConfig struct {
	MaxSpeakers      int     `yaml:"max_speakers"`
	PauseThresholdMS int     `yaml:"pause_threshold_ms"`
	EnergyDeltaRatio float64 `yaml:"energy_delta_ratio"`
	SilenceRMS       float64 `yaml:"silence_rms"`
}

type SummarizeConfig struct {
	Mode            string  `yaml:"mode"` // mock, ollama, exec
	Endpoint        string  `yaml:"endpoint"`
	Command         string  `yaml:"command"`
	Model           string  `yaml:"model"`
	IntervalMinutes int     `yaml:"interval_minutes"`
	TimeoutSeconds  int     `yaml:"timeout_s"`
	MaxTokens       int     `yaml:"max_tokens"`
	Temperature     float64 `yaml:"temperature"`
}

type DiarizeConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Mode           string `yaml:"mode"` // mock, exec
	Command        string `yaml:"command"`
	TimeoutSeconds int    `yaml:"timeout_s"`
	MaxSpeakers    int    `yaml:"max_speakers"`
}

type CheckpointConfig struct {
	IntervalSeconds int `yaml:"interval_s"`
}

func Default() Config {
	return Config{
		RuntimeName: "scribe-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:         false,
			Embedded:        true,
			Port:            4222,
			Servers:         []string{"nats://localhost:4222"},
			ConnectTimeout:  2000,
			PublishCaptions: true,
		},
		Session: SessionConfig{
			DataDir: "./data/sessions",
		},
		Audio: AudioConfig{
			SampleRate:     16000,
			Channels:       1,
			WindowSeconds:  10,
			OverlapMS:      500,
			OverflowFactor: 3,
			RetainAudio:    false,
		},
		Transcribe: TranscribeConfig{
			Mode:           "mock",
			Language:       "en",
			TimeoutSeconds: 45,
			MemoryPollSecs: 300,
		},
		Speaker: SpeakerConfig{
			MaxSpeakers:      8,
			PauseThresholdMS: 2000,
			EnergyDeltaRatio: 0.35,
			SilenceRMS:       0.01,
		},
		Summarize: SummarizeConfig{
			Mode:            "mock",
			Endpoint:        "http://localhost:11434",
			Model:           "llama3.2:latest",
			IntervalMinutes: 10,
			TimeoutSeconds:  60,
			MaxTokens:       512,
			Temperature:     0.3,
		},
		Diarize: DiarizeConfig{
			Enabled:        false,
			Mode:           "mock",
			TimeoutSeconds: 600,
			MaxSpeakers:    8,
		},
		Checkpoint: CheckpointConfig{
			IntervalSeconds: 60,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "SCRIBE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SCRIBE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SCRIBE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SCRIBE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "SCRIBE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SCRIBE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SCRIBE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "SCRIBE_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "SCRIBE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "SCRIBE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SCRIBE_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "SCRIBE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SCRIBE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SCRIBE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SCRIBE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SCRIBE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SCRIBE_BUS_CONNECT_TIMEOUT_MS")
	overrideBool(&cfg.Bus.PublishCaptions, "SCRIBE_BUS_PUBLISH_CAPTIONS")
	overrideString(&cfg.Session.DataDir, "SCRIBE_SESSION_DATA_DIR")
	overrideInt(&cfg.Audio.SampleRate, "SCRIBE_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.Channels, "SCRIBE_AUDIO_CHANNELS")
	overrideFloat(&cfg.Audio.WindowSeconds, "SCRIBE_AUDIO_WINDOW_SECONDS")
	overrideInt(&cfg.Audio.OverlapMS, "SCRIBE_AUDIO_OVERLAP_MS")
	overrideInt(&cfg.Audio.OverflowFactor, "SCRIBE_AUDIO_OVERFLOW_FACTOR")
	overrideBool(&cfg.Audio.RetainAudio, "SCRIBE_AUDIO_RETAIN_AUDIO")
	overrideString(&cfg.Transcribe.Mode, "SCRIBE_TRANSCRIBE_MODE")
	overrideString(&cfg.Transcribe.Command, "SCRIBE_TRANSCRIBE_COMMAND")
	overrideString(&cfg.Transcribe.ModelPath, "SCRIBE_TRANSCRIBE_MODEL_PATH")
	overrideString(&cfg.Transcribe.Language, "SCRIBE_TRANSCRIBE_LANGUAGE")
	overrideInt(&cfg.Transcribe.TimeoutSeconds, "SCRIBE_TRANSCRIBE_TIMEOUT_S")
	overrideInt(&cfg.Transcribe.MemoryPollSecs, "SCRIBE_TRANSCRIBE_MEMORY_POLL_S")
	overrideInt(&cfg.Speaker.MaxSpeakers, "SCRIBE_SPEAKER_MAX_SPEAKERS")
	overrideInt(&cfg.Speaker.PauseThresholdMS, "SCRIBE_SPEAKER_PAUSE_THRESHOLD_MS")
	overrideFloat(&cfg.Speaker.EnergyDeltaRatio, "SCRIBE_SPEAKER_ENERGY_DELTA_RATIO")
	overrideFloat(&cfg.Speaker.SilenceRMS, "SCRIBE_SPEAKER_SILENCE_RMS")
	overrideString(&cfg.Summarize.Mode, "SCRIBE_SUMMARIZE_MODE")
	overrideString(&cfg.Summarize.Endpoint, "SCRIBE_SUMMARIZE_ENDPOINT")
	overrideString(&cfg.Summarize.Command, "SCRIBE_SUMMARIZE_COMMAND")
	overrideString(&cfg.Summarize.Model, "SCRIBE_SUMMARIZE_MODEL")
	overrideInt(&cfg.Summarize.IntervalMinutes, "SCRIBE_SUMMARIZE_INTERVAL_MINUTES")
	overrideInt(&cfg.Summarize.TimeoutSeconds, "SCRIBE_SUMMARIZE_TIMEOUT_S")
	overrideInt(&cfg.Summarize.MaxTokens, "SCRIBE_SUMMARIZE_MAX_TOKENS")
	overrideFloat(&cfg.Summarize.Temperature, "SCRIBE_SUMMARIZE_TEMPERATURE")
	overrideBool(&cfg.Diarize.Enabled, "SCRIBE_DIARIZE_ENABLED")
	overrideString(&cfg.Diarize.Mode, "SCRIBE_DIARIZE_MODE")
	overrideString(&cfg.Diarize.Command, "SCRIBE_DIARIZE_COMMAND")
	overrideInt(&cfg.Diarize.TimeoutSeconds, "SCRIBE_DIARIZE_TIMEOUT_S")
	overrideInt(&cfg.Diarize.MaxSpeakers, "SCRIBE_DIARIZE_MAX_SPEAKERS")
	overrideInt(&cfg.Checkpoint.IntervalSeconds, "SCRIBE_CHECKPOINT_INTERVAL_S")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Session.DataDir == "" {
		return errors.New("session.data_dir must not be empty")
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.Channels != 1 {
		return errors.New("audio.channels must be 1 (mono capture)")
	}
	if cfg.Audio.WindowSeconds <= 0 {
		return errors.New("audio.window_seconds must be positive")
	}
	if cfg.Audio.OverlapMS < 0 {
		return errors.New("audio.overlap_ms must be >= 0")
	}
	if float64(cfg.Audio.OverlapMS)/1000 >= cfg.Audio.WindowSeconds {
		return errors.New("audio.overlap_ms must be shorter than the window")
	}
	if cfg.Audio.OverflowFactor < 1 {
		return errors.New("audio.overflow_factor must be >= 1")
	}
	switch cfg.Transcribe.Mode {
	case "mock", "exec":
	default:
		return errors.New("transcribe.mode must be one of mock|exec")
	}
	if cfg.Transcribe.Mode == "exec" && cfg.Transcribe.Command == "" {
		return errors.New("transcribe.command must be set when mode=exec")
	}
	if cfg.Transcribe.TimeoutSeconds <= 0 {
		return errors.New("transcribe.timeout_s must be positive")
	}
	if cfg.Speaker.MaxSpeakers <= 0 {
		return errors.New("speaker.max_speakers must be >= 1")
	}
	if cfg.Speaker.PauseThresholdMS <= 0 {
		return errors.New("speaker.pause_threshold_ms must be positive")
	}
	if cfg.Speaker.EnergyDeltaRatio <= 0 {
		return errors.New("speaker.energy_delta_ratio must be positive")
	}
	if cfg.Speaker.SilenceRMS <= 0 {
		return errors.New("speaker.silence_rms must be positive")
	}
	switch cfg.Summarize.Mode {
	case "mock", "ollama", "exec":
	default:
		return errors.New("summarize.mode must be one of mock|ollama|exec")
	}
	if cfg.Summarize.Mode == "ollama" && cfg.Summarize.Endpoint == "" {
		return errors.New("summarize.endpoint must be set when mode=ollama")
	}
	if cfg.Summarize.Mode == "exec" && cfg.Summarize.Command == "" {
		return errors.New("summarize.command must be set when mode=exec")
	}
	if cfg.Summarize.IntervalMinutes <= 0 {
		return errors.New("summarize.interval_minutes must be positive")
	}
	if cfg.Summarize.TimeoutSeconds <= 0 {
		return errors.New("summarize.timeout_s must be positive")
	}
	if cfg.Diarize.Enabled {
		switch cfg.Diarize.Mode {
		case "mock", "exec":
		default:
			return errors.New("diarize.mode must be one of mock|exec")
		}
		if cfg.Diarize.Mode == "exec" && cfg.Diarize.Command == "" {
			return errors.New("diarize.command must be set when mode=exec")
		}
	}
	if cfg.Checkpoint.IntervalSeconds <= 0 {
		return errors.New("checkpoint.interval_s must be positive")
	}
	return nil
}
