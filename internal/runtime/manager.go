package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bigmoletos/whisper-sub001/internal/audio"
	"github.com/bigmoletos/whisper-sub001/internal/checkpoint"
	"github.com/bigmoletos/whisper-sub001/internal/config"
	"github.com/bigmoletos/whisper-sub001/internal/diarize"
	"github.com/bigmoletos/whisper-sub001/internal/session"
	"github.com/bigmoletos/whisper-sub001/internal/speaker"
	"github.com/bigmoletos/whisper-sub001/internal/summarize"
	"github.com/bigmoletos/whisper-sub001/internal/transcribe"
	"github.com/bigmoletos/whisper-sub001/internal/transcript"
)

var (
	// ErrUnknownSession is returned for session ids the manager does not know.
	ErrUnknownSession = errors.New("unknown session")

	// ErrSessionActive rejects a resume while the session is still live.
	ErrSessionActive = errors.New("session is still active")
)

// recordingFile is the full-session WAV inside a session directory.
const recordingFile = "session.wav"

// checkpointSubdir holds the numbered snapshots inside a session directory.
const checkpointSubdir = "checkpoints"

// Manager owns the model backends shared across sessions and the live
// session set. Engines and backends are built once at startup; sessions
// borrow them.
type Manager struct {
	cfg      config.Config
	log      *slog.Logger
	engine   transcribe.Engine
	selector *transcribe.Selector
	backend  summarize.Backend
	diarizer diarize.Diarizer
	events   session.EventSink
	metrics  *session.Metrics

	mu       sync.Mutex
	sessions map[string]*session.Session
}

// NewManager builds the shared backends from configuration.
func NewManager(cfg config.Config, events session.EventSink, metrics *session.Metrics, log *slog.Logger) (*Manager, error) {
	if err := os.MkdirAll(cfg.Session.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create session data dir: %w", err)
	}

	engine, err := buildEngine(cfg.Transcribe)
	if err != nil {
		return nil, err
	}
	backend, err := buildBackend(cfg.Summarize)
	if err != nil {
		return nil, err
	}
	diarizer, err := buildDiarizer(cfg.Diarize)
	if err != nil {
		return nil, err
	}

	selector := transcribe.NewSelector(transcribe.SystemMemory,
		time.Duration(cfg.Transcribe.MemoryPollSecs)*time.Second, log)
	selector.OnDegrade = func(from, to transcribe.Tier) {
		metrics.Degradation(context.Background(), "model_tier")
		log.Warn("transcription model tier degraded",
			slog.String("from", string(from)),
			slog.String("to", string(to)))
	}

	return &Manager{
		cfg:      cfg,
		log:      log.With(slog.String("component", "manager")),
		engine:   engine,
		selector: selector,
		backend:  backend,
		diarizer: diarizer,
		events:   events,
		metrics:  metrics,
		sessions: map[string]*session.Session{},
	}, nil
}

func buildEngine(cfg config.TranscribeConfig) (transcribe.Engine, error) {
	switch cfg.Mode {
	case "exec":
		return transcribe.NewExecEngine(cfg.Command, cfg.ModelPath)
	default:
		return transcribe.NewMockEngine(), nil
	}
}

func buildBackend(cfg config.SummarizeConfig) (summarize.Backend, error) {
	switch cfg.Mode {
	case "ollama":
		return summarize.NewOllamaBackend(cfg.Endpoint, cfg.Model), nil
	case "exec":
		return summarize.NewExecBackend(cfg.Command)
	default:
		return summarize.NewMockBackend(), nil
	}
}

func buildDiarizer(cfg config.DiarizeConfig) (diarize.Diarizer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Mode {
	case "exec":
		return diarize.NewExecDiarizer(cfg.Command)
	default:
		return diarize.NewMockDiarizer(), nil
	}
}

func (m *Manager) sessionOptions(cfg config.Config, dir string) session.Options {
	return session.Options{
		Dir:                dir,
		Window:             time.Duration(cfg.Audio.WindowSeconds * float64(time.Second)),
		SummaryInterval:    time.Duration(cfg.Summarize.IntervalMinutes) * time.Minute,
		CheckpointInterval: time.Duration(cfg.Checkpoint.IntervalSeconds) * time.Second,
		DiarizeTimeout:     time.Duration(cfg.Diarize.TimeoutSeconds) * time.Second,
		MaxSpeakers:        cfg.Diarize.MaxSpeakers,
	}
}

// Create builds, registers and starts a new session. retain forces the
// full-session recording on even when the daemon default leaves it off.
func (m *Manager) Create(ctx context.Context, name string, participants []string, retain bool) (*session.Session, error) {
	id := uuid.NewString()
	dir := filepath.Join(m.cfg.Session.DataDir, id)

	store, err := transcript.Open(ctx, dir, m.log)
	if err != nil {
		return nil, err
	}

	var recorder *audio.Recorder
	if m.diarizer != nil || m.cfg.Audio.RetainAudio || retain {
		recorder, err = audio.NewRecorder(filepath.Join(dir, recordingFile), m.cfg.Audio.SampleRate, m.log)
		if err != nil {
			m.log.Warn("session recording unavailable, reconciliation will be skipped",
				slog.String("session_id", id),
				slog.String("error", err.Error()))
		}
	}

	cleanup := func() {
		if recorder != nil {
			recorder.Close()
		}
		store.Close()
	}

	assigner, err := speaker.New(speakerConfig(m.cfg.Speaker))
	if err != nil {
		cleanup()
		return nil, err
	}
	ckpts, err := checkpoint.NewManager(filepath.Join(dir, checkpointSubdir), m.log)
	if err != nil {
		cleanup()
		return nil, err
	}
	if err := session.WriteConfigSnapshot(dir, m.cfg); err != nil {
		m.log.Warn("config snapshot not written", slog.String("error", err.Error()))
	}

	sess, err := m.newSession(ctx, session.Params{ID: id, Name: name, Participants: participants},
		m.cfg, store, recorder, assigner, ckpts)
	if err != nil {
		cleanup()
		return nil, err
	}
	if err := sess.Start(); err != nil {
		cleanup()
		return nil, err
	}

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()
	m.log.Info("session created",
		slog.String("session_id", id),
		slog.String("name", name))
	return sess, nil
}

func (m *Manager) newSession(ctx context.Context, params session.Params, cfg config.Config,
	store *transcript.Store, recorder *audio.Recorder, assigner *speaker.Assigner,
	ckpts *checkpoint.Manager) (*session.Session, error) {

	dir := filepath.Join(m.cfg.Session.DataDir, params.ID)
	buffer := audio.NewBuffer(cfg.Audio.SampleRate,
		time.Duration(cfg.Audio.WindowSeconds*float64(time.Second)),
		time.Duration(cfg.Audio.OverlapMS)*time.Millisecond,
		cfg.Audio.OverflowFactor)
	summarizer := summarize.NewSummarizer(store, m.backend,
		time.Duration(cfg.Summarize.TimeoutSeconds)*time.Second,
		cfg.Summarize.MaxTokens, cfg.Summarize.Temperature, m.log)
	transcriber := transcribe.NewTranscriber(m.engine, m.selector,
		cfg.Audio.SampleRate, cfg.Transcribe.Language,
		time.Duration(cfg.Transcribe.TimeoutSeconds)*time.Second, m.log)

	return session.New(ctx, params, m.sessionOptions(cfg, dir), session.Deps{
		Store:       store,
		Buffer:      buffer,
		Recorder:    recorder,
		Transcriber: transcriber,
		Assigner:    assigner,
		Summarizer:  summarizer,
		Diarizer:    m.diarizer,
		Checkpoints: ckpts,
		Events:      m.events,
		Metrics:     m.metrics,
		Logger:      m.log,
	})
}

// Resume rebuilds a session from its directory after a crash. The pipeline
// restarts from the transcript cursor and the latest valid checkpoint; the
// session keeps its identity and its already durable artifacts.
func (m *Manager) Resume(ctx context.Context, id string) (*session.Session, error) {
	m.mu.Lock()
	if live, ok := m.sessions[id]; ok && !live.State().Terminal() {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrSessionActive, id, live.State())
	}
	m.mu.Unlock()

	dir := filepath.Join(m.cfg.Session.DataDir, id)
	meta, err := session.ReadMeta(dir)
	if err != nil {
		return nil, fmt.Errorf("session %s not resumable: %w", id, err)
	}
	// A clean close already produced the report; recovery applies to
	// sessions interrupted before CLOSED.
	if meta.State == string(session.StateClosed) {
		return nil, fmt.Errorf("%w: session %s closed cleanly", session.ErrTerminal, id)
	}

	// The snapshot pins the geometry the transcript was built with; the
	// daemon's current config must not reshape a half-written session.
	cfg, err := session.ReadConfigSnapshot(dir)
	if err != nil {
		m.log.Warn("config snapshot missing, resuming with current config",
			slog.String("session_id", id),
			slog.String("error", err.Error()))
		cfg = m.cfg
	}

	store, err := transcript.Open(ctx, dir, m.log)
	if err != nil {
		return nil, err
	}
	ckpts, err := checkpoint.NewManager(filepath.Join(dir, checkpointSubdir), m.log)
	if err != nil {
		store.Close()
		return nil, err
	}

	assigner, err := m.restoreAssigner(ctx, cfg, store, ckpts, id)
	if err != nil {
		store.Close()
		return nil, err
	}

	params := session.Params{
		ID:           meta.ID,
		Name:         meta.Name,
		Participants: meta.Participants,
		StartedAt:    meta.StartedAt,
	}
	// The previous recording cannot be extended after a crash, so resumed
	// sessions run without one and close unreconciled.
	sess, err := m.newSession(ctx, params, cfg, store, nil, assigner, ckpts)
	if err != nil {
		store.Close()
		return nil, err
	}
	if err := sess.Start(); err != nil {
		store.Close()
		return nil, err
	}

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()
	m.log.Info("session resumed",
		slog.String("session_id", id),
		slog.Int64("segment_seq", store.MaxSeq()))
	return sess, nil
}

// restoreAssigner rebuilds the speaker pool from the newest usable
// checkpoint. Without one the labels restart from an empty pool; the
// transcript itself is unaffected.
func (m *Manager) restoreAssigner(ctx context.Context, cfg config.Config, store *transcript.Store,
	ckpts *checkpoint.Manager, id string) (*speaker.Assigner, error) {

	snap, err := ckpts.LoadLatestValid(ctx, store)
	if err != nil {
		m.log.Warn("no usable checkpoint, speaker pool starts fresh",
			slog.String("session_id", id),
			slog.String("error", err.Error()))
		return speaker.New(speakerConfig(cfg.Speaker))
	}
	return speaker.Restore(speakerConfig(cfg.Speaker), snap.Speakers)
}

func speakerConfig(cfg config.SpeakerConfig) speaker.Config {
	return speaker.Config{
		MaxSpeakers:      cfg.MaxSpeakers,
		PauseThreshold:   time.Duration(cfg.PauseThresholdMS) * time.Millisecond,
		EnergyDeltaRatio: cfg.EnergyDeltaRatio,
		SilenceRMS:       cfg.SilenceRMS,
	}
}

// Get returns a registered session.
func (m *Manager) Get(id string) (*session.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

// List returns the known sessions, newest first.
func (m *Manager) List() []session.Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]session.Info, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess.Info())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// IngestAudio routes capture samples into a session.
func (m *Manager) IngestAudio(id string, samples []float32) error {
	sess, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	sess.Ingest(samples)
	return nil
}

// StopSession stops a session and blocks through its close sequence.
func (m *Manager) StopSession(ctx context.Context, id string) error {
	sess, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return sess.Stop(ctx)
}

// CloseAll stops every live session. Used at daemon shutdown.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	live := make([]*session.Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		live = append(live, sess)
	}
	m.mu.Unlock()

	for _, sess := range live {
		if sess.State().Terminal() {
			continue
		}
		if err := sess.Stop(ctx); err != nil {
			// A session already mid-stop from the API rejects the second
			// transition; that is not a shutdown failure.
			var invalid session.ErrInvalidTransition
			if errors.As(err, &invalid) {
				continue
			}
			m.log.Error("session not stopped cleanly",
				slog.String("session_id", sess.ID()),
				slog.String("error", err.Error()))
		}
	}
}
