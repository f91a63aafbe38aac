// Package ingest subscribes to audio-frame subjects on the bus and feeds the
// decoded samples into running sessions. It is the capture path for clients
// that stream over NATS instead of the HTTP API.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/bigmoletos/whisper-sub001/internal/audio"
	"github.com/bigmoletos/whisper-sub001/internal/bus"
	"github.com/bigmoletos/whisper-sub001/internal/protocol"
)

// Sessions is the slice of the session manager the ingest path needs.
type Sessions interface {
	IngestAudio(sessionID string, samples []float32) error
	StopSession(ctx context.Context, sessionID string) error
}

// Service routes audio frames from the bus into sessions.
type Service struct {
	client   *bus.Client
	sessions Sessions
	log      *slog.Logger

	rate int
	sub  *nats.Subscription
}

// NewService prepares the subscriber. sampleRate is the rate the pipeline
// expects; frames advertising a different rate are rejected.
func NewService(client *bus.Client, sessions Sessions, sampleRate int, log *slog.Logger) *Service {
	return &Service{
		client:   client,
		sessions: sessions,
		rate:     sampleRate,
		log:      log.With(slog.String("component", "ingest")),
	}
}

// Start subscribes to all session frame subjects.
func (s *Service) Start() error {
	subject := protocol.SubjectAudioFramePrefix + ".>"
	sub, err := s.client.Conn().Subscribe(subject, s.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	s.sub = sub
	s.log.Info("audio ingest subscribed", slog.String("subject", subject))
	return nil
}

// Close drops the subscription.
func (s *Service) Close() {
	if s.sub != nil {
		if err := s.sub.Unsubscribe(); err != nil {
			s.log.Warn("unsubscribe failed", slog.String("error", err.Error()))
		}
		s.sub = nil
	}
}

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.log.Warn("undecodable audio frame dropped",
			slog.String("subject", msg.Subject),
			slog.String("error", err.Error()))
		return
	}
	if frame.SessionID == "" {
		s.log.Warn("audio frame without session id dropped", slog.String("subject", msg.Subject))
		return
	}
	if frame.SampleRate != 0 && frame.SampleRate != s.rate {
		s.log.Warn("audio frame with mismatched sample rate dropped",
			slog.String("session_id", frame.SessionID),
			slog.Int("rate", frame.SampleRate),
			slog.Int("expected", s.rate))
		return
	}
	if frame.Channels > 1 {
		s.log.Warn("multi-channel audio frame dropped",
			slog.String("session_id", frame.SessionID),
			slog.Int("channels", frame.Channels))
		return
	}

	if len(frame.PCM) > 0 {
		samples := audio.Float32FromPCM16(frame.PCM)
		if err := s.sessions.IngestAudio(frame.SessionID, samples); err != nil {
			s.log.Warn("audio frame dropped",
				slog.String("session_id", frame.SessionID),
				slog.Uint64("seq", frame.Seq),
				slog.String("error", err.Error()))
			return
		}
	}

	if frame.Final {
		// The stop drains, reconciles and reports; keep it off the
		// subscriber callback.
		go s.stopSession(frame.SessionID)
	}
}

func (s *Service) stopSession(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := s.sessions.StopSession(ctx, sessionID); err != nil {
		s.log.Warn("stop requested by final frame failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
		return
	}
	s.log.Info("session stopped by final frame", slog.String("session_id", sessionID))
}
