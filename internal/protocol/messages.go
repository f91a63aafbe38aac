// Package protocol defines the message types and subjects exchanged over the
// session bus. All payloads are JSON encoded.
package protocol

import "time"

const (
	// SubjectAudioFramePrefix carries raw capture frames into a session.
	// The full subject is scribe.audio.frame.<session_id>.
	SubjectAudioFramePrefix = "scribe.audio.frame"

	// SubjectCaptionPrefix carries per-segment live captions out of a
	// session. The full subject is scribe.caption.<session_id>.
	SubjectCaptionPrefix = "scribe.caption"

	// SubjectSummaryPrefix carries intermediate and final summaries. The
	// full subject is scribe.summary.<session_id>.
	SubjectSummaryPrefix = "scribe.summary"

	// SubjectSessionState announces lifecycle transitions for all sessions.
	SubjectSessionState = "scribe.session.state"
)

// AudioFrameSubject returns the ingest subject for a session.
func AudioFrameSubject(sessionID string) string {
	return SubjectAudioFramePrefix + "." + sessionID
}

// CaptionSubject returns the live caption subject for a session.
func CaptionSubject(sessionID string) string {
	return SubjectCaptionPrefix + "." + sessionID
}

// SummarySubject returns the summary subject for a session.
func SummarySubject(sessionID string) string {
	return SubjectSummaryPrefix + "." + sessionID
}

// AudioFrame is a chunk of mono PCM pushed by a capture client. Samples are
// little-endian int16 at the advertised sample rate.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Seq        uint64 `json:"seq"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final,omitempty"`
}

// CaptionEvent is published for every durable transcript segment.
type CaptionEvent struct {
	SessionID  string    `json:"session_id"`
	Seq        int64     `json:"seq"`
	Speaker    string    `json:"speaker,omitempty"`
	Text       string    `json:"text"`
	StartMS    int64     `json:"start_ms"`
	EndMS      int64     `json:"end_ms"`
	Confidence float64   `json:"confidence"`
	Skipped    bool      `json:"skipped,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// SummaryEvent is published when a summary window is flushed or the final
// summary is synthesized.
type SummaryEvent struct {
	SessionID   string    `json:"session_id"`
	Kind        string    `json:"kind"` // intermediate, final
	SeqStart    int64     `json:"seq_start"`
	SeqEnd      int64     `json:"seq_end"`
	Body        string    `json:"body"`
	Placeholder bool      `json:"placeholder,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// SessionStateEvent announces a lifecycle transition.
type SessionStateEvent struct {
	SessionID string    `json:"session_id"`
	Name      string    `json:"name,omitempty"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
