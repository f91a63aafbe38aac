// Package transcript implements the durable per-session transcript store:
// an append-only segment log, speaker registry, and summary log backed by
// SQLite.
package transcript

import "time"

// LabelSource records how a segment's speaker label was decided.
type LabelSource string

const (
	// SourceHeuristic marks labels assigned live by the heuristic assigner.
	SourceHeuristic LabelSource = "heuristic"
	// SourceReconciled marks labels rewritten by offline diarization.
	SourceReconciled LabelSource = "reconciled"
)

// Segment is one transcribed window of the session. Start and End are
// offsets relative to session start. Text is immutable once appended; only
// the speaker label may be rewritten, by reconciliation.
type Segment struct {
	Seq        int64
	Start      time.Duration
	End        time.Duration
	Text       string
	Speaker    string
	Source     LabelSource
	Confidence float64
	Energy     float64
	Skipped    bool
	CreatedAt  time.Time
}

// Speaker maps a label id to a display name and aggregate statistics.
type Speaker struct {
	Label        string
	DisplayName  string
	SpeakingTime time.Duration
	Segments     int
}

// Summary kinds stored in the summary log.
const (
	SummaryIntermediate = "intermediate"
	SummaryFinal        = "final"
)

// Summary covers a contiguous segment range [SeqStart, SeqEnd]. For
// intermediate summaries the ranges of consecutive rows tile the session's
// segment range exactly; the final summary spans the whole session.
type Summary struct {
	ID          int64
	Kind        string
	SeqStart    int64
	SeqEnd      int64
	WindowStart time.Duration
	WindowEnd   time.Duration
	KeyPoints   []string
	Body        string
	Placeholder bool
	CreatedAt   time.Time
}
