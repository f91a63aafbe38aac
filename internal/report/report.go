// Package report assembles the final session report from the transcript
// store and renders it to disk. Rendering failures are logged by the caller
// and never block session close.
package report

import (
	"context"
	"fmt"
	"time"

	"github.com/bigmoletos/whisper-sub001/internal/transcript"
)

// File names written into the session directory.
const (
	MarkdownFileName = "report.md"
	JSONFileName     = "report.json"
)

// Info is the session metadata the orchestrator hands to Build.
type Info struct {
	SessionID    string
	Name         string
	Participants []string
	StartedAt    time.Time
	EndedAt      time.Time
	Reconciled   bool
}

// Report is the final session artifact: the full attributed transcript,
// per-speaker statistics, the interval notes, and the synthesized summary.
type Report struct {
	SessionID    string
	Name         string
	Participants []string
	StartedAt    time.Time
	EndedAt      time.Time
	Duration     time.Duration
	Reconciled   bool

	// AnalysisUnavailable is set when no usable final synthesis exists,
	// typically because the summarization backend was unreachable.
	AnalysisUnavailable bool

	Segments      []transcript.Segment
	Speakers      []transcript.Speaker
	Intermediates []transcript.Summary
	Synthesis     *transcript.Summary

	GeneratedAt time.Time
}

// Build reads the frozen store and assembles the report.
func Build(ctx context.Context, store *transcript.Store, info Info) (Report, error) {
	rep := Report{
		SessionID:    info.SessionID,
		Name:         info.Name,
		Participants: info.Participants,
		StartedAt:    info.StartedAt,
		EndedAt:      info.EndedAt,
		Reconciled:   info.Reconciled,
		GeneratedAt:  time.Now().UTC(),
	}

	segments, err := store.ReadAll(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("read segments: %w", err)
	}
	rep.Segments = segments
	if len(segments) > 0 {
		rep.Duration = segments[len(segments)-1].End
	}

	speakers, err := store.ListSpeakers(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("read speakers: %w", err)
	}
	rep.Speakers = speakers

	intermediates, err := store.ListSummaries(ctx, transcript.SummaryIntermediate)
	if err != nil {
		return Report{}, fmt.Errorf("read interval notes: %w", err)
	}
	rep.Intermediates = intermediates

	finals, err := store.ListSummaries(ctx, transcript.SummaryFinal)
	if err != nil {
		return Report{}, fmt.Errorf("read synthesis: %w", err)
	}
	if len(finals) > 0 {
		rep.Synthesis = &finals[len(finals)-1]
	}
	rep.AnalysisUnavailable = rep.Synthesis == nil || rep.Synthesis.Placeholder

	return rep, nil
}

// displayNames maps speaker labels to their display names, falling back to
// the label itself.
func (r Report) displayNames() map[string]string {
	names := make(map[string]string, len(r.Speakers))
	for _, sp := range r.Speakers {
		if sp.DisplayName != "" {
			names[sp.Label] = sp.DisplayName
		} else {
			names[sp.Label] = sp.Label
		}
	}
	return names
}
