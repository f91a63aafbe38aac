package report

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/bigmoletos/whisper-sub001/internal/transcript"
)

// The JSON document uses its own view types so the on-disk format does not
// change when internal store types do.

type jsonReport struct {
	SessionID           string        `json:"session_id"`
	Name                string        `json:"name,omitempty"`
	Participants        []string      `json:"participants,omitempty"`
	StartedAt           time.Time     `json:"started_at"`
	EndedAt             time.Time     `json:"ended_at"`
	DurationMS          int64         `json:"duration_ms"`
	Reconciled          bool          `json:"reconciled"`
	AnalysisUnavailable bool          `json:"analysis_unavailable"`
	Summary             *jsonSummary  `json:"summary,omitempty"`
	IntervalNotes       []jsonSummary `json:"interval_notes"`
	Speakers            []jsonSpeaker `json:"speakers"`
	Segments            []jsonSegment `json:"segments"`
	GeneratedAt         time.Time     `json:"generated_at"`
}

type jsonSegment struct {
	Seq        int64   `json:"seq"`
	StartMS    int64   `json:"start_ms"`
	EndMS      int64   `json:"end_ms"`
	Text       string  `json:"text"`
	Speaker    string  `json:"speaker,omitempty"`
	Source     string  `json:"source"`
	Confidence float64 `json:"confidence,omitempty"`
	Skipped    bool    `json:"skipped,omitempty"`
}

type jsonSpeaker struct {
	Label       string `json:"label"`
	DisplayName string `json:"display_name,omitempty"`
	SpeakingMS  int64  `json:"speaking_ms"`
	Segments    int    `json:"segments"`
}

type jsonSummary struct {
	SeqStart    int64    `json:"seq_start"`
	SeqEnd      int64    `json:"seq_end"`
	WindowStart int64    `json:"window_start_ms"`
	WindowEnd   int64    `json:"window_end_ms"`
	KeyPoints   []string `json:"key_points,omitempty"`
	Body        string   `json:"body"`
	Placeholder bool     `json:"placeholder,omitempty"`
}

// RenderJSON encodes the report as an indented JSON document.
func RenderJSON(rep Report) ([]byte, error) {
	doc := jsonReport{
		SessionID:           rep.SessionID,
		Name:                rep.Name,
		Participants:        rep.Participants,
		StartedAt:           rep.StartedAt,
		EndedAt:             rep.EndedAt,
		DurationMS:          rep.Duration.Milliseconds(),
		Reconciled:          rep.Reconciled,
		AnalysisUnavailable: rep.AnalysisUnavailable,
		IntervalNotes:       make([]jsonSummary, 0, len(rep.Intermediates)),
		Speakers:            make([]jsonSpeaker, 0, len(rep.Speakers)),
		Segments:            make([]jsonSegment, 0, len(rep.Segments)),
		GeneratedAt:         rep.GeneratedAt,
	}
	if rep.Synthesis != nil {
		s := toJSONSummary(*rep.Synthesis)
		doc.Summary = &s
	}
	for _, sum := range rep.Intermediates {
		doc.IntervalNotes = append(doc.IntervalNotes, toJSONSummary(sum))
	}
	for _, sp := range rep.Speakers {
		doc.Speakers = append(doc.Speakers, jsonSpeaker{
			Label:       sp.Label,
			DisplayName: sp.DisplayName,
			SpeakingMS:  sp.SpeakingTime.Milliseconds(),
			Segments:    sp.Segments,
		})
	}
	for _, seg := range rep.Segments {
		doc.Segments = append(doc.Segments, jsonSegment{
			Seq:        seg.Seq,
			StartMS:    seg.Start.Milliseconds(),
			EndMS:      seg.End.Milliseconds(),
			Text:       seg.Text,
			Speaker:    seg.Speaker,
			Source:     string(seg.Source),
			Confidence: seg.Confidence,
			Skipped:    seg.Skipped,
		})
	}
	return json.MarshalIndent(doc, "", "  ")
}

func toJSONSummary(sum transcript.Summary) jsonSummary {
	return jsonSummary{
		SeqStart:    sum.SeqStart,
		SeqEnd:      sum.SeqEnd,
		WindowStart: sum.WindowStart.Milliseconds(),
		WindowEnd:   sum.WindowEnd.Milliseconds(),
		KeyPoints:   sum.KeyPoints,
		Body:        sum.Body,
		Placeholder: sum.Placeholder,
	}
}

// WriteFiles renders both report formats into the session directory. Each
// format fails independently; the first error is returned after both were
// attempted.
func WriteFiles(dir string, rep Report, log *slog.Logger) error {
	var firstErr error

	mdPath := filepath.Join(dir, MarkdownFileName)
	if err := os.WriteFile(mdPath, []byte(RenderMarkdown(rep)), 0o644); err != nil {
		firstErr = fmt.Errorf("write markdown report: %w", err)
		log.Warn("markdown report not written", slog.String("error", err.Error()))
	}

	data, err := RenderJSON(rep)
	if err == nil {
		err = os.WriteFile(filepath.Join(dir, JSONFileName), data, 0o644)
	}
	if err != nil {
		if firstErr == nil {
			firstErr = fmt.Errorf("write json report: %w", err)
		}
		log.Warn("json report not written", slog.String("error", err.Error()))
	} else if firstErr == nil {
		log.Info("report written", slog.String("path", mdPath))
	}
	return firstErr
}
