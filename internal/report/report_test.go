package report

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bigmoletos/whisper-sub001/internal/transcript"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func seededStore(t *testing.T) *transcript.Store {
	t.Helper()
	ctx := context.Background()
	store, err := transcript.Open(ctx, t.TempDir(), newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	segments := []transcript.Segment{
		{Seq: 1, Start: 0, End: 10 * time.Second, Text: "let's review the incident", Speaker: "SPEAKER_00"},
		{Seq: 2, Start: 10 * time.Second, End: 20 * time.Second, Speaker: "SPEAKER_00", Skipped: true},
		{Seq: 3, Start: 20 * time.Second, End: 30 * time.Second, Text: "rollback is done, postmortem on friday", Speaker: "SPEAKER_01"},
	}
	for _, seg := range segments {
		if err := store.Append(ctx, seg); err != nil {
			t.Fatalf("append %d: %v", seg.Seq, err)
		}
	}
	if err := store.RecomputeSpeakerStats(ctx); err != nil {
		t.Fatalf("stats: %v", err)
	}
	if err := store.RenameSpeaker(ctx, "SPEAKER_01", "Jordan"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if _, err := store.AppendSummary(ctx, transcript.Summary{
		Kind: transcript.SummaryIntermediate, SeqStart: 1, SeqEnd: 3,
		WindowEnd: 30 * time.Second,
		KeyPoints: []string{"incident reviewed", "postmortem friday"},
		Body:      "- incident reviewed\n- postmortem friday",
	}); err != nil {
		t.Fatalf("append summary: %v", err)
	}
	return store
}

func TestBuildAssemblesReport(t *testing.T) {
	ctx := context.Background()
	store := seededStore(t)
	if _, err := store.AppendSummary(ctx, transcript.Summary{
		Kind: transcript.SummaryFinal, SeqStart: 1, SeqEnd: 3,
		WindowEnd: 30 * time.Second,
		Body:      "The incident was reviewed and rolled back.\n- postmortem on friday",
	}); err != nil {
		t.Fatalf("append final: %v", err)
	}

	rep, err := Build(ctx, store, Info{
		SessionID:    "sess-1",
		Name:         "Incident review",
		Participants: []string{"Alex", "Jordan"},
		StartedAt:    time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		EndedAt:      time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC),
		Reconciled:   true,
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(rep.Segments) != 3 || rep.Duration != 30*time.Second {
		t.Fatalf("unexpected segments: %d, duration %v", len(rep.Segments), rep.Duration)
	}
	if rep.Synthesis == nil || rep.AnalysisUnavailable {
		t.Fatalf("expected usable synthesis, got %+v", rep)
	}
	if len(rep.Speakers) != 2 {
		t.Fatalf("expected 2 speakers, got %d", len(rep.Speakers))
	}

	md := RenderMarkdown(rep)
	for _, want := range []string{
		"# Incident review",
		"reconciled against offline diarization",
		"postmortem friday",
		"Jordan: rollback is done",
		"[00:20–00:30]",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q", want)
		}
	}
	// Skipped segments carry no text and stay out of the rendered transcript.
	if strings.Contains(md, "[00:10–00:20]") {
		t.Error("markdown should not render the skipped segment")
	}
}

func TestBuildWithoutSynthesisFlagsAnalysisUnavailable(t *testing.T) {
	ctx := context.Background()
	store := seededStore(t)

	rep, err := Build(ctx, store, Info{SessionID: "sess-2"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !rep.AnalysisUnavailable {
		t.Fatal("expected analysis unavailable without a final summary")
	}
	if rep.Reconciled {
		t.Fatal("reconciled must default to false")
	}

	md := RenderMarkdown(rep)
	if !strings.Contains(md, "Analysis unavailable") {
		t.Error("markdown missing the analysis unavailable annotation")
	}
	if !strings.Contains(md, "heuristic only (unreconciled)") {
		t.Error("markdown missing the unreconciled annotation")
	}
}

func TestWriteFilesProducesBothFormats(t *testing.T) {
	ctx := context.Background()
	store := seededStore(t)
	rep, err := Build(ctx, store, Info{SessionID: "sess-3", Name: "Standup"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	dir := t.TempDir()
	if err := WriteFiles(dir, rep, newLogger()); err != nil {
		t.Fatalf("write files: %v", err)
	}

	md, err := os.ReadFile(filepath.Join(dir, MarkdownFileName))
	if err != nil {
		t.Fatalf("read markdown: %v", err)
	}
	if !strings.Contains(string(md), "# Standup") {
		t.Error("markdown file missing title")
	}

	data, err := os.ReadFile(filepath.Join(dir, JSONFileName))
	if err != nil {
		t.Fatalf("read json: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("decode json report: %v", err)
	}
	if doc["session_id"] != "sess-3" {
		t.Errorf("unexpected session_id: %v", doc["session_id"])
	}
	segs, ok := doc["segments"].([]any)
	if !ok || len(segs) != 3 {
		t.Errorf("expected 3 segments in json report, got %v", doc["segments"])
	}
	if doc["analysis_unavailable"] != true {
		t.Errorf("expected analysis_unavailable=true, got %v", doc["analysis_unavailable"])
	}
}
