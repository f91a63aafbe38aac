package transcript

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := Open(context.Background(), dir, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seg(seq int64, start, end time.Duration, speaker, text string) Segment {
	return Segment{Seq: seq, Start: start, End: end, Speaker: speaker, Text: text}
}

func TestAppendEnforcesOrdering(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, t.TempDir())

	if err := s.Append(ctx, seg(1, 0, 2*time.Second, "SPEAKER_00", "hello")); err != nil {
		t.Fatalf("append seq 1: %v", err)
	}
	if err := s.Append(ctx, seg(2, 2*time.Second, 4*time.Second, "SPEAKER_00", "world")); err != nil {
		t.Fatalf("append seq 2: %v", err)
	}

	if err := s.Append(ctx, seg(4, 4*time.Second, 6*time.Second, "", "gap")); !errors.Is(err, ErrOutOfOrder) {
		t.Errorf("expected ErrOutOfOrder for seq gap, got %v", err)
	}
	if err := s.Append(ctx, seg(3, 3*time.Second, 6*time.Second, "", "overlap")); !errors.Is(err, ErrOutOfOrder) {
		t.Errorf("expected ErrOutOfOrder for overlapping start, got %v", err)
	}
	if err := s.Append(ctx, seg(3, 4*time.Second, 4*time.Second, "", "empty")); !errors.Is(err, ErrOutOfOrder) {
		t.Errorf("expected ErrOutOfOrder for zero duration, got %v", err)
	}

	if got := s.MaxSeq(); got != 2 {
		t.Errorf("expected MaxSeq 2, got %d", got)
	}
	if got := s.LastEnd(); got != 4*time.Second {
		t.Errorf("expected LastEnd 4s, got %v", got)
	}
}

func TestReopenRestoresCursor(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s := openStore(t, dir)
	if err := s.Append(ctx, seg(1, 0, 2*time.Second, "SPEAKER_00", "one")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Append(ctx, seg(2, 2*time.Second, 4*time.Second, "SPEAKER_01", "two")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := openStore(t, dir)
	if got := reopened.MaxSeq(); got != 2 {
		t.Fatalf("expected restored MaxSeq 2, got %d", got)
	}
	if err := reopened.Append(ctx, seg(3, 4*time.Second, 6*time.Second, "SPEAKER_01", "three")); err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
	all, err := reopened.ReadAll(ctx)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(all))
	}
	if all[2].Text != "three" || all[2].Source != SourceHeuristic {
		t.Errorf("unexpected final segment: %+v", all[2])
	}
}

func TestFreezeBlocksAppendsNotRelabels(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, t.TempDir())

	if err := s.Append(ctx, seg(1, 0, 2*time.Second, "SPEAKER_00", "a")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Append(ctx, seg(2, 2*time.Second, 4*time.Second, "SPEAKER_00", "b")); err != nil {
		t.Fatalf("append: %v", err)
	}

	s.Freeze()
	if !s.Frozen() {
		t.Fatal("expected store to report frozen")
	}
	if err := s.Append(ctx, seg(3, 4*time.Second, 6*time.Second, "", "c")); !errors.Is(err, ErrFrozen) {
		t.Fatalf("expected ErrFrozen, got %v", err)
	}

	if err := s.ApplyRelabels(ctx, map[int64]string{2: "SPEAKER_01"}); err != nil {
		t.Fatalf("relabel on frozen store: %v", err)
	}
	all, err := s.ReadAll(ctx)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if all[0].Speaker != "SPEAKER_00" || all[0].Source != SourceHeuristic {
		t.Errorf("untouched segment changed: %+v", all[0])
	}
	if all[1].Speaker != "SPEAKER_01" || all[1].Source != SourceReconciled {
		t.Errorf("expected reconciled label on seq 2: %+v", all[1])
	}
	if all[1].Text != "b" {
		t.Errorf("relabel must not touch text, got %q", all[1].Text)
	}

	if _, err := s.AppendSummary(ctx, Summary{Kind: SummaryFinal, SeqStart: 1, SeqEnd: 2, Body: "done"}); err != nil {
		t.Errorf("summary append on frozen store: %v", err)
	}
}

func TestReadRange(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, t.TempDir())
	for i := int64(1); i <= 5; i++ {
		start := time.Duration(i-1) * time.Second
		if err := s.Append(ctx, seg(i, start, start+time.Second, "SPEAKER_00", "x")); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	got, err := s.ReadRange(ctx, 2, 4)
	if err != nil {
		t.Fatalf("read range: %v", err)
	}
	if len(got) != 3 || got[0].Seq != 2 || got[2].Seq != 4 {
		t.Fatalf("expected seqs 2..4, got %+v", got)
	}
}

func TestSpeakerRegistry(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, t.TempDir())

	if err := s.UpsertSpeaker(ctx, "SPEAKER_00"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.UpsertSpeaker(ctx, "SPEAKER_00"); err != nil {
		t.Fatalf("upsert twice: %v", err)
	}
	if err := s.RenameSpeaker(ctx, "SPEAKER_00", "Ada"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if err := s.RenameSpeaker(ctx, "SPEAKER_09", "Ghost"); err == nil {
		t.Fatal("expected error renaming unknown label")
	}

	speakers, err := s.ListSpeakers(ctx)
	if err != nil {
		t.Fatalf("list speakers: %v", err)
	}
	if len(speakers) != 1 || speakers[0].DisplayName != "Ada" {
		t.Fatalf("unexpected registry: %+v", speakers)
	}
}

func TestRecomputeSpeakerStats(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, t.TempDir())

	appendAll := []Segment{
		seg(1, 0, 4*time.Second, "SPEAKER_00", "a"),
		seg(2, 4*time.Second, 6*time.Second, "SPEAKER_01", "b"),
		seg(3, 6*time.Second, 10*time.Second, "SPEAKER_00", "c"),
	}
	for _, sg := range appendAll {
		if err := s.Append(ctx, sg); err != nil {
			t.Fatalf("append %d: %v", sg.Seq, err)
		}
	}
	// A skipped window carries a label but no attributable speech.
	skipped := Segment{Seq: 4, Start: 10 * time.Second, End: 12 * time.Second, Speaker: "SPEAKER_01", Skipped: true}
	if err := s.Append(ctx, skipped); err != nil {
		t.Fatalf("append skipped: %v", err)
	}
	if err := s.UpsertSpeaker(ctx, "SPEAKER_00"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.RenameSpeaker(ctx, "SPEAKER_00", "Ada"); err != nil {
		t.Fatalf("rename: %v", err)
	}

	if err := s.RecomputeSpeakerStats(ctx); err != nil {
		t.Fatalf("recompute: %v", err)
	}
	speakers, err := s.ListSpeakers(ctx)
	if err != nil {
		t.Fatalf("list speakers: %v", err)
	}
	if len(speakers) != 2 {
		t.Fatalf("expected 2 speakers, got %+v", speakers)
	}
	if speakers[0].Label != "SPEAKER_00" || speakers[0].SpeakingTime != 8*time.Second || speakers[0].Segments != 2 {
		t.Errorf("unexpected leading speaker: %+v", speakers[0])
	}
	if speakers[0].DisplayName != "Ada" {
		t.Errorf("recompute must preserve display names, got %q", speakers[0].DisplayName)
	}
	if speakers[1].Label != "SPEAKER_01" || speakers[1].SpeakingTime != 2*time.Second || speakers[1].Segments != 1 {
		t.Errorf("unexpected second speaker: %+v", speakers[1])
	}

	// Relabel everything to SPEAKER_00; SPEAKER_01 must disappear.
	if err := s.ApplyRelabels(ctx, map[int64]string{2: "SPEAKER_00", 4: "SPEAKER_00"}); err != nil {
		t.Fatalf("relabel: %v", err)
	}
	if err := s.RecomputeSpeakerStats(ctx); err != nil {
		t.Fatalf("recompute: %v", err)
	}
	speakers, err = s.ListSpeakers(ctx)
	if err != nil {
		t.Fatalf("list speakers: %v", err)
	}
	if len(speakers) != 1 || speakers[0].Label != "SPEAKER_00" || speakers[0].SpeakingTime != 10*time.Second {
		t.Fatalf("expected only SPEAKER_00 with 10s, got %+v", speakers)
	}
}

func TestSummaryLog(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, t.TempDir())
	s.clock = func() time.Time { return time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC) }

	first := Summary{
		Kind: SummaryIntermediate, SeqStart: 1, SeqEnd: 3,
		WindowStart: 0, WindowEnd: 10 * time.Minute,
		KeyPoints: []string{"budget approved", "launch moved to May"},
		Body:      "Discussion of budget and launch.",
	}
	if _, err := s.AppendSummary(ctx, first); err != nil {
		t.Fatalf("append summary: %v", err)
	}
	second := Summary{
		Kind: SummaryIntermediate, SeqStart: 4, SeqEnd: 5,
		WindowStart: 10 * time.Minute, WindowEnd: 20 * time.Minute,
		Body: "unavailable", Placeholder: true,
	}
	if _, err := s.AppendSummary(ctx, second); err != nil {
		t.Fatalf("append summary: %v", err)
	}
	if _, err := s.AppendSummary(ctx, Summary{Kind: SummaryFinal, SeqStart: 1, SeqEnd: 5, Body: "final"}); err != nil {
		t.Fatalf("append final summary: %v", err)
	}

	intermediates, err := s.ListSummaries(ctx, SummaryIntermediate)
	if err != nil {
		t.Fatalf("list summaries: %v", err)
	}
	if len(intermediates) != 2 {
		t.Fatalf("expected 2 intermediate summaries, got %d", len(intermediates))
	}
	if got := intermediates[0].KeyPoints; len(got) != 2 || got[1] != "launch moved to May" {
		t.Errorf("key points lost: %+v", got)
	}
	if !intermediates[1].Placeholder {
		t.Error("placeholder flag lost")
	}
	if intermediates[0].WindowEnd != 10*time.Minute {
		t.Errorf("window end lost: %v", intermediates[0].WindowEnd)
	}

	end, err := s.SummaryCoverageEnd(ctx)
	if err != nil {
		t.Fatalf("coverage end: %v", err)
	}
	if end != 5 {
		t.Errorf("expected coverage end 5 ignoring the final summary, got %d", end)
	}

	all, err := s.ListSummaries(ctx, "")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 rows, got %d", len(all))
	}
}
