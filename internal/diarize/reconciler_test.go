package diarize

import (
	"context"
	"testing"
	"time"

	"github.com/bigmoletos/whisper-sub001/internal/transcript"
)

func sec(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func TestReconcileAlternatingSpeakers(t *testing.T) {
	// Two speakers alternating with pauses; the second speaks longer overall.
	turns := []Turn{
		{Cluster: "spk_a", Start: sec(0), End: sec(3)},
		{Cluster: "spk_b", Start: sec(5.5), End: sec(8.5)},
		{Cluster: "spk_a", Start: sec(11), End: sec(14)},
		{Cluster: "spk_b", Start: sec(16.5), End: sec(21.5)},
	}
	// The live heuristics got two of the four turns wrong.
	segments := []transcript.Segment{
		{Seq: 1, Start: sec(0), End: sec(3), Speaker: "SPEAKER_00"},
		{Seq: 2, Start: sec(5.5), End: sec(8.5), Speaker: "SPEAKER_00"},
		{Seq: 3, Start: sec(11), End: sec(14), Speaker: "SPEAKER_01"},
		{Seq: 4, Start: sec(16.5), End: sec(21.5), Speaker: "SPEAKER_01"},
	}

	res := Reconcile(turns, segments, []string{"Priya", "Marco"})
	if res.Clusters != 2 {
		t.Fatalf("expected 2 clusters, got %d", res.Clusters)
	}
	// spk_b has 8s total and becomes SPEAKER_00; spk_a has 6s.
	want := map[int64]string{1: "SPEAKER_01", 2: "SPEAKER_00", 3: "SPEAKER_01", 4: "SPEAKER_00"}
	if len(res.Relabels) != len(want) {
		t.Fatalf("expected %d relabels, got %+v", len(want), res.Relabels)
	}
	for seq, label := range want {
		if res.Relabels[seq] != label {
			t.Errorf("seq %d: expected %s, got %s", seq, label, res.Relabels[seq])
		}
	}
	if res.Names["SPEAKER_00"] != "Priya" || res.Names["SPEAKER_01"] != "Marco" {
		t.Errorf("hints should follow speaking time order, got %+v", res.Names)
	}

	distinct := map[string]bool{}
	for _, label := range res.Relabels {
		distinct[label] = true
	}
	if len(distinct) != 2 {
		t.Errorf("expected exactly 2 final labels, got %v", distinct)
	}
}

func TestReconcileTieBrokenByEarliestStart(t *testing.T) {
	turns := []Turn{
		{Cluster: "late", Start: sec(2), End: sec(4)},
		{Cluster: "early", Start: sec(0), End: sec(2)},
	}
	segments := []transcript.Segment{
		// One second of overlap with each turn.
		{Seq: 1, Start: sec(1), End: sec(3), Speaker: "SPEAKER_00"},
	}
	res := Reconcile(turns, segments, nil)
	// Both clusters have 2s totals; tie on totals resolves by cluster id, so
	// "early" gets SPEAKER_00. The segment tie resolves to the earliest turn.
	if got := res.Relabels[1]; got != "SPEAKER_00" {
		t.Fatalf("expected earliest turn's cluster to win the tie, got %s", got)
	}
}

func TestReconcileZeroOverlapKeepsHeuristicLabel(t *testing.T) {
	turns := []Turn{{Cluster: "a", Start: sec(0), End: sec(5)}}
	segments := []transcript.Segment{
		{Seq: 1, Start: sec(1), End: sec(2), Speaker: "SPEAKER_00"},
		{Seq: 2, Start: sec(30), End: sec(40), Speaker: "SPEAKER_03"},
	}
	res := Reconcile(turns, segments, nil)
	if _, ok := res.Relabels[2]; ok {
		t.Error("segment with no overlapping turn must keep its heuristic label")
	}
	if res.Relabels[1] != "SPEAKER_00" {
		t.Errorf("expected overlapping segment relabeled, got %+v", res.Relabels)
	}
}

func TestReconcileNoTurns(t *testing.T) {
	segments := []transcript.Segment{{Seq: 1, Start: 0, End: sec(2), Speaker: "SPEAKER_00"}}
	res := Reconcile(nil, segments, []string{"Ada"})
	if len(res.Relabels) != 0 || len(res.Names) != 0 || res.Clusters != 0 {
		t.Fatalf("expected empty result without turns, got %+v", res)
	}
}

func TestReconcileMoreHintsThanClusters(t *testing.T) {
	turns := []Turn{{Cluster: "only", Start: sec(0), End: sec(10)}}
	res := Reconcile(turns, nil, []string{"Ada", "Grace", "Edsger"})
	if len(res.Names) != 1 || res.Names["SPEAKER_00"] != "Ada" {
		t.Fatalf("expected surplus hints dropped, got %+v", res.Names)
	}
}

func TestExecDiarizerParsesSecondsFloat(t *testing.T) {
	d, err := NewExecDiarizer(`sh -c 'printf "[{\"speaker\":\"s0\",\"start\":0.5,\"end\":2.25}]"'`)
	if err != nil {
		t.Fatalf("new exec diarizer: %v", err)
	}
	turns, err := d.Diarize(context.Background(), "/tmp/audio.wav", 4)
	if err != nil {
		t.Fatalf("diarize: %v", err)
	}
	if len(turns) != 1 {
		t.Fatalf("expected 1 turn, got %d", len(turns))
	}
	if turns[0].Cluster != "s0" || turns[0].Start != 500*time.Millisecond || turns[0].End != 2250*time.Millisecond {
		t.Fatalf("unexpected turn: %+v", turns[0])
	}
}
