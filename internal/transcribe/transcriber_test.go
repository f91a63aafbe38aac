package transcribe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bigmoletos/whisper-sub001/internal/audio"
)

type engineFunc func(ctx context.Context, req Request) (Result, error)

func (f engineFunc) Transcribe(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

func speechWindow(n int) audio.Window {
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = 0.2
	}
	return audio.Window{Samples: samples, Fresh: n}
}

func fixedSelector(avail uint64) *Selector {
	return NewSelector(func() (uint64, error) { return avail, nil }, time.Hour, newLogger())
}

func TestTranscribeWindowSegmentShape(t *testing.T) {
	eng := NewMockEngine("good morning")
	tr := NewTranscriber(eng, fixedSelector(3*gib), 16000, "en", time.Second, newLogger())

	w := speechWindow(16000) // 1s fresh
	seg := tr.TranscribeWindow(context.Background(), 3, 20*time.Second, w)
	if seg.Seq != 3 || seg.Start != 20*time.Second || seg.End != 21*time.Second {
		t.Fatalf("unexpected segment bounds: %+v", seg)
	}
	if seg.Skipped || seg.Text != "good morning" {
		t.Fatalf("unexpected segment content: %+v", seg)
	}
	if seg.Energy == 0 {
		t.Error("expected energy metadata on the segment")
	}
	if eng.LastTier() != TierSmall {
		t.Errorf("expected small tier at 3GiB, got %s", eng.LastTier())
	}
}

func TestTranscribeWindowEngineFailureSkips(t *testing.T) {
	eng := NewMockEngine()
	eng.Fail(errors.New("engine crashed"))
	tr := NewTranscriber(eng, fixedSelector(3*gib), 16000, "en", time.Second, newLogger())

	seg := tr.TranscribeWindow(context.Background(), 1, 0, speechWindow(16000))
	if !seg.Skipped || seg.Text != "" {
		t.Fatalf("expected skipped segment on engine failure, got %+v", seg)
	}
	if seg.End != time.Second {
		t.Errorf("skipped segment must still cover its window, got %v", seg.End)
	}
}

func TestTranscribeWindowSilenceSkips(t *testing.T) {
	eng := NewMockEngine("should not appear")
	tr := NewTranscriber(eng, fixedSelector(3*gib), 16000, "en", time.Second, newLogger())

	w := audio.Window{Samples: make([]float32, 16000), Fresh: 16000}
	seg := tr.TranscribeWindow(context.Background(), 1, 0, w)
	if !seg.Skipped || seg.Text != "" {
		t.Fatalf("expected skipped segment for silence, got %+v", seg)
	}
}

func TestTranscribeWindowRetriesLowerTierOnOOM(t *testing.T) {
	var tiers []Tier
	eng := engineFunc(func(_ context.Context, req Request) (Result, error) {
		tiers = append(tiers, req.Tier)
		if req.Tier == TierLargest {
			return Result{}, ErrOutOfMemory
		}
		return Result{Text: "recovered", Confidence: 0.8}, nil
	})
	tr := NewTranscriber(eng, fixedSelector(20*gib), 16000, "en", time.Second, newLogger())

	seg := tr.TranscribeWindow(context.Background(), 1, 0, speechWindow(16000))
	if seg.Skipped || seg.Text != "recovered" {
		t.Fatalf("expected successful retry, got %+v", seg)
	}
	if len(tiers) != 2 || tiers[0] != TierLargest || tiers[1] != TierLarge {
		t.Fatalf("expected largest then large, got %v", tiers)
	}

	// The degradation sticks for the next window.
	seg = tr.TranscribeWindow(context.Background(), 2, time.Second, speechWindow(16000))
	if seg.Skipped {
		t.Fatalf("expected second window to succeed, got %+v", seg)
	}
	if tiers[len(tiers)-1] != TierLarge {
		t.Errorf("expected degraded tier reused, got %v", tiers)
	}
}

func TestExecEngineRoundtrip(t *testing.T) {
	eng, err := NewExecEngine(`sh -c 'printf "{\"text\":\"from exec\",\"confidence\":0.7}"'`, "")
	if err != nil {
		t.Fatalf("new exec engine: %v", err)
	}
	res, err := eng.Transcribe(context.Background(), Request{
		Samples:    []float32{0.1, 0.2, 0.3},
		SampleRate: 16000,
		Tier:       TierSmall,
	})
	if err != nil {
		t.Fatalf("exec transcribe: %v", err)
	}
	if res.Text != "from exec" || res.Confidence != 0.7 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestExecEngineReportsOOM(t *testing.T) {
	eng, err := NewExecEngine(`sh -c 'echo "model load: out of memory" >&2; exit 3'`, "")
	if err != nil {
		t.Fatalf("new exec engine: %v", err)
	}
	_, err = eng.Transcribe(context.Background(), Request{
		Samples:    []float32{0.1},
		SampleRate: 16000,
		Tier:       TierLarge,
	})
	if !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("expected ErrOutOfMemory, got %v", err)
	}
}

func TestNewExecEngineRejectsEmptyCommand(t *testing.T) {
	if _, err := NewExecEngine("", ""); err == nil {
		t.Fatal("expected error for empty command")
	}
}
