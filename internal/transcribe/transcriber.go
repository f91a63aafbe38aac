package transcribe

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/bigmoletos/whisper-sub001/internal/audio"
	"github.com/bigmoletos/whisper-sub001/internal/transcript"
)

// Transcriber runs the micro-batch stage: one buffered window in, one
// transcript segment out. Engine failures never abort the session; the
// window is recorded as a skipped segment instead.
type Transcriber struct {
	engine     Engine
	selector   *Selector
	sampleRate int
	language   string
	timeout    time.Duration
	log        *slog.Logger
}

func NewTranscriber(engine Engine, selector *Selector, sampleRate int, language string, timeout time.Duration, log *slog.Logger) *Transcriber {
	return &Transcriber{
		engine:     engine,
		selector:   selector,
		sampleRate: sampleRate,
		language:   language,
		timeout:    timeout,
		log:        log,
	}
}

// TranscribeWindow produces the segment for one drained window. seq and
// start are assigned by the caller; the segment's time range covers only the
// window's fresh region so segments never overlap.
func (t *Transcriber) TranscribeWindow(ctx context.Context, seq int64, start time.Duration, w audio.Window) transcript.Segment {
	seg := transcript.Segment{
		Seq:    seq,
		Start:  start,
		End:    start + audio.DurationFor(w.Fresh, t.sampleRate),
		Energy: audio.RMS(w.Samples),
		Source: transcript.SourceHeuristic,
	}

	tier := t.selector.Tier()
	res, err := t.transcribeOnce(ctx, w, tier)
	if errors.Is(err, ErrOutOfMemory) {
		retry := t.selector.ReportOOM(tier)
		if retry != tier {
			res, err = t.transcribeOnce(ctx, w, retry)
		}
	}
	if err != nil {
		t.log.Warn("window transcription failed, recording skipped segment",
			slog.Int64("seq", seq),
			slog.String("error", err.Error()))
		seg.Skipped = true
		return seg
	}

	text := strings.TrimSpace(res.Text)
	if text == "" {
		t.log.Debug("window produced no text", slog.Int64("seq", seq))
		seg.Skipped = true
		return seg
	}
	seg.Text = text
	seg.Confidence = res.Confidence
	return seg
}

func (t *Transcriber) transcribeOnce(ctx context.Context, w audio.Window, tier Tier) (Result, error) {
	cctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.engine.Transcribe(cctx, Request{
		Samples:    w.Samples,
		SampleRate: t.sampleRate,
		Language:   t.language,
		Tier:       tier,
	})
}
