package summarize

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bigmoletos/whisper-sub001/internal/transcript"
)

// Body recorded when the backend stays unreachable for a window.
const placeholderBody = "unavailable"

// Summarizer maintains the intermediate summary chain over the transcript.
// Each flush covers exactly the segment range appended since the previous
// one, so the union of intermediate ranges tiles the whole session; that is
// what lets the final synthesis work from summaries alone.
type Summarizer struct {
	store       *transcript.Store
	backend     Backend
	timeout     time.Duration
	maxTokens   int
	temperature float64
	log         *slog.Logger

	mu          sync.Mutex
	coveredSeq  int64
	windowStart time.Duration
}

func NewSummarizer(store *transcript.Store, backend Backend, timeout time.Duration, maxTokens int, temperature float64, log *slog.Logger) *Summarizer {
	return &Summarizer{
		store:       store,
		backend:     backend,
		timeout:     timeout,
		maxTokens:   maxTokens,
		temperature: temperature,
		log:         log,
	}
}

// RestoreCoverage positions the summarizer after the last durable
// intermediate summary. Called when resuming a session from a checkpoint.
func (s *Summarizer) RestoreCoverage(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	end, err := s.store.SummaryCoverageEnd(ctx)
	if err != nil {
		return err
	}
	s.coveredSeq = end

	sums, err := s.store.ListSummaries(ctx, transcript.SummaryIntermediate)
	if err != nil {
		return err
	}
	if len(sums) > 0 {
		s.windowStart = sums[len(sums)-1].WindowEnd
	}
	return nil
}

// CoveredSeq returns the last segment sequence covered by an intermediate
// summary. Checkpoints record it as the summary coverage cursor.
func (s *Summarizer) CoveredSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coveredSeq
}

// FlushWindow summarizes every segment appended since the last flush and
// appends the resulting intermediate summary. It returns nil with no error
// when there is nothing new to cover. Backend failures degrade to a
// placeholder summary; only store failures are returned as errors.
func (s *Summarizer) FlushWindow(ctx context.Context) (*transcript.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	upTo := s.store.MaxSeq()
	if upTo <= s.coveredSeq {
		return nil, nil
	}
	segs, err := s.store.ReadRange(ctx, s.coveredSeq+1, upTo)
	if err != nil {
		return nil, fmt.Errorf("read summary window: %w", err)
	}
	if len(segs) == 0 {
		return nil, nil
	}

	sum := transcript.Summary{
		Kind:        transcript.SummaryIntermediate,
		SeqStart:    s.coveredSeq + 1,
		SeqEnd:      upTo,
		WindowStart: s.windowStart,
		WindowEnd:   segs[len(segs)-1].End,
	}

	input := formatTranscript(segs)
	if input == "" {
		// Nothing transcribable in the window; cover the range anyway.
		sum.Body = "no transcribable speech in this interval"
	} else {
		text, ok := s.callWithRetry(ctx, KindIntermediate, input, shortenTranscript(segs))
		if ok {
			sum.KeyPoints = parseKeyPoints(text)
			sum.Body = strings.TrimSpace(text)
		} else {
			sum.Body = placeholderBody
			sum.Placeholder = true
		}
	}

	id, err := s.store.AppendSummary(ctx, sum)
	if err != nil {
		return nil, err
	}
	sum.ID = id
	s.coveredSeq = upTo
	s.windowStart = sum.WindowEnd

	s.log.Info("intermediate summary flushed",
		slog.Int64("seq_start", sum.SeqStart),
		slog.Int64("seq_end", sum.SeqEnd),
		slog.Bool("placeholder", sum.Placeholder))
	return &sum, nil
}

// Synthesize produces the final summary from the intermediate chain. It
// reads no raw transcript. Placeholder intermediates contribute nothing; if
// no usable intermediate exists the final summary is itself a placeholder.
// Synthesize is idempotent: an already recorded final summary is returned
// as is.
func (s *Summarizer) Synthesize(ctx context.Context) (*transcript.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if finals, err := s.store.ListSummaries(ctx, transcript.SummaryFinal); err != nil {
		return nil, err
	} else if len(finals) > 0 {
		return &finals[len(finals)-1], nil
	}

	intermediates, err := s.store.ListSummaries(ctx, transcript.SummaryIntermediate)
	if err != nil {
		return nil, err
	}
	if len(intermediates) == 0 {
		return nil, nil
	}

	sum := transcript.Summary{
		Kind:        transcript.SummaryFinal,
		SeqStart:    intermediates[0].SeqStart,
		SeqEnd:      intermediates[len(intermediates)-1].SeqEnd,
		WindowStart: intermediates[0].WindowStart,
		WindowEnd:   intermediates[len(intermediates)-1].WindowEnd,
	}

	notes := collectNotes(intermediates)
	if len(notes) == 0 {
		sum.Body = placeholderBody
		sum.Placeholder = true
	} else {
		full := strings.Join(notes, "\n")
		half := strings.Join(notes[len(notes)/2:], "\n")
		text, ok := s.callWithRetry(ctx, KindFinal, full, half)
		if ok {
			sum.KeyPoints = parseKeyPoints(text)
			sum.Body = strings.TrimSpace(text)
		} else {
			sum.Body = placeholderBody
			sum.Placeholder = true
		}
	}

	id, err := s.store.AppendSummary(ctx, sum)
	if err != nil {
		return nil, err
	}
	sum.ID = id
	s.log.Info("final summary synthesized",
		slog.Int("intermediates", len(intermediates)),
		slog.Bool("placeholder", sum.Placeholder))
	return &sum, nil
}

// callWithRetry runs the backend once with the full input and once more with
// the shortened one. ok is false when both attempts fail.
func (s *Summarizer) callWithRetry(ctx context.Context, kind Kind, input, shortened string) (string, bool) {
	text, err := s.callOnce(ctx, kind, input)
	if err == nil {
		return text, true
	}
	s.log.Warn("summarization attempt failed, retrying with shortened input",
		slog.String("kind", string(kind)),
		slog.String("error", err.Error()))

	text, err = s.callOnce(ctx, kind, shortened)
	if err == nil {
		return text, true
	}
	s.log.Warn("summarization failed, emitting placeholder",
		slog.String("kind", string(kind)),
		slog.String("error", err.Error()))
	return "", false
}

func (s *Summarizer) callOnce(ctx context.Context, kind Kind, input string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res, err := s.backend.Summarize(cctx, Request{
		Kind:        kind,
		Input:       input,
		MaxTokens:   s.maxTokens,
		Temperature: s.temperature,
	})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(res.Text) == "" {
		return "", fmt.Errorf("backend returned empty %s summary", kind)
	}
	return res.Text, nil
}

// formatTranscript renders segments as "LABEL: text" lines for the model.
// Skipped segments carry no text and are omitted.
func formatTranscript(segs []transcript.Segment) string {
	var b strings.Builder
	for _, seg := range segs {
		if seg.Skipped || seg.Text == "" {
			continue
		}
		label := seg.Speaker
		if label == "" {
			label = "UNKNOWN"
		}
		b.WriteString(label)
		b.WriteString(": ")
		b.WriteString(seg.Text)
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

// shortenTranscript keeps the most recent half of the window for the retry.
func shortenTranscript(segs []transcript.Segment) string {
	return formatTranscript(segs[len(segs)/2:])
}

// collectNotes flattens usable intermediates into prompt lines, preferring
// key points over raw bodies.
func collectNotes(intermediates []transcript.Summary) []string {
	var notes []string
	for _, sum := range intermediates {
		if sum.Placeholder {
			continue
		}
		if len(sum.KeyPoints) > 0 {
			notes = append(notes, sum.KeyPoints...)
			continue
		}
		if body := strings.TrimSpace(sum.Body); body != "" {
			notes = append(notes, body)
		}
	}
	return notes
}

// parseKeyPoints extracts "- " and "* " bullet lines from model output.
func parseKeyPoints(text string) []string {
	var points []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "- ") {
			points = append(points, strings.TrimSpace(line[2:]))
		} else if strings.HasPrefix(line, "* ") {
			points = append(points, strings.TrimSpace(line[2:]))
		}
	}
	return points
}
