package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/bigmoletos/whisper-sub001/internal/audio"
	"github.com/bigmoletos/whisper-sub001/internal/checkpoint"
	"github.com/bigmoletos/whisper-sub001/internal/diarize"
	"github.com/bigmoletos/whisper-sub001/internal/protocol"
	"github.com/bigmoletos/whisper-sub001/internal/report"
	"github.com/bigmoletos/whisper-sub001/internal/speaker"
	"github.com/bigmoletos/whisper-sub001/internal/summarize"
	"github.com/bigmoletos/whisper-sub001/internal/transcribe"
	"github.com/bigmoletos/whisper-sub001/internal/transcript"
)

// segmentChannelDepth bounds the transcription-to-writer handoff. A slow
// writer backs the transcription stage up into the audio buffer, which is
// where the overflow policy lives.
const segmentChannelDepth = 4

// EventSink receives live session events. A *bus.Publisher satisfies it;
// nil disables publishing.
type EventSink interface {
	PublishCaption(protocol.CaptionEvent)
	PublishSummary(protocol.SummaryEvent)
	PublishState(protocol.SessionStateEvent)
}

// Params identify a session.
type Params struct {
	ID           string
	Name         string
	Participants []string
	// StartedAt is zero for new sessions; resume passes the original start.
	StartedAt time.Time
}

// Options carry the session directory and timing geometry.
type Options struct {
	Dir                string
	Window             time.Duration
	SummaryInterval    time.Duration
	CheckpointInterval time.Duration
	DiarizeTimeout     time.Duration
	MaxSpeakers        int
	// Poll is how often the transcription stage checks for a full window.
	// Derived from Window when zero; always at most one window, which is
	// what bounds how fast pause and stop are observed.
	Poll time.Duration
}

// Deps are the session's collaborators. Store, Buffer, Transcriber,
// Assigner, Summarizer and Checkpoints are required; Recorder, Diarizer,
// Events and Metrics are optional.
type Deps struct {
	Store       *transcript.Store
	Buffer      *audio.Buffer
	Recorder    *audio.Recorder
	Transcriber *transcribe.Transcriber
	Assigner    *speaker.Assigner
	Summarizer  *summarize.Summarizer
	Diarizer    diarize.Diarizer
	Checkpoints *checkpoint.Manager
	Events      EventSink
	Metrics     *Metrics
	Logger      *slog.Logger
}

// Session drives one meeting through its lifecycle. Audio enters through
// Ingest; four stages (transcription, store writer, summary timer,
// checkpoint timer) run concurrently while RUNNING and are joined before
// any stop-time work begins.
type Session struct {
	id           string
	name         string
	participants []string
	opts         Options

	store       *transcript.Store
	buffer      *audio.Buffer
	recorder    *audio.Recorder
	transcriber *transcribe.Transcriber
	assigner    *speaker.Assigner
	summarizer  *summarize.Summarizer
	diarizer    diarize.Diarizer
	checkpoints *checkpoint.Manager
	events      EventSink
	metrics     *Metrics
	log         *slog.Logger
	tracer      trace.Tracer
	clock       func() time.Time

	loopCtx    context.Context
	loopCancel context.CancelFunc
	segCh      chan transcript.Segment
	wg         sync.WaitGroup

	mu         sync.Mutex
	state      State
	startedAt  time.Time
	endedAt    time.Time
	reconciled bool
	cause      error

	// Position of the next segment, owned by the transcription stage and
	// only advanced once a segment is handed to the writer.
	posMu   sync.Mutex
	nextSeq int64
	cursor  time.Duration
}

// New builds a session in CREATED state over an opened store. The store's
// cursor seeds the sequence counter, which is how a resumed session
// continues without gaps or duplicates.
func New(parent context.Context, params Params, opts Options, deps Deps) (*Session, error) {
	if deps.Store == nil || deps.Buffer == nil || deps.Transcriber == nil ||
		deps.Assigner == nil || deps.Summarizer == nil || deps.Checkpoints == nil {
		return nil, errors.New("session: missing required dependency")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if opts.Poll <= 0 || opts.Poll > opts.Window {
		opts.Poll = opts.Window / 5
		if opts.Poll < 10*time.Millisecond {
			opts.Poll = 10 * time.Millisecond
		}
		if opts.Poll > 500*time.Millisecond {
			opts.Poll = 500 * time.Millisecond
		}
	}
	if opts.DiarizeTimeout <= 0 {
		opts.DiarizeTimeout = 10 * time.Minute
	}

	loopCtx, cancel := context.WithCancel(parent)
	s := &Session{
		id:           params.ID,
		name:         params.Name,
		participants: params.Participants,
		opts:         opts,
		store:        deps.Store,
		buffer:       deps.Buffer,
		recorder:     deps.Recorder,
		transcriber:  deps.Transcriber,
		assigner:     deps.Assigner,
		summarizer:   deps.Summarizer,
		diarizer:     deps.Diarizer,
		checkpoints:  deps.Checkpoints,
		events:       deps.Events,
		metrics:      deps.Metrics,
		log: deps.Logger.With(
			slog.String("component", "session"),
			slog.String("session_id", params.ID)),
		tracer:     otel.Tracer("github.com/bigmoletos/whisper-sub001/session"),
		clock:      time.Now,
		loopCtx:    loopCtx,
		loopCancel: cancel,
		segCh:      make(chan transcript.Segment, segmentChannelDepth),
		state:      StateCreated,
		startedAt:  params.StartedAt,
		nextSeq:    deps.Store.MaxSeq() + 1,
		cursor:     deps.Store.LastEnd(),
	}
	if s.startedAt.IsZero() {
		s.startedAt = s.clock().UTC()
	}
	if err := WriteMeta(opts.Dir, s.meta()); err != nil {
		cancel()
		return nil, err
	}
	return s, nil
}

// Start moves the session to RUNNING and launches the pipeline stages.
func (s *Session) Start() error {
	if err := s.transition(StateRunning, "start"); err != nil {
		return err
	}
	s.wg.Add(4)
	go s.transcribeLoop()
	go s.writeLoop()
	go s.summaryLoop()
	go s.checkpointLoop()
	s.log.Info("session pipeline started",
		slog.Duration("window", s.opts.Window),
		slog.Duration("summary_interval", s.opts.SummaryInterval))
	return nil
}

// Ingest accepts capture samples. Audio arriving outside RUNNING or PAUSED
// is dropped.
func (s *Session) Ingest(samples []float32) {
	switch s.State() {
	case StateRunning, StatePaused:
	default:
		return
	}
	if err := s.buffer.Push(samples); err != nil {
		s.metrics.Overflow(context.Background())
		s.log.Warn("capture outpaced transcription, oldest audio dropped",
			slog.Uint64("dropped_total", s.buffer.Dropped()))
	}
}

// Pause suspends transcription. The buffer keeps draining so memory stays
// bounded, but drained audio is discarded unseen.
func (s *Session) Pause() error {
	return s.transition(StatePaused, "pause")
}

// Resume continues transcription after a Pause.
func (s *Session) Resume() error {
	return s.transition(StateRunning, "resume")
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the abort cause, nil unless the session ABORTED.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Dir returns the session's directory.
func (s *Session) Dir() string { return s.opts.Dir }

// Info is the session summary exposed over the control API.
type Info struct {
	ID           string
	Name         string
	State        State
	Participants []string
	StartedAt    time.Time
	EndedAt      time.Time
	Segments     int64
	Reconciled   bool
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:           s.id,
		Name:         s.name,
		State:        s.state,
		Participants: append([]string(nil), s.participants...),
		StartedAt:    s.startedAt,
		EndedAt:      s.endedAt,
		Segments:     s.store.MaxSeq(),
		Reconciled:   s.reconciled,
	}
}

// RenameSpeaker sets the display name shown for a label in captions and the
// report. Rejected once the session is terminal.
func (s *Session) RenameSpeaker(ctx context.Context, label, name string) error {
	if st := s.State(); st.Terminal() {
		return fmt.Errorf("%w: session %s is %s", ErrTerminal, s.id, st)
	}
	return s.store.RenameSpeaker(ctx, label, name)
}

// Stop drains the pipeline and closes the session: final partial window,
// final summary flush, reconciliation when a recording exists, final
// synthesis, report, final checkpoint. Blocks until the session is CLOSED
// or returns the abort cause.
func (s *Session) Stop(ctx context.Context) error {
	from, err := s.transitionFrom(StateStopping, "stop")
	if err != nil {
		return err
	}
	s.loopCancel()
	s.wg.Wait()

	// The writer may have hit a durability error while draining; in that
	// case the abort owns the resources and Stop only reports the cause.
	if s.State() == StateAborted {
		return s.Err()
	}

	// Flush the final partial window. Audio accumulated while paused was
	// suspended from consumption and stays out of the transcript.
	if w, ok := s.buffer.DrainAll(); ok && from == StateRunning {
		seg := s.processWindow(ctx, w)
		if err := s.append(seg); err != nil {
			return s.abortStop(fmt.Errorf("final window append: %w", err))
		}
		s.commit(seg)
	}

	// Cover the unsummarized tail so the summary ranges tile the log.
	if err := s.flushSummary(ctx); err != nil {
		return s.abortStop(fmt.Errorf("final summary flush: %w", err))
	}

	if s.recorder != nil {
		if err := s.recorder.Close(); err != nil {
			s.log.Warn("recording finalize failed, reconciliation may be skipped",
				slog.String("error", err.Error()))
		}
	}

	s.store.Freeze()

	names := s.reconcile(ctx)
	if err := s.store.RecomputeSpeakerStats(ctx); err != nil {
		s.log.Warn("speaker statistics not recomputed", slog.String("error", err.Error()))
	}
	s.applyNames(ctx, names)

	s.synthesize(ctx)
	s.writeReport(ctx)

	if err := s.transition(StateClosed, "stopped"); err != nil {
		return err
	}
	if err := s.writeCheckpoint(); err != nil {
		s.log.Warn("final checkpoint not written", slog.String("error", err.Error()))
	}
	s.closeResources()
	return nil
}

// Abort terminates the session on an unrecoverable error. The last valid
// checkpoint stays on disk for diagnosis and manual resume.
func (s *Session) Abort(cause error) {
	if err := s.transition(StateAborted, cause.Error()); err != nil {
		return // already terminal, or a concurrent stop won
	}
	s.mu.Lock()
	s.cause = cause
	s.mu.Unlock()
	s.log.Error("session aborted, last checkpoint preserved",
		slog.String("error", cause.Error()))
	s.loopCancel()
	go func() {
		s.wg.Wait()
		s.closeResources()
	}()
}

// abortStop is the abort path for durability failures during Stop, after
// the stage goroutines have already been joined.
func (s *Session) abortStop(cause error) error {
	s.mu.Lock()
	s.cause = cause
	s.mu.Unlock()
	if err := s.transition(StateAborted, cause.Error()); err != nil {
		return cause
	}
	s.log.Error("session aborted during stop", slog.String("error", cause.Error()))
	s.closeResources()
	return cause
}

func (s *Session) closeResources() {
	if s.recorder != nil {
		if err := s.recorder.Close(); err != nil {
			s.log.Warn("recording close failed", slog.String("error", err.Error()))
		}
	}
	if err := s.store.Close(); err != nil {
		s.log.Warn("transcript store close failed", slog.String("error", err.Error()))
	}
}

// transcribeLoop polls the buffer and turns full windows into segments.
// Drained windows are discarded while PAUSED.
func (s *Session) transcribeLoop() {
	defer s.wg.Done()
	defer close(s.segCh)
	ticker := time.NewTicker(s.opts.Poll)
	defer ticker.Stop()
	for {
		select {
		case <-s.loopCtx.Done():
			return
		case <-ticker.C:
		}
		for {
			w, ok := s.buffer.DrainWindow()
			if !ok {
				break
			}
			if s.State() != StateRunning {
				continue
			}
			seg := s.processWindow(s.loopCtx, w)
			select {
			case s.segCh <- seg:
				s.commit(seg)
			case <-s.loopCtx.Done():
				return
			}
		}
	}
}

// processWindow records, transcribes and labels one drained window. The
// position advances separately via commit, once the segment is handed off,
// so a window lost to cancellation leaves no hole in the sequence.
func (s *Session) processWindow(ctx context.Context, w audio.Window) transcript.Segment {
	s.posMu.Lock()
	seq, start := s.nextSeq, s.cursor
	s.posMu.Unlock()

	if s.recorder != nil {
		s.recorder.Write(w.Samples[len(w.Samples)-w.Fresh:])
	}

	ctx, span := s.tracer.Start(ctx, "session.transcribe_window")
	seg := s.transcriber.TranscribeWindow(ctx, seq, start, w)
	span.End()

	seg.Speaker = s.assigner.Assign(speaker.Input{
		Seq:     seg.Seq,
		Start:   seg.Start,
		End:     seg.End,
		Text:    seg.Text,
		Energy:  seg.Energy,
		Skipped: seg.Skipped,
	})
	return seg
}

func (s *Session) commit(seg transcript.Segment) {
	s.posMu.Lock()
	s.nextSeq = seg.Seq + 1
	s.cursor = seg.End
	s.posMu.Unlock()
}

// writeLoop is the store's single writer. A failed append is a durability
// error and aborts the session.
func (s *Session) writeLoop() {
	defer s.wg.Done()
	for seg := range s.segCh {
		if err := s.append(seg); err != nil {
			s.Abort(fmt.Errorf("segment append: %w", err))
			return
		}
	}
}

// append durably writes one segment and announces it. Uses a background
// context: a committed window must reach the log even while the session is
// being cancelled.
func (s *Session) append(seg transcript.Segment) error {
	ctx := context.Background()
	if err := s.store.Append(ctx, seg); err != nil {
		return err
	}
	if seg.Speaker != "" {
		if err := s.store.UpsertSpeaker(ctx, seg.Speaker); err != nil {
			s.log.Warn("speaker registry update failed", slog.String("error", err.Error()))
		}
	}
	s.metrics.Segment(ctx, seg.Skipped)
	if s.events != nil {
		s.events.PublishCaption(protocol.CaptionEvent{
			SessionID:  s.id,
			Seq:        seg.Seq,
			Speaker:    seg.Speaker,
			Text:       seg.Text,
			StartMS:    seg.Start.Milliseconds(),
			EndMS:      seg.End.Milliseconds(),
			Confidence: seg.Confidence,
			Skipped:    seg.Skipped,
			Timestamp:  s.clock().UTC(),
		})
	}
	return nil
}

func (s *Session) summaryLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.SummaryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.loopCtx.Done():
			return
		case <-ticker.C:
		}
		if s.State() != StateRunning {
			continue
		}
		if err := s.flushSummary(s.loopCtx); err != nil {
			if s.loopCtx.Err() != nil {
				return // interrupted by stop; Stop covers the tail
			}
			s.Abort(fmt.Errorf("summary append: %w", err))
			return
		}
	}
}

// flushSummary runs one summary window. The summarizer degrades backend
// failures to placeholders internally; an error here is a store failure.
func (s *Session) flushSummary(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "session.flush_summary")
	defer span.End()
	sum, err := s.summarizer.FlushWindow(ctx)
	if err != nil {
		return err
	}
	if sum == nil {
		return nil
	}
	s.metrics.Summary(ctx, sum.Kind, sum.Placeholder)
	if sum.Placeholder {
		s.metrics.Degradation(ctx, "summary_placeholder")
	}
	s.publishSummary(*sum)
	return nil
}

func (s *Session) publishSummary(sum transcript.Summary) {
	if s.events == nil {
		return
	}
	s.events.PublishSummary(protocol.SummaryEvent{
		SessionID:   s.id,
		Kind:        sum.Kind,
		SeqStart:    sum.SeqStart,
		SeqEnd:      sum.SeqEnd,
		Body:        sum.Body,
		Placeholder: sum.Placeholder,
		Timestamp:   s.clock().UTC(),
	})
}

func (s *Session) checkpointLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.CheckpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.loopCtx.Done():
			return
		case <-ticker.C:
		}
		if s.State() != StateRunning {
			continue
		}
		if err := s.writeCheckpoint(); err != nil {
			s.Abort(fmt.Errorf("checkpoint write: %w", err))
			return
		}
	}
}

// writeCheckpoint snapshots the durable position. Everything referenced is
// already flushed: the store cursor only moves on completed appends and the
// summary cursor only after its row is written.
func (s *Session) writeCheckpoint() error {
	s.posMu.Lock()
	cursor := s.cursor
	s.posMu.Unlock()

	snap := checkpoint.Snapshot{
		SessionID:      s.id,
		Name:           s.name,
		State:          string(s.State()),
		SegmentSeq:     s.store.MaxSeq(),
		SummarizedSeq:  s.summarizer.CoveredSeq(),
		CursorMS:       cursor.Milliseconds(),
		BufferedMS:     s.buffer.Buffered().Milliseconds(),
		DroppedSamples: s.buffer.Dropped(),
		Speakers:       s.assigner.Snapshot(),
	}
	if _, err := s.checkpoints.Write(snap); err != nil {
		return err
	}
	s.metrics.Checkpoint(context.Background())
	return nil
}

// reconcile runs offline diarization over the session recording and
// rewrites speaker labels. Any failure keeps the heuristic labels and the
// report is flagged unreconciled. Returns the participant-name mapping to
// apply after statistics are rebuilt.
func (s *Session) reconcile(ctx context.Context) map[string]string {
	if s.diarizer == nil {
		s.log.Info("reconciliation skipped: no diarization backend configured")
		return nil
	}
	if s.recorder == nil || !s.recorder.Usable() {
		s.log.Info("reconciliation skipped: no full-session recording retained")
		return nil
	}

	dctx, cancel := context.WithTimeout(ctx, s.opts.DiarizeTimeout)
	defer cancel()
	dctx, span := s.tracer.Start(dctx, "session.reconcile")
	defer span.End()

	turns, err := s.diarizer.Diarize(dctx, s.recorder.Path(), s.opts.MaxSpeakers)
	if err != nil {
		s.metrics.Degradation(ctx, "diarization_failed")
		s.log.Warn("offline diarization failed, keeping heuristic labels",
			slog.String("error", err.Error()))
		return nil
	}
	if len(turns) == 0 {
		s.log.Warn("offline diarization found no speaker turns, keeping heuristic labels")
		return nil
	}

	segments, err := s.store.ReadAll(ctx)
	if err != nil {
		s.log.Warn("transcript read for reconciliation failed", slog.String("error", err.Error()))
		return nil
	}
	res := diarize.Reconcile(turns, segments, s.participants)
	if err := s.store.ApplyRelabels(ctx, res.Relabels); err != nil {
		s.log.Warn("relabeling failed, keeping heuristic labels", slog.String("error", err.Error()))
		return nil
	}

	s.mu.Lock()
	s.reconciled = true
	s.mu.Unlock()
	s.log.Info("speaker labels reconciled",
		slog.Int("clusters", res.Clusters),
		slog.Int("relabeled", len(res.Relabels)))
	return res.Names
}

func (s *Session) applyNames(ctx context.Context, names map[string]string) {
	for label, name := range names {
		if err := s.store.UpsertSpeaker(ctx, label); err != nil {
			s.log.Warn("speaker upsert failed",
				slog.String("label", label),
				slog.String("error", err.Error()))
			continue
		}
		if err := s.store.RenameSpeaker(ctx, label, name); err != nil {
			s.log.Warn("participant name not applied",
				slog.String("label", label),
				slog.String("error", err.Error()))
		}
	}
}

func (s *Session) synthesize(ctx context.Context) {
	ctx, span := s.tracer.Start(ctx, "session.synthesize")
	defer span.End()
	sum, err := s.summarizer.Synthesize(ctx)
	if err != nil {
		s.log.Warn("final synthesis not recorded", slog.String("error", err.Error()))
		return
	}
	if sum == nil {
		return
	}
	s.metrics.Summary(ctx, sum.Kind, sum.Placeholder)
	s.publishSummary(*sum)
}

func (s *Session) writeReport(ctx context.Context) {
	s.mu.Lock()
	info := report.Info{
		SessionID:    s.id,
		Name:         s.name,
		Participants: s.participants,
		StartedAt:    s.startedAt,
		EndedAt:      s.endedAt,
		Reconciled:   s.reconciled,
	}
	s.mu.Unlock()

	rep, err := report.Build(ctx, s.store, info)
	if err != nil {
		s.log.Warn("report assembly failed", slog.String("error", err.Error()))
		return
	}
	_ = report.WriteFiles(s.opts.Dir, rep, s.log)
}

func (s *Session) transition(to State, reason string) error {
	_, err := s.transitionFrom(to, reason)
	return err
}

// transitionFrom validates and applies a lifecycle change, returning the
// state it left. The state event and meta update happen outside the lock.
func (s *Session) transitionFrom(to State, reason string) (State, error) {
	s.mu.Lock()
	from := s.state
	if !from.canReach(to) {
		s.mu.Unlock()
		return from, ErrInvalidTransition{From: from, To: to}
	}
	s.state = to
	if (to == StateStopping || to == StateAborted) && s.endedAt.IsZero() {
		s.endedAt = s.clock().UTC()
	}
	s.mu.Unlock()

	s.log.Info("session state changed",
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.String("reason", reason))
	if s.events != nil {
		s.events.PublishState(protocol.SessionStateEvent{
			SessionID: s.id,
			Name:      s.name,
			From:      string(from),
			To:        string(to),
			Reason:    reason,
			Timestamp: s.clock().UTC(),
		})
	}
	if err := WriteMeta(s.opts.Dir, s.meta()); err != nil {
		s.log.Warn("session meta not updated", slog.String("error", err.Error()))
	}
	return from, nil
}

func (s *Session) meta() Meta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Meta{
		ID:           s.id,
		Name:         s.name,
		Participants: s.participants,
		StartedAt:    s.startedAt,
		EndedAt:      s.endedAt,
		State:        string(s.state),
	}
}
