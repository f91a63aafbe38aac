package transcript

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// FileName is the transcript database file inside a session directory.
const FileName = "transcript.db"

var (
	// ErrFrozen is returned by Append once the store has been frozen for
	// reconciliation. Label rewrites and summary appends remain allowed.
	ErrFrozen = errors.New("transcript store frozen")

	// ErrOutOfOrder is returned when an appended segment violates the
	// sequence or time ordering of the log.
	ErrOutOfOrder = errors.New("segment out of order")

	// ErrUnknownSpeaker is returned when a rename targets a label that has
	// never appeared in the session.
	ErrUnknownSpeaker = errors.New("unknown speaker label")
)

// Store is the durable transcript for one session. It has a single writer
// (the transcription stage) and tolerates concurrent readers.
type Store struct {
	db     *sql.DB
	log    *slog.Logger
	clock  func() time.Time
	frozen atomic.Bool

	mu        sync.Mutex
	lastSeq   int64
	lastEndMS int64
}

// Open creates or reopens the transcript store inside dir. Reopening an
// existing store restores the append cursor, which is how crash recovery
// picks up where the log left off.
func Open(ctx context.Context, dir string, log *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	path := filepath.Join(dir, FileName)

	// synchronous(FULL) so every committed segment survives power loss;
	// durability is the whole point of this store.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.loadCursor(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS segments (
    seq INTEGER PRIMARY KEY,
    start_ms INTEGER NOT NULL,
    end_ms INTEGER NOT NULL,
    text TEXT NOT NULL,
    speaker TEXT NOT NULL DEFAULT '',
    source TEXT NOT NULL DEFAULT 'heuristic',
    confidence REAL NOT NULL DEFAULT 0,
    energy REAL NOT NULL DEFAULT 0,
    skipped INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_segments_speaker ON segments(speaker);
CREATE TABLE IF NOT EXISTS speakers (
    label TEXT PRIMARY KEY,
    display_name TEXT NOT NULL DEFAULT '',
    speaking_ms INTEGER NOT NULL DEFAULT 0,
    segments INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS summaries (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    kind TEXT NOT NULL,
    seq_start INTEGER NOT NULL,
    seq_end INTEGER NOT NULL,
    window_start_ms INTEGER NOT NULL,
    window_end_ms INTEGER NOT NULL,
    key_points TEXT NOT NULL DEFAULT '[]',
    body TEXT NOT NULL,
    placeholder INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_summaries_kind ON summaries(kind, seq_end);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init transcript schema: %w", err)
	}
	return nil
}

func (s *Store) loadCursor(ctx context.Context) error {
	row := s.db.QueryRowContext(ctx, `SELECT seq, end_ms FROM segments ORDER BY seq DESC LIMIT 1`)
	var seq, endMS int64
	switch err := row.Scan(&seq, &endMS); {
	case errors.Is(err, sql.ErrNoRows):
		return nil
	case err != nil:
		return fmt.Errorf("load transcript cursor: %w", err)
	}
	s.mu.Lock()
	s.lastSeq = seq
	s.lastEndMS = endMS
	s.mu.Unlock()
	return nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Freeze blocks further segment appends. Reconciliation freezes the store
// before rewriting labels so the log it corrects cannot grow underneath it.
func (s *Store) Freeze() {
	s.frozen.Store(true)
}

// Frozen reports whether segment appends are blocked.
func (s *Store) Frozen() bool {
	return s.frozen.Load()
}

// Append writes one segment. Segments must arrive with contiguous sequence
// numbers and non-overlapping, forward-moving time ranges.
func (s *Store) Append(ctx context.Context, seg Segment) error {
	if s.frozen.Load() {
		return ErrFrozen
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if seg.Seq != s.lastSeq+1 {
		return fmt.Errorf("%w: got seq %d, want %d", ErrOutOfOrder, seg.Seq, s.lastSeq+1)
	}
	startMS := seg.Start.Milliseconds()
	endMS := seg.End.Milliseconds()
	if startMS < s.lastEndMS {
		return fmt.Errorf("%w: segment %d starts at %dms before previous end %dms", ErrOutOfOrder, seg.Seq, startMS, s.lastEndMS)
	}
	if endMS <= startMS {
		return fmt.Errorf("%w: segment %d has non-positive duration", ErrOutOfOrder, seg.Seq)
	}

	if seg.Source == "" {
		seg.Source = SourceHeuristic
	}
	if seg.CreatedAt.IsZero() {
		seg.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO segments(seq, start_ms, end_ms, text, speaker, source, confidence, energy, skipped, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		seg.Seq, startMS, endMS, seg.Text, seg.Speaker, string(seg.Source),
		seg.Confidence, seg.Energy, boolToInt(seg.Skipped), seg.CreatedAt)
	if err != nil {
		return fmt.Errorf("append segment %d: %w", seg.Seq, err)
	}
	s.lastSeq = seg.Seq
	s.lastEndMS = endMS
	return nil
}

// MaxSeq returns the sequence number of the last durable segment, 0 when the
// log is empty.
func (s *Store) MaxSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

// LastEnd returns the end offset of the last durable segment.
func (s *Store) LastEnd() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.lastEndMS) * time.Millisecond
}

// ReadRange returns segments with from <= seq <= to, ordered by sequence.
func (s *Store) ReadRange(ctx context.Context, from, to int64) ([]Segment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, start_ms, end_ms, text, speaker, source, confidence, energy, skipped, created_at
		 FROM segments WHERE seq >= ? AND seq <= ? ORDER BY seq ASC`, from, to)
	if err != nil {
		return nil, fmt.Errorf("read segments: %w", err)
	}
	return scanSegments(rows)
}

// ReadAll returns the full segment log in order.
func (s *Store) ReadAll(ctx context.Context) ([]Segment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, start_ms, end_ms, text, speaker, source, confidence, energy, skipped, created_at
		 FROM segments ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("read segments: %w", err)
	}
	return scanSegments(rows)
}

func scanSegments(rows *sql.Rows) ([]Segment, error) {
	defer rows.Close()
	var out []Segment
	for rows.Next() {
		var (
			seg            Segment
			startMS, endMS int64
			source         string
			skipped        int
			created        string
		)
		if err := rows.Scan(&seg.Seq, &startMS, &endMS, &seg.Text, &seg.Speaker,
			&source, &seg.Confidence, &seg.Energy, &skipped, &created); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		seg.Start = time.Duration(startMS) * time.Millisecond
		seg.End = time.Duration(endMS) * time.Millisecond
		seg.Source = LabelSource(source)
		seg.Skipped = skipped != 0
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			seg.CreatedAt = ts
		}
		out = append(out, seg)
	}
	return out, rows.Err()
}

// ApplyRelabels rewrites speaker labels in a single transaction, marking each
// touched segment as reconciled. Text and times are never modified. Permitted
// while the store is frozen; that is its intended use.
func (s *Store) ApplyRelabels(ctx context.Context, relabels map[int64]string) error {
	if len(relabels) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin relabel tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`UPDATE segments SET speaker = ?, source = ? WHERE seq = ?`)
	if err != nil {
		return fmt.Errorf("prepare relabel: %w", err)
	}
	defer stmt.Close()

	for seq, label := range relabels {
		if _, err := stmt.ExecContext(ctx, label, string(SourceReconciled), seq); err != nil {
			return fmt.Errorf("relabel segment %d: %w", seq, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit relabels: %w", err)
	}
	return nil
}

// UpsertSpeaker registers a label the first time it is observed.
func (s *Store) UpsertSpeaker(ctx context.Context, label string) error {
	if label == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO speakers(label, display_name) VALUES(?, '')
		 ON CONFLICT(label) DO NOTHING`, label)
	if err != nil {
		return fmt.Errorf("upsert speaker %q: %w", label, err)
	}
	return nil
}

// RenameSpeaker sets the display name for an existing label.
func (s *Store) RenameSpeaker(ctx context.Context, label, displayName string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE speakers SET display_name = ? WHERE label = ?`, displayName, label)
	if err != nil {
		return fmt.Errorf("rename speaker %q: %w", label, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rename speaker %q: %w", label, err)
	}
	if n == 0 {
		return fmt.Errorf("%w %q", ErrUnknownSpeaker, label)
	}
	return nil
}

// ListSpeakers returns the speaker registry ordered by speaking time.
func (s *Store) ListSpeakers(ctx context.Context) ([]Speaker, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT label, display_name, speaking_ms, segments FROM speakers
		 ORDER BY speaking_ms DESC, label ASC`)
	if err != nil {
		return nil, fmt.Errorf("list speakers: %w", err)
	}
	defer rows.Close()
	var out []Speaker
	for rows.Next() {
		var (
			sp Speaker
			ms int64
		)
		if err := rows.Scan(&sp.Label, &sp.DisplayName, &ms, &sp.Segments); err != nil {
			return nil, fmt.Errorf("scan speaker: %w", err)
		}
		sp.SpeakingTime = time.Duration(ms) * time.Millisecond
		out = append(out, sp)
	}
	return out, rows.Err()
}

// RecomputeSpeakerStats rebuilds speaking time and segment counts from the
// segment log, removing labels no segment references anymore. Called after
// reconciliation rewrites labels. Skipped segments carry no attributable
// speech and are excluded from the statistics.
func (s *Store) RecomputeSpeakerStats(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin stats tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
INSERT INTO speakers(label, display_name, speaking_ms, segments)
SELECT speaker, '',
    SUM(CASE WHEN skipped = 0 THEN end_ms - start_ms ELSE 0 END),
    SUM(CASE WHEN skipped = 0 THEN 1 ELSE 0 END)
FROM segments WHERE speaker != '' GROUP BY speaker
ON CONFLICT(label) DO UPDATE SET
    speaking_ms = excluded.speaking_ms,
    segments = excluded.segments`)
	if err != nil {
		return fmt.Errorf("recompute speaker stats: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`DELETE FROM speakers WHERE label NOT IN (SELECT DISTINCT speaker FROM segments WHERE speaker != '')`)
	if err != nil {
		return fmt.Errorf("drop orphan speakers: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit speaker stats: %w", err)
	}
	return nil
}

// AppendSummary writes one summary row and returns its id. Unlike segment
// appends this is permitted on a frozen store, so the final synthesis can be
// recorded after reconciliation.
func (s *Store) AppendSummary(ctx context.Context, sum Summary) (int64, error) {
	points, err := json.Marshal(sum.KeyPoints)
	if err != nil {
		return 0, fmt.Errorf("encode key points: %w", err)
	}
	if sum.CreatedAt.IsZero() {
		sum.CreatedAt = s.clock().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO summaries(kind, seq_start, seq_end, window_start_ms, window_end_ms, key_points, body, placeholder, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sum.Kind, sum.SeqStart, sum.SeqEnd,
		sum.WindowStart.Milliseconds(), sum.WindowEnd.Milliseconds(),
		string(points), sum.Body, boolToInt(sum.Placeholder), sum.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("append summary: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("summary id: %w", err)
	}
	return id, nil
}

// ListSummaries returns summaries of the given kind in append order; an empty
// kind returns all of them.
func (s *Store) ListSummaries(ctx context.Context, kind string) ([]Summary, error) {
	query := `SELECT id, kind, seq_start, seq_end, window_start_ms, window_end_ms, key_points, body, placeholder, created_at
	          FROM summaries`
	args := []any{}
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list summaries: %w", err)
	}
	defer rows.Close()
	var out []Summary
	for rows.Next() {
		var (
			sum            Summary
			startMS, endMS int64
			points         string
			placeholder    int
			created        string
		)
		if err := rows.Scan(&sum.ID, &sum.Kind, &sum.SeqStart, &sum.SeqEnd,
			&startMS, &endMS, &points, &sum.Body, &placeholder, &created); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		sum.WindowStart = time.Duration(startMS) * time.Millisecond
		sum.WindowEnd = time.Duration(endMS) * time.Millisecond
		sum.Placeholder = placeholder != 0
		if err := json.Unmarshal([]byte(points), &sum.KeyPoints); err != nil {
			return nil, fmt.Errorf("decode key points: %w", err)
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			sum.CreatedAt = ts
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// SummaryCoverageEnd returns the highest segment sequence covered by an
// intermediate summary, 0 when none exist. Resume uses this to restore the
// summarizer's coverage cursor.
func (s *Store) SummaryCoverageEnd(ctx context.Context) (int64, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq_end), 0) FROM summaries WHERE kind = ?`, SummaryIntermediate)
	var end int64
	if err := row.Scan(&end); err != nil {
		return 0, fmt.Errorf("summary coverage: %w", err)
	}
	return end, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
