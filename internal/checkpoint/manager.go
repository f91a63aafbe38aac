// Package checkpoint persists periodic session snapshots so a crashed
// session can resume from its last durable position.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bigmoletos/whisper-sub001/internal/speaker"
	"github.com/bigmoletos/whisper-sub001/internal/transcript"
)

// ErrNoCheckpoint is returned when no valid checkpoint exists for a session.
var ErrNoCheckpoint = errors.New("no checkpoint available")

const filePattern = "checkpoint_%06d.json"

// Snapshot is the serialized session position. It only ever references
// artifacts that were durable when it was written; buffered audio is by
// design not part of it.
type Snapshot struct {
	SessionID      string            `json:"session_id"`
	Name           string            `json:"name,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	State          string            `json:"state"`
	SegmentSeq     int64             `json:"segment_seq"`
	SummarizedSeq  int64             `json:"summarized_seq"`
	CursorMS       int64             `json:"cursor_ms"`
	BufferedMS     int64             `json:"buffered_ms"`
	DroppedSamples uint64            `json:"dropped_samples,omitempty"`
	Speakers       speaker.PoolState `json:"speakers"`
}

// Manager writes numbered checkpoint files into a session directory. Later
// checkpoints supersede earlier ones but never delete them; the history
// stays available for rollback diagnostics.
type Manager struct {
	dir   string
	log   *slog.Logger
	clock func() time.Time

	mu    sync.Mutex
	index int
}

// NewManager prepares a manager over dir, resuming the numbering after any
// checkpoints already present.
func NewManager(dir string, log *slog.Logger) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	m := &Manager{dir: dir, log: log, clock: time.Now}

	indices, err := m.indices()
	if err != nil {
		return nil, err
	}
	if len(indices) > 0 {
		m.index = indices[len(indices)-1]
	}
	return m, nil
}

func (m *Manager) indices() ([]int, error) {
	matches, err := filepath.Glob(filepath.Join(m.dir, "checkpoint_*.json"))
	if err != nil {
		return nil, fmt.Errorf("scan checkpoints: %w", err)
	}
	var indices []int
	for _, match := range matches {
		var idx int
		if _, err := fmt.Sscanf(filepath.Base(match), filePattern, &idx); err == nil {
			indices = append(indices, idx)
		}
	}
	sort.Ints(indices)
	return indices, nil
}

// Write persists a snapshot atomically: temp file, fsync, rename. A crash
// mid-write can never corrupt the previous checkpoint.
func (m *Manager) Write(snap Snapshot) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = m.clock().UTC()
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode checkpoint: %w", err)
	}

	tmp, err := os.CreateTemp(m.dir, ".checkpoint_*")
	if err != nil {
		return "", fmt.Errorf("create checkpoint temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close checkpoint temp: %w", err)
	}

	path := filepath.Join(m.dir, fmt.Sprintf(filePattern, m.index+1))
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("publish checkpoint: %w", err)
	}
	m.index++
	return path, nil
}

func (m *Manager) read(idx int) (Snapshot, error) {
	path := filepath.Join(m.dir, fmt.Sprintf(filePattern, idx))
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read checkpoint: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode checkpoint %s: %w", filepath.Base(path), err)
	}
	return snap, nil
}

// Latest returns the newest checkpoint without validating it.
func (m *Manager) Latest() (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	indices, err := m.indices()
	if err != nil {
		return Snapshot{}, err
	}
	if len(indices) == 0 {
		return Snapshot{}, ErrNoCheckpoint
	}
	return m.read(indices[len(indices)-1])
}

// LoadLatestValid returns the newest checkpoint whose referenced segments
// and summaries are all present in the store, walking back through older
// checkpoints when validation fails. Skipping a newer checkpoint means work
// since the returned one is lost; the loss is logged and bounded by the
// checkpoint interval.
func (m *Manager) LoadLatestValid(ctx context.Context, store *transcript.Store) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	indices, err := m.indices()
	if err != nil {
		return Snapshot{}, err
	}
	if len(indices) == 0 {
		return Snapshot{}, ErrNoCheckpoint
	}

	coverage, err := store.SummaryCoverageEnd(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	maxSeq := store.MaxSeq()

	skipped := 0
	for i := len(indices) - 1; i >= 0; i-- {
		idx := indices[i]
		snap, err := m.read(idx)
		if err != nil {
			m.log.Warn("unreadable checkpoint skipped",
				slog.Int("index", idx),
				slog.String("error", err.Error()))
			skipped++
			continue
		}
		if snap.SegmentSeq > maxSeq || snap.SummarizedSeq > coverage {
			m.log.Warn("checkpoint references artifacts missing from the store",
				slog.Int("index", idx),
				slog.Int64("segment_seq", snap.SegmentSeq),
				slog.Int64("store_seq", maxSeq))
			skipped++
			continue
		}
		if skipped > 0 {
			m.log.Warn("resuming from an older checkpoint, newer progress lost",
				slog.Int("index", idx),
				slog.Int("skipped", skipped))
		}
		return snap, nil
	}
	return Snapshot{}, ErrNoCheckpoint
}
