// Package speaker assigns provisional speaker labels to segments as they are
// transcribed. The heuristics are deliberately cheap and imprecise; offline
// diarization corrects the labels after the session ends.
package speaker

import (
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Leading runes that suggest a conversational turn change.
const dialogueMarkers = `?!-–—"'“”‘’«»`

// Smoothing factor for the rolling energy baseline.
const emaAlpha = 0.3

// Config tunes the assigner heuristics.
type Config struct {
	MaxSpeakers      int
	PauseThreshold   time.Duration
	EnergyDeltaRatio float64
	// SilenceRMS separates true silence from audio an engine failure lost.
	// Windows at or above it still count as speech time for gap purposes.
	SilenceRMS float64
}

// Input describes a segment about to be persisted.
type Input struct {
	Seq     int64
	Start   time.Duration
	End     time.Duration
	Text    string
	Energy  float64
	Skipped bool
}

// LabelUse records when a pool label last carried a segment.
type LabelUse struct {
	Label string `json:"label"`
	Seq   int64  `json:"seq"`
}

// PoolState is the serializable assigner state carried in checkpoints.
// Labels are ordered least to most recently used.
type PoolState struct {
	Next       int        `json:"next"`
	Current    string     `json:"current"`
	LastEndMS  int64      `json:"last_end_ms"`
	EnergyEMA  float64    `json:"energy_ema"`
	EnergyInit bool       `json:"energy_init"`
	Labels     []LabelUse `json:"labels"`
}

// Assigner decides the provisional label for each segment. Labels come from
// a bounded pool SPEAKER_00..SPEAKER_NN; when the pool is exhausted the least
// recently used label is recycled rather than failing the segment.
type Assigner struct {
	mu   sync.Mutex
	cfg  Config
	pool *lru.Cache[string, int64]

	next    int
	current string
	lastEnd time.Duration
	ema     float64
	emaInit bool
}

// New builds an assigner with an empty label pool.
func New(cfg Config) (*Assigner, error) {
	if cfg.MaxSpeakers < 1 {
		cfg.MaxSpeakers = 1
	}
	if cfg.SilenceRMS <= 0 {
		cfg.SilenceRMS = 0.01
	}
	pool, err := lru.New[string, int64](cfg.MaxSpeakers)
	if err != nil {
		return nil, fmt.Errorf("create label pool: %w", err)
	}
	return &Assigner{cfg: cfg, pool: pool}, nil
}

// Assign returns the label for the segment. Skipped segments keep the
// current label (empty if no speech has been observed yet) and never touch
// the pool. A skipped window that still carried speech energy (an engine
// failure, not silence) bridges the pause gap, so a transcription hiccup
// does not fake a speaker change; a silent window leaves the gap open for
// the pause rule to see.
func (a *Assigner) Assign(in Input) string {
	a.mu.Lock()
	defer a.mu.Unlock()

	if in.Skipped || strings.TrimSpace(in.Text) == "" {
		if in.Energy >= a.cfg.SilenceRMS {
			a.lastEnd = in.End
		}
		return a.current
	}

	gap := in.Start - a.lastEnd
	switch {
	case a.current == "":
		a.current = a.allocate()
	case gap > a.cfg.PauseThreshold:
		a.current = a.rotate()
	case hasDialogueMarker(in.Text) && a.energyShift(in.Energy):
		a.current = a.rotate()
	}

	if a.emaInit {
		a.ema = emaAlpha*in.Energy + (1-emaAlpha)*a.ema
	} else {
		a.ema = in.Energy
		a.emaInit = true
	}
	a.lastEnd = in.End
	a.pool.Add(a.current, in.Seq)
	return a.current
}

// allocate hands out the next fresh label, or recycles when the pool is full.
func (a *Assigner) allocate() string {
	if a.next < a.cfg.MaxSpeakers {
		label := fmt.Sprintf("SPEAKER_%02d", a.next)
		a.next++
		return label
	}
	return a.leastRecent()
}

// rotate picks a label distinct from the current one.
func (a *Assigner) rotate() string {
	if a.next < a.cfg.MaxSpeakers {
		return a.allocate()
	}
	if label := a.leastRecent(); label != "" {
		return label
	}
	return a.current
}

// leastRecent returns the least recently used label that is not current.
func (a *Assigner) leastRecent() string {
	for _, label := range a.pool.Keys() {
		if label != a.current {
			return label
		}
	}
	// Pool of one: nothing distinct to switch to.
	return a.current
}

func (a *Assigner) energyShift(energy float64) bool {
	if !a.emaInit {
		return false
	}
	base := a.ema
	if base < 1e-6 {
		base = 1e-6
	}
	delta := energy - base
	if delta < 0 {
		delta = -delta
	}
	return delta/base >= a.cfg.EnergyDeltaRatio
}

func hasDialogueMarker(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	return strings.ContainsRune(dialogueMarkers, []rune(trimmed)[0])
}

// Snapshot captures the assigner state for a checkpoint.
func (a *Assigner) Snapshot() PoolState {
	a.mu.Lock()
	defer a.mu.Unlock()

	state := PoolState{
		Next:       a.next,
		Current:    a.current,
		LastEndMS:  a.lastEnd.Milliseconds(),
		EnergyEMA:  a.ema,
		EnergyInit: a.emaInit,
	}
	for _, label := range a.pool.Keys() {
		if seq, ok := a.pool.Peek(label); ok {
			state.Labels = append(state.Labels, LabelUse{Label: label, Seq: seq})
		}
	}
	return state
}

// Restore rebuilds an assigner from a checkpoint snapshot.
func Restore(cfg Config, state PoolState) (*Assigner, error) {
	a, err := New(cfg)
	if err != nil {
		return nil, err
	}
	a.next = state.Next
	a.current = state.Current
	a.lastEnd = time.Duration(state.LastEndMS) * time.Millisecond
	a.ema = state.EnergyEMA
	a.emaInit = state.EnergyInit
	for _, use := range state.Labels {
		a.pool.Add(use.Label, use.Seq)
	}
	return a, nil
}
