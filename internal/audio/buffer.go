// Package audio provides the bounded capture buffer, WAV encoding helpers,
// and the session recorder used for offline speaker analysis.
package audio

import (
	"errors"
	"math"
	"sync"
	"time"
)

// ErrBufferOverflow is returned by Push when the buffer had to discard the
// oldest samples to stay within its bound. The pushed samples are kept.
var ErrBufferOverflow = errors.New("audio buffer overflow: oldest samples dropped")

// Window is one drained transcription window. Samples begins with the overlap
// carried over from the previous window; Fresh counts the samples beyond that
// prefix, i.e. how far the capture cursor advances.
type Window struct {
	Samples []float32
	Fresh   int
}

// Buffer accumulates mono float32 samples between transcription passes. It is
// bounded: once pending audio exceeds the configured multiple of the window
// size the oldest samples are dropped rather than growing without limit.
type Buffer struct {
	mu      sync.Mutex
	pending []float32
	tail    []float32

	sampleRate     int
	windowSamples  int
	overlapSamples int
	maxSamples     int
	dropped        uint64
}

// NewBuffer sizes the buffer for the given capture window. overflowFactor is
// how many full windows of pending audio may accumulate before the buffer
// starts dropping from the front.
func NewBuffer(sampleRate int, window, overlap time.Duration, overflowFactor int) *Buffer {
	if overflowFactor < 1 {
		overflowFactor = 1
	}
	ws := SamplesFor(window, sampleRate)
	if ws < 1 {
		ws = 1
	}
	os := SamplesFor(overlap, sampleRate)
	if os >= ws {
		os = ws - 1
	}
	return &Buffer{
		sampleRate:     sampleRate,
		windowSamples:  ws,
		overlapSamples: os,
		maxSamples:     ws * overflowFactor,
	}
}

// Push appends capture samples. When the pending region exceeds its bound the
// oldest samples are discarded and ErrBufferOverflow is returned so the
// caller can log the loss; the new samples are always retained.
func (b *Buffer) Push(samples []float32) error {
	if len(samples) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pending = append(b.pending, samples...)
	if len(b.pending) <= b.maxSamples {
		return nil
	}
	excess := len(b.pending) - b.maxSamples
	b.pending = append(b.pending[:0], b.pending[excess:]...)
	b.dropped += uint64(excess)
	return ErrBufferOverflow
}

// DrainWindow removes one full window of pending audio. The returned window
// is prefixed with the overlap retained from the previous drain, and its last
// overlap worth of samples becomes the prefix of the next one. ok is false
// when less than a full window is pending.
func (b *Buffer) DrainWindow() (Window, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) < b.windowSamples {
		return Window{}, false
	}
	return b.drainLocked(b.windowSamples), true
}

// DrainAll removes whatever pending audio remains, regardless of window size.
// Used for the final partial window when a session stops. ok is false when
// nothing is pending.
func (b *Buffer) DrainAll() (Window, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) == 0 {
		return Window{}, false
	}
	return b.drainLocked(len(b.pending)), true
}

func (b *Buffer) drainLocked(n int) Window {
	out := make([]float32, 0, len(b.tail)+n)
	out = append(out, b.tail...)
	out = append(out, b.pending[:n]...)

	keep := b.overlapSamples
	if keep > n {
		keep = n
	}
	b.tail = append(b.tail[:0], b.pending[n-keep:n]...)
	b.pending = append(b.pending[:0], b.pending[n:]...)
	return Window{Samples: out, Fresh: n}
}

// Buffered reports how much pending audio is waiting to be drained.
func (b *Buffer) Buffered() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return DurationFor(len(b.pending), b.sampleRate)
}

// Dropped reports the total number of samples discarded due to overflow.
func (b *Buffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// RMS computes the root mean square energy of a sample window. Silence and
// near-silence sit close to zero.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// SamplesFor converts a duration to a sample count at the given rate.
func SamplesFor(d time.Duration, sampleRate int) int {
	return int(d.Seconds() * float64(sampleRate))
}

// DurationFor converts a sample count to a duration at the given rate.
func DurationFor(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(n) / float64(sampleRate) * float64(time.Second))
}
