package transcribe

import (
	"context"
	"fmt"
	"sync"

	"github.com/bigmoletos/whisper-sub001/internal/audio"
)

// Windows quieter than this are treated as silence by the mock.
const silenceRMS = 1e-4

// MockEngine is a deterministic engine for development mode and tests. It
// cycles through scripted texts, or synthesizes one per window when none are
// given, and reports silence for near-silent windows.
type MockEngine struct {
	mu       sync.Mutex
	texts    []string
	err      error
	calls    int
	lastTier Tier
}

func NewMockEngine(texts ...string) *MockEngine {
	return &MockEngine{texts: texts}
}

// Fail makes every subsequent call return err; nil restores normal behavior.
func (m *MockEngine) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *MockEngine) Transcribe(_ context.Context, req Request) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	m.lastTier = req.Tier
	if m.err != nil {
		return Result{}, m.err
	}
	if audio.RMS(req.Samples) < silenceRMS {
		return Result{}, nil
	}
	if len(m.texts) > 0 {
		return Result{Text: m.texts[(m.calls-1)%len(m.texts)], Confidence: 0.9}, nil
	}
	return Result{
		Text:       fmt.Sprintf("[transcript of %d samples]", len(req.Samples)),
		Confidence: 0.9,
	}, nil
}

// Calls reports how many windows the engine has seen.
func (m *MockEngine) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// LastTier reports the tier of the most recent request.
func (m *MockEngine) LastTier() Tier {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastTier
}
