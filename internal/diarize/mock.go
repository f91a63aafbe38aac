package diarize

import (
	"context"
	"sync"
)

// MockDiarizer returns scripted turns. Used in development mode and tests.
type MockDiarizer struct {
	mu    sync.Mutex
	turns []Turn
	err   error
}

func NewMockDiarizer(turns ...Turn) *MockDiarizer {
	return &MockDiarizer{turns: turns}
}

// Fail makes every subsequent call return err; nil restores normal behavior.
func (m *MockDiarizer) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *MockDiarizer) Diarize(_ context.Context, _ string, _ int) ([]Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	out := make([]Turn, len(m.turns))
	copy(out, m.turns)
	return out, nil
}
