package summarize

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MockBackend is a deterministic backend for development mode and tests. It
// turns the first input lines into bullet points.
type MockBackend struct {
	mu    sync.Mutex
	err   error
	delay time.Duration
	calls int
}

func NewMockBackend() *MockBackend { return &MockBackend{} }

// Fail makes every subsequent call return err; nil restores normal behavior.
func (m *MockBackend) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Delay makes each call wait, or return early with the context's error. Used
// to simulate a backend slower than the summarizer's timeout.
func (m *MockBackend) Delay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

func (m *MockBackend) Summarize(ctx context.Context, req Request) (Result, error) {
	m.mu.Lock()
	m.calls++
	err := m.err
	delay := m.delay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return Result{}, err
	}

	var lines []string
	for _, line := range strings.Split(req.Input, "\n") {
		if s := strings.TrimSpace(line); s != "" {
			lines = append(lines, s)
		}
	}

	var b strings.Builder
	if req.Kind == KindFinal {
		fmt.Fprintf(&b, "Session wrap-up drawn from %d notes.\n", len(lines))
	}
	for i, line := range lines {
		if i == 4 {
			break
		}
		if len(line) > 80 {
			line = line[:80]
		}
		b.WriteString("- ")
		b.WriteString(strings.TrimPrefix(line, "- "))
		b.WriteString("\n")
	}
	return Result{Text: b.String()}, nil
}

// Calls reports how many requests the backend has served or rejected.
func (m *MockBackend) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
