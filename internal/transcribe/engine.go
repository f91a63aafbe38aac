// Package transcribe turns buffered audio windows into transcript segments
// via a pluggable external engine, selecting the model tier that fits the
// memory available on the host.
package transcribe

import (
	"context"
	"errors"
)

// Tier identifies a model size class of the transcription engine.
type Tier string

const (
	TierTiny    Tier = "tiny"
	TierSmall   Tier = "small"
	TierMedium  Tier = "medium"
	TierLarge   Tier = "large"
	TierLargest Tier = "largest"
)

// ErrOutOfMemory reports that the engine could not load or run the requested
// model tier. The transcriber responds by retrying one tier down.
var ErrOutOfMemory = errors.New("transcription engine out of memory")

// Request is one window of mono audio to transcribe.
type Request struct {
	Samples    []float32
	SampleRate int
	Language   string
	Tier       Tier
}

// Result captures engine output for one window.
type Result struct {
	Text       string
	Confidence float64
}

// Engine abstracts transcription backends.
type Engine interface {
	Transcribe(ctx context.Context, req Request) (Result, error)
}
