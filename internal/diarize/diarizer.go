// Package diarize runs the offline speaker analysis pass at session stop and
// reconciles its clusters with the provisional labels assigned live.
package diarize

import (
	"context"
	"time"
)

// Turn is one speaker-labeled time interval from the offline model. Turns
// from a diarization run are disjoint.
type Turn struct {
	Cluster string
	Start   time.Duration
	End     time.Duration
}

// Diarizer abstracts offline diarization backends. The full session audio is
// supplied as a WAV file path; live audio is never retained by the streaming
// path.
type Diarizer interface {
	Diarize(ctx context.Context, audioPath string, maxSpeakers int) ([]Turn, error)
}
