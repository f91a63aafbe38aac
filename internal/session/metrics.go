package session

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the pipeline counters. All methods are nil-safe so sessions
// run unchanged when telemetry is not wired.
type Metrics struct {
	segments     metric.Int64Counter
	summaries    metric.Int64Counter
	overflows    metric.Int64Counter
	degradations metric.Int64Counter
	checkpoints  metric.Int64Counter
}

// NewMetrics registers the session counters on the meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error
	if m.segments, err = meter.Int64Counter("scribe.session.segments",
		metric.WithDescription("Transcript segments appended")); err != nil {
		return nil, fmt.Errorf("register segments counter: %w", err)
	}
	if m.summaries, err = meter.Int64Counter("scribe.session.summaries",
		metric.WithDescription("Summaries produced")); err != nil {
		return nil, fmt.Errorf("register summaries counter: %w", err)
	}
	if m.overflows, err = meter.Int64Counter("scribe.session.buffer_overflows",
		metric.WithDescription("Capture buffer overflow events")); err != nil {
		return nil, fmt.Errorf("register overflows counter: %w", err)
	}
	if m.degradations, err = meter.Int64Counter("scribe.session.degradations",
		metric.WithDescription("Non-fatal degradation events")); err != nil {
		return nil, fmt.Errorf("register degradations counter: %w", err)
	}
	if m.checkpoints, err = meter.Int64Counter("scribe.session.checkpoints",
		metric.WithDescription("Checkpoint snapshots written")); err != nil {
		return nil, fmt.Errorf("register checkpoints counter: %w", err)
	}
	return m, nil
}

func (m *Metrics) Segment(ctx context.Context, skipped bool) {
	if m == nil {
		return
	}
	m.segments.Add(ctx, 1, metric.WithAttributes(attribute.Bool("skipped", skipped)))
}

func (m *Metrics) Summary(ctx context.Context, kind string, placeholder bool) {
	if m == nil {
		return
	}
	m.summaries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.Bool("placeholder", placeholder)))
}

func (m *Metrics) Overflow(ctx context.Context) {
	if m == nil {
		return
	}
	m.overflows.Add(ctx, 1)
}

func (m *Metrics) Degradation(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.degradations.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) Checkpoint(ctx context.Context) {
	if m == nil {
		return
	}
	m.checkpoints.Add(ctx, 1)
}
