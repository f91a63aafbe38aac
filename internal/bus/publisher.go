package bus

import (
	"encoding/json"
	"log/slog"

	"github.com/bigmoletos/whisper-sub001/internal/protocol"
)

// Publisher emits live session events. Publishing is fire-and-forget: a
// failed or disabled bus costs a warning, never pipeline progress. A nil
// Publisher drops everything.
type Publisher struct {
	client   *Client
	captions bool
	log      *slog.Logger
}

// NewPublisher wraps the client. captions controls whether per-segment
// caption events are emitted; summaries and state changes always are.
func NewPublisher(client *Client, captions bool, log *slog.Logger) *Publisher {
	return &Publisher{
		client:   client,
		captions: captions,
		log:      log.With(slog.String("component", "publisher")),
	}
}

// PublishCaption announces one durable transcript segment.
func (p *Publisher) PublishCaption(ev protocol.CaptionEvent) {
	if p == nil || !p.captions {
		return
	}
	p.publish(protocol.CaptionSubject(ev.SessionID), ev)
}

// PublishSummary announces a flushed intermediate or final summary.
func (p *Publisher) PublishSummary(ev protocol.SummaryEvent) {
	if p == nil {
		return
	}
	p.publish(protocol.SummarySubject(ev.SessionID), ev)
}

// PublishState announces a session lifecycle transition.
func (p *Publisher) PublishState(ev protocol.SessionStateEvent) {
	if p == nil {
		return
	}
	p.publish(protocol.SubjectSessionState, ev)
}

func (p *Publisher) publish(subject string, payload any) {
	if p.client == nil || !p.client.Healthy() {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		p.log.Warn("failed to marshal bus event",
			slog.String("subject", subject),
			slog.String("error", err.Error()))
		return
	}
	if err := p.client.Conn().Publish(subject, data); err != nil {
		p.log.Warn("failed to publish bus event",
			slog.String("subject", subject),
			slog.String("error", err.Error()))
	}
}
