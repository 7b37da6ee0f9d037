package overseer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Stream configuration for overseer events.
const (
	// StreamName is the JetStream stream holding all overseer events.
	StreamName = "OVERSEER_EVENTS"

	// SubjectPrefix is the subject namespace; one token per quote request so
	// per-request ordering can be enforced at the consumer.
	SubjectPrefix = "overseer.event"

	// SubjectWildcard matches all overseer event subjects.
	SubjectWildcard = SubjectPrefix + ".>"
)

// SubjectForRequest returns the event subject for one quote request.
func SubjectForRequest(quoteRequestID string) string {
	return fmt.Sprintf("%s.%s", SubjectPrefix, quoteRequestID)
}

// EnsureStream creates the overseer event stream if it does not exist.
func EnsureStream(ctx context.Context, js jetstream.JetStream, maxAge time.Duration) (jetstream.Stream, error) {
	return js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Per-call negotiation events observed by the Commander",
		Subjects:    []string{SubjectWildcard},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      maxAge,
		Storage:     jetstream.FileStorage,
	})
}

// Publisher publishes overseer events to the durable stream.
type Publisher struct {
	js     jetstream.JetStream
	logger *slog.Logger
}

// NewPublisher creates a Publisher on the given JetStream context.
func NewPublisher(js jetstream.JetStream, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{js: js, logger: logger}
}

// Publish enqueues one event on the request's subject. The stream assigns
// the per-request order; publishing never blocks on the Commander.
func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := SubjectForRequest(ev.QuoteRequestID)
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish event to %s: %w", subject, err)
	}

	p.logger.Debug("Published overseer event",
		"subject", subject,
		"event_type", ev.EventType,
		"call_id", ev.CallID)

	return nil
}
