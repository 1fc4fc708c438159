package outbox

import (
	"context"
	"log/slog"
)

// Publisher delivers one event to the message broker and returns once the
// broker acknowledged it.
type Publisher interface {
	Publish(ctx context.Context, topic, partitionKey, eventType string, payload []byte) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, topic, partitionKey, eventType string, payload []byte) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, topic, partitionKey, eventType string, payload []byte) error {
	return f(ctx, topic, partitionKey, eventType, payload)
}

// LogPublisher writes events to the structured logger instead of a broker.
// Used in development when no AMQP_URL is configured.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher constructs a logging publisher.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

// Publish logs the event and always acknowledges.
func (p *LogPublisher) Publish(_ context.Context, topic, partitionKey, eventType string, payload []byte) error {
	if p == nil || p.logger == nil {
		return nil
	}
	p.logger.Info("event published",
		slog.String("topic", topic),
		slog.String("partition_key", partitionKey),
		slog.String("event_type", eventType),
		slog.String("payload", string(payload)),
	)
	return nil
}
