package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const eventTypeHeader = "event_type"

var (
	// ErrPublishNacked is returned when the broker negatively acknowledges a message.
	ErrPublishNacked = errors.New("amqp: publish was nacked by broker")
	// ErrConfirmsClosed is returned when the confirmation stream closes mid-publish.
	ErrConfirmsClosed = errors.New("amqp: confirmation channel closed")
)

// ConfirmableChannel is the subset of *amqp.Channel used by AMQPPublisher.
type ConfirmableChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// ChannelOpener returns a fresh channel, typically conn.Channel.
type ChannelOpener func() (ConfirmableChannel, error)

// AMQPPublisher publishes to a RabbitMQ exchange in confirm mode. The topic
// is the exchange, the partition key is the routing key and the event type
// travels in the event_type header.
//
// Publishes are serialized so each confirmation matches the message just sent.
// After a timed-out or cancelled wait the channel is discarded and reopened
// on the next publish.
type AMQPPublisher struct {
	open ChannelOpener

	mu       sync.Mutex
	ch       ConfirmableChannel
	confirms chan amqp.Confirmation
}

// NewAMQPPublisher opens the first channel eagerly so misconfiguration fails at startup.
func NewAMQPPublisher(open ChannelOpener) (*AMQPPublisher, error) {
	if open == nil {
		return nil, errors.New("amqp: channel opener is required")
	}
	p := &AMQPPublisher{open: open}
	if err := p.ensureChannel(); err != nil {
		return nil, err
	}
	return p, nil
}

// Publish sends payload and blocks until the broker confirms it or ctx ends.
func (p *AMQPPublisher) Publish(ctx context.Context, topic, partitionKey, eventType string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureChannel(); err != nil {
		return err
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Type:         eventType,
		Headers:      amqp.Table{eventTypeHeader: eventType},
		Body:         payload,
	}
	if err := p.ch.PublishWithContext(ctx, topic, partitionKey, false, false, msg); err != nil {
		p.discardChannel()
		return fmt.Errorf("amqp publish: %w", err)
	}

	select {
	case confirmed, ok := <-p.confirms:
		if !ok {
			p.discardChannel()
			return ErrConfirmsClosed
		}
		if !confirmed.Ack {
			return fmt.Errorf("%w: delivery_tag=%d", ErrPublishNacked, confirmed.DeliveryTag)
		}
		return nil
	case <-ctx.Done():
		// A late confirmation would be read by the next publish.
		p.discardChannel()
		return fmt.Errorf("amqp confirm: %w", ctx.Err())
	}
}

// Close releases the current channel.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		return nil
	}
	err := p.ch.Close()
	p.ch, p.confirms = nil, nil
	return err
}

func (p *AMQPPublisher) ensureChannel() error {
	if p.ch != nil {
		return nil
	}
	ch, err := p.open()
	if err != nil {
		return fmt.Errorf("amqp open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("amqp enable confirms: %w", err)
	}
	p.ch = ch
	p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	return nil
}

func (p *AMQPPublisher) discardChannel() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	p.ch, p.confirms = nil, nil
}
