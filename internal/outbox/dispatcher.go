package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	DefaultInterval       = 500 * time.Millisecond
	DefaultBatchSize      = 50
	DefaultPublishTimeout = 5 * time.Second
	DefaultTopic          = "payment-events"
)

// DispatcherConfig controls polling and publishing.
type DispatcherConfig struct {
	// Interval between dispatch cycles.
	Interval time.Duration
	// BatchSize is the max number of rows claimed per cycle.
	BatchSize int
	// PublishTimeout bounds a single publish+ack so a wedged broker cannot stall a cycle.
	PublishTimeout time.Duration
	// Topic is the destination passed to the publisher.
	Topic string
}

// DefaultDispatcherConfig returns the baseline configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Interval:       DefaultInterval,
		BatchSize:      DefaultBatchSize,
		PublishTimeout: DefaultPublishTimeout,
		Topic:          DefaultTopic,
	}
}

func (c *DispatcherConfig) normalize() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = DefaultPublishTimeout
	}
	if c.Topic == "" {
		c.Topic = DefaultTopic
	}
}

// DispatchResult captures one dispatch cycle outcome.
type DispatchResult struct {
	Claimed   int
	Published int
	Failed    int
}

// Dispatcher relays PENDING outbox rows to a Publisher on a fixed interval.
//
// Delivery is at-least-once: a row is marked PROCESSED only after its publish
// was acknowledged, and the mark commits with the cycle's unit of work. If the
// commit is lost the row is published again on a later cycle.
type Dispatcher struct {
	runner    Runner
	publisher Publisher
	cfg       DispatcherConfig
	logger    *slog.Logger
	now       func() time.Time
}

// NewDispatcher wires a dispatcher.
func NewDispatcher(runner Runner, publisher Publisher, cfg DispatcherConfig, logger *slog.Logger) (*Dispatcher, error) {
	if runner == nil {
		return nil, errors.New("outbox: runner is required")
	}
	if publisher == nil {
		return nil, errors.New("outbox: publisher is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.normalize()
	return &Dispatcher{
		runner:    runner,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.With("component", "outbox_dispatcher"),
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// Run dispatches on every tick until ctx is cancelled. A cycle in flight when
// ctx ends is allowed to finish its current publish.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("outbox dispatcher started",
		slog.Duration("interval", d.cfg.Interval),
		slog.Int("batch_size", d.cfg.BatchSize),
	)
	defer d.logger.Info("outbox dispatcher stopped")

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			res, err := d.DispatchOnce(ctx)
			if err != nil && ctx.Err() == nil {
				d.logger.Error("outbox dispatch cycle failed", slog.Any("error", err))
				continue
			}
			if res.Claimed > 0 {
				d.logger.Debug("outbox dispatch cycle",
					slog.Int("claimed", res.Claimed),
					slog.Int("published", res.Published),
					slog.Int("failed", res.Failed),
				)
			}
		}
	}
}

// DispatchOnce runs a single claim/publish/mark cycle in one unit of work.
// Publish failures are logged per row and leave the row PENDING.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (DispatchResult, error) {
	var res DispatchResult
	err := d.runner.RunOutbox(ctx, func(ctx context.Context, tx Tx) error {
		records, err := tx.ClaimPending(ctx, d.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("claim pending events: %w", err)
		}
		res.Claimed = len(records)

		for _, rec := range records {
			if ctx.Err() != nil {
				break
			}
			if err := d.publish(ctx, rec); err != nil {
				res.Failed++
				d.logger.Warn("outbox publish failed; event left pending",
					slog.String("event_id", rec.ID.String()),
					slog.String("event_type", string(rec.EventType)),
					slog.String("aggregate_id", rec.AggregateID),
					slog.Any("error", err),
				)
				continue
			}
			if err := tx.MarkProcessed(ctx, rec.ID, d.now()); err != nil {
				return fmt.Errorf("mark event %s processed: %w", rec.ID, err)
			}
			res.Published++
		}
		return nil
	})
	if err != nil {
		return DispatchResult{Claimed: res.Claimed, Failed: res.Claimed}, err
	}
	return res, nil
}

func (d *Dispatcher) publish(ctx context.Context, rec Record) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.PublishTimeout)
	defer cancel()
	return d.publisher.Publish(ctx, d.cfg.Topic, rec.AggregateID, string(rec.EventType), rec.Payload)
}
