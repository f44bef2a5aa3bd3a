package progress

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"transcribeq/shared/rabbitmq"
)

// Consumer drains relayed progress events from the broker into a local hub.
// Each API instance runs one consumer on its own exchange-bound queue.
type Consumer struct {
	client      *rabbitmq.Client
	hub         *Hub
	consumerTag string
	logger      *slog.Logger
}

// NewConsumer returns a consumer feeding hub.
func NewConsumer(client *rabbitmq.Client, hub *Hub, consumerTag string, logger *slog.Logger) *Consumer {
	return &Consumer{
		client:      client,
		hub:         hub,
		consumerTag: consumerTag,
		logger:      logger,
	}
}

// Run consumes until ctx is done or the broker channel closes. Events that
// fail to decode are acknowledged and dropped so they cannot wedge the
// stream.
func (c *Consumer) Run(ctx context.Context) error {
	deliveries, err := c.client.Consume(c.consumerTag)
	if err != nil {
		return err
	}

	c.logger.Info("Progress consumer started",
		slog.String("consumer_tag", c.consumerTag),
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("progress delivery channel closed")
			}

			var ev Event
			if err := json.Unmarshal(d.Body, &ev); err != nil {
				c.logger.Warn("Discarding malformed progress event",
					slog.String("error", err.Error()),
				)
				_ = d.Ack(false)
				continue
			}

			c.hub.Publish(ev)
			if err := d.Ack(false); err != nil {
				c.logger.Warn("Failed to ack progress event",
					slog.String("job_id", ev.JobID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
