package progress

import (
	"context"
	"encoding/json"
	"log/slog"

	"transcribeq/shared/rabbitmq"
)

// Relay forwards progress events to the broker's fanout exchange so API
// instances in other processes can serve them to their subscribers.
type Relay struct {
	client *rabbitmq.Client
	logger *slog.Logger
}

// NewRelay returns a relay publishing through client.
func NewRelay(client *rabbitmq.Client, logger *slog.Logger) *Relay {
	return &Relay{
		client: client,
		logger: logger,
	}
}

// Publish forwards ev and never reports failure to the caller. Intermediate
// progress is fire-and-forget; terminal events are retried briefly because
// remote subscribers rely on them to end their streams.
func (r *Relay) Publish(ctx context.Context, ev Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		r.logger.Error("Failed to encode progress event",
			slog.String("job_id", ev.JobID),
			slog.String("error", err.Error()),
		)
		return
	}

	if ev.Status.Terminal() {
		if err := r.client.PublishWithRetry(ctx, body); err != nil {
			r.logger.Warn("Failed to relay terminal progress event",
				slog.String("job_id", ev.JobID),
				slog.String("status", string(ev.Status)),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	if err := r.client.Publish(ctx, body); err != nil {
		r.logger.Debug("Failed to relay progress event",
			slog.String("job_id", ev.JobID),
			slog.String("error", err.Error()),
		)
	}
}

// Broadcaster publishes each event to the local hub and, when a relay is
// configured, to the broker as well.
type Broadcaster struct {
	hub   *Hub
	relay *Relay
}

// NewBroadcaster combines hub and relay. Either may be nil.
func NewBroadcaster(hub *Hub, relay *Relay) *Broadcaster {
	return &Broadcaster{
		hub:   hub,
		relay: relay,
	}
}

// Publish delivers ev everywhere this broadcaster reaches.
func (b *Broadcaster) Publish(ctx context.Context, ev Event) {
	if b.hub != nil {
		b.hub.Publish(ev)
	}
	if b.relay != nil {
		b.relay.Publish(ctx, ev)
	}
}
