package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
)

// PulseBus publishes approval.required/approval.updated events onto a
// per-ticket goa.design/pulse Redis stream, for production deployments that
// need the fan-out observable across processes. Grounded on
// features/stream/pulse's client/stream/sink layering: a Redis connection is
// handed in once, a *streaming.Stream is opened per logical stream name
// (here "approval/<ticket_id>"), and consumers read via a Pulse sink
// (consumer group).
type PulseBus struct {
	redis    *redis.Client
	sinkName string
}

// PulseBusOptions configures a PulseBus.
type PulseBusOptions struct {
	// Redis is the connection backing Pulse streams. Required.
	Redis *redis.Client
	// SinkName identifies the Pulse consumer group. Defaults to "agdd_approval".
	SinkName string
}

// NewPulseBus builds a PulseBus.
func NewPulseBus(opts PulseBusOptions) (*PulseBus, error) {
	if opts.Redis == nil {
		return nil, fmt.Errorf("approval: redis client is required")
	}
	name := opts.SinkName
	if name == "" {
		name = "agdd_approval"
	}
	return &PulseBus{redis: opts.Redis, sinkName: name}, nil
}

func pulseStreamName(ticketID string) string {
	return fmt.Sprintf("approval/%s", ticketID)
}

type pulseEnvelope struct {
	Kind      string    `json:"kind"`
	Ticket    Ticket    `json:"ticket"`
	Published time.Time `json:"published_at"`
}

// Publish writes event onto the ticket's Pulse stream.
func (b *PulseBus) Publish(ctx context.Context, event BusEvent) error {
	str, err := streaming.NewStream(pulseStreamName(event.Ticket.TicketID), b.redis)
	if err != nil {
		return fmt.Errorf("approval: open pulse stream: %w", err)
	}
	payload, err := json.Marshal(pulseEnvelope{Kind: event.Kind, Ticket: event.Ticket, Published: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("approval: marshal pulse envelope: %w", err)
	}
	if _, err := str.Add(ctx, event.Kind, payload); err != nil {
		return fmt.Errorf("approval: publish pulse event: %w", err)
	}
	return nil
}

// Subscribe opens a consumer group on the ticket's Pulse stream and decodes
// incoming envelopes onto the returned channel. The returned cancel function
// stops consumption and closes the sink.
func (b *PulseBus) Subscribe(ctx context.Context, ticketID string) (<-chan BusEvent, func()) {
	out := make(chan BusEvent, 8)
	runCtx, cancel := context.WithCancel(ctx)

	str, err := streaming.NewStream(pulseStreamName(ticketID), b.redis)
	if err != nil {
		close(out)
		return out, cancel
	}
	sink, err := str.NewSink(runCtx, b.sinkName)
	if err != nil {
		close(out)
		return out, cancel
	}

	go func() {
		defer close(out)
		ch := sink.Subscribe()
		for {
			select {
			case <-runCtx.Done():
				sink.Close(context.Background())
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				var env pulseEnvelope
				if err := json.Unmarshal(evt.Payload, &env); err == nil {
					select {
					case out <- BusEvent{Kind: env.Kind, Ticket: env.Ticket}:
					case <-runCtx.Done():
						sink.Close(context.Background())
						return
					}
				}
				_ = sink.Ack(runCtx, evt)
			}
		}
	}()

	return out, cancel
}
