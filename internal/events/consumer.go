package events

import (
	"context"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Sink receives decoded events; *apistats.Counter implements it.
type Sink interface {
	RecordRequest(route string, at time.Time)
	RecordThrottled(route string, at time.Time)
}

// Consumer feeds deliveries from the events queue into a Sink.
type Consumer struct {
	sink   Sink
	logger *slog.Logger
}

// NewConsumer creates a Consumer.
func NewConsumer(sink Sink, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Consumer{sink: sink, logger: logger}
}

// Handle dispatches one event.
func (c *Consumer) Handle(e Event) {
	switch e.Type {
	case TypeRequest:
		c.sink.RecordRequest(e.Route, e.At)
	case TypeThrottled:
		c.sink.RecordThrottled(e.Route, e.At)
	}
}

// Run acknowledges every valid delivery after handing it to the sink.
// Malformed bodies are rejected without requeue. Run returns when ctx is done
// or the delivery channel closes.
func (c *Consumer) Run(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	c.logger.Info("Event consumer started")

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Event consumer stopped - context canceled")
			return nil

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("RabbitMQ delivery channel closed")
				return nil
			}

			e, err := Decode(delivery.Body)
			if err != nil {
				c.logger.Error("Failed to decode event",
					slog.Any("error", err),
					slog.String("body", string(delivery.Body)),
				)
				if nackErr := delivery.Nack(false, false); nackErr != nil {
					c.logger.Error("Failed to NACK malformed event",
						slog.Any("error", nackErr),
					)
				}
				continue
			}

			c.Handle(e)

			if ackErr := delivery.Ack(false); ackErr != nil {
				c.logger.Error("Failed to ACK event",
					slog.Any("error", ackErr),
					slog.Uint64("delivery_tag", delivery.DeliveryTag),
				)
			}
		}
	}
}
