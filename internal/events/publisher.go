package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultBufferSize is used when NewPublisher is given a non-positive size.
const DefaultBufferSize = 1024

// flushTimeout bounds how long Run keeps publishing buffered events after its context ends.
const flushTimeout = 2 * time.Second

// Sender publishes one message; *rabbitmq.Client implements it.
type Sender interface {
	Publish(ctx context.Context, routingKey string, msg amqp.Publishing) error
}

// Publisher turns limiter admissions and throttled responses into events.
// Record calls never block: when the buffer is full the event is dropped and
// counted.
type Publisher struct {
	sender  Sender
	runID   string
	events  chan Event
	dropped atomic.Int64
	logger  *slog.Logger
}

// NewPublisher creates a Publisher. Nothing is sent until Run is called.
func NewPublisher(sender Sender, runID string, bufferSize int, logger *slog.Logger) *Publisher {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Publisher{
		sender: sender,
		runID:  runID,
		events: make(chan Event, bufferSize),
		logger: logger,
	}
}

// RecordRequest implements ratelimit.Recorder.
func (p *Publisher) RecordRequest(route string, at time.Time) {
	p.enqueue(Event{Type: TypeRequest, Route: route, At: at, RunID: p.runID})
}

// RecordThrottled implements apiclient.ThrottleRecorder.
func (p *Publisher) RecordThrottled(route string, at time.Time) {
	p.enqueue(Event{Type: TypeThrottled, Route: route, At: at, RunID: p.runID})
}

// Dropped returns the number of events lost to a full buffer.
func (p *Publisher) Dropped() int64 {
	return p.dropped.Load()
}

func (p *Publisher) enqueue(e Event) {
	select {
	case p.events <- e:
	default:
		p.dropped.Add(1)
	}
}

// Run publishes buffered events until ctx is done, then flushes what is
// still buffered for a short while.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case e := <-p.events:
			p.publish(ctx, e)
		case <-ctx.Done():
			p.flush()
			return nil
		}
	}
}

func (p *Publisher) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	for {
		select {
		case e := <-p.events:
			p.publish(ctx, e)
		default:
			if n := p.Dropped(); n > 0 {
				p.logger.Warn("Request events dropped, buffer was full",
					slog.Int64("dropped", n),
				)
			}
			return
		}
	}
}

func (p *Publisher) publish(ctx context.Context, e Event) {
	body, err := json.Marshal(e)
	if err != nil {
		p.logger.Error("Failed to encode event", slog.Any("error", err))
		return
	}

	msg := amqp.Publishing{
		ContentType:  ContentType,
		MessageId:    uuid.NewString(),
		Type:         e.Type,
		Timestamp:    e.At,
		DeliveryMode: amqp.Transient,
		Body:         body,
	}
	if err := p.sender.Publish(ctx, e.RoutingKey(), msg); err != nil {
		p.logger.Warn("Failed to publish request event",
			slog.String("route", e.Route),
			slog.String("type", e.Type),
			slog.Any("error", err),
		)
	}
}
