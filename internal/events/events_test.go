package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sent struct {
	key string
	msg amqp.Publishing
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (s *fakeSender) Publish(_ context.Context, routingKey string, msg amqp.Publishing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sent{key: routingKey, msg: msg})
	return nil
}

func (s *fakeSender) snapshot() []sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sent(nil), s.sent...)
}

type fakeSink struct {
	requests  []string
	throttled []string
}

func (s *fakeSink) RecordRequest(route string, _ time.Time)   { s.requests = append(s.requests, route) }
func (s *fakeSink) RecordThrottled(route string, _ time.Time) { s.throttled = append(s.throttled, route) }

type fakeAck struct {
	acked  []uint64
	nacked []uint64
}

func (a *fakeAck) Ack(tag uint64, _ bool) error { a.acked = append(a.acked, tag); return nil }
func (a *fakeAck) Nack(tag uint64, _ bool, requeue bool) error {
	if requeue {
		return errors.New("unexpected requeue")
	}
	a.nacked = append(a.nacked, tag)
	return nil
}
func (a *fakeAck) Reject(uint64, bool) error { return errors.New("unexpected reject") }

var at = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    Event
		wantErr bool
	}{
		{
			name: "request",
			body: `{"type":"request","route":"match","at":"2026-03-01T12:00:00Z","run_id":"01J"}`,
			want: Event{Type: TypeRequest, Route: "match", At: at, RunID: "01J"},
		},
		{
			name: "throttled without run id",
			body: `{"type":"throttled","route":"league-entries-by-puuid","at":"2026-03-01T12:00:00Z"}`,
			want: Event{Type: TypeThrottled, Route: "league-entries-by-puuid", At: at},
		},
		{name: "not json", body: `request match`, wantErr: true},
		{name: "unknown type", body: `{"type":"retry","route":"match","at":"2026-03-01T12:00:00Z"}`, wantErr: true},
		{name: "empty route", body: `{"type":"request","at":"2026-03-01T12:00:00Z"}`, wantErr: true},
		{name: "missing timestamp", body: `{"type":"request","route":"match"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.body))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidEvent)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.At.Equal(got.At))
			got.At = tt.want.At
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPublisher_PublishesEvents(t *testing.T) {
	sender := &fakeSender{}
	p := NewPublisher(sender, "01JRUN", 16, nil)

	p.RecordRequest("match", at)
	p.RecordThrottled("match", at.Add(time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return len(sender.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	got := sender.snapshot()
	assert.Equal(t, "api.request", got[0].key)
	assert.Equal(t, "api.throttled", got[1].key)

	for _, s := range got {
		assert.Equal(t, ContentType, s.msg.ContentType)
		_, err := uuid.Parse(s.msg.MessageId)
		assert.NoError(t, err)
	}

	var body map[string]any
	require.NoError(t, json.Unmarshal(got[1].msg.Body, &body))
	assert.Equal(t, "throttled", body["type"])
	assert.Equal(t, "match", body["route"])
	assert.Equal(t, "01JRUN", body["run_id"])
}

func TestPublisher_DropsWhenFull(t *testing.T) {
	p := NewPublisher(&fakeSender{}, "", 2, nil)

	for i := 0; i < 5; i++ {
		p.RecordRequest("match", at)
	}
	assert.Equal(t, int64(3), p.Dropped())
}

func TestPublisher_FlushesOnShutdown(t *testing.T) {
	sender := &fakeSender{}
	p := NewPublisher(sender, "", 8, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p.RecordRequest("match", at)
	p.RecordRequest("match", at)
	require.NoError(t, p.Run(ctx))

	assert.Len(t, sender.snapshot(), 2)
}

func TestPublisher_SendErrorsAreNotFatal(t *testing.T) {
	p := NewPublisher(&fakeSender{err: errors.New("channel closed")}, "", 8, nil)
	p.RecordRequest("match", at)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, p.Run(ctx))
}

func TestConsumer_Run(t *testing.T) {
	sink := &fakeSink{}
	ack := &fakeAck{}
	c := NewConsumer(sink, nil)

	deliveries := make(chan amqp.Delivery, 3)
	deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 1,
		Body: []byte(`{"type":"request","route":"match","at":"2026-03-01T12:00:00Z"}`)}
	deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 2, Body: []byte(`garbage`)}
	deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 3,
		Body: []byte(`{"type":"throttled","route":"league-entries-by-puuid","at":"2026-03-01T12:00:01Z"}`)}
	close(deliveries)

	require.NoError(t, c.Run(context.Background(), deliveries))

	assert.Equal(t, []string{"match"}, sink.requests)
	assert.Equal(t, []string{"league-entries-by-puuid"}, sink.throttled)
	assert.Equal(t, []uint64{1, 3}, ack.acked)
	assert.Equal(t, []uint64{2}, ack.nacked)
}

func TestConsumer_StopsOnContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewConsumer(&fakeSink{}, nil)
	assert.NoError(t, c.Run(ctx, make(chan amqp.Delivery)))
}
