// Package events carries API request and throttle notifications from the
// harvester to the api-service over RabbitMQ.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Event types. The routing key of an event is "api." followed by its type.
const (
	TypeRequest   = "request"
	TypeThrottled = "throttled"
)

// ContentType of published event bodies.
const ContentType = "application/json"

// ErrInvalidEvent is returned by Decode for bodies that are not a usable event.
var ErrInvalidEvent = errors.New("invalid event")

// Event is one API call admitted by the limiter, or one 429 answer.
type Event struct {
	Type  string    `json:"type"`
	Route string    `json:"route"`
	At    time.Time `json:"at"`
	RunID string    `json:"run_id,omitempty"`
}

// RoutingKey returns the key the event is published under.
func (e Event) RoutingKey() string {
	return "api." + e.Type
}

// Decode parses and validates an event body.
func Decode(body []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(body, &e); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	switch {
	case e.Type != TypeRequest && e.Type != TypeThrottled:
		return Event{}, fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Type)
	case e.Route == "":
		return Event{}, fmt.Errorf("%w: empty route", ErrInvalidEvent)
	case e.At.IsZero():
		return Event{}, fmt.Errorf("%w: missing timestamp", ErrInvalidEvent)
	}
	return e, nil
}
