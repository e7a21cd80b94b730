// Package eventbus moves committed audit events between services over Kafka.
// The gateway publishes every event to one topic; external indexers consume
// it in order. Message values are the events.Event JSON envelope.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"

	"lockbox/pkg/events"
)

type Message struct {
	Value []byte
}

type Consumer interface {
	ReadMessage(ctx context.Context) (Message, error)
	Close() error
}

type Publisher interface {
	Publish(ctx context.Context, ev events.Event) error
	Close() error
}

func EncodeEvent(ev events.Event) ([]byte, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return b, nil
}

func DecodeEvent(value []byte) (events.Event, error) {
	var ev events.Event
	if err := json.Unmarshal(value, &ev); err != nil {
		return events.Event{}, fmt.Errorf("decode event: %w", err)
	}
	if ev.Kind == "" {
		return events.Event{}, fmt.Errorf("decode event: missing kind")
	}
	return ev, nil
}
