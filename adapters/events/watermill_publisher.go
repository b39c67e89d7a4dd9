package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/layer-3/rivetgate/ports"
)

// WatermillPublisher implements the EventPublisher interface using Watermill
type WatermillPublisher struct {
	publisher message.Publisher
	prefix    string
}

// NewWatermillPublisher creates a new Watermill publisher. Topics are prefixed,
// e.g. "rivetgate." + "access.requested".
func NewWatermillPublisher(publisher message.Publisher, prefix string) *WatermillPublisher {
	return &WatermillPublisher{
		publisher: publisher,
		prefix:    prefix,
	}
}

// Publish marshals payload as JSON and publishes it under topic.
// The key is carried as message metadata so consumers can partition by address.
func (p *WatermillPublisher) Publish(ctx context.Context, topic string, key string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := message.NewMessage(uuid.NewString(), body)
	msg.SetContext(ctx)
	msg.Metadata.Set("key", key)
	msg.Metadata.Set("topic", topic)

	if err := p.publisher.Publish(p.topic(topic), msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}

func (p *WatermillPublisher) topic(name string) string {
	return p.prefix + name
}

// NopPublisher drops every event
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, string, any) error { return nil }

var (
	_ ports.EventPublisher = (*WatermillPublisher)(nil)
	_ ports.EventPublisher = NopPublisher{}
)
