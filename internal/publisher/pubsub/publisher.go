// Package pubsub ships crawl outcome events to a Google Cloud Pub/Sub topic.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"
)

// Publisher wraps a Pub/Sub topic publisher.
type Publisher struct {
	publisher *pubsub.Publisher
}

// New creates a Publisher for the provided topic publisher.
func New(publisher *pubsub.Publisher) *Publisher {
	return &Publisher{publisher: publisher}
}

// Publish marshals the event payload to JSON and publishes it. The topic
// argument is ignored because the wrapped publisher is already bound to one;
// it exists to satisfy the event publisher contract shared with the memory
// implementation.
func (p *Publisher) Publish(ctx context.Context, _ string, payload any) (string, error) {
	if p.publisher == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal event payload: %w", err)
	}

	msg := &pubsub.Message{Data: data}
	msg.Attributes = make(map[string]string)
	otel.GetTextMapPropagator().Inject(ctx, &eventCarrier{attrs: msg.Attributes})

	result := p.publisher.Publish(ctx, msg)
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish event: %w", err)
	}
	return id, nil
}

// eventCarrier implements propagation.TextMapCarrier over message attributes
// so downstream consumers can pick up the trace context.
type eventCarrier struct {
	attrs map[string]string
}

func (c *eventCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *eventCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *eventCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
