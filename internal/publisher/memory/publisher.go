// Package memory contains an in-memory event publisher used by tests and
// single-process runs that do not ship crawl outcomes anywhere.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Publisher retains every published event for later inspection.
type Publisher struct {
	mu     sync.RWMutex
	events []Event
}

// Event captures one published crawl outcome.
type Event struct {
	Topic   string
	Payload any
}

// New returns an empty memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the event and returns a pseudo message ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, Event{Topic: topic, Payload: payload})
	return fmt.Sprintf("memory-%d", len(p.events)), nil
}

// Events returns a copy of the recorded events in publish order.
func (p *Publisher) Events() []Event {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// EventsFor returns the recorded events published to the given topic.
func (p *Publisher) EventsFor(topic string) []Event {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []Event
	for _, ev := range p.events {
		if ev.Topic == topic {
			out = append(out, ev)
		}
	}
	return out
}
