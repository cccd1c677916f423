// Package memory contains an in-memory publisher, used as the default
// exporter and in tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/relay-scraper/internal/crawler"
)

// DefaultTopic is the topic Export publishes to.
const DefaultTopic = "items"

// Publisher stores published payloads for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
}

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	Topic   string
	Payload any
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the message and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, PublishedMessage{Topic: topic, Payload: payload})
	return fmt.Sprintf("memory-%d", len(p.messages)), nil
}

// Export implements crawler.Exporter. The item is copied so later changes
// by the pipeline are not visible here.
func (p *Publisher) Export(ctx context.Context, item crawler.Item) error {
	_, err := p.Publish(ctx, DefaultTopic, item.Clone())
	return err
}

// Messages returns the recorded publishes.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

// Items returns the payloads of every exported item.
func (p *Publisher) Items() []crawler.Item {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []crawler.Item
	for _, m := range p.messages {
		if item, ok := m.Payload.(crawler.Item); ok {
			out = append(out, item)
		}
	}
	return out
}
