// Package pubsub exports items to a Google Cloud Pub/Sub topic.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/relay-scraper/internal/crawler"
)

type publishFunc func(ctx context.Context, msg *pubsub.Message) (string, error)

// Publisher wraps a Pub/Sub topic.
type Publisher struct {
	publish publishFunc
	stop    func()
	logger  *zap.Logger
}

// New creates a Publisher for the provided topic.
func New(topic *pubsub.Topic, logger *zap.Logger) *Publisher {
	if topic == nil {
		return &Publisher{logger: nopIfNil(logger)}
	}
	return &Publisher{
		publish: func(ctx context.Context, msg *pubsub.Message) (string, error) {
			return topic.Publish(ctx, msg).Get(ctx)
		},
		stop:   topic.Stop,
		logger: nopIfNil(logger),
	}
}

// Publish marshals the payload to JSON and publishes it with attrs.
func (p *Publisher) Publish(ctx context.Context, payload any, attrs map[string]string) (string, error) {
	if p.publish == nil {
		return "", errors.New("pubsub publisher is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	id, err := p.publish(ctx, &pubsub.Message{Data: data, Attributes: attrs})
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Export implements crawler.Exporter. The item URL travels as the "url"
// attribute so subscribers can filter without decoding.
func (p *Publisher) Export(ctx context.Context, item crawler.Item) error {
	attrs := map[string]string{}
	if url := item.URL(); url != "" {
		attrs["url"] = url
	}
	id, err := p.Publish(ctx, item, attrs)
	if err != nil {
		return err
	}
	p.logger.Debug("item published", zap.String("message_id", id), zap.String("url", attrs["url"]))
	return nil
}

// Close flushes pending messages.
func (p *Publisher) Close() {
	if p.stop != nil {
		p.stop()
	}
}

func nopIfNil(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
