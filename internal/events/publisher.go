// Package events publishes knowledge change notifications to a Redis stream.
package events

import (
	"context"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"
)

const DefaultStream = "knowledge.changes"

// Notifier receives change notifications. Implementations must not block
// the write path on delivery failures.
type Notifier interface {
	Notify(ctx context.Context, eventType string, ch Change)
}

type discard struct{}

func (discard) Notify(context.Context, string, Change) {}

// Discard drops every notification.
var Discard Notifier = discard{}

// PublishOption allows configuring Redis XADD behaviour.
type PublishOption func(*redis.XAddArgs)

// WithMaxLenApprox sets an approximate max length for the stream.
func WithMaxLenApprox(maxLen int64) PublishOption {
	return func(args *redis.XAddArgs) {
		if maxLen > 0 {
			args.MaxLen = maxLen
			args.Approx = true
		}
	}
}

// Publisher appends envelopes to a Redis stream.
type Publisher struct {
	client *redis.Client
	stream string
	opts   []PublishOption
	logger *log.Logger
}

var _ Notifier = (*Publisher)(nil)

func NewPublisher(client *redis.Client, stream string, logger *log.Logger, opts ...PublishOption) *Publisher {
	if stream == "" {
		stream = DefaultStream
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[EVENTS] ", log.LstdFlags)
	}
	return &Publisher{client: client, stream: stream, opts: opts, logger: logger}
}

// Publish appends envelope to the stream and returns the entry id.
func (p *Publisher) Publish(ctx context.Context, envelope Envelope) (string, error) {
	raw, err := envelope.Marshal()
	if err != nil {
		return "", err
	}

	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{
			"event_type": envelope.EventType,
			"envelope":   raw,
		},
	}
	for _, opt := range p.opts {
		opt(args)
	}

	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}
	return id, nil
}

// PublishChange wraps ch in an envelope and publishes it.
func (p *Publisher) PublishChange(ctx context.Context, eventType string, ch Change) (string, error) {
	env, err := NewChangeEnvelope(ctx, eventType, ch)
	if err != nil {
		return "", err
	}
	return p.Publish(ctx, env)
}

// Notify publishes ch and logs failures instead of returning them.
func (p *Publisher) Notify(ctx context.Context, eventType string, ch Change) {
	if _, err := p.PublishChange(ctx, eventType, ch); err != nil {
		p.logger.Printf("publish %s for %q (%s/%s): %v", eventType, ch.Name, ch.TenantID, ch.Agent, err)
	}
}
