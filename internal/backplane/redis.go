package backplane

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/goevery/realtime/internal/topic"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis relays envelopes over Redis Pub/Sub, one channel per topic.
type Redis struct {
	node

	client *redis.Client
	prefix string
}

func NewRedis(logger *zap.Logger, client *redis.Client, prefix string) *Redis {
	return &Redis{
		node:   newNode(logger.Named("backplane.redis")),
		client: client,
		prefix: prefix,
	}
}

func (b *Redis) channel(t topic.Topic) string {
	return b.prefix + ":" + t.Name()
}

func (b *Redis) send(ctx context.Context, envelope Envelope) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	return b.client.Publish(ctx, b.channel(envelope.Topic), data).Err()
}

func (b *Redis) Run(ctx context.Context, handler Handler) error {
	pubsub := b.client.Subscribe(ctx)
	defer pubsub.Close()

	go b.outbox.run(ctx, b.send)

	messages := pubsub.Channel()
	active := make(map[topic.Topic]struct{})

	ticker := time.NewTicker(resyncInterval)
	defer ticker.Stop()

	b.reconcile(ctx, pubsub, active)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.changed:
			b.reconcile(ctx, pubsub, active)
		case <-ticker.C:
			b.reconcile(ctx, pubsub, active)
		case message, ok := <-messages:
			if !ok {
				return nil
			}

			if !strings.HasPrefix(message.Channel, b.prefix+":") {
				continue
			}

			b.dispatch([]byte(message.Payload), handler)
		}
	}
}

// reconcile brings the Redis subscription in line with local interest. A
// failed call leaves active untouched so the next pass retries it.
func (b *Redis) reconcile(ctx context.Context, pubsub *redis.PubSub, active map[topic.Topic]struct{}) {
	toAdd, toRemove := diff(active, b.snapshot())

	if len(toAdd) > 0 {
		channels := make([]string, len(toAdd))
		for i, t := range toAdd {
			channels[i] = b.channel(t)
		}

		if err := pubsub.Subscribe(ctx, channels...); err != nil {
			b.logger.Warn("failed to subscribe to backplane channels", zap.Error(err))
		} else {
			for _, t := range toAdd {
				active[t] = struct{}{}
			}
		}
	}

	if len(toRemove) > 0 {
		channels := make([]string, len(toRemove))
		for i, t := range toRemove {
			channels[i] = b.channel(t)
		}

		if err := pubsub.Unsubscribe(ctx, channels...); err != nil {
			b.logger.Warn("failed to unsubscribe from backplane channels", zap.Error(err))
		} else {
			for _, t := range toRemove {
				delete(active, t)
			}
		}
	}
}
