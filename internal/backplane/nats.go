package backplane

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/goevery/realtime/internal/topic"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const natsInboxSize = 4096

// NATS relays envelopes over core NATS subjects, one subject per topic.
type NATS struct {
	node

	conn   *nats.Conn
	prefix string

	subscribed atomic.Int64
}

func NewNATS(logger *zap.Logger, conn *nats.Conn, prefix string) *NATS {
	return &NATS{
		node:   newNode(logger.Named("backplane.nats")),
		conn:   conn,
		prefix: prefix,
	}
}

func (b *NATS) subject(t topic.Topic) string {
	return b.prefix + "." + t.Name()
}

func (b *NATS) send(_ context.Context, envelope Envelope) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	return b.conn.Publish(b.subject(envelope.Topic), data)
}

func (b *NATS) Run(ctx context.Context, handler Handler) error {
	go b.outbox.run(ctx, b.send)

	inbox := make(chan *nats.Msg, natsInboxSize)
	active := make(map[topic.Topic]*nats.Subscription)

	defer func() {
		for _, subscription := range active {
			_ = subscription.Unsubscribe()
		}
	}()

	ticker := time.NewTicker(resyncInterval)
	defer ticker.Stop()

	b.reconcile(inbox, active)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.changed:
			b.reconcile(inbox, active)
		case <-ticker.C:
			b.reconcile(inbox, active)
		case message := <-inbox:
			b.dispatch(message.Data, handler)
		}
	}
}

func (b *NATS) reconcile(inbox chan *nats.Msg, active map[topic.Topic]*nats.Subscription) {
	current := make(map[topic.Topic]struct{}, len(active))
	for t := range active {
		current[t] = struct{}{}
	}

	toAdd, toRemove := diff(current, b.snapshot())

	for _, t := range toAdd {
		subscription, err := b.conn.ChanSubscribe(b.subject(t), inbox)
		if err != nil {
			b.logger.Warn("failed to subscribe to backplane subject",
				zap.Stringer("topic", t),
				zap.Error(err))

			continue
		}

		active[t] = subscription
	}

	for _, t := range toRemove {
		if err := active[t].Unsubscribe(); err != nil {
			b.logger.Warn("failed to unsubscribe from backplane subject",
				zap.Stringer("topic", t),
				zap.Error(err))

			continue
		}

		delete(active, t)
	}

	if len(toAdd) > 0 || len(toRemove) > 0 {
		if err := b.conn.Flush(); err != nil {
			b.logger.Warn("failed to flush backplane subscriptions", zap.Error(err))
		}
	}

	b.subscribed.Store(int64(len(active)))
}
