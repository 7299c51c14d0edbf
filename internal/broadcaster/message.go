package broadcaster

import (
	"context"

	"github.com/goevery/realtime/internal/topic"
)

// Message is an outbound event: published once and delivered to every
// connection subscribed to Topic at delivery time.
type Message struct {
	Topic   topic.Topic `json:"topic"`
	Event   string      `json:"event"`
	Payload any         `json:"payload"`
}

type Publisher interface {
	Publish(ctx context.Context, message Message)
}

type PublisherFunc func(ctx context.Context, message Message)

func (f PublisherFunc) Publish(ctx context.Context, message Message) {
	f(ctx, message)
}
