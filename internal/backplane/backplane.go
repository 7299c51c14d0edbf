// Package backplane relays published events between gateway processes so a
// user whose connections are spread over several instances still receives
// every event addressed to them.
//
// Delivery is best-effort: publishes made while the broker is unreachable are
// dropped, and nothing is replayed after a reconnect. Local delivery never
// depends on the backplane.
package backplane

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goevery/realtime/internal/broadcaster"
	"github.com/goevery/realtime/internal/metrics"
	"github.com/goevery/realtime/internal/topic"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"go.uber.org/zap"
)

const (
	defaultOutboxSize = 1024
	resyncInterval    = 5 * time.Second
	flushInterval     = 10 * time.Millisecond
)

// Envelope is the wire form of an event crossing the backplane.
type Envelope struct {
	Origin  string          `json:"origin"`
	Topic   topic.Topic     `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Handler func(envelope Envelope)

type Backplane interface {
	broadcaster.Interest

	// NodeId identifies this process on the backplane.
	NodeId() string

	// Publish queues the envelope for relay and returns immediately.
	Publish(ctx context.Context, envelope Envelope)

	// Flush waits until every envelope queued so far has been handed to the
	// broker, or until ctx is done. It only makes progress while Run is
	// running.
	Flush(ctx context.Context) error

	// Run subscribes to the topics this process is interested in and calls
	// handler for every envelope published by another process. It blocks
	// until ctx is done.
	Run(ctx context.Context, handler Handler) error
}

// interestSet is the set of topics with at least one local subscriber. It is
// written under the registry lock, so it only records and signals; the
// backplane loop reconciles broker subscriptions against it.
type interestSet struct {
	mu      sync.Mutex
	desired map[topic.Topic]struct{}
	changed chan struct{}
}

func newInterestSet() *interestSet {
	return &interestSet{
		desired: make(map[topic.Topic]struct{}),
		changed: make(chan struct{}, 1),
	}
}

func (s *interestSet) TopicAdded(t topic.Topic) {
	s.mu.Lock()
	s.desired[t] = struct{}{}
	s.mu.Unlock()

	s.signal()
}

func (s *interestSet) TopicRemoved(t topic.Topic) {
	s.mu.Lock()
	delete(s.desired, t)
	s.mu.Unlock()

	s.signal()
}

func (s *interestSet) signal() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

func (s *interestSet) snapshot() map[topic.Topic]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	desired := make(map[topic.Topic]struct{}, len(s.desired))
	for t := range s.desired {
		desired[t] = struct{}{}
	}

	return desired
}

// diff returns what has to be subscribed and unsubscribed to move from active
// to desired.
func diff(active, desired map[topic.Topic]struct{}) (toAdd, toRemove []topic.Topic) {
	for t := range desired {
		if _, ok := active[t]; !ok {
			toAdd = append(toAdd, t)
		}
	}

	for t := range active {
		if _, ok := desired[t]; !ok {
			toRemove = append(toRemove, t)
		}
	}

	return toAdd, toRemove
}

// outbox serializes publishes through a single goroutine, which keeps the
// publish order of this process per topic, and drops envelopes rather than
// blocking callers when the broker falls behind.
type outbox struct {
	logger  *zap.Logger
	queue   chan Envelope
	pending atomic.Int64
}

func newOutbox(logger *zap.Logger, size int) *outbox {
	return &outbox{
		logger: logger,
		queue:  make(chan Envelope, size),
	}
}

func (o *outbox) enqueue(envelope Envelope) {
	o.pending.Add(1)

	select {
	case o.queue <- envelope:
	default:
		o.pending.Add(-1)

		o.logger.Warn("backplane outbox is full, dropping envelope",
			zap.Stringer("topic", envelope.Topic),
			zap.String("event", envelope.Event))

		metrics.BackplanePublishes.WithLabelValues("dropped").Inc()
	}
}

func (o *outbox) run(ctx context.Context, send func(ctx context.Context, envelope Envelope) error) {
	for {
		select {
		case <-ctx.Done():
			return
		case envelope := <-o.queue:
			err := send(ctx, envelope)
			o.pending.Add(-1)

			if err != nil {
				o.logger.Warn("backplane publish failed, continuing with local delivery only",
					zap.Stringer("topic", envelope.Topic),
					zap.String("event", envelope.Event),
					zap.Error(err))

				metrics.BackplanePublishes.WithLabelValues("error").Inc()

				continue
			}

			metrics.BackplanePublishes.WithLabelValues("ok").Inc()
		}
	}
}

func (o *outbox) flush(ctx context.Context) error {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for o.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	return nil
}

// node holds what every broker-backed implementation shares.
type node struct {
	*interestSet

	logger *zap.Logger
	nodeId string
	outbox *outbox
}

func newNode(logger *zap.Logger) node {
	return node{
		interestSet: newInterestSet(),
		logger:      logger,
		nodeId:      gonanoid.Must(),
		outbox:      newOutbox(logger, defaultOutboxSize),
	}
}

func (n *node) NodeId() string {
	return n.nodeId
}

func (n *node) Publish(_ context.Context, envelope Envelope) {
	envelope.Origin = n.nodeId

	n.outbox.enqueue(envelope)
}

func (n *node) Flush(ctx context.Context) error {
	return n.outbox.flush(ctx)
}

// dispatch decodes a raw frame and hands it to handler unless it was
// published by this very process, which already delivered it locally.
func (n *node) dispatch(data []byte, handler Handler) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		n.logger.Warn("discarding malformed backplane frame", zap.Error(err))

		return
	}

	if envelope.Origin == n.nodeId {
		return
	}

	metrics.BackplaneReceived.Inc()

	handler(envelope)
}

// Local is the single-process backplane: nothing leaves the process.
type Local struct {
	nodeId string
}

func NewLocal() *Local {
	return &Local{
		nodeId: gonanoid.Must(),
	}
}

func (l *Local) NodeId() string {
	return l.nodeId
}

func (l *Local) TopicAdded(topic.Topic)   {}
func (l *Local) TopicRemoved(topic.Topic) {}

func (l *Local) Publish(context.Context, Envelope) {}

func (l *Local) Flush(context.Context) error {
	return nil
}

func (l *Local) Run(ctx context.Context, _ Handler) error {
	<-ctx.Done()

	return nil
}
