package broadcaster

import (
	"errors"
	"sync"

	"github.com/goevery/realtime/internal/ierr"
	"github.com/goevery/realtime/internal/metrics"
	"github.com/goevery/realtime/internal/topic"
	"go.uber.org/zap"
)

type Registry interface {
	Register(connection *Connection) error
	Subscribe(connectionId string, t topic.Topic)
	Unsubscribe(connectionId string, t topic.Topic)
	Unregister(connectionId string) (string, bool)
	DeliverLocal(message Message) int
	ConnectionCount(userId string) int
	ConnectionsOf(userId string) []string
	ConnectionIds() []string
	Topics() []topic.Topic
}

// Interest is notified when a topic gets its first local subscriber and when
// it loses its last one. Both methods run with the registry lock held and
// must not block.
type Interest interface {
	TopicAdded(t topic.Topic)
	TopicRemoved(t topic.Topic)
}

type noInterest struct{}

func (noInterest) TopicAdded(topic.Topic)   {}
func (noInterest) TopicRemoved(topic.Topic) {}

type InMemoryRegistry struct {
	logger   *zap.Logger
	interest Interest
	mu       sync.RWMutex

	connections         map[string]*Connection
	connectionsByTopic  map[topic.Topic]map[string]struct{}
	topicsByConnection  map[string]map[topic.Topic]struct{}
	connectionsByUserId map[string]map[string]struct{}
}

func NewInMemoryRegistry(
	logger *zap.Logger,
	interest Interest,
) *InMemoryRegistry {
	if interest == nil {
		interest = noInterest{}
	}

	return &InMemoryRegistry{
		logger:              logger,
		interest:            interest,
		connections:         make(map[string]*Connection),
		connectionsByTopic:  make(map[topic.Topic]map[string]struct{}),
		topicsByConnection:  make(map[string]map[topic.Topic]struct{}),
		connectionsByUserId: make(map[string]map[string]struct{}),
	}
}

// Register records a new connection and joins it to its owner's self topic.
func (r *InMemoryRegistry) Register(connection *Connection) error {
	if err := topic.ValidateIdentity(connection.UserId); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.connections[connection.Id]; ok {
		return ierr.New(ierr.ErrorCodeAlreadyExists, errors.New("connection already registered"))
	}

	r.connections[connection.Id] = connection
	r.topicsByConnection[connection.Id] = make(map[topic.Topic]struct{})

	if _, ok := r.connectionsByUserId[connection.UserId]; !ok {
		r.connectionsByUserId[connection.UserId] = make(map[string]struct{})
	}
	r.connectionsByUserId[connection.UserId][connection.Id] = struct{}{}

	r.subscribeLocked(connection.Id, topic.Self(connection.UserId))

	metrics.Connections.Inc()

	return nil
}

func (r *InMemoryRegistry) Subscribe(connectionId string, t topic.Topic) {
	if err := t.Validate(); err != nil {
		r.logger.Warn("refusing to subscribe to invalid topic",
			zap.String("connectionId", connectionId),
			zap.Error(err))

		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.connections[connectionId]; !ok {
		r.logger.Debug("subscribe for unknown connection ignored",
			zap.String("connectionId", connectionId),
			zap.Stringer("topic", t))

		return
	}

	r.subscribeLocked(connectionId, t)
}

func (r *InMemoryRegistry) Unsubscribe(connectionId string, t topic.Topic) {
	r.mu.Lock()
	defer r.mu.Unlock()

	connectionTopics, ok := r.topicsByConnection[connectionId]
	if !ok {
		r.logger.Debug("unsubscribe for unknown connection ignored",
			zap.String("connectionId", connectionId),
			zap.Stringer("topic", t))

		return
	}

	if _, ok := connectionTopics[t]; !ok {
		return
	}

	delete(connectionTopics, t)
	r.removeFromTopicLocked(connectionId, t)
}

// Unregister removes the connection and all of its subscriptions and closes
// its send queue. Only the first call for a given connection reports ok.
func (r *InMemoryRegistry) Unregister(connectionId string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	connection, ok := r.connections[connectionId]
	if !ok {
		return "", false
	}

	connectionTopics, ok := r.topicsByConnection[connectionId]
	if !ok {
		panic("inconsistent state: connection not found in topicsByConnection")
	}

	for t := range connectionTopics {
		r.removeFromTopicLocked(connectionId, t)
	}

	userConnections := r.connectionsByUserId[connection.UserId]
	delete(userConnections, connectionId)
	if len(userConnections) == 0 {
		delete(r.connectionsByUserId, connection.UserId)
	}

	delete(r.topicsByConnection, connectionId)
	delete(r.connections, connectionId)
	close(connection.send)

	metrics.Connections.Dec()

	return connection.UserId, true
}

// DeliverLocal hands message to every local connection subscribed to its
// topic and returns the number of recipients. It never blocks: a connection
// whose buffer is full misses the message and is evicted.
func (r *InMemoryRegistry) DeliverLocal(message Message) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	connectionIds, ok := r.connectionsByTopic[message.Topic]
	if !ok {
		return 0
	}

	delivered := 0

	for connectionId := range connectionIds {
		connection, ok := r.connections[connectionId]
		if !ok {
			continue
		}

		if r.offerLocked(connection, message) {
			delivered++
		}
	}

	metrics.Deliveries.WithLabelValues(message.Event).Add(float64(delivered))

	return delivered
}

func (r *InMemoryRegistry) ConnectionCount(userId string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.connectionsByUserId[userId])
}

func (r *InMemoryRegistry) ConnectionsOf(userId string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	connectionIds := make([]string, 0, len(r.connectionsByUserId[userId]))
	for connectionId := range r.connectionsByUserId[userId] {
		connectionIds = append(connectionIds, connectionId)
	}

	return connectionIds
}

func (r *InMemoryRegistry) ConnectionIds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	connectionIds := make([]string, 0, len(r.connections))
	for connectionId := range r.connections {
		connectionIds = append(connectionIds, connectionId)
	}

	return connectionIds
}

func (r *InMemoryRegistry) Topics() []topic.Topic {
	r.mu.RLock()
	defer r.mu.RUnlock()

	topics := make([]topic.Topic, 0, len(r.connectionsByTopic))
	for t := range r.connectionsByTopic {
		topics = append(topics, t)
	}

	return topics
}

// offerLocked never blocks. Unregister closes send under the write lock, so
// holding at least the read lock keeps the channel open here.
func (r *InMemoryRegistry) offerLocked(connection *Connection, message Message) bool {
	select {
	case connection.send <- message:
		return true
	default:
		r.logger.Warn("connection send buffer is full, evicting connection",
			zap.String("connectionId", connection.Id),
			zap.String("event", message.Event))

		metrics.DroppedDeliveries.Inc()
		connection.evict()

		return false
	}
}

// IMPORTANT: It must be called only when a write lock is already held.
func (r *InMemoryRegistry) subscribeLocked(connectionId string, t topic.Topic) {
	connectionTopics := r.topicsByConnection[connectionId]
	if _, ok := connectionTopics[t]; ok {
		return
	}
	connectionTopics[t] = struct{}{}

	topicConnections, ok := r.connectionsByTopic[t]
	if !ok {
		topicConnections = make(map[string]struct{})
		r.connectionsByTopic[t] = topicConnections

		r.interest.TopicAdded(t)
		metrics.Topics.Inc()
	}

	topicConnections[connectionId] = struct{}{}
}

// IMPORTANT: It must be called only when a write lock is already held.
func (r *InMemoryRegistry) removeFromTopicLocked(connectionId string, t topic.Topic) {
	topicConnections, ok := r.connectionsByTopic[t]
	if !ok {
		panic("inconsistent state: topic not found in connectionsByTopic")
	}

	delete(topicConnections, connectionId)
	if len(topicConnections) == 0 {
		delete(r.connectionsByTopic, t)

		r.interest.TopicRemoved(t)
		metrics.Topics.Dec()
	}
}
