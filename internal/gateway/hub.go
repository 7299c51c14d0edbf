// Package gateway is the surface the rest of the platform talks to. It ties
// the connection registry, the backplane and the presence tracker together so
// callers only deal with identities and events.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/goevery/realtime/internal/backplane"
	"github.com/goevery/realtime/internal/broadcaster"
	"github.com/goevery/realtime/internal/ierr"
	"github.com/goevery/realtime/internal/presence"
	"github.com/goevery/realtime/internal/storage"
	"github.com/goevery/realtime/internal/topic"
	"go.uber.org/zap"
)

const (
	EventNotification   = "notification"
	EventReceiveMessage = "receiveMessage"

	// Control events travel over the backplane only and are never handed to
	// clients.
	controlFollow   = "$follow"
	controlUnfollow = "$unfollow"
)

type followChange struct {
	UserId string `json:"userId"`
}

type Hub struct {
	logger    *zap.Logger
	registry  broadcaster.Registry
	backplane backplane.Backplane
	store     storage.Store
	tracker   *presence.Tracker

	// connecting maps connection ids inside Connect to whether a Disconnect
	// has already claimed them.
	mu         sync.Mutex
	connecting map[string]bool
}

// NewHub expects registry to report its interest to bp.
func NewHub(
	logger *zap.Logger,
	registry broadcaster.Registry,
	bp backplane.Backplane,
	store storage.Store,
	clk clock.Clock,
) *Hub {
	h := &Hub{
		logger:     logger,
		registry:   registry,
		backplane:  bp,
		store:      store,
		connecting: make(map[string]bool),
	}

	h.tracker = presence.NewTracker(logger.Named("presence"), store, broadcaster.PublisherFunc(h.Publish), clk)

	return h
}

// Run relays remote events into the local registry until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	return h.backplane.Run(ctx, h.HandleRemote)
}

// Connect registers an authenticated connection, subscribes it to its own
// topics and to the presence of everyone its owner follows, then marks the
// owner online. A follow list that cannot be loaded leaves the connection
// with its own topics only.
//
// A Disconnect for the same connection may run while Connect is still in
// progress. Connect then leaves the presence count as it found it and
// reports the connection as closed.
func (h *Hub) Connect(ctx context.Context, connection *broadcaster.Connection) error {
	logger := h.logger.With(
		zap.String("connectionId", connection.Id),
		zap.String("userId", connection.UserId))

	if !h.beginConnect(connection.Id) {
		return ierr.New(ierr.ErrorCodeAlreadyExists, errors.New("connection is already connecting"))
	}

	err := h.registry.Register(connection)
	if err != nil {
		h.endConnect(connection.Id)

		return err
	}

	followedIds, err := h.store.ListFollowedIds(ctx, connection.UserId)
	if err != nil {
		logger.Error("failed to load followed ids, presence of followees unavailable",
			zap.Error(err))
	}

	for _, t := range h.PresenceSubscriptionsFor(connection.UserId, followedIds) {
		h.registry.Subscribe(connection.Id, t)
	}

	if h.endConnectIfAbandoned(connection.Id) {
		logger.Debug("connection closed before it went online")

		return errClosedWhileConnecting()
	}

	h.tracker.OnConnect(ctx, connection.UserId)

	if h.endConnect(connection.Id) {
		logger.Debug("connection closed while going online")
		h.tracker.OnDisconnect(ctx, connection.UserId)

		return errClosedWhileConnecting()
	}

	logger.Debug("connection registered", zap.Int("followees", len(followedIds)))

	return nil
}

func errClosedWhileConnecting() error {
	return ierr.New(ierr.ErrorCodeFailedPrecondition, errors.New("connection closed while connecting"))
}

func (h *Hub) beginConnect(connectionId string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.connecting[connectionId]; ok {
		return false
	}
	h.connecting[connectionId] = false

	return true
}

// endConnect reports whether a Disconnect claimed the connection meanwhile.
func (h *Hub) endConnect(connectionId string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	abandoned := h.connecting[connectionId]
	delete(h.connecting, connectionId)

	return abandoned
}

func (h *Hub) endConnectIfAbandoned(connectionId string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.connecting[connectionId] {
		return false
	}
	delete(h.connecting, connectionId)

	return true
}

// abandonConnect hands the presence bookkeeping of a connection that is
// still inside Connect over to Connect itself.
func (h *Hub) abandonConnect(connectionId string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.connecting[connectionId]; !ok {
		return false
	}
	h.connecting[connectionId] = true

	return true
}

// PresenceSnapshot returns one user_status event for every followee of
// userId that is online right now. The transport writes them straight to the
// socket, so a long follow list never competes with live events for the send
// buffer. It reads the store because this process only counts its own
// connections.
func (h *Hub) PresenceSnapshot(ctx context.Context, userId string) []broadcaster.Message {
	logger := h.logger.With(zap.String("userId", userId))

	followedIds, err := h.store.ListFollowedIds(ctx, userId)
	if err != nil {
		logger.Warn("failed to load followed ids for presence snapshot", zap.Error(err))

		return nil
	}

	if len(followedIds) == 0 {
		return nil
	}

	onlineIds, err := h.store.ListOnlineIds(ctx, followedIds)
	if err != nil {
		logger.Warn("failed to load presence snapshot", zap.Error(err))

		return nil
	}

	messages := make([]broadcaster.Message, 0, len(onlineIds))
	for _, onlineId := range onlineIds {
		if onlineId == userId || topic.ValidateIdentity(onlineId) != nil {
			continue
		}

		messages = append(messages, broadcaster.Message{
			Topic: topic.Presence(onlineId),
			Event: presence.EventUserStatus,
			Payload: presence.Status{
				UserId:   onlineId,
				IsOnline: true,
			},
		})
	}

	return messages
}

// Disconnect is safe to call any number of times for the same connection;
// only the first call affects presence.
func (h *Hub) Disconnect(ctx context.Context, connectionId string) {
	userId, ok := h.registry.Unregister(connectionId)
	if !ok {
		return
	}

	if h.abandonConnect(connectionId) {
		return
	}

	h.tracker.OnDisconnect(ctx, userId)

	h.logger.Debug("connection unregistered",
		zap.String("connectionId", connectionId),
		zap.String("userId", userId))
}

// Publish delivers message to local subscribers first and then hands it to
// the backplane for the other processes. It never fails: a backplane outage
// only costs remote delivery.
func (h *Hub) Publish(ctx context.Context, message broadcaster.Message) {
	h.registry.DeliverLocal(message)

	payload, err := json.Marshal(message.Payload)
	if err != nil {
		h.logger.Error("failed to encode payload for backplane",
			zap.Stringer("topic", message.Topic),
			zap.String("event", message.Event),
			zap.Error(err))

		return
	}

	h.backplane.Publish(ctx, backplane.Envelope{
		Topic:   message.Topic,
		Event:   message.Event,
		Payload: payload,
	})
}

// HandleRemote applies an envelope published by another process.
func (h *Hub) HandleRemote(envelope backplane.Envelope) {
	switch envelope.Event {
	case controlFollow, controlUnfollow:
		var change followChange
		if err := json.Unmarshal(envelope.Payload, &change); err != nil {
			h.logger.Warn("discarding malformed follow change", zap.Error(err))

			return
		}

		h.applyFollowChange(envelope.Topic.Identity(), change.UserId, envelope.Event == controlFollow)
	default:
		h.registry.DeliverLocal(broadcaster.Message{
			Topic:   envelope.Topic,
			Event:   envelope.Event,
			Payload: envelope.Payload,
		})
	}
}

// Notify sends a notification to every connection of userId.
func (h *Hub) Notify(ctx context.Context, userId string, notification any) error {
	if err := topic.ValidateIdentity(userId); err != nil {
		return err
	}

	h.Publish(ctx, broadcaster.Message{
		Topic:   topic.Self(userId),
		Event:   EventNotification,
		Payload: notification,
	})

	return nil
}

// BroadcastNewMessage fans an already persisted chat message out to every
// participant. tempId lets the sender reconcile its optimistic copy.
func (h *Hub) BroadcastNewMessage(ctx context.Context, participantIds []string, message map[string]any, tempId string) error {
	if len(participantIds) == 0 {
		return ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("participantIds cannot be empty"))
	}

	for _, participantId := range participantIds {
		if err := topic.ValidateIdentity(participantId); err != nil {
			return err
		}
	}

	payload := make(map[string]any, len(message)+1)
	maps.Copy(payload, message)
	if tempId != "" {
		payload["tempId"] = tempId
	}

	seen := make(map[string]struct{}, len(participantIds))
	for _, participantId := range participantIds {
		if _, ok := seen[participantId]; ok {
			continue
		}
		seen[participantId] = struct{}{}

		h.Publish(ctx, broadcaster.Message{
			Topic:   topic.Self(participantId),
			Event:   EventReceiveMessage,
			Payload: payload,
		})
	}

	return nil
}

// PresenceSubscriptionsFor computes the topics a new connection of userId
// starts with. Invalid or repeated followed ids are skipped.
func (h *Hub) PresenceSubscriptionsFor(userId string, followedIds []string) []topic.Topic {
	topics := []topic.Topic{
		topic.Self(userId),
		topic.Presence(userId),
	}

	seen := map[string]struct{}{userId: {}}

	for _, followedId := range followedIds {
		if _, ok := seen[followedId]; ok {
			continue
		}
		seen[followedId] = struct{}{}

		if err := topic.ValidateIdentity(followedId); err != nil {
			h.logger.Warn("skipping invalid followed id",
				zap.String("userId", userId),
				zap.String("followedId", followedId))

			continue
		}

		topics = append(topics, topic.Presence(followedId))
	}

	return topics
}

// Follow subscribes every live connection of followerId, on every process,
// to the presence of followedId.
func (h *Hub) Follow(ctx context.Context, followerId string, followedId string) error {
	return h.changeFollow(ctx, followerId, followedId, true)
}

// Unfollow reverses Follow.
func (h *Hub) Unfollow(ctx context.Context, followerId string, followedId string) error {
	return h.changeFollow(ctx, followerId, followedId, false)
}

func (h *Hub) changeFollow(ctx context.Context, followerId string, followedId string, follow bool) error {
	if err := topic.ValidateIdentity(followerId); err != nil {
		return err
	}
	if err := topic.ValidateIdentity(followedId); err != nil {
		return err
	}
	if followerId == followedId {
		return ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("users cannot follow themselves"))
	}

	h.applyFollowChange(followerId, followedId, follow)

	event := controlUnfollow
	if follow {
		event = controlFollow
	}

	payload, err := json.Marshal(followChange{UserId: followedId})
	if err != nil {
		return fmt.Errorf("encode follow change: %w", err)
	}

	h.backplane.Publish(ctx, backplane.Envelope{
		Topic:   topic.Self(followerId),
		Event:   event,
		Payload: payload,
	})

	return nil
}

func (h *Hub) applyFollowChange(followerId string, followedId string, follow bool) {
	if topic.ValidateIdentity(followerId) != nil || topic.ValidateIdentity(followedId) != nil {
		return
	}

	t := topic.Presence(followedId)

	for _, connectionId := range h.registry.ConnectionsOf(followerId) {
		if follow {
			h.registry.Subscribe(connectionId, t)
		} else {
			h.registry.Unsubscribe(connectionId, t)
		}
	}
}

// Shutdown disconnects every local connection, which marks their owners
// offline and closes their send queues, then waits for the resulting
// presence events to leave the backplane outbox.
func (h *Hub) Shutdown(ctx context.Context) {
	connectionIds := h.registry.ConnectionIds()

	for _, connectionId := range connectionIds {
		h.Disconnect(ctx, connectionId)
	}

	err := h.backplane.Flush(ctx)
	if err != nil {
		h.logger.Warn("backplane outbox not flushed before shutdown", zap.Error(err))
	}

	h.logger.Info("gateway shut down", zap.Int("connections", len(connectionIds)))
}
