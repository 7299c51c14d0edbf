package handler

import (
	"context"

	"github.com/goevery/realtime/internal/broadcaster"
	"github.com/goevery/realtime/internal/topic"
)

const (
	EventUserTyping        = "user_typing"
	EventUserStoppedTyping = "user_stopped_typing"
)

type UserTyping struct {
	UserId         string `json:"userId"`
	ConversationId string `json:"conversationId"`
}

type UserStoppedTyping struct {
	ConversationId string `json:"conversationId"`
}

type Ack struct {
	Success bool `json:"success"`
}

type TypingHandlerInterface interface {
	Start(ctx context.Context, req TypingStart) (Ack, error)
	Stop(ctx context.Context, req TypingStop) (Ack, error)
}

// TypingHandler relays typing indicators. Nothing is persisted.
type TypingHandler struct {
	publisher broadcaster.Publisher
}

func NewTypingHandler(publisher broadcaster.Publisher) *TypingHandler {
	return &TypingHandler{
		publisher,
	}
}

func (h *TypingHandler) Start(ctx context.Context, req TypingStart) (Ack, error) {
	connection, err := requireConnection(ctx)
	if err != nil {
		return Ack{}, err
	}

	h.publisher.Publish(ctx, broadcaster.Message{
		Topic: topic.Self(req.RecipientId),
		Event: EventUserTyping,
		Payload: UserTyping{
			UserId:         connection.UserId,
			ConversationId: req.ConversationId,
		},
	})

	return Ack{Success: true}, nil
}

func (h *TypingHandler) Stop(ctx context.Context, req TypingStop) (Ack, error) {
	if _, err := requireConnection(ctx); err != nil {
		return Ack{}, err
	}

	h.publisher.Publish(ctx, broadcaster.Message{
		Topic: topic.Self(req.RecipientId),
		Event: EventUserStoppedTyping,
		Payload: UserStoppedTyping{
			ConversationId: req.ConversationId,
		},
	})

	return Ack{Success: true}, nil
}
