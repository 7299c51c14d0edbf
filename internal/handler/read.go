package handler

import (
	"context"
	"time"

	"github.com/goevery/realtime/internal/broadcaster"
	"github.com/goevery/realtime/internal/storage"
	"github.com/goevery/realtime/internal/topic"
)

const EventMessagesRead = "messages_read"

type MessagesRead struct {
	ConversationId string    `json:"conversationId"`
	UserId         string    `json:"userId"`
	ReadAt         time.Time `json:"readAt"`
}

type ReadHandlerInterface interface {
	Handle(ctx context.Context, req MarkRead) (MessagesRead, error)
}

type ReadHandler struct {
	messages  storage.Messages
	publisher broadcaster.Publisher
}

func NewReadHandler(
	messages storage.Messages,
	publisher broadcaster.Publisher,
) *ReadHandler {
	return &ReadHandler{
		messages,
		publisher,
	}
}

func (h *ReadHandler) Handle(ctx context.Context, req MarkRead) (MessagesRead, error) {
	connection, err := requireConnection(ctx)
	if err != nil {
		return MessagesRead{}, err
	}

	readAt, err := h.messages.MarkRead(ctx, storage.ReadRequest{
		ConversationId: req.ConversationId,
		UserId:         connection.UserId,
	})
	if err != nil {
		return MessagesRead{}, err
	}

	payload := MessagesRead{
		ConversationId: req.ConversationId,
		UserId:         connection.UserId,
		ReadAt:         readAt,
	}

	h.publisher.Publish(ctx, broadcaster.Message{
		Topic:   topic.Self(req.RecipientId),
		Event:   EventMessagesRead,
		Payload: payload,
	})

	return payload, nil
}
