package handler

import (
	"context"

	"github.com/goevery/realtime/internal/broadcaster"
	"github.com/goevery/realtime/internal/storage"
	"github.com/goevery/realtime/internal/topic"
)

const EventMessageReaction = "message_reaction"

type MessageReaction struct {
	MessageId string `json:"messageId"`
	UserId    string `json:"userId"`
	Reaction  string `json:"reaction"`
	Id        string `json:"id"`
}

type ReactionHandlerInterface interface {
	Handle(ctx context.Context, req SendReaction) (MessageReaction, error)
}

type ReactionHandler struct {
	messages  storage.Messages
	publisher broadcaster.Publisher
}

func NewReactionHandler(
	messages storage.Messages,
	publisher broadcaster.Publisher,
) *ReactionHandler {
	return &ReactionHandler{
		messages,
		publisher,
	}
}

// Handle stores the sender's reaction and, only once it is stored, tells both
// the recipient and the sender's other connections about it.
func (h *ReactionHandler) Handle(ctx context.Context, req SendReaction) (MessageReaction, error) {
	connection, err := requireConnection(ctx)
	if err != nil {
		return MessageReaction{}, err
	}

	reaction, err := h.messages.UpsertReaction(ctx, storage.ReactionRequest{
		MessageId: req.MessageId,
		UserId:    connection.UserId,
		Reaction:  req.Reaction,
	})
	if err != nil {
		return MessageReaction{}, err
	}

	payload := MessageReaction{
		MessageId: reaction.MessageId,
		UserId:    reaction.UserId,
		Reaction:  reaction.Reaction,
		Id:        reaction.Id,
	}

	h.publisher.Publish(ctx, broadcaster.Message{
		Topic:   topic.Self(req.RecipientId),
		Event:   EventMessageReaction,
		Payload: payload,
	})

	if req.RecipientId != connection.UserId {
		h.publisher.Publish(ctx, broadcaster.Message{
			Topic:   topic.Self(connection.UserId),
			Event:   EventMessageReaction,
			Payload: payload,
		})
	}

	return payload, nil
}
