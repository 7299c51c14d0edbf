package handler

import (
	"context"
	"errors"

	"github.com/goevery/realtime/internal/ierr"
)

type MessageBroadcaster interface {
	BroadcastNewMessage(ctx context.Context, participantIds []string, message map[string]any, tempId string) error
}

// NewMessageRequest comes from the service that already persisted the
// message.
type NewMessageRequest struct {
	ParticipantIds []string       `json:"participantIds"`
	Message        map[string]any `json:"message"`
	TempId         string         `json:"tempId,omitempty"`
}

type NewMessageHandlerInterface interface {
	Handle(ctx context.Context, req NewMessageRequest) (Ack, error)
}

type NewMessageHandler struct {
	messageBroadcaster MessageBroadcaster
}

func NewNewMessageHandler(messageBroadcaster MessageBroadcaster) *NewMessageHandler {
	return &NewMessageHandler{
		messageBroadcaster,
	}
}

func (h *NewMessageHandler) Handle(ctx context.Context, req NewMessageRequest) (Ack, error) {
	if err := requireAdmin(ctx); err != nil {
		return Ack{}, err
	}

	if len(req.Message) == 0 {
		return Ack{}, ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("message is required"))
	}

	err := h.messageBroadcaster.BroadcastNewMessage(ctx, req.ParticipantIds, req.Message, req.TempId)
	if err != nil {
		return Ack{}, err
	}

	return Ack{Success: true}, nil
}
