package handler

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/goevery/realtime/internal/ierr"
)

type Notifier interface {
	Notify(ctx context.Context, userId string, notification any) error
}

type NotifyRequest struct {
	UserId       string          `json:"userId"`
	Notification json.RawMessage `json:"notification"`
}

type NotifyHandlerInterface interface {
	Handle(ctx context.Context, req NotifyRequest) (Ack, error)
}

type NotifyHandler struct {
	notifier Notifier
}

func NewNotifyHandler(notifier Notifier) *NotifyHandler {
	return &NotifyHandler{
		notifier,
	}
}

func (h *NotifyHandler) Handle(ctx context.Context, req NotifyRequest) (Ack, error) {
	if err := requireAdmin(ctx); err != nil {
		return Ack{}, err
	}

	if len(req.Notification) == 0 {
		return Ack{}, ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("notification is required"))
	}

	err := h.notifier.Notify(ctx, req.UserId, req.Notification)
	if err != nil {
		return Ack{}, err
	}

	return Ack{Success: true}, nil
}
