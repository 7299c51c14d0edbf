package handler

import (
	"encoding/json"
	"errors"

	"github.com/goevery/realtime/internal/ierr"
	"github.com/goevery/realtime/internal/topic"
)

const (
	MethodHeartbeat    = "heartbeat"
	MethodTypingStart  = "typing_start"
	MethodTypingStop   = "typing_stop"
	MethodSendReaction = "send_reaction"
	MethodMarkRead     = "mark_read"
)

// Inbound is a decoded client event. The sender is never part of it: it is
// always the identity the connection authenticated as.
type Inbound interface {
	Method() string
	Validate() error
}

type Heartbeat struct{}

func (Heartbeat) Method() string  { return MethodHeartbeat }
func (Heartbeat) Validate() error { return nil }

type TypingStart struct {
	RecipientId    string `json:"recipientId"`
	ConversationId string `json:"conversationId"`
}

func (TypingStart) Method() string { return MethodTypingStart }

func (e TypingStart) Validate() error {
	return validateConversationEvent(e.RecipientId, e.ConversationId)
}

type TypingStop struct {
	RecipientId    string `json:"recipientId"`
	ConversationId string `json:"conversationId"`
}

func (TypingStop) Method() string { return MethodTypingStop }

func (e TypingStop) Validate() error {
	return validateConversationEvent(e.RecipientId, e.ConversationId)
}

type SendReaction struct {
	RecipientId string `json:"recipientId"`
	MessageId   string `json:"messageId"`
	Reaction    string `json:"reaction"`
}

func (SendReaction) Method() string { return MethodSendReaction }

func (e SendReaction) Validate() error {
	if err := topic.ValidateIdentity(e.RecipientId); err != nil {
		return err
	}
	if e.MessageId == "" {
		return ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("messageId is required"))
	}
	if e.Reaction == "" {
		return ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("reaction is required"))
	}

	return nil
}

type MarkRead struct {
	RecipientId    string `json:"recipientId"`
	ConversationId string `json:"conversationId"`
}

func (MarkRead) Method() string { return MethodMarkRead }

func (e MarkRead) Validate() error {
	return validateConversationEvent(e.RecipientId, e.ConversationId)
}

func validateConversationEvent(recipientId string, conversationId string) error {
	if err := topic.ValidateIdentity(recipientId); err != nil {
		return err
	}
	if conversationId == "" {
		return ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("conversationId is required"))
	}

	return nil
}

// Decode turns a client frame into its typed event.
func Decode(request Request) (Inbound, error) {
	var event Inbound

	switch request.Method {
	case MethodHeartbeat:
		return Heartbeat{}, nil
	case MethodTypingStart:
		var e TypingStart
		if err := decodeParams(request.Params, &e); err != nil {
			return nil, err
		}
		event = e
	case MethodTypingStop:
		var e TypingStop
		if err := decodeParams(request.Params, &e); err != nil {
			return nil, err
		}
		event = e
	case MethodSendReaction:
		var e SendReaction
		if err := decodeParams(request.Params, &e); err != nil {
			return nil, err
		}
		event = e
	case MethodMarkRead:
		var e MarkRead
		if err := decodeParams(request.Params, &e); err != nil {
			return nil, err
		}
		event = e
	default:
		return nil, ierr.New(ierr.ErrorCodeNotFound, errors.New("method not found: "+request.Method))
	}

	if err := event.Validate(); err != nil {
		return nil, err
	}

	return event, nil
}

func decodeParams(params *json.RawMessage, v any) error {
	if params == nil {
		return ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("missing params"))
	}

	if err := json.Unmarshal(*params, v); err != nil {
		return ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("invalid params: "+err.Error()))
	}

	return nil
}
