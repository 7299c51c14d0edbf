package server

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/goevery/realtime/internal/handler"
	"github.com/goevery/realtime/internal/ierr"
	"github.com/goevery/realtime/internal/metrics"
	"go.uber.org/zap"
)

// Router dispatches decoded client events to their handlers.
type Router struct {
	logger *zap.Logger

	heartbeatHandler handler.HeartbeatHandlerInterface
	typingHandler    handler.TypingHandlerInterface
	reactionHandler  handler.ReactionHandlerInterface
	readHandler      handler.ReadHandlerInterface
}

func NewRouter(
	logger *zap.Logger,
	heartbeatHandler handler.HeartbeatHandlerInterface,
	typingHandler handler.TypingHandlerInterface,
	reactionHandler handler.ReactionHandlerInterface,
	readHandler handler.ReadHandlerInterface,
) *Router {
	return &Router{
		logger,
		heartbeatHandler,
		typingHandler,
		reactionHandler,
		readHandler,
	}
}

// RouteRequest handles one event and builds the frame to send back, if any.
// Failures are always reported to the sender; results only when the request
// carried an id.
func (r *Router) RouteRequest(ctx context.Context, request handler.Request, event handler.Inbound) *handler.Response {
	response, err := r.Handle(ctx, event)
	if err != nil {
		return r.Reject(request, err)
	}

	metrics.InboundEvents.WithLabelValues(request.Method, "ok").Inc()

	if !request.ReplyExpected() {
		return nil
	}

	if response == nil {
		r.logger.Error("handler did not return a response but one was expected", zap.String("method", request.Method))

		response := request.ReplyWithError(
			ierr.New(ierr.ErrorCodeInternal, errors.New("internal error")),
		)

		return &response
	}

	rawJson, err := json.Marshal(response)
	if err != nil {
		response := request.ReplyWithError(r.mapError(err))

		return &response
	}

	payload := json.RawMessage(rawJson)
	reply := request.Reply(&payload)

	return &reply
}

// Reject builds the error frame for a request that failed to decode or to
// run.
func (r *Router) Reject(request handler.Request, err error) *handler.Response {
	metrics.InboundEvents.WithLabelValues(request.Method, "error").Inc()

	response := request.ReplyWithError(r.mapError(err))

	return &response
}

func (r *Router) Handle(ctx context.Context, event handler.Inbound) (any, error) {
	switch e := event.(type) {
	case handler.Heartbeat:
		return r.heartbeatHandler.Handle(), nil
	case handler.TypingStart:
		return r.typingHandler.Start(ctx, e)
	case handler.TypingStop:
		return r.typingHandler.Stop(ctx, e)
	case handler.SendReaction:
		return r.reactionHandler.Handle(ctx, e)
	case handler.MarkRead:
		return r.readHandler.Handle(ctx, e)
	default:
		return nil, ierr.New(ierr.ErrorCodeNotFound, errors.New("method not found: "+event.Method()))
	}
}

func (r *Router) mapError(err error) ierr.Error {
	var handlerErr ierr.Error
	if errors.As(err, &handlerErr) {
		return handlerErr
	}

	r.logger.Error("error in rpc handler", zap.Error(err))

	return ierr.New(ierr.ErrorCodeInternal, errors.New("internal error"))
}
