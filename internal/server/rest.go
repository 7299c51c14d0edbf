package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/goevery/realtime/internal/auth"
	"github.com/goevery/realtime/internal/handler"
	"github.com/goevery/realtime/internal/ierr"
	"github.com/goevery/realtime/internal/metrics"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// RESTServer is the surface the rest of the platform uses to push events to
// connected users. Every route but health and metrics requires an API key.
type RESTServer struct {
	logger        *zap.Logger
	authenticator *auth.Authenticator

	notifyHandler     handler.NotifyHandlerInterface
	newMessageHandler handler.NewMessageHandlerInterface
	followHandler     handler.FollowHandlerInterface
}

func NewRESTServer(
	logger *zap.Logger,
	authenticator *auth.Authenticator,
	notifyHandler handler.NotifyHandlerInterface,
	newMessageHandler handler.NewMessageHandlerInterface,
	followHandler handler.FollowHandlerInterface,
) *RESTServer {
	return &RESTServer{
		logger,
		authenticator,
		notifyHandler,
		newMessageHandler,
		followHandler,
	}
}

func (s *RESTServer) Register(router *mux.Router) {
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods("GET")

	router.Handle("/metrics", metrics.Handler()).Methods("GET")

	router.Handle("/notify", s.authenticate(serveJSON(s, s.notifyHandler.Handle))).Methods("POST")
	router.Handle("/messages", s.authenticate(serveJSON(s, s.newMessageHandler.Handle))).Methods("POST")
	router.Handle("/follows", s.authenticate(serveJSON(s, s.followHandler.Follow))).Methods("POST")
	router.Handle("/follows", s.authenticate(serveJSON(s, s.followHandler.Unfollow))).Methods("DELETE")
}

func (s *RESTServer) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authentication, err := s.authenticator.AuthenticateAPIKey(bearerToken(r))
		if err != nil {
			s.writeError(w, err)

			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithAuthentication(r.Context(), authentication)))
	})
}

func serveJSON[Req any, Resp any](s *RESTServer, handle func(context.Context, Req) (Resp, error)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Req
		err := json.NewDecoder(r.Body).Decode(&req)
		if err != nil {
			s.writeError(w, ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("invalid request body")))

			return
		}

		resp, err := handle(r.Context(), req)
		if err != nil {
			s.writeError(w, err)

			return
		}

		s.writeJSON(w, http.StatusOK, resp)
	})
}

func (s *RESTServer) writeError(w http.ResponseWriter, err error) {
	var ierror ierr.Error
	if !errors.As(err, &ierror) {
		s.logger.Error("error in rest handler", zap.Error(err))

		ierror = ierr.New(ierr.ErrorCodeInternal, errors.New("internal error"))
	}

	s.writeJSON(w, httpStatus(ierror.Code), map[string]ierr.Error{"error": ierror})
}

func (s *RESTServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}

func httpStatus(code ierr.ErrorCode) int {
	switch code {
	case ierr.ErrorCodeInvalidArgument:
		return http.StatusBadRequest
	case ierr.ErrorCodeNotFound:
		return http.StatusNotFound
	case ierr.ErrorCodeAlreadyExists:
		return http.StatusConflict
	case ierr.ErrorCodeFailedPrecondition:
		return http.StatusPreconditionFailed
	case ierr.ErrorCodePermissionDenied:
		return http.StatusForbidden
	case ierr.ErrorCodeUnauthenticated:
		return http.StatusUnauthorized
	case ierr.ErrorCodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
