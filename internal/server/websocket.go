package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/goevery/realtime/internal/auth"
	"github.com/goevery/realtime/internal/broadcaster"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"go.uber.org/zap"
)

// ConnectionManager owns the lifecycle of registered connections.
type ConnectionManager interface {
	Connect(ctx context.Context, connection *broadcaster.Connection) error
	PresenceSnapshot(ctx context.Context, userId string) []broadcaster.Message
	Disconnect(ctx context.Context, connectionId string)
}

type ClientConfig struct {
	SendBufferSize    int
	InboundBufferSize int
}

type WebSocketServer struct {
	logger        *zap.Logger
	upgrader      *websocket.Upgrader
	authenticator *auth.Authenticator
	manager       ConnectionManager
	router        *Router
	config        ClientConfig
}

func NewWebSocketServer(
	logger *zap.Logger,
	upgrader *websocket.Upgrader,
	authenticator *auth.Authenticator,
	manager ConnectionManager,
	router *Router,
	config ClientConfig,
) *WebSocketServer {
	return &WebSocketServer{
		logger,
		upgrader,
		authenticator,
		manager,
		router,
		config,
	}
}

func (s *WebSocketServer) Register(router *mux.Router) {
	router.HandleFunc("/websocket", s.handle).Methods("GET")
}

// handle authenticates before upgrading, so a rejected client gets a plain
// 401 and is never registered.
func (s *WebSocketServer) handle(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}

	identity, err := s.authenticator.Verify(token)
	if err != nil {
		s.logger.Debug("rejecting websocket connection", zap.Error(err))
		http.Error(w, "unauthenticated", http.StatusUnauthorized)

		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("failed to upgrade connection", zap.Error(err))

		return
	}

	connection := broadcaster.NewConnection(gonanoid.Must(), identity.UserId, s.config.SendBufferSize)

	logger := s.logger.With(
		zap.String("connectionId", connection.Id),
		zap.String("userId", connection.UserId),
		zap.String("clientIp", clientIp(r)))

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	err = s.manager.Connect(ctx, connection)
	if err != nil {
		logger.Error("failed to register connection", zap.Error(err))
		_ = conn.Close()

		return
	}

	logger.Info("websocket connection established")

	client := newClient(logger, conn, connection, s.router, s.manager, s.config.InboundBufferSize)
	client.run(ctx)

	logger.Info("websocket connection closed")
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")

	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return ""
	}

	return strings.TrimSpace(token)
}

func clientIp(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		ip, _, _ := strings.Cut(forwarded, ",")

		return strings.TrimSpace(ip)
	}

	return r.RemoteAddr
}
