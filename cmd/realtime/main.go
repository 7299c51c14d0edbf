package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/Netflix/go-env"
	"github.com/benbjohnson/clock"
	"github.com/goevery/realtime/internal/auth"
	"github.com/goevery/realtime/internal/backplane"
	"github.com/goevery/realtime/internal/broadcaster"
	"github.com/goevery/realtime/internal/gateway"
	"github.com/goevery/realtime/internal/handler"
	"github.com/goevery/realtime/internal/server"
	"github.com/goevery/realtime/internal/storage/mongodb"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
)

type App struct {
	logger          *zap.Logger
	settings        Settings
	hub             *gateway.Hub
	websocketServer *server.WebSocketServer
	restServer      *server.RESTServer

	closers []func()
}

func NewApp(ctx context.Context, logger *zap.Logger, settings Settings) (*App, error) {
	app := &App{
		logger:   logger,
		settings: settings,
	}

	mongoClient, err := mongo.Connect(options.Client().ApplyURI(settings.MongoDBURI))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}
	app.closers = append(app.closers, func() {
		_ = mongoClient.Disconnect(context.Background())
	})

	engine := mongodb.NewEngine(mongoClient, settings.MongoDBDatabase)
	err = engine.Setup(ctx)
	if err != nil {
		app.close()

		return nil, fmt.Errorf("setup mongodb: %w", err)
	}

	bp, err := app.buildBackplane()
	if err != nil {
		app.close()

		return nil, err
	}

	registry := broadcaster.NewInMemoryRegistry(logger.Named("registry"), bp)
	hub := gateway.NewHub(logger.Named("gateway"), registry, bp, engine, clock.New())

	authenticator := auth.NewAuthenticator(settings.JWTSecret, settings.JWTAudience, splitList(settings.APIKeys))

	originChecker := server.NewOriginChecker(splitList(settings.AllowedOrigins))
	websocketUpgrader := &websocket.Upgrader{
		ReadBufferSize:    1024,
		WriteBufferSize:   1024,
		CheckOrigin:       originChecker.Check,
		EnableCompression: true,
	}

	router := server.NewRouter(
		logger,
		handler.NewHeartbeatHandler(nil),
		handler.NewTypingHandler(hub),
		handler.NewReactionHandler(engine, hub),
		handler.NewReadHandler(engine, hub),
	)

	app.hub = hub
	app.websocketServer = server.NewWebSocketServer(
		logger.Named("websocket"),
		websocketUpgrader,
		authenticator,
		hub,
		router,
		server.ClientConfig{
			SendBufferSize:    settings.SendBufferSize,
			InboundBufferSize: settings.InboundBufferSize,
		},
	)
	app.restServer = server.NewRESTServer(
		logger.Named("rest"),
		authenticator,
		handler.NewNotifyHandler(hub),
		handler.NewNewMessageHandler(hub),
		handler.NewFollowHandler(hub),
	)

	return app, nil
}

func (a *App) buildBackplane() (backplane.Backplane, error) {
	switch a.settings.Backplane {
	case "local":
		return backplane.NewLocal(), nil
	case "redis":
		opt, err := redis.ParseURL(a.settings.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}

		client := redis.NewClient(opt)
		a.closers = append(a.closers, func() { _ = client.Close() })

		return backplane.NewRedis(a.logger, client, a.settings.BackplanePrefix), nil
	case "nats":
		conn, err := nats.Connect(a.settings.NATSURL,
			nats.Name("realtime"),
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(time.Second),
		)
		if err != nil {
			return nil, fmt.Errorf("connect to nats: %w", err)
		}
		a.closers = append(a.closers, conn.Close)

		return backplane.NewNATS(a.logger, conn, a.settings.BackplanePrefix), nil
	default:
		return nil, fmt.Errorf("unknown backplane %q", a.settings.Backplane)
	}
}

func (a *App) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *App) run(ctx context.Context) {
	defer a.close()

	notifyCtx, notifyCtxCancel := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer notifyCtxCancel()

	hubCtx, hubCtxCancel := context.WithCancel(context.Background())
	hubDone := make(chan struct{})

	go func() {
		defer close(hubDone)

		err := a.hub.Run(hubCtx)
		if err != nil {
			a.logger.Error("backplane stopped", zap.Error(err))
		}
	}()

	a.startHttpServer(notifyCtx)

	shutdownCtx, shutdownCtxCancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer shutdownCtxCancel()

	a.hub.Shutdown(shutdownCtx)

	hubCtxCancel()
	<-hubDone
}

func (a *App) shutdownTimeout() time.Duration {
	return time.Duration(a.settings.ShutdownTimeoutSeconds) * time.Second
}

// startHttpServer serves until ctx is done and then drains plain HTTP
// requests. Websocket connections are closed by the hub afterwards.
func (a *App) startHttpServer(ctx context.Context) {
	address := fmt.Sprintf("0.0.0.0:%d", a.settings.Port)

	router := mux.NewRouter().
		PathPrefix(a.settings.BasePath).
		Subrouter()

	a.websocketServer.Register(router)
	a.restServer.Register(router)

	httpServer := &http.Server{
		Addr:    address,
		Handler: router,
	}

	a.logger.Info("starting http server",
		zap.String("address", address))

	go func() {
		err := httpServer.ListenAndServe()

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Fatal("failed to start http server",
				zap.Error(err))
		}
	}()

	<-ctx.Done()

	a.logger.Info("stopping http server")

	shutdownCtx, shutdownCtxCancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer shutdownCtxCancel()

	err := httpServer.Shutdown(shutdownCtx)
	if err != nil {
		a.logger.Error("http server shutdown failed",
			zap.Error(err))
	}

	a.logger.Info("http server stopped")
}

func main() {
	ctx := context.Background()

	var settings Settings
	_, err := env.UnmarshalFromEnviron(&settings)
	if err != nil {
		panic(fmt.Errorf("failed to parse settings from environment: %w", err))
	}

	logger, err := buildZapLogger(settings.LogEncoding, settings.LogLevel)
	if err != nil {
		panic(fmt.Errorf("failed to build logger: %w", err))
	}
	defer logger.Sync()

	setupCtx, setupCtxCancel := context.WithTimeout(ctx, 30*time.Second)
	defer setupCtxCancel()

	app, err := NewApp(setupCtx, logger, settings)
	if err != nil {
		logger.Fatal("failed to setup", zap.Error(err))
	}

	app.run(ctx)
}
