package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/goevery/realtime/internal/broadcaster"
	"github.com/goevery/realtime/internal/handler"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

type inboundRequest struct {
	request handler.Request
	event   handler.Inbound
}

// Client pumps one websocket. The read pump decodes frames onto the inbound
// queue, a single dispatcher routes them in arrival order, and the write pump
// is the only goroutine writing to the socket.
type Client struct {
	logger     *zap.Logger
	conn       *websocket.Conn
	connection *broadcaster.Connection
	router     *Router
	manager    ConnectionManager

	inbound chan inboundRequest
	replies chan handler.Response

	closeOnce sync.Once
	done      chan struct{}
}

func newClient(
	logger *zap.Logger,
	conn *websocket.Conn,
	connection *broadcaster.Connection,
	router *Router,
	manager ConnectionManager,
	inboundBufferSize int,
) *Client {
	return &Client{
		logger:     logger,
		conn:       conn,
		connection: connection,
		router:     router,
		manager:    manager,
		inbound:    make(chan inboundRequest, inboundBufferSize),
		replies:    make(chan handler.Response, inboundBufferSize),
		done:       make(chan struct{}),
	}
}

// run blocks until the connection is closed from either side.
func (c *Client) run(ctx context.Context) {
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		c.writePump(ctx)
	}()
	go func() {
		defer wg.Done()
		c.dispatch(broadcaster.WithConnection(ctx, c.connection))
	}()

	c.readPump(ctx)

	wg.Wait()
}

// close runs once no matter how many pumps fail, so the connection is
// unregistered exactly once.
func (c *Client) close(ctx context.Context) {
	c.closeOnce.Do(func() {
		close(c.done)

		c.manager.Disconnect(ctx, c.connection.Id)

		_ = c.conn.Close()
	})
}

func (c *Client) readPump(ctx context.Context) {
	defer c.close(ctx)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var request handler.Request
		err := c.conn.ReadJSON(&request)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read failed", zap.Error(err))
			}

			return
		}

		event, err := handler.Decode(request)
		if err != nil {
			c.reply(*c.router.Reject(request, err))

			continue
		}

		select {
		case c.inbound <- inboundRequest{request, event}:
		case <-c.done:
			return
		}
	}
}

func (c *Client) dispatch(ctx context.Context) {
	for {
		select {
		case <-c.done:
			return
		case in := <-c.inbound:
			response := c.router.RouteRequest(ctx, in.request, in.event)
			if response != nil {
				c.reply(*response)
			}
		}
	}
}

func (c *Client) reply(response handler.Response) {
	select {
	case c.replies <- response:
	case <-c.done:
	}
}

func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		c.close(ctx)
	}()

	// The snapshot is written before the send queue is read, so live status
	// changes queued meanwhile land after it and win.
	for _, message := range c.manager.PresenceSnapshot(ctx, c.connection.UserId) {
		if err := c.writeMessage(message); err != nil {
			c.logger.Debug("failed to write presence snapshot", zap.Error(err))

			return
		}
	}

	for {
		select {
		case <-c.done:
			return
		case message, ok := <-c.connection.Send():
			if !ok {
				c.writeClose(websocket.CloseGoingAway, "server shutting down")

				return
			}

			if err := c.writeMessage(message); err != nil {
				c.logger.Debug("failed to write event", zap.Error(err))

				return
			}
		case response := <-c.replies:
			if err := c.writeJSON(response); err != nil {
				c.logger.Debug("failed to write response", zap.Error(err))

				return
			}
		case <-c.connection.Evicted():
			c.logger.Warn("closing slow connection")
			c.writeClose(websocket.ClosePolicyViolation, "slow consumer")

			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) writeMessage(message broadcaster.Message) error {
	rawJson, err := json.Marshal(message.Payload)
	if err != nil {
		c.logger.Error("failed to encode event payload",
			zap.String("event", message.Event),
			zap.Error(err))

		return nil
	}

	params := json.RawMessage(rawJson)

	return c.writeJSON(handler.NewNotification(message.Event, &params))
}

func (c *Client) writeJSON(v any) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	return c.conn.WriteJSON(v)
}

func (c *Client) writeClose(code int, text string) {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
}
