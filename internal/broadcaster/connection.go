package broadcaster

import (
	"context"
	"sync"
	"time"
)

type Connection struct {
	Id         string
	UserId     string
	CreateTime time.Time

	send chan Message

	evictOnce sync.Once
	evicted   chan struct{}
}

func NewConnection(id string, userId string, bufferSize int) *Connection {
	return &Connection{
		Id:         id,
		UserId:     userId,
		CreateTime: time.Now(),
		send:       make(chan Message, bufferSize),
		evicted:    make(chan struct{}),
	}
}

// Send returns the outbound queue. It is closed by the registry when the
// connection is unregistered.
func (c *Connection) Send() <-chan Message {
	return c.send
}

// Evicted is closed when the registry gave up on a connection whose send
// buffer overflowed. The transport is expected to close it.
func (c *Connection) Evicted() <-chan struct{} {
	return c.evicted
}

func (c *Connection) evict() {
	c.evictOnce.Do(func() {
		close(c.evicted)
	})
}

type contextKey string

const connectionKey contextKey = "connection"

func WithConnection(ctx context.Context, conn *Connection) context.Context {
	return context.WithValue(ctx, connectionKey, conn)
}

func ConnectionFromContext(ctx context.Context) (*Connection, bool) {
	conn, ok := ctx.Value(connectionKey).(*Connection)

	return conn, ok
}
