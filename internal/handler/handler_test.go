package handler

import (
	"context"
	"sync"

	"github.com/goevery/realtime/internal/auth"
	"github.com/goevery/realtime/internal/broadcaster"
)

type recordingPublisher struct {
	mu       sync.Mutex
	messages []broadcaster.Message
}

func (p *recordingPublisher) Publish(_ context.Context, message broadcaster.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.messages = append(p.messages, message)
}

func (p *recordingPublisher) published() []broadcaster.Message {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]broadcaster.Message(nil), p.messages...)
}

func connectionContext(userId string) context.Context {
	return broadcaster.WithConnection(context.Background(), broadcaster.NewConnection("c-"+userId, userId, 1))
}

func adminContext() context.Context {
	return auth.WithAuthentication(context.Background(), &auth.Authentication{
		Subject: "api",
		IsAdmin: true,
	})
}
