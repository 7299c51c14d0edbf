// Package storage declares the persistence collaborators the gateway
// consumes. Implementations live in subpackages.
package storage

import (
	"context"
	"time"
)

// Store mirrors presence into the user records and resolves the follow graph.
type Store interface {
	SetOnlineStatus(ctx context.Context, userId string, online bool, lastSeenAt *time.Time) error
	ListFollowedIds(ctx context.Context, userId string) ([]string, error)
	ListOnlineIds(ctx context.Context, userIds []string) ([]string, error)
}

// Messages persists chat side effects that must exist before they are
// broadcast.
type Messages interface {
	UpsertReaction(ctx context.Context, req ReactionRequest) (Reaction, error)
	MarkRead(ctx context.Context, req ReadRequest) (time.Time, error)
}

type ReactionRequest struct {
	MessageId string
	UserId    string
	Reaction  string
}

type Reaction struct {
	Id        string
	MessageId string
	UserId    string
	Reaction  string
	UpdatedAt time.Time
}

type ReadRequest struct {
	ConversationId string
	UserId         string
}
