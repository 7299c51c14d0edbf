// Package presence turns connection count transitions into online/offline
// broadcasts.
//
// A user is online while they have at least one live connection. Only the
// 0→1 and 1→0 transitions are persisted and published; opening a second tab
// or closing one of several is silent.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/goevery/realtime/internal/broadcaster"
	"github.com/goevery/realtime/internal/metrics"
	"github.com/goevery/realtime/internal/storage"
	"github.com/goevery/realtime/internal/topic"
	"go.uber.org/zap"
)

const EventUserStatus = "user_status"

type Status struct {
	UserId     string     `json:"userId"`
	IsOnline   bool       `json:"isOnline"`
	LastSeenAt *time.Time `json:"lastSeenAt,omitempty"`
}

// entry serializes transitions of one user. refs counts the calls currently
// holding or waiting for it, so the entry can be dropped once the user is
// offline and nobody else needs it.
type entry struct {
	mu    sync.Mutex
	count int
	refs  int
}

// Tracker counts the connections of this process only. A user connected to
// two instances is online on each, and the last transition to reach the
// store wins: closing the only tab on one instance persists and publishes
// offline even while a tab on the other instance stays open.
type Tracker struct {
	logger    *zap.Logger
	store     storage.Store
	publisher broadcaster.Publisher
	clock     clock.Clock

	mu      sync.Mutex
	entries map[string]*entry
}

func NewTracker(
	logger *zap.Logger,
	store storage.Store,
	publisher broadcaster.Publisher,
	clk clock.Clock,
) *Tracker {
	if clk == nil {
		clk = clock.New()
	}

	return &Tracker{
		logger:    logger,
		store:     store,
		publisher: publisher,
		clock:     clk,
		entries:   make(map[string]*entry),
	}
}

func (t *Tracker) acquire(userId string) *entry {
	t.mu.Lock()
	e, ok := t.entries[userId]
	if !ok {
		e = &entry{}
		t.entries[userId] = e
	}
	e.refs++
	t.mu.Unlock()

	e.mu.Lock()

	return e
}

func (t *Tracker) release(userId string, e *entry) {
	e.mu.Unlock()

	t.mu.Lock()
	e.refs--
	if e.refs == 0 && e.count == 0 {
		delete(t.entries, userId)
	}
	t.mu.Unlock()
}

// OnConnect records a new connection for userId. The first connection marks
// the user online.
func (t *Tracker) OnConnect(ctx context.Context, userId string) {
	e := t.acquire(userId)
	defer t.release(userId, e)

	t.mu.Lock()
	e.count++
	count := e.count
	t.mu.Unlock()

	if count != 1 {
		return
	}

	t.transition(ctx, Status{
		UserId:   userId,
		IsOnline: true,
	})
}

// OnDisconnect records a closed connection for userId. Closing the last one
// marks the user offline with the current time as last seen. Calls without a
// matching OnConnect are ignored.
func (t *Tracker) OnDisconnect(ctx context.Context, userId string) {
	e := t.acquire(userId)
	defer t.release(userId, e)

	t.mu.Lock()
	if e.count == 0 {
		t.mu.Unlock()

		t.logger.Warn("disconnect without a live connection ignored",
			zap.String("userId", userId))

		return
	}
	e.count--
	count := e.count
	t.mu.Unlock()

	if count != 0 {
		return
	}

	lastSeenAt := t.clock.Now().UTC()

	t.transition(ctx, Status{
		UserId:     userId,
		IsOnline:   false,
		LastSeenAt: &lastSeenAt,
	})
}

// transition runs while the user's entry is held, so the persisted and the
// published order both follow the count.
func (t *Tracker) transition(ctx context.Context, status Status) {
	err := t.store.SetOnlineStatus(ctx, status.UserId, status.IsOnline, status.LastSeenAt)
	if err != nil {
		t.logger.Error("failed to persist online status",
			zap.String("userId", status.UserId),
			zap.Bool("isOnline", status.IsOnline),
			zap.Error(err))
	}

	state := "offline"
	if status.IsOnline {
		state = "online"
	}
	metrics.PresenceTransitions.WithLabelValues(state).Inc()

	t.publisher.Publish(ctx, broadcaster.Message{
		Topic:   topic.Presence(status.UserId),
		Event:   EventUserStatus,
		Payload: status,
	})
}

func (t *Tracker) ConnectionCount(userId string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[userId]; ok {
		return e.count
	}

	return 0
}

func (t *Tracker) IsOnline(userId string) bool {
	return t.ConnectionCount(userId) > 0
}
