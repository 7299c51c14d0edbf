package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/goevery/realtime/internal/broadcaster"
	"github.com/goevery/realtime/internal/storage"
	"github.com/goevery/realtime/internal/topic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
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

func (p *recordingPublisher) statuses() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	statuses := make([]Status, len(p.messages))
	for i, message := range p.messages {
		statuses[i] = message.Payload.(Status)
	}

	return statuses
}

func TestTracker_Scenario(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	ctx := context.Background()

	store := storage.NewMockStore(t)
	publisher := &recordingPublisher{}
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC))

	tracker := NewTracker(logger, store, publisher, clk)

	store.On("SetOnlineStatus", ctx, "A", true, (*time.Time)(nil)).Return(nil).Once()
	store.On("SetOnlineStatus", ctx, "A", false, mock.AnythingOfType("*time.Time")).Return(nil).Once()

	tracker.OnConnect(ctx, "A")
	require.Len(t, publisher.statuses(), 1)
	assert.True(t, tracker.IsOnline("A"))

	tracker.OnConnect(ctx, "A")
	assert.Len(t, publisher.statuses(), 1)
	assert.Equal(t, 2, tracker.ConnectionCount("A"))

	tracker.OnDisconnect(ctx, "A")
	assert.Len(t, publisher.statuses(), 1)

	clk.Add(5 * time.Minute)
	lastDisconnect := clk.Now()

	tracker.OnDisconnect(ctx, "A")

	statuses := publisher.statuses()
	require.Len(t, statuses, 2)

	assert.Equal(t, Status{UserId: "A", IsOnline: true}, statuses[0])

	assert.Equal(t, "A", statuses[1].UserId)
	assert.False(t, statuses[1].IsOnline)
	require.NotNil(t, statuses[1].LastSeenAt)
	assert.False(t, statuses[1].LastSeenAt.Before(lastDisconnect))

	for _, message := range publisher.messages {
		assert.Equal(t, topic.Presence("A"), message.Topic)
		assert.Equal(t, EventUserStatus, message.Event)
	}

	assert.False(t, tracker.IsOnline("A"))
	assert.Empty(t, tracker.entries)
}

func TestTracker_TransitionCount(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	ctx := context.Background()

	store := storage.NewMockStore(t)
	store.On("SetOnlineStatus", ctx, "U1", mock.Anything, mock.Anything).Return(nil)

	publisher := &recordingPublisher{}
	tracker := NewTracker(logger, store, publisher, clock.NewMock())

	tracker.OnConnect(ctx, "U1")
	tracker.OnConnect(ctx, "U1")
	tracker.OnConnect(ctx, "U1")
	tracker.OnDisconnect(ctx, "U1")
	tracker.OnDisconnect(ctx, "U1")

	statuses := publisher.statuses()
	require.Len(t, statuses, 1)
	assert.True(t, statuses[0].IsOnline)
	assert.Equal(t, 1, tracker.ConnectionCount("U1"))
}

func TestTracker_NeverNegative(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	ctx := context.Background()

	store := storage.NewMockStore(t)
	publisher := &recordingPublisher{}
	tracker := NewTracker(logger, store, publisher, clock.NewMock())

	tracker.OnDisconnect(ctx, "U1")

	assert.Equal(t, 0, tracker.ConnectionCount("U1"))
	assert.Empty(t, publisher.statuses())
}

func TestTracker_Reconnect(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	ctx := context.Background()

	store := storage.NewMockStore(t)
	store.On("SetOnlineStatus", ctx, "U1", mock.Anything, mock.Anything).Return(nil)

	publisher := &recordingPublisher{}
	tracker := NewTracker(logger, store, publisher, clock.NewMock())

	tracker.OnConnect(ctx, "U1")
	tracker.OnDisconnect(ctx, "U1")
	tracker.OnConnect(ctx, "U1")

	statuses := publisher.statuses()
	require.Len(t, statuses, 3)
	assert.True(t, statuses[0].IsOnline)
	assert.False(t, statuses[1].IsOnline)
	assert.True(t, statuses[2].IsOnline)
}

func TestTracker_ConcurrentTransitionsAlternate(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	ctx := context.Background()

	store := storage.NewMockStore(t)
	store.On("SetOnlineStatus", ctx, "U1", mock.Anything, mock.Anything).Return(nil)

	publisher := &recordingPublisher{}
	tracker := NewTracker(logger, store, publisher, clock.NewMock())

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()

			tracker.OnConnect(ctx, "U1")
			tracker.OnDisconnect(ctx, "U1")
		}()
	}
	wg.Wait()

	statuses := publisher.statuses()
	require.NotEmpty(t, statuses)
	require.Equal(t, 0, len(statuses)%2)

	for i, status := range statuses {
		assert.Equal(t, i%2 == 0, status.IsOnline, "transition %d out of order", i)
	}

	assert.Equal(t, 0, tracker.ConnectionCount("U1"))
}

func TestTracker_StoreFailureStillPublishes(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	ctx := context.Background()

	store := storage.NewMockStore(t)
	store.On("SetOnlineStatus", ctx, "U1", true, (*time.Time)(nil)).Return(errors.New("db down")).Once()

	publisher := &recordingPublisher{}
	tracker := NewTracker(logger, store, publisher, clock.NewMock())

	tracker.OnConnect(ctx, "U1")

	assert.Len(t, publisher.statuses(), 1)
}

func TestTracker_CountsOwnProcessOnly(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	ctx := context.Background()

	store := storage.NewMockStore(t)
	publisher := &recordingPublisher{}

	first := NewTracker(logger, store, publisher, clock.NewMock())
	second := NewTracker(logger, store, publisher, clock.NewMock())

	store.On("SetOnlineStatus", ctx, "U1", true, (*time.Time)(nil)).Return(nil).Twice()
	store.On("SetOnlineStatus", ctx, "U1", false, mock.AnythingOfType("*time.Time")).Return(nil).Once()

	first.OnConnect(ctx, "U1")
	second.OnConnect(ctx, "U1")
	first.OnDisconnect(ctx, "U1")

	assert.False(t, first.IsOnline("U1"))
	assert.True(t, second.IsOnline("U1"))

	statuses := publisher.statuses()
	require.Len(t, statuses, 3)
	assert.False(t, statuses[2].IsOnline)
}
