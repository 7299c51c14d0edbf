package storage

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

type MockStore struct {
	mock.Mock
}

func NewMockStore(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockStore {
	m := &MockStore{}
	m.Mock.Test(t)

	t.Cleanup(func() { m.AssertExpectations(t) })

	return m
}

func (m *MockStore) SetOnlineStatus(ctx context.Context, userId string, online bool, lastSeenAt *time.Time) error {
	args := m.Called(ctx, userId, online, lastSeenAt)

	return args.Error(0)
}

func (m *MockStore) ListFollowedIds(ctx context.Context, userId string) ([]string, error) {
	args := m.Called(ctx, userId)

	followedIds, _ := args.Get(0).([]string)

	return followedIds, args.Error(1)
}

func (m *MockStore) ListOnlineIds(ctx context.Context, userIds []string) ([]string, error) {
	args := m.Called(ctx, userIds)

	onlineIds, _ := args.Get(0).([]string)

	return onlineIds, args.Error(1)
}

type MockMessages struct {
	mock.Mock
}

func NewMockMessages(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockMessages {
	m := &MockMessages{}
	m.Mock.Test(t)

	t.Cleanup(func() { m.AssertExpectations(t) })

	return m
}

func (m *MockMessages) UpsertReaction(ctx context.Context, req ReactionRequest) (Reaction, error) {
	args := m.Called(ctx, req)

	reaction, _ := args.Get(0).(Reaction)

	return reaction, args.Error(1)
}

func (m *MockMessages) MarkRead(ctx context.Context, req ReadRequest) (time.Time, error) {
	args := m.Called(ctx, req)

	readAt, _ := args.Get(0).(time.Time)

	return readAt, args.Error(1)
}
