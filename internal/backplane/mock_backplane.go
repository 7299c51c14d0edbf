package backplane

import (
	"context"

	"github.com/goevery/realtime/internal/topic"
	"github.com/stretchr/testify/mock"
)

type MockBackplane struct {
	mock.Mock
}

func NewMockBackplane(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockBackplane {
	m := &MockBackplane{}
	m.Mock.Test(t)

	t.Cleanup(func() { m.AssertExpectations(t) })

	return m
}

func (m *MockBackplane) NodeId() string {
	args := m.Called()

	return args.String(0)
}

func (m *MockBackplane) TopicAdded(t topic.Topic) {
	m.Called(t)
}

func (m *MockBackplane) TopicRemoved(t topic.Topic) {
	m.Called(t)
}

func (m *MockBackplane) Publish(ctx context.Context, envelope Envelope) {
	m.Called(ctx, envelope)
}

func (m *MockBackplane) Flush(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockBackplane) Run(ctx context.Context, handler Handler) error {
	args := m.Called(ctx, handler)

	return args.Error(0)
}
