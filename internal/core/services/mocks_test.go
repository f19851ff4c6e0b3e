package services

import (
	"context"
	"time"

	"relaycast/internal/core/domain"

	"github.com/stretchr/testify/mock"
)

// MockStreamRepository for tests
type MockStreamRepository struct {
	mock.Mock
}

func (m *MockStreamRepository) GetByToken(ctx context.Context, token domain.StreamToken) (*domain.Stream, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Stream), args.Error(1)
}

func (m *MockStreamRepository) Create(ctx context.Context, stream *domain.Stream) error {
	args := m.Called(ctx, stream)
	return args.Error(0)
}

func (m *MockStreamRepository) MarkLive(ctx context.Context, token domain.StreamToken, at time.Time) error {
	args := m.Called(ctx, token, at)
	return args.Error(0)
}

func (m *MockStreamRepository) MarkEnded(ctx context.Context, token domain.StreamToken, at time.Time) error {
	args := m.Called(ctx, token, at)
	return args.Error(0)
}

func (m *MockStreamRepository) UpdateViewerCount(ctx context.Context, token domain.StreamToken, count int) error {
	args := m.Called(ctx, token, count)
	return args.Error(0)
}

func (m *MockStreamRepository) ListLive(ctx context.Context) ([]*domain.Stream, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Stream), args.Error(1)
}

func (m *MockStreamRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// MockEventPublisher for tests
type MockEventPublisher struct {
	mock.Mock
}

func (m *MockEventPublisher) PublishStreamEvent(ctx context.Context, event domain.StreamEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}
