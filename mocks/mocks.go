package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"go-where/models"
	"go-where/rabbitmq"
)

// MockPublisher mocks RabbitMQ publisher behavior.
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, routingKey string, event any) error {
	args := m.Called(ctx, routingKey, event)
	return args.Error(0)
}

func (m *MockPublisher) Close() error {
	args := m.Called()
	return args.Error(0)
}

// MockGeoIndexer mocks the Redis geo index.
type MockGeoIndexer struct {
	mock.Mock
}

func (m *MockGeoIndexer) Index(ctx context.Context, key string, c models.Coordinate) error {
	args := m.Called(ctx, key, c)
	return args.Error(0)
}

func (m *MockGeoIndexer) Remove(ctx context.Context, key string) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

// MockUserCache records cache invalidations.
type MockUserCache struct {
	mock.Mock
}

func (m *MockUserCache) Invalidate(ctx context.Context, keys ...string) {
	m.Called(ctx, keys)
}

var _ rabbitmq.Publisher = (*MockPublisher)(nil)
