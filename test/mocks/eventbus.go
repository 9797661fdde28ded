package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/citycab/dispatch/pkg/eventbus"
)

// MockPublisher is a testify mock for eventbus.Publisher.
type MockPublisher struct {
	mock.Mock
}

var _ eventbus.Publisher = (*MockPublisher)(nil)

func (m *MockPublisher) Publish(ctx context.Context, subject string, event *eventbus.Event) error {
	args := m.Called(ctx, subject, event)
	return args.Error(0)
}
