package storemock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/vrmcollect/vrmcollect/pkg/store"
	"github.com/vrmcollect/vrmcollect/pkg/types"
)

// MockSink is a testify mock of store.Sink.
type MockSink struct {
	mock.Mock
}

var _ store.Sink = (*MockSink)(nil)

func (m *MockSink) Write(ctx context.Context, batch types.WriteBatch) error {
	args := m.Called(ctx, batch)
	return args.Error(0)
}

func (m *MockSink) Close() error {
	args := m.Called()
	return args.Error(0)
}
