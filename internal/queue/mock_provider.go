package queue

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/JakeFAU/court-crawler/internal/court"
)

// MockQueue is a testify mock of court.TaskQueue.
type MockQueue struct {
	mock.Mock
}

var _ court.TaskQueue = (*MockQueue)(nil)

// Enqueue is the mock implementation of the Enqueue method.
func (m *MockQueue) Enqueue(ctx context.Context, task court.Task) (string, error) {
	args := m.Called(ctx, task)
	return args.String(0), args.Error(1)
}

// ClaimNext is the mock implementation of the ClaimNext method.
func (m *MockQueue) ClaimNext(ctx context.Context, opts court.ClaimOptions) (court.Claim, error) {
	args := m.Called(ctx, opts)
	claim, _ := args.Get(0).(court.Claim)
	return claim, args.Error(1)
}

// Extend is the mock implementation of the Extend method.
func (m *MockQueue) Extend(ctx context.Context, claim court.Claim) (court.Claim, error) {
	args := m.Called(ctx, claim)
	renewed, _ := args.Get(0).(court.Claim)
	return renewed, args.Error(1)
}

// Complete is the mock implementation of the Complete method.
func (m *MockQueue) Complete(ctx context.Context, claim court.Claim) error {
	args := m.Called(ctx, claim)
	return args.Error(0)
}
