package testutil

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockNavigator records Replace calls
type MockNavigator struct {
	mock.Mock
}

func (m *MockNavigator) Replace(path string) {
	m.Called(path)
}

// MockValues is a session value store driven by expectations
type MockValues struct {
	mock.Mock
}

func (m *MockValues) Get(ctx context.Context, key string) (string, bool, error) {
	args := m.Called(ctx, key)
	return args.String(0), args.Bool(1), args.Error(2)
}

func (m *MockValues) Set(ctx context.Context, key, value string) error {
	args := m.Called(ctx, key, value)
	return args.Error(0)
}

func (m *MockValues) Remove(ctx context.Context, key string) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

// MockTakingValues adds an atomic Take to MockValues
type MockTakingValues struct {
	MockValues
}

func (m *MockTakingValues) Take(ctx context.Context, key string) (string, bool, error) {
	args := m.Called(ctx, key)
	return args.String(0), args.Bool(1), args.Error(2)
}
