package redirect

import (
	"context"
	"sync"
)

// Values is a session-scoped string key-value store
type Values interface {
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

// Taker is implemented by stores that can read and delete a key in one
// atomic step. The Redirector prefers it over Get followed by Remove.
type Taker interface {
	Take(ctx context.Context, key string) (value string, found bool, err error)
}

// MemoryValues is an in-process Values, used in tests and by callers that
// keep session state in memory
type MemoryValues struct {
	mu   sync.Mutex
	data map[string]string
}

// NewMemoryValues creates a MemoryValues seeded with initial
func NewMemoryValues(initial map[string]string) *MemoryValues {
	data := make(map[string]string, len(initial))
	for k, v := range initial {
		data[k] = v
	}
	return &MemoryValues{data: data}
}

func (m *MemoryValues) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *MemoryValues) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *MemoryValues) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Len returns the number of stored keys
func (m *MemoryValues) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}
