package authstate

import (
	"context"
	"sync"

	"github.com/dgellow/authredirect/internal/log"
	"github.com/google/uuid"
)

var _ Broker = (*MemoryBroker)(nil)

// MemoryBroker delivers events within one process
type MemoryBroker struct {
	mu     sync.Mutex
	subs   map[string]map[string]*latest // sessionID -> subscriberID -> mailbox
	closed bool
}

// NewMemoryBroker creates an in-process broker
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string]map[string]*latest)}
}

func (b *MemoryBroker) Publish(_ context.Context, event Event) error {
	b.mu.Lock()
	targets := make([]*latest, 0, len(b.subs[event.SessionID]))
	for _, sub := range b.subs[event.SessionID] {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	for _, sub := range targets {
		sub.deliver(event)
	}

	log.LogTraceWithFields("authstate", "Published auth event", map[string]any{
		"session":     event.SessionID,
		"subscribers": len(targets),
	})
	return nil
}

func (b *MemoryBroker) Subscribe(ctx context.Context, sessionID string) (<-chan Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBrokerClosed
	}

	id := uuid.NewString()
	sub := newLatest()
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[string]*latest)
	}
	b.subs[sessionID][id] = sub

	go func() {
		<-ctx.Done()
		b.unsubscribe(sessionID, id)
		sub.close()
	}()

	return sub.ch, nil
}

func (b *MemoryBroker) unsubscribe(sessionID, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs[sessionID], id)
	if len(b.subs[sessionID]) == 0 {
		delete(b.subs, sessionID)
	}
}

// Subscribers returns how many subscriptions a session has
func (b *MemoryBroker) Subscribers(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[sessionID])
}

// Close ends every subscription
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.close()
		}
	}
	b.subs = make(map[string]map[string]*latest)
	return nil
}
