package storage

import (
	"context"
	"errors"
	"sync"

	"github.com/dgellow/authredirect/internal/redirect"
)

var (
	_ redirect.Values = (*SessionValues)(nil)
	_ redirect.Taker  = (*SessionValues)(nil)
)

// SessionValues exposes one session's values as a redirect.Values.
// A missing value reads as absent rather than as an error.
type SessionValues struct {
	store ValueStore

	mu        sync.RWMutex
	sessionID string
}

// NewSessionValues binds store to sessionID
func NewSessionValues(store ValueStore, sessionID string) *SessionValues {
	return &SessionValues{store: store, sessionID: sessionID}
}

// Rebind points v at another session, used when a login rotates the id
func (v *SessionValues) Rebind(sessionID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.sessionID = sessionID
}

// SessionID returns the session v currently reads from
func (v *SessionValues) SessionID() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.sessionID
}

func (v *SessionValues) Get(ctx context.Context, key string) (string, bool, error) {
	return found(v.store.GetValue(ctx, v.SessionID(), key))
}

func (v *SessionValues) Set(ctx context.Context, key, value string) error {
	return v.store.SetValue(ctx, v.SessionID(), key, value)
}

func (v *SessionValues) Remove(ctx context.Context, key string) error {
	return v.store.RemoveValue(ctx, v.SessionID(), key)
}

func (v *SessionValues) Take(ctx context.Context, key string) (string, bool, error) {
	return found(v.store.TakeValue(ctx, v.SessionID(), key))
}

func found(value string, err error) (string, bool, error) {
	if errors.Is(err, ErrValueNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}
