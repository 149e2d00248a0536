package storage

import (
	"context"
	"errors"
	"time"
)

// ErrSessionNotFound is returned when a session doesn't exist or has expired
var ErrSessionNotFound = errors.New("session not found")

// ErrSessionExists is returned when creating a session whose ID is taken
var ErrSessionExists = errors.New("session already exists")

// ErrValueNotFound is returned when a session has no value under a key
var ErrValueNotFound = errors.New("value not found")

// Session is a browser session. The values stored against it live
// alongside but are only reachable through ValueStore.
type Session struct {
	ID            string    `json:"id"`
	Email         string    `json:"email,omitempty"`
	Authenticated bool      `json:"authenticated"`
	CreatedAt     time.Time `json:"created_at"`
	LastSeen      time.Time `json:"last_seen"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// IsExpired reports whether the session is past its expiry
func (s *Session) IsExpired() bool {
	return !s.ExpiresAt.IsZero() && !time.Now().Before(s.ExpiresAt)
}

// NewSession builds a session that expires ttl from now
func NewSession(id string, ttl time.Duration) *Session {
	now := time.Now()
	return &Session{
		ID:        id,
		CreatedAt: now,
		LastSeen:  now,
		ExpiresAt: now.Add(ttl),
	}
}

// SessionStore manages browser session records
type SessionStore interface {
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	// SetAuthenticated flips the session's authentication flag. Logging out
	// clears the email.
	SetAuthenticated(ctx context.Context, sessionID string, authenticated bool, email string) (*Session, error)
	// TouchSession records activity and slides the expiry to ttl from now
	TouchSession(ctx context.Context, sessionID string, ttl time.Duration) error
	// RotateSession moves a session and its values to newID and marks it
	// authenticated as email. oldID stops resolving. Fails with
	// ErrSessionExists when newID is taken.
	RotateSession(ctx context.Context, oldID, newID, email string) (*Session, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// ValueStore holds string values scoped to a session. Values disappear
// with their session.
type ValueStore interface {
	GetValue(ctx context.Context, sessionID, key string) (string, error)
	SetValue(ctx context.Context, sessionID, key, value string) error
	RemoveValue(ctx context.Context, sessionID, key string) error
	// TakeValue reads and removes a value in one atomic step
	TakeValue(ctx context.Context, sessionID, key string) (string, error)
}

// Storage combines everything the service persists
type Storage interface {
	SessionStore
	ValueStore

	// CleanupExpiredSessions removes expired sessions and their values
	CleanupExpiredSessions(ctx context.Context) (int, error)
	Close() error
}
