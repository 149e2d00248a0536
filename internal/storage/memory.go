package storage

import (
	"context"
	"sync"
	"time"
)

var _ Storage = (*MemoryStorage)(nil)

type memorySession struct {
	session Session
	values  map[string]string
}

// MemoryStorage keeps sessions in process memory. Everything is lost on
// restart, which is fine for development and single-instance deployments.
type MemoryStorage struct {
	mu       sync.RWMutex
	sessions map[string]*memorySession
}

// NewMemoryStorage creates a new storage instance
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		sessions: make(map[string]*memorySession),
	}
}

// lookup returns a live session entry. Caller holds the lock.
func (s *MemoryStorage) lookup(sessionID string) (*memorySession, error) {
	entry, ok := s.sessions[sessionID]
	if !ok || entry.session.IsExpired() {
		return nil, ErrSessionNotFound
	}
	return entry, nil
}

func (s *MemoryStorage) CreateSession(_ context.Context, session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.lookup(session.ID); err == nil {
		return ErrSessionExists
	}
	s.sessions[session.ID] = &memorySession{
		session: *session,
		values:  make(map[string]string),
	}
	return nil
}

func (s *MemoryStorage) GetSession(_ context.Context, sessionID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, err := s.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	session := entry.session
	return &session, nil
}

func (s *MemoryStorage) SetAuthenticated(_ context.Context, sessionID string, authenticated bool, email string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	entry.session.Authenticated = authenticated
	if authenticated {
		entry.session.Email = email
	} else {
		entry.session.Email = ""
	}
	entry.session.LastSeen = time.Now()

	session := entry.session
	return &session, nil
}

func (s *MemoryStorage) TouchSession(_ context.Context, sessionID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.lookup(sessionID)
	if err != nil {
		return err
	}
	now := time.Now()
	entry.session.LastSeen = now
	entry.session.ExpiresAt = now.Add(ttl)
	return nil
}

func (s *MemoryStorage) RotateSession(_ context.Context, oldID, newID, email string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.lookup(oldID)
	if err != nil {
		return nil, err
	}
	if _, err := s.lookup(newID); err == nil {
		return nil, ErrSessionExists
	}

	entry.session.ID = newID
	entry.session.Authenticated = true
	entry.session.Email = email
	entry.session.LastSeen = time.Now()
	s.sessions[newID] = entry
	delete(s.sessions, oldID)

	session := entry.session
	return &session, nil
}

func (s *MemoryStorage) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

func (s *MemoryStorage) GetValue(_ context.Context, sessionID, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, err := s.lookup(sessionID)
	if err != nil {
		return "", err
	}
	value, ok := entry.values[key]
	if !ok {
		return "", ErrValueNotFound
	}
	return value, nil
}

func (s *MemoryStorage) SetValue(_ context.Context, sessionID, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.lookup(sessionID)
	if err != nil {
		return err
	}
	entry.values[key] = value
	return nil
}

func (s *MemoryStorage) RemoveValue(_ context.Context, sessionID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.lookup(sessionID)
	if err != nil {
		// Nothing to remove
		return nil
	}
	delete(entry.values, key)
	return nil
}

func (s *MemoryStorage) TakeValue(_ context.Context, sessionID, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.lookup(sessionID)
	if err != nil {
		return "", err
	}
	value, ok := entry.values[key]
	if !ok {
		return "", ErrValueNotFound
	}
	delete(entry.values, key)
	return value, nil
}

func (s *MemoryStorage) CleanupExpiredSessions(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for id, entry := range s.sessions {
		if entry.session.IsExpired() {
			delete(s.sessions, id)
			count++
		}
	}
	return count, nil
}

func (s *MemoryStorage) Close() error {
	return nil
}
